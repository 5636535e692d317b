package retry

import (
	"context"
	"errors"
	"time"
)

// permanent marks an error that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do and Forever return it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

// Notify is invoked before each wait with the 1-based retry number and the failure.
type Notify func(attempt int, delay time.Duration, err error)

// Do runs op until it succeeds, returns a permanent error, the context ends or
// MaxRetries retries have been spent.
func Do(ctx context.Context, p Policy, notify Notify, op func(context.Context) error) error {
	return run(ctx, p, notify, p.MaxRetries, op)
}

// Forever runs op until it succeeds, returns a permanent error or the context
// ends. Upstream providers are assumed to come back eventually; callers that
// need a bound must put a deadline on ctx.
func Forever(ctx context.Context, p Policy, notify Notify, op func(context.Context) error) error {
	return run(ctx, p, notify, -1, op)
}

func run(ctx context.Context, p Policy, notify Notify, limit int, op func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if limit >= 0 && attempt > limit {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}
		delay := p.Delay(attempt)
		if notify != nil {
			notify(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
}
