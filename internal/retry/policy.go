package retry

import (
	"time"

	"github.com/openwind/constraintbuilder/internal/config"
)

// Policy is the wait schedule between attempts against a provider. Do spends
// at most MaxRetries retries; Forever ignores the bound.
type Policy struct {
	Mode       config.RetryBackoffMode
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

// Provider outages tend to last minutes, so acquisition waits a flat ten
// seconds between attempts unless configured otherwise.
const (
	defaultDelay      = 10 * time.Second
	defaultMaxDelay   = time.Minute
	defaultMaxRetries = 5
)

// DefaultPolicy waits a fixed ten seconds and allows five bounded retries.
func DefaultPolicy() Policy {
	return Policy{Mode: config.RetryBackoffFixed, Initial: defaultDelay, Max: defaultMaxDelay, MaxRetries: defaultMaxRetries}
}

// NewPolicy overlays the given settings on DefaultPolicy. Zero durations, a
// negative retry count and unknown modes keep the default; Initial never
// exceeds Max.
func NewPolicy(mode config.RetryBackoffMode, initial, maxDelay time.Duration, maxRetries int) Policy {
	p := DefaultPolicy()
	switch mode {
	case config.RetryBackoffFixed, config.RetryBackoffLinear, config.RetryBackoffExponential:
		p.Mode = mode
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	p.Initial = min(p.Initial, p.Max)
	return p
}

// FromConfig builds the policy of the build section.
func FromConfig(b config.BuildConfig) Policy {
	return NewPolicy(b.RetryBackoff, b.RetryDelay, b.RetryMaxDelay, b.MaxRetries)
}

// Delay is the wait before retry n, counting from 1. It is capped at Max.
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Mode {
	case config.RetryBackoffExponential:
		if n > 30 {
			return p.Max
		}
		if d = p.Initial << (n - 1); d <= 0 {
			return p.Max
		}
	case config.RetryBackoffLinear:
		d = time.Duration(n) * p.Initial
	default:
		d = p.Initial
	}
	return min(d, p.Max)
}
