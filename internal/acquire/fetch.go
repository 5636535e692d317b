package acquire

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/openwind/constraintbuilder/internal/config"
	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/metrics"
	"github.com/openwind/constraintbuilder/internal/retry"
)

// fetcher performs throttled provider requests. Each request is retried a
// few times by the HTTP client and then again, indefinitely, under policy.
type fetcher struct {
	http     *retryablehttp.Client
	policy   retry.Policy
	limiters *hostLimiters
	recorder metrics.Recorder
}

func newFetcher(cfg config.Config, policy retry.Policy, rec metrics.Recorder) *fetcher {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.Catalog.RetryMax
	rc.HTTPClient.Timeout = cfg.Catalog.Timeout
	rc.Logger = slog.Default()
	return &fetcher{
		http:     rc,
		policy:   policy,
		limiters: newHostLimiters(cfg.Build.RequestsPerSecond),
		recorder: rec,
	}
}

// hostLimiters hands out one token bucket per provider host.
type hostLimiters struct {
	mu  sync.Mutex
	rps float64
	m   map[string]*rate.Limiter
}

func newHostLimiters(rps float64) *hostLimiters {
	return &hostLimiters{rps: rps, m: map[string]*rate.Limiter{}}
}

func (h *hostLimiters) wait(ctx context.Context, rawURL string) error {
	if h.rps <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	h.mu.Lock()
	l, ok := h.m[u.Host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.rps), 1)
		h.m[u.Host] = l
	}
	h.mu.Unlock()
	return l.Wait(ctx)
}

// do issues a GET and hands a 200 response body to read. format labels
// retry metrics.
func (f *fetcher) do(ctx context.Context, format, rawURL string, read func(io.Reader) error) error {
	notify := func(attempt int, delay time.Duration, err error) {
		f.recorder.IncDownloadRetry(format)
		slog.Warn("Provider request failed, retrying",
			logfields.URL(rawURL),
			logfields.Attempt(attempt),
			slog.Duration("delay", delay),
			logfields.Error(err))
	}
	return retry.Forever(ctx, f.policy, notify, func(ctx context.Context) error {
		if err := f.limiters.wait(ctx, rawURL); err != nil {
			return retry.Permanent(err)
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return retry.Permanent(cerrors.NetworkError(rawURL, err))
		}
		resp, err := f.http.Do(req)
		if err != nil {
			return cerrors.NetworkError(rawURL, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return cerrors.NetworkError(rawURL, fmt.Errorf("status %d", resp.StatusCode))
		default:
			return retry.Permanent(cerrors.NetworkError(rawURL, fmt.Errorf("status %d", resp.StatusCode)))
		}
		if err := read(resp.Body); err != nil {
			return cerrors.NetworkError(rawURL, err)
		}
		return nil
	})
}

// download streams rawURL into dst through a temporary sibling file.
func (f *fetcher) download(ctx context.Context, format, rawURL, dst string) error {
	return f.do(ctx, format, rawURL, func(r io.Reader) error {
		n, err := writeAtomic(dst, func(w io.Writer) error {
			_, err := io.Copy(w, r)
			return err
		})
		if err != nil {
			return err
		}
		slog.Debug("Downloaded", logfields.Path(dst), slog.String("size", humanize.Bytes(uint64(n))))
		return nil
	})
}

// writeAtomic writes to a temporary file next to dst and renames it into
// place once fill succeeds, so readers never observe a partial file.
func writeAtomic(dst string, fill func(io.Writer) error) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: tmp}
	if err := fill(cw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
