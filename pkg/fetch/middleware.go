package fetch

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Middleware wraps an http.RoundTripper.
type Middleware func(http.RoundTripper) http.RoundTripper

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Wrap applies middleware in order; the first one sees the request first.
func Wrap(rt http.RoundTripper, middlewares ...Middleware) http.RoundTripper {
	filtered := make([]Middleware, 0, len(middlewares))
	for _, mw := range middlewares {
		if mw != nil {
			filtered = append(filtered, mw)
		}
	}
	for i := len(filtered) - 1; i >= 0; i-- {
		rt = filtered[i](rt)
	}
	return rt
}

// UserAgent sets the User-Agent header on outgoing requests.
func UserAgent(ua string) Middleware {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return nil
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			r = r.Clone(r.Context())
			r.Header.Set("User-Agent", ua)
			return next.RoundTrip(r)
		})
	}
}

// Logging records each request at debug level.
func Logging(logger zerolog.Logger) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(r)
			ev := logger.Debug().Str("method", r.Method).Str("url", r.URL.String()).Dur("elapsed", time.Since(start))
			if err != nil {
				ev.Err(err).Msg("request failed")
				return resp, err
			}
			ev.Int("status", resp.StatusCode).Msg("request")
			return resp, nil
		})
	}
}

// RateLimitOptions configures the client-side request budget.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration
	Now      func() time.Time
}

// ErrRateLimited is returned when the request budget is spent.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit enforces a token bucket over all outgoing requests. Requests over
// budget fail immediately with ErrRateLimited.
func RateLimit(opts RateLimitOptions) Middleware {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil
	}
	bucket := newTokenBucket(opts)
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if !bucket.Allow() {
				return nil, ErrRateLimited
			}
			return next.RoundTrip(r)
		})
	}
}

type tokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	now          func() time.Time
}

func newTokenBucket(opts RateLimitOptions) *tokenBucket {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &tokenBucket{
		capacity:     float64(opts.Requests),
		tokens:       float64(opts.Requests),
		refillPerSec: float64(opts.Requests) / opts.Window.Seconds(),
		last:         now(),
		now:          now,
	}
}

func (t *tokenBucket) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if elapsed := now.Sub(t.last).Seconds(); elapsed > 0 {
		t.tokens = min(t.capacity, t.tokens+elapsed*t.refillPerSec)
		t.last = now
	}
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}
