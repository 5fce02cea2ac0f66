// Package httpretry retries requests that failed at the connection level.
// Responses, whatever their status, are returned to the caller untouched.
package httpretry

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var errBodyConsumed = errors.New("request body already consumed and cannot be replayed")

// Config configures exponential backoff between attempts.
type Config struct {
	MaxRetries int           // attempts after the first one
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // upper bound for a single delay
	Multiplier float64
	Jitter     bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(maxRetries int) Config {
	return Config{
		MaxRetries: maxRetries,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// backOff builds the delay schedule. Jitter spreads each delay by +/- 25%.
func (c Config) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = 0
	if c.Jitter {
		b.RandomizationFactor = 0.25
	}
	b.Reset()
	return b
}

type Transport struct {
	Base   http.RoundTripper
	Config Config
	Logger *slog.Logger
}

func NewTransport(base http.RoundTripper, cfg Config, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Config: cfg, Logger: logger}
}

// NewClient returns an http.Client using a retrying transport.
func NewClient(cfg Config, logger *slog.Logger) *http.Client {
	return &http.Client{
		Transport: NewTransport(nil, cfg, logger),
		Timeout:   60 * time.Second,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	maxRetries := max(t.Config.MaxRetries, 0)
	attempt := 0

	op := func() (*http.Response, error) {
		r := req
		if attempt > 0 {
			if req.Body != nil && req.Body != http.NoBody {
				if req.GetBody == nil {
					return nil, backoff.Permanent(errBodyConsumed)
				}
				body, err := req.GetBody()
				if err != nil {
					return nil, backoff.Permanent(err)
				}
				r = req.Clone(req.Context())
				r.Body = body
			}
		}
		attempt++
		return t.Base.RoundTrip(r)
	}

	notify := func(err error, delay time.Duration) {
		if t.Logger == nil {
			return
		}
		t.Logger.Warn("connection error, retrying",
			"url", req.URL.Redacted(),
			"attempt", attempt,
			"max_retries", maxRetries,
			"delay", delay,
			"err", err)
	}

	return backoff.Retry(req.Context(), op,
		backoff.WithBackOff(t.Config.backOff()),
		backoff.WithMaxTries(uint(maxRetries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify))
}
