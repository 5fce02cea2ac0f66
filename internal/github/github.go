// Package github is a rate-limit aware client for the GitHub REST API.
//
// Do never returns an error. Throttling is absorbed by blocking until the
// quota resets and retrying the same request; every other failure comes
// back as a Response with StatusEmpty, which callers treat as "no data,
// try later".
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/marcin-skalski/pr-reactions/internal/httpretry"
	"github.com/marcin-skalski/pr-reactions/internal/metrics"
)

const (
	service = "github"

	// added to every reset time, the reset header has second resolution
	resetBuffer = time.Second

	defaultSecondaryWait = time.Minute
)

type Status int

const (
	StatusEmpty Status = iota
	StatusOK
	StatusNotModified
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotModified:
		return "not_modified"
	default:
		return "empty"
	}
}

type Request struct {
	Method string
	Route  string // relative to the API base URL, or absolute
	Header http.Header
	Query  url.Values
	Body   any
}

func (r Request) target() string {
	if len(r.Query) == 0 {
		return r.Route
	}
	sep := "?"
	if strings.Contains(r.Route, "?") {
		sep = "&"
	}
	return r.Route + sep + r.Query.Encode()
}

type Response struct {
	Status     Status
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
	NextPage   int
}

type Client struct {
	gh      *gh.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type options struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	rps        float64
	burst      int
	metrics    *metrics.Metrics
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*options)

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(u string) Option { return func(o *options) { o.baseURL = u } }

// WithHTTPClient replaces the retrying transport.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithMaxRetries bounds connection-level retries.
func WithMaxRetries(n int) Option { return func(o *options) { o.maxRetries = n } }

// WithRateLimit paces outgoing requests. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		o.rps = rps
		o.burst = burst
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func New(token string, logger *slog.Logger, opts ...Option) (*Client, error) {
	o := options{
		maxRetries: 3,
		now:        time.Now,
		sleep:      httpretry.Sleep,
	}
	for _, opt := range opts {
		opt(&o)
	}

	base := o.httpClient
	if base == nil {
		base = httpretry.NewClient(httpretry.DefaultConfig(o.maxRetries), logger.With("component", "github-transport"))
	}
	httpClient := base
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}

	client := gh.NewClient(httpClient)
	if o.baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(o.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse api url %q: %w", o.baseURL, err)
		}
		client.BaseURL = u
	}

	limit := rate.Inf
	burst := o.burst
	if o.rps > 0 {
		limit = rate.Limit(o.rps)
	}
	if burst < 1 {
		burst = 1
	}

	return &Client{
		gh:      client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "github"),
		metrics: o.metrics,
		now:     o.now,
		sleep:   o.sleep,
	}, nil
}

// Do issues the request, blocking on rate limits, and reports the result.
func (c *Client) Do(ctx context.Context, r Request) Response {
	// quota is tracked here, not by go-github's pre-flight check
	ctx = context.WithValue(ctx, gh.BypassRateLimitCheck, true)

	method := r.Method
	if method == "" {
		method = http.MethodGet
		if r.Body != nil {
			method = http.MethodPost
		}
	}

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Warn("request pacing interrupted", "route", r.Route, "err", err)
			return Response{}
		}

		req, err := c.gh.NewRequest(method, r.target(), r.Body)
		if err != nil {
			c.logger.Warn("build request", "route", r.Route, "err", err)
			return Response{}
		}
		for name, values := range r.Header {
			for _, v := range values {
				if v != "" {
					req.Header.Add(name, v)
				}
			}
		}

		c.logger.Debug("calling api", "method", method, "url", req.URL.String())
		var body json.RawMessage
		resp, err := c.gh.Do(ctx, req, &body)

		if resp != nil && resp.StatusCode == http.StatusNotModified {
			c.logger.Debug("requested object was not modified", "route", r.Route)
			c.metrics.APIResponse(service, StatusNotModified.String())
			return Response{Status: StatusNotModified, StatusCode: resp.StatusCode, Header: resp.Header}
		}

		if wait, ok := c.throttled(resp, err); ok {
			c.logger.Warn("api rate limit hit", "route", r.Route, "wait", wait)
			c.metrics.RateLimitWait(service)
			if err := c.sleep(ctx, wait); err != nil {
				return Response{}
			}
			continue
		}

		if err != nil {
			c.logger.Warn("github api client error", "route", r.Route, "err", err)
			c.metrics.APIResponse(service, StatusEmpty.String())
			out := Response{}
			if resp != nil {
				out.StatusCode = resp.StatusCode
			}
			return out
		}

		c.logger.Debug("github api quota",
			"used", resp.Rate.Used,
			"limit", resp.Rate.Limit,
			"remaining", resp.Rate.Remaining)
		c.metrics.APIResponse(service, StatusOK.String())

		out := Response{
			Status:     StatusOK,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
			NextPage:   resp.NextPage,
		}

		if resp.Rate.Limit > 0 && resp.Rate.Remaining == 0 && !resp.Rate.Reset.IsZero() {
			wait := c.until(resp.Rate.Reset.Time)
			c.logger.Warn("api quota exhausted, holding result until reset", "route", r.Route, "wait", wait)
			c.metrics.RateLimitWait(service)
			if err := c.sleep(ctx, wait); err != nil {
				return Response{}
			}
		}
		return out
	}
}

// throttled reports whether the call was rejected by a rate limit and how
// long to wait before retrying it.
func (c *Client) throttled(resp *gh.Response, err error) (time.Duration, bool) {
	var primary *gh.RateLimitError
	if errors.As(err, &primary) {
		return c.until(primary.Rate.Reset.Time), true
	}

	var secondary *gh.AbuseRateLimitError
	if errors.As(err, &secondary) {
		if d := secondary.GetRetryAfter(); d > 0 {
			return d, true
		}
		return defaultSecondaryWait, true
	}

	if err != nil && resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if resp.Rate.Remaining == 0 && !resp.Rate.Reset.IsZero() {
			return c.until(resp.Rate.Reset.Time), true
		}
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
		return defaultSecondaryWait, true
	}
	return 0, false
}

func (c *Client) until(reset time.Time) time.Duration {
	d := reset.Sub(c.now())
	if d < 0 {
		d = 0
	}
	return d + resetBuffer
}
