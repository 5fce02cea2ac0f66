// Package slack reads channel history and adds reactions through the Slack
// Web API. Rate limiting is absorbed here: a 429 is waited out and the
// same call retried.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/marcin-skalski/pr-reactions/internal/httpretry"
	"github.com/marcin-skalski/pr-reactions/internal/message"
	"github.com/marcin-skalski/pr-reactions/internal/metrics"
)

const (
	service   = "slack"
	pageLimit = 200

	errAlreadyReacted = "already_reacted"
)

type Client struct {
	api     *slack.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type options struct {
	apiURL     string
	httpClient *http.Client
	maxRetries int
	metrics    *metrics.Metrics
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*options)

// WithAPIURL points the client at another API root, e.g. a test server.
// The URL must end with a slash.
func WithAPIURL(u string) Option { return func(o *options) { o.apiURL = u } }

func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

func WithMaxRetries(n int) Option { return func(o *options) { o.maxRetries = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func New(token string, logger *slog.Logger, opts ...Option) *Client {
	o := options{
		maxRetries: 3,
		now:        time.Now,
		sleep:      httpretry.Sleep,
	}
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = httpretry.NewClient(httpretry.DefaultConfig(o.maxRetries), logger.With("component", "slack-transport"))
	}
	slackOpts := []slack.Option{slack.OptionHTTPClient(httpClient)}
	if o.apiURL != "" {
		slackOpts = append(slackOpts, slack.OptionAPIURL(o.apiURL))
	}

	return &Client{
		api:     slack.New(token, slackOpts...),
		logger:  logger.With("component", "slack"),
		metrics: o.metrics,
		now:     o.now,
		sleep:   o.sleep,
	}
}

// FetchRecentMessages returns the top-level messages posted to channel
// within the last window, following pagination cursors.
func (c *Client) FetchRecentMessages(ctx context.Context, channel string, window time.Duration) ([]message.Message, error) {
	oldest, latest := c.bounds(window)
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channel,
		Oldest:    oldest,
		Latest:    latest,
		Inclusive: true,
		Limit:     pageLimit,
	}

	var out []message.Message
	for {
		var resp *slack.GetConversationHistoryResponse
		err := c.call(ctx, "conversations.history", func() error {
			var err error
			resp, err = c.api.GetConversationHistoryContext(ctx, params)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("conversations.history: %w", err)
		}
		for _, m := range resp.Messages {
			out = append(out, convert(m))
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}
	c.logger.Debug("fetched channel history", "channel", channel, "messages", len(out))
	return out, nil
}

// FetchReplies returns the thread of threadTS within window, parent first.
func (c *Client) FetchReplies(ctx context.Context, channel string, window time.Duration, threadTS string) ([]message.Message, error) {
	oldest, latest := c.bounds(window)
	params := &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: threadTS,
		Oldest:    oldest,
		Latest:    latest,
		Inclusive: true,
		Limit:     pageLimit,
	}

	var out []message.Message
	for {
		var (
			msgs    []slack.Message
			hasMore bool
			next    string
		)
		err := c.call(ctx, "conversations.replies", func() error {
			var err error
			msgs, hasMore, next, err = c.api.GetConversationRepliesContext(ctx, params)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("conversations.replies %s: %w", threadTS, err)
		}
		for _, m := range msgs {
			out = append(out, convert(m))
		}
		if !hasMore || next == "" {
			break
		}
		params.Cursor = next
	}
	return out, nil
}

// AddReaction adds the reaction to the message. A reaction that is already
// present counts as added. In dry-run mode nothing is written.
func (c *Client) AddReaction(ctx context.Context, channel, name, ts string, dryRun bool) error {
	logger := c.logger.With("channel", channel, "reaction", name, "ts", ts)
	if dryRun {
		logger.Info("dry run, not adding reaction")
		return nil
	}

	err := c.call(ctx, "reactions.add", func() error {
		return c.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, ts))
	})
	if isAlreadyReacted(err) {
		logger.Debug("reaction already present")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reactions.add: %w", err)
	}
	logger.Debug("reaction added")
	return nil
}

// call runs fn, waiting out rate limits until it succeeds or fails with
// another error.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	for {
		err := fn()
		var rl *slack.RateLimitedError
		if !errors.As(err, &rl) {
			if err != nil {
				c.metrics.APIResponse(service, "error")
			} else {
				c.metrics.APIResponse(service, "ok")
			}
			return err
		}
		c.logger.Warn("slack rate limit hit", "method", method, "retry_after", rl.RetryAfter)
		c.metrics.RateLimitWait(service)
		if err := c.sleep(ctx, rl.RetryAfter); err != nil {
			return err
		}
	}
}

func (c *Client) bounds(window time.Duration) (oldest, latest string) {
	now := c.now()
	return timestamp(now.Add(-window)), timestamp(now)
}

// timestamp formats t the way Slack message ids are written.
func timestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func isAlreadyReacted(err error) bool {
	if err == nil {
		return false
	}
	var serr slack.SlackErrorResponse
	if errors.As(err, &serr) {
		return serr.Err == errAlreadyReacted
	}
	return err.Error() == errAlreadyReacted
}

// convert maps an API message onto the block tree model. Blocks are
// re-encoded as JSON so every nesting level survives regardless of the
// block types slack-go knows about.
func convert(m slack.Message) message.Message {
	out := message.Message{
		TS:       m.Timestamp,
		ThreadTS: m.ThreadTimestamp,
		Text:     m.Text,
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, r.Name)
	}
	if len(m.Blocks.BlockSet) == 0 {
		return out
	}
	raw, err := json.Marshal(m.Blocks)
	if err != nil {
		return out
	}
	var blocks []message.Element
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out.Blocks = blocks
	}
	return out
}
