// Package dispatcher runs one polling cycle: it reads the channel, hands
// every message still waiting for a reaction to the queue of that
// condition, and waits for all queues to drain.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marcin-skalski/pr-reactions/internal/message"
	"github.com/marcin-skalski/pr-reactions/internal/metrics"
	"github.com/marcin-skalski/pr-reactions/internal/queue"
	"github.com/marcin-skalski/pr-reactions/internal/resolver"
)

// Chat reads the channel.
type Chat interface {
	FetchRecentMessages(ctx context.Context, channel string, window time.Duration) ([]message.Message, error)
	FetchReplies(ctx context.Context, channel string, window time.Duration, threadTS string) ([]message.Message, error)
}

type Extractor interface {
	References(m message.Message) []message.Reference
}

// Target binds a condition to the reaction marking it and the queue its
// worker consumes.
type Target struct {
	Condition resolver.Condition
	Reaction  string
	Queue     *queue.Queue[message.Message]
}

type Options struct {
	Channel string
	Window  time.Duration
}

// CycleReport summarises one cycle.
type CycleReport struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Messages int
	Enqueued map[resolver.Condition]int
}

type Dispatcher struct {
	chat      Chat
	extractor Extractor
	opts      Options
	targets   []Target
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now func() time.Time
}

func New(chat Chat, ex Extractor, opts Options, targets []Target, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		chat:      chat,
		extractor: ex,
		opts:      opts,
		targets:   targets,
		metrics:   m,
		logger:    logger.With("component", "dispatcher", "channel", opts.Channel),
		now:       time.Now,
	}
}

// RunCycle enqueues every message that links at least one pull request and
// lacks the reaction of a target, then blocks until every target queue has
// drained. Only a failure to read the channel history is returned.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{
		ID:       uuid.NewString(),
		Started:  d.now(),
		Enqueued: make(map[resolver.Condition]int, len(d.targets)),
	}
	logger := d.logger.With("cycle", report.ID)
	logger.Info("cycle started", "window", d.opts.Window)

	msgs, err := d.collect(ctx, logger)
	if err != nil {
		report.Duration = d.now().Sub(report.Started)
		return report, err
	}
	report.Messages = len(msgs)

	for _, msg := range msgs {
		if len(d.extractor.References(msg)) == 0 {
			continue
		}
		for _, t := range d.targets {
			if message.HasReaction(msg, t.Reaction) {
				continue
			}
			t.Queue.Put(msg)
			report.Enqueued[t.Condition]++
			d.metrics.MessageEnqueued(t.Condition.String())
		}
	}
	for _, t := range d.targets {
		logger.Debug("enqueued", "condition", t.Condition.String(), "count", report.Enqueued[t.Condition])
	}

	for _, t := range d.targets {
		if err := t.Queue.Join(ctx); err != nil {
			report.Duration = d.now().Sub(report.Started)
			return report, fmt.Errorf("wait for %s queue: %w", t.Condition, err)
		}
	}

	report.Duration = d.now().Sub(report.Started)
	logger.Info("cycle finished", "messages", report.Messages, "duration", report.Duration)
	return report, nil
}

// collect returns the history of the window with every thread expanded to
// its replies. A message appears once even when it is both a history entry
// and a thread reply.
func (d *Dispatcher) collect(ctx context.Context, logger *slog.Logger) ([]message.Message, error) {
	history, err := d.chat.FetchRecentMessages(ctx, d.opts.Channel, d.opts.Window)
	if err != nil {
		return nil, fmt.Errorf("fetch channel history: %w", err)
	}

	seen := make(map[string]bool, len(history))
	var out []message.Message
	add := func(m message.Message) {
		if m.TS == "" || seen[m.TS] {
			return
		}
		seen[m.TS] = true
		out = append(out, m)
	}

	for _, parent := range history {
		replies, err := d.chat.FetchReplies(ctx, d.opts.Channel, d.opts.Window, parent.TS)
		if err != nil {
			logger.Warn("failed to fetch replies, using parent only", "ts", parent.TS, "error", err)
			add(parent)
			continue
		}
		if len(replies) == 0 {
			add(parent)
			continue
		}
		for _, r := range replies {
			add(r)
		}
	}
	logger.Debug("collected messages", "history", len(history), "total", len(out))
	return out, nil
}
