package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/marcin-skalski/pr-reactions/internal/message"
	"github.com/marcin-skalski/pr-reactions/internal/metrics"
	"github.com/marcin-skalski/pr-reactions/internal/queue"
	"github.com/marcin-skalski/pr-reactions/internal/resolver"
)

type state int

const (
	stateWaiting state = iota
	stateProcessing
	stateConverged
	statePending
)

type Resolver interface {
	Resolve(ctx context.Context, ref message.Reference, cond resolver.Condition) bool
}

// Reactor applies a reaction to a message. In dry-run mode it must not
// write anything.
type Reactor interface {
	AddReaction(ctx context.Context, channel, name, ts string, dryRun bool) error
}

type Evicter interface {
	Evict(resource, kind string) error
}

type Extractor interface {
	References(m message.Message) []message.Reference
}

// Outcome is the result of processing one message.
type Outcome struct {
	Condition resolver.Condition
	TS        string
	Refs      []message.Reference
	Converged bool
	Reacted   bool
	DryRun    bool
	At        time.Time
}

type Options struct {
	Condition resolver.Condition
	Channel   string
	Reaction  string
	DryRun    bool

	// OnOutcome, if set, is called after every processed message.
	OnOutcome func(Outcome)
}

type Worker struct {
	opts      Options
	queue     *queue.Queue[message.Message]
	extractor Extractor
	resolver  Resolver
	reactor   Reactor
	cache     Evicter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now func() time.Time
}

func New(opts Options, q *queue.Queue[message.Message], ex Extractor, res Resolver, re Reactor, ev Evicter, m *metrics.Metrics, logger *slog.Logger) *Worker {
	return &Worker{
		opts:      opts,
		queue:     q,
		extractor: ex,
		resolver:  res,
		reactor:   re,
		cache:     ev,
		metrics:   m,
		logger:    logger.With("component", "worker", "condition", opts.Condition.String()),
		now:       time.Now,
	}
}

// Run consumes the queue until the stop marker is reached or ctx is done.
// Every message taken from the queue is marked done exactly once.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "reaction", w.opts.Reaction, "dry_run", w.opts.DryRun)
	for {
		w.logger.Debug("waiting for work", "state", stateString(stateWaiting))
		msg, ok := w.queue.Get(ctx)
		if !ok {
			w.logger.Info("worker stopped")
			return nil
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg message.Message) {
	defer w.queue.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("message processing panicked", "ts", msg.TS, "panic", r)
			w.metrics.Outcome(w.opts.Condition.String(), "failed")
		}
	}()
	w.Process(ctx, msg)
}

// Process resolves every reference in msg and, when all of them satisfy
// the condition, reacts to the message and evicts the cache entries used.
func (w *Worker) Process(ctx context.Context, msg message.Message) Outcome {
	logger := w.logger.With("ts", msg.TS)
	logger.Debug("processing message", "state", stateString(stateProcessing))

	out := Outcome{
		Condition: w.opts.Condition,
		TS:        msg.TS,
		Refs:      dedupe(w.extractor.References(msg)),
		DryRun:    w.opts.DryRun,
	}

	s := w.evaluate(ctx, out.Refs, logger)
	logger.Info("evaluated message", "state", stateString(s), "refs", len(out.Refs))

	if s == stateConverged {
		out.Converged = true
		out.Reacted = w.converge(ctx, msg, out.Refs, logger)
	}

	w.metrics.Outcome(w.opts.Condition.String(), stateString(s))
	out.At = w.now()
	if w.opts.OnOutcome != nil {
		w.opts.OnOutcome(out)
	}
	return out
}

func (w *Worker) evaluate(ctx context.Context, refs []message.Reference, logger *slog.Logger) state {
	if len(refs) == 0 {
		logger.Debug("no references, nothing to do")
		return statePending
	}
	converged := true
	for _, ref := range refs {
		ok := w.resolver.Resolve(ctx, ref, w.opts.Condition)
		logger.Debug("reference resolved", "ref", ref.String(), "satisfied", ok)
		if !ok {
			// keep resolving the rest so their caches are refreshed too
			converged = false
		}
	}
	if !converged {
		return statePending
	}
	return stateConverged
}

// converge reacts to msg and, once the reaction is in place, evicts the
// cache entries of its references. A failed reaction keeps the cache so the
// next cycle converges again without refetching.
func (w *Worker) converge(ctx context.Context, msg message.Message, refs []message.Reference, logger *slog.Logger) bool {
	if err := w.reactor.AddReaction(ctx, w.opts.Channel, w.opts.Reaction, msg.TS, w.opts.DryRun); err != nil {
		logger.Error("failed to add reaction", "reaction", w.opts.Reaction, "error", err)
		return false
	}
	w.metrics.Reaction(w.opts.Condition.String(), w.opts.DryRun)
	logger.Info("reaction added", "reaction", w.opts.Reaction, "dry_run", w.opts.DryRun)

	kind := w.opts.Condition.Kind()
	for _, ref := range refs {
		if err := w.cache.Evict(ref.Path(), kind); err != nil {
			logger.Warn("failed to evict cache entry", "ref", ref.String(), "error", err)
		}
	}
	return true
}

// dedupe drops repeated links to the same pull request, keeping order.
func dedupe(refs []message.Reference) []message.Reference {
	seen := make(map[string]bool, len(refs))
	out := refs[:0:0]
	for _, r := range refs {
		if seen[r.Path()] {
			continue
		}
		seen[r.Path()] = true
		out = append(out, r)
	}
	return out
}

func stateString(s state) string {
	switch s {
	case stateWaiting:
		return "waiting"
	case stateProcessing:
		return "processing"
	case stateConverged:
		return "converged"
	case statePending:
		return "pending"
	default:
		return "unknown"
	}
}
