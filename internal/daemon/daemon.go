package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/marcin-skalski/pr-reactions/internal/cache"
	"github.com/marcin-skalski/pr-reactions/internal/config"
	"github.com/marcin-skalski/pr-reactions/internal/dispatcher"
	"github.com/marcin-skalski/pr-reactions/internal/message"
	"github.com/marcin-skalski/pr-reactions/internal/metrics"
	"github.com/marcin-skalski/pr-reactions/internal/queue"
	"github.com/marcin-skalski/pr-reactions/internal/resolver"
	"github.com/marcin-skalski/pr-reactions/internal/tui"
	"github.com/marcin-skalski/pr-reactions/internal/worker"
)

// maxRecent bounds the convergences kept for the dashboard.
const maxRecent = 50

// Chat is the channel the daemon reads from and reacts in.
type Chat interface {
	dispatcher.Chat
	worker.Reactor
}

type conditionStats struct {
	reaction  string
	queue     *queue.Queue[message.Message]
	converged int
	pending   int
}

type Daemon struct {
	cfg        *config.Config
	dispatcher *dispatcher.Dispatcher
	workers    []*worker.Worker
	targets    []dispatcher.Target
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *slog.Logger

	mu        sync.Mutex
	cycles    int
	lastCycle tui.CycleState
	nextCycle time.Time
	stats     map[resolver.Condition]*conditionStats
	recent    []tui.ConvergenceState
}

// New wires the pipeline: one queue and one worker per condition, fed by a
// single dispatcher. gatherer may be nil when no metrics address is set.
func New(cfg *config.Config, chat Chat, gh resolver.Fetcher, store *cache.Store, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) *Daemon {
	d := &Daemon{
		cfg:      cfg,
		metrics:  m,
		gatherer: gatherer,
		logger:   logger,
		stats:    make(map[resolver.Condition]*conditionStats),
	}

	extractor := message.NewExtractor(cfg.GitHub.Host)
	res := resolver.New(gh, store, m, logger)

	conditions := []struct {
		cond     resolver.Condition
		reaction string
	}{
		{resolver.Approved, cfg.Slack.Reactions.Approved},
		{resolver.Merged, cfg.Slack.Reactions.Merged},
	}
	for _, c := range conditions {
		q := queue.New[message.Message]()
		d.targets = append(d.targets, dispatcher.Target{Condition: c.cond, Reaction: c.reaction, Queue: q})
		d.stats[c.cond] = &conditionStats{reaction: c.reaction, queue: q}
		d.workers = append(d.workers, worker.New(worker.Options{
			Condition: c.cond,
			Channel:   cfg.Slack.Channel,
			Reaction:  c.reaction,
			DryRun:    cfg.DryRun,
			OnOutcome: d.recordOutcome,
		}, q, extractor, res, chat, store, m, logger))
	}

	d.dispatcher = dispatcher.New(chat, extractor, dispatcher.Options{
		Channel: cfg.Slack.Channel,
		Window:  cfg.Slack.Window,
	}, d.targets, m, logger)

	return d
}

// Run polls immediately and then every poll interval until ctx is done.
// Cycles never overlap; a failed or panicking cycle is logged and the
// schedule continues.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon started",
		"poll_interval", d.cfg.PollInterval,
		"channel", d.cfg.Slack.Channel,
		"window", d.cfg.Slack.Window,
		"dry_run", d.cfg.DryRun)

	g, gctx := errgroup.WithContext(ctx)
	d.startWorkers(gctx, g)

	if d.cfg.Metrics.Address != "" && d.gatherer != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, d.cfg.Metrics.Address, d.gatherer, d.logger)
		})
	}

	g.Go(func() error {
		defer d.closeQueues()

		d.safeCycle(gctx)

		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()
		d.setNextCycle(time.Now().Add(d.cfg.PollInterval))

		for {
			select {
			case <-gctx.Done():
				d.logger.Info("shutting down, waiting for workers")
				return nil
			case <-ticker.C:
				d.safeCycle(gctx)
				d.setNextCycle(time.Now().Add(d.cfg.PollInterval))
			}
		}
	})

	err := g.Wait()
	d.logger.Info("all workers stopped")
	return err
}

// RunOnce runs a single cycle, drains the queues and stops the workers.
func (d *Daemon) RunOnce(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	d.startWorkers(gctx, g)

	var cycleErr error
	g.Go(func() error {
		defer d.closeQueues()
		cycleErr = d.cycle(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return cycleErr
}

func (d *Daemon) startWorkers(ctx context.Context, g *errgroup.Group) {
	for _, w := range d.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
}

func (d *Daemon) closeQueues() {
	for _, t := range d.targets {
		t.Queue.Close()
	}
}

// safeCycle runs one cycle and never panics.
func (d *Daemon) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("cycle panicked, rescheduled", "panic", r, "stack", string(debug.Stack()))
			d.metrics.CycleDone("panic", 0)
			d.mu.Lock()
			d.lastCycle.Err = fmt.Sprint(r)
			d.mu.Unlock()
		}
	}()
	if err := d.cycle(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("cycle failed, rescheduled", "err", err)
	}
}

func (d *Daemon) cycle(ctx context.Context) error {
	report, err := d.dispatcher.RunCycle(ctx)

	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.CycleDone(result, report.Duration)

	state := tui.CycleState{
		ID:       report.ID,
		Started:  report.Started,
		Duration: report.Duration,
		Messages: report.Messages,
	}
	if err != nil {
		state.Err = err.Error()
	}
	d.mu.Lock()
	d.cycles++
	d.lastCycle = state
	d.mu.Unlock()

	if err != nil {
		return fmt.Errorf("run cycle: %w", err)
	}
	return nil
}

func (d *Daemon) setNextCycle(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextCycle = t
}

func (d *Daemon) recordOutcome(o worker.Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats[o.Condition]
	if s == nil {
		return
	}
	if !o.Converged {
		s.pending++
		return
	}
	s.converged++

	refs := make([]string, 0, len(o.Refs))
	for _, r := range o.Refs {
		refs = append(refs, r.URL())
	}
	entry := tui.ConvergenceState{
		Condition: o.Condition.String(),
		TS:        o.TS,
		Refs:      refs,
		Reacted:   o.Reacted,
		DryRun:    o.DryRun,
		At:        o.At,
	}
	d.recent = append([]tui.ConvergenceState{entry}, d.recent...)
	if len(d.recent) > maxRecent {
		d.recent = d.recent[:maxRecent]
	}
}

func (d *Daemon) GetSnapshot() tui.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	conds := make([]tui.ConditionState, 0, len(d.targets))
	for _, t := range d.targets {
		s := d.stats[t.Condition]
		conds = append(conds, tui.ConditionState{
			Name:      t.Condition.String(),
			Reaction:  s.reaction,
			Queued:    s.queue.Pending(),
			Converged: s.converged,
			Pending:   s.pending,
		})
	}

	return tui.Snapshot{
		Timestamp:  time.Now(),
		Channel:    d.cfg.Slack.Channel,
		DryRun:     d.cfg.DryRun,
		Cycles:     d.cycles,
		LastCycle:  d.lastCycle,
		NextCycle:  d.nextCycle,
		Conditions: conds,
		Recent:     append([]tui.ConvergenceState(nil), d.recent...),
	}
}
