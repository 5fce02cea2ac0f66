// Package metrics defines the Prometheus collectors of the daemon and the
// optional scrape endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pr_reactions"

type Metrics struct {
	Cycles         *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	Enqueued       *prometheus.CounterVec
	Outcomes       *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	APIResponses   *prometheus.CounterVec
	RateLimitWaits *prometheus.CounterVec
	Reactions      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Polling cycles by result.",
		}, []string{"result"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a polling cycle including queue drain.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		Enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "Messages handed to a condition worker.",
		}, []string{"condition"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_outcomes_total",
			Help:      "Processed messages by condition and outcome.",
		}, []string{"condition", "outcome"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by entry kind and result.",
		}, []string{"kind", "result"}),
		APIResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_responses_total",
			Help:      "Remote API calls by service and result.",
		}, []string{"service", "result"}),
		RateLimitWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Times a client blocked on a rate limit.",
		}, []string{"service"}),
		Reactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactions_total",
			Help:      "Reactions applied by condition.",
		}, []string{"condition", "dry_run"}),
	}
}

func (m *Metrics) CycleDone(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) MessageEnqueued(condition string) {
	if m == nil {
		return
	}
	m.Enqueued.WithLabelValues(condition).Inc()
}

func (m *Metrics) Outcome(condition, outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(condition, outcome).Inc()
}

func (m *Metrics) CacheLookup(kind, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) APIResponse(service, result string) {
	if m == nil {
		return
	}
	m.APIResponses.WithLabelValues(service, result).Inc()
}

func (m *Metrics) RateLimitWait(service string) {
	if m == nil {
		return
	}
	m.RateLimitWaits.WithLabelValues(service).Inc()
}

func (m *Metrics) Reaction(condition string, dryRun bool) {
	if m == nil {
		return
	}
	m.Reactions.WithLabelValues(condition, strconv.FormatBool(dryRun)).Inc()
}

// Serve exposes the gatherer on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
