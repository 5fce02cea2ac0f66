package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/pr-reactions/internal/cache"
	"github.com/marcin-skalski/pr-reactions/internal/github"
	"github.com/marcin-skalski/pr-reactions/internal/message"
	"github.com/marcin-skalski/pr-reactions/internal/metrics"
	"github.com/marcin-skalski/pr-reactions/internal/queue"
	"github.com/marcin-skalski/pr-reactions/internal/resolver"
)

// fakeAPI answers pull request detail routes from a map of merged flags.
type fakeAPI struct {
	mu     sync.Mutex
	merged map[string]bool
	calls  map[string]int
}

func (f *fakeAPI) Do(_ context.Context, r github.Request) github.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[r.Route]++
	merged, ok := f.merged[r.Route]
	if !ok {
		return github.Response{StatusCode: http.StatusNotFound}
	}
	body, _ := json.Marshal(map[string]bool{"merged": merged})
	return github.Response{
		Status:     github.StatusOK,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Last-Modified": {"Mon, 02 Jan 2006 15:04:05 GMT"}},
		Body:       body,
	}
}

type reaction struct {
	channel, name, ts string
	dryRun            bool
}

type fakeReactor struct {
	mu    sync.Mutex
	added []reaction
	err   error
}

func (f *fakeReactor) AddReaction(_ context.Context, channel, name, ts string, dryRun bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, reaction{channel, name, ts, dryRun})
	return nil
}

func (f *fakeReactor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

type fixture struct {
	fs      afero.Fs
	store   *cache.Store
	api     *fakeAPI
	reactor *fakeReactor
	metrics *metrics.Metrics
	queue   *queue.Queue[message.Message]
	worker  *Worker
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts Options, merged map[string]bool) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := cache.New(fs, "/cache", discard())
	require.NoError(t, err)

	f := &fixture{
		fs:      fs,
		store:   store,
		api:     &fakeAPI{merged: merged},
		reactor: &fakeReactor{},
		metrics: metrics.New(prometheus.NewRegistry()),
		queue:   queue.New[message.Message](),
	}
	if opts.Channel == "" {
		opts.Channel = "C123"
	}
	if opts.Reaction == "" {
		opts.Reaction = "merged"
	}
	res := resolver.New(f.api, store, f.metrics, discard())
	f.worker = New(opts, f.queue, message.NewExtractor("github.com"), res, f.reactor, store, f.metrics, discard())
	return f
}

func msgWithLinks(ts string, urls ...string) message.Message {
	var leaves []message.Element
	for _, u := range urls {
		leaves = append(leaves, message.Element{Type: "link", URL: u})
	}
	return message.Message{TS: ts, Blocks: []message.Element{{
		Type:     "rich_text",
		Elements: []message.Element{{Type: "rich_text_section", Elements: leaves}},
	}}}
}

// cacheFiles lists every file left under the cache root.
func cacheFiles(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	var files []string
	require.NoError(t, afero.Walk(fs, "/cache", func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p != "/cache" {
			files = append(files, strings.TrimPrefix(p, "/cache/"))
		}
		return nil
	}))
	return files
}

func TestSingleMergedReferenceConverges(t *testing.T) {
	f := newFixture(t, Options{Condition: resolver.Merged}, map[string]bool{
		"repos/octo/widgets/pulls/7": true,
	})

	out := f.worker.Process(context.Background(), msgWithLinks("1.1", "https://github.com/octo/widgets/pull/7"))

	assert.True(t, out.Converged)
	assert.True(t, out.Reacted)
	assert.Equal(t, []reaction{{"C123", "merged", "1.1", false}}, f.reactor.added)
	assert.Equal(t, 1, f.api.calls["repos/octo/widgets/pulls/7"])

	// the entry was written by the resolver and removed on convergence
	_, hit, err := f.store.Load("octo/widgets/pulls/7", "details")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Empty(t, cacheFiles(t, f.fs))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues("details", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues("merged", "converged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reactions.WithLabelValues("merged", "false")))
}

func TestPartialConvergenceStaysPending(t *testing.T) {
	f := newFixture(t, Options{Condition: resolver.Merged}, map[string]bool{
		"repos/octo/widgets/pulls/7": true,
		"repos/octo/widgets/pulls/8": false,
	})

	out := f.worker.Process(context.Background(), msgWithLinks("1.1",
		"https://github.com/octo/widgets/pull/7",
		"https://github.com/octo/widgets/pull/8"))

	assert.False(t, out.Converged)
	assert.Zero(t, f.reactor.count())

	// nothing is evicted until the whole message converges
	for _, p := range []string{"octo/widgets/pulls/7", "octo/widgets/pulls/8"} {
		_, hit, err := f.store.Load(p, "details")
		require.NoError(t, err)
		assert.True(t, hit, p)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Outcomes.WithLabelValues("merged", "pending")))
}

func TestPendingThenConvergedNextCycle(t *testing.T) {
	f := newFixture(t, Options{Condition: resolver.Merged}, map[string]bool{
		"repos/octo/widgets/pulls/7": true,
		"repos/octo/widgets/pulls/8": false,
	})
	msg := msgWithLinks("1.1",
		"https://github.com/octo/widgets/pull/7",
		"https://github.com/octo/widgets/pull/8")

	require.False(t, f.worker.Process(context.Background(), msg).Converged)

	f.api.mu.Lock()
	f.api.merged["repos/octo/widgets/pulls/8"] = true
	f.api.mu.Unlock()

	require.True(t, f.worker.Process(context.Background(), msg).Converged)
	// #7 was true in the cache and is not fetched again
	assert.Equal(t, 1, f.api.calls["repos/octo/widgets/pulls/7"])
	assert.Equal(t, 2, f.api.calls["repos/octo/widgets/pulls/8"])
	assert.Equal(t, 1, f.reactor.count())
	assert.Empty(t, cacheFiles(t, f.fs))
}

func TestNoReferencesNeverReacts(t *testing.T) {
	f := newFixture(t, Options{Condition: resolver.Merged}, nil)

	out := f.worker.Process(context.Background(), message.Message{TS: "1.1", Text: "hello"})

	assert.False(t, out.Converged)
	assert.Empty(t, out.Refs)
	assert.Zero(t, f.reactor.count())
	assert.Empty(t, f.api.calls)
}

func TestDuplicateReferencesResolvedOnce(t *testing.T) {
	f := newFixture(t, Options{Condition: resolver.Merged}, map[string]bool{
		"repos/octo/widgets/pulls/7": true,
	})

	out := f.worker.Process(context.Background(), msgWithLinks("1.1",
		"https://github.com/octo/widgets/pull/7",
		"https://github.com/octo/widgets/pull/7/files"))

	assert.True(t, out.Converged)
	assert.Len(t, out.Refs, 1)
	assert.Equal(t, 1, f.api.calls["repos/octo/widgets/pulls/7"])
}

func TestDryRunReactsWithoutWriteAndStillEvicts(t *testing.T) {
	f := newFixture(t, Options{Condition: resolver.Merged, DryRun: true}, map[string]bool{
		"repos/octo/widgets/pulls/7": true,
	})

	out := f.worker.Process(context.Background(), msgWithLinks("1.1", "https://github.com/octo/widgets/pull/7"))

	assert.True(t, out.Reacted)
	assert.True(t, out.DryRun)
	require.Len(t, f.reactor.added, 1)
	assert.True(t, f.reactor.added[0].dryRun)
	assert.Empty(t, cacheFiles(t, f.fs))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reactions.WithLabelValues("merged", "true")))
}

func TestFailedReactionKeepsCache(t *testing.T) {
	f := newFixture(t, Options{Condition: resolver.Merged}, map[string]bool{
		"repos/octo/widgets/pulls/7": true,
	})
	f.reactor.err = errors.New("channel_not_found")

	out := f.worker.Process(context.Background(), msgWithLinks("1.1", "https://github.com/octo/widgets/pull/7"))

	assert.True(t, out.Converged)
	assert.False(t, out.Reacted)
	_, hit, err := f.store.Load("octo/widgets/pulls/7", "details")
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestOnOutcomeCallback(t *testing.T) {
	var got []Outcome
	f := newFixture(t, Options{
		Condition: resolver.Merged,
		OnOutcome: func(o Outcome) { got = append(got, o) },
	}, map[string]bool{"repos/octo/widgets/pulls/7": true})
	now := time.Unix(1_700_000_000, 0)
	f.worker.now = func() time.Time { return now }

	f.worker.Process(context.Background(), msgWithLinks("1.1", "https://github.com/octo/widgets/pull/7"))

	require.Len(t, got, 1)
	assert.Equal(t, "1.1", got[0].TS)
	assert.Equal(t, now, got[0].At)
	assert.Equal(t, resolver.Merged, got[0].Condition)
}

func TestRunDrainsQueueAndStopsOnClose(t *testing.T) {
	f := newFixture(t, Options{Condition: resolver.Merged}, map[string]bool{
		"repos/octo/widgets/pulls/7": true,
		"repos/octo/widgets/pulls/8": false,
	})

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(context.Background()) }()

	f.queue.Put(msgWithLinks("1.1", "https://github.com/octo/widgets/pull/7"))
	f.queue.Put(msgWithLinks("1.2", "https://github.com/octo/widgets/pull/8"))
	f.queue.Put(message.Message{TS: "1.3"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Join(ctx))
	assert.Equal(t, 1, f.reactor.count())

	f.queue.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("worker did not stop")
	}
}

type panicResolver struct{}

func (panicResolver) Resolve(context.Context, message.Reference, resolver.Condition) bool {
	panic("boom")
}

func TestRunSurvivesPanickingMessage(t *testing.T) {
	q := queue.New[message.Message]()
	w := New(Options{Condition: resolver.Approved, Reaction: "white_check_mark"}, q,
		message.NewExtractor("github.com"), panicResolver{}, &fakeReactor{}, nil, nil, discard())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	q.Put(msgWithLinks("1.1", "https://github.com/octo/widgets/pull/7"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Join(ctx))

	q.Close()
	require.NoError(t, <-done)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "waiting", stateString(stateWaiting))
	assert.Equal(t, "processing", stateString(stateProcessing))
	assert.Equal(t, "converged", stateString(stateConverged))
	assert.Equal(t, "pending", stateString(statePending))
	assert.Equal(t, "unknown", stateString(state(42)))
}
