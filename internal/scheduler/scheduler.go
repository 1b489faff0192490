// Package scheduler polls feeds on an interval and submits their items to the
// matching engine.
package scheduler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"feedmatch/internal/engine"
	"feedmatch/internal/fetcher"
	"feedmatch/internal/filter"
	"feedmatch/internal/model"
)

// CatalogLoader reads the configuration snapshot.
type CatalogLoader interface {
	LoadCatalog(ctx context.Context) (*model.Catalog, error)
}

// Source produces the current items of a feed.
type Source interface {
	Items(ctx context.Context, feed model.Feed) ([]filter.Item, error)
}

// Processor decides and applies the outcome for one item.
type Processor interface {
	Process(ctx context.Context, snap *engine.Snapshot, item filter.Item) engine.Outcome
}

// Recorder receives poll metrics.
type Recorder interface {
	ConfigErrors(n int)
	FeedPoll(feed string, err error)
	PollCycle(seconds float64)
}

type nopRecorder struct{}

func (nopRecorder) ConfigErrors(int)       {}
func (nopRecorder) FeedPoll(string, error) {}
func (nopRecorder) PollCycle(float64)      {}

// Stats summarizes one poll cycle.
type Stats struct {
	Feeds      int
	FeedErrors int
	Items      int
	Outcomes   map[engine.OutcomeKind]int
	Duplicates int
	Errors     int
}

// Scheduler periodically polls all active feeds.
type Scheduler struct {
	store   CatalogLoader
	source  Source
	engine  Processor
	metrics Recorder
	log     *slog.Logger
	tick    time.Duration
	workers int

	snapshot atomic.Pointer[engine.Snapshot]
}

// New creates a Scheduler that fetches with the default HTTP client.
func New(store CatalogLoader, eng Processor, metrics Recorder, log *slog.Logger) *Scheduler {
	return NewWithSource(store, fetcher.New(http.DefaultClient), eng, metrics, log)
}

// NewWithSource creates a Scheduler with a custom item source (useful for testing).
func NewWithSource(store CatalogLoader, source Source, eng Processor, metrics Recorder, log *slog.Logger) *Scheduler {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Scheduler{
		store:   store,
		source:  source,
		engine:  eng,
		metrics: metrics,
		log:     log,
		tick:    15 * time.Minute,
		workers: 4,
	}
}

// SetTickInterval overrides the default 15-minute poll interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetWorkers bounds how many feeds are processed at once.
func (s *Scheduler) SetWorkers(n int) {
	if n > 0 {
		s.workers = n
	}
}

// Snapshot returns the snapshot of the most recent cycle, or nil before the
// first one.
func (s *Scheduler) Snapshot() *engine.Snapshot {
	return s.snapshot.Load()
}

// Run polls immediately and then on every tick, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.PollOnce(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce reloads the configuration and processes every active feed once.
func (s *Scheduler) PollOnce(ctx context.Context) Stats {
	start := time.Now()
	stats := Stats{Outcomes: make(map[engine.OutcomeKind]int)}

	catalog, err := s.store.LoadCatalog(ctx)
	if err != nil {
		s.log.Error("load catalog", "error", err)
		return stats
	}
	snap := engine.Compile(catalog)
	s.reportConfigErrors(snap)
	s.snapshot.Store(snap)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, feed := range snap.ActiveFeeds() {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fs := s.processFeed(gctx, snap, feed)
			mu.Lock()
			stats.merge(fs)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.PollCycle(time.Since(start).Seconds())
	if stats.Items > 0 {
		s.log.Info("poll cycle complete",
			"feeds", stats.Feeds,
			"items", stats.Items,
			"matched", stats.Matched(),
			"queued", stats.Outcomes[engine.NoMatch],
			"errors", stats.Errors,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}
	return stats
}

func (s *Scheduler) reportConfigErrors(snap *engine.Snapshot) {
	s.metrics.ConfigErrors(len(snap.Errors))
	prev := s.snapshot.Load()
	if prev != nil && len(prev.Errors) == len(snap.Errors) {
		return
	}
	for _, e := range snap.Errors {
		s.log.Warn("filter skipped", "source", e.Source, "filter_id", e.FilterID, "feed_id", e.FeedID, "error", e.Err)
	}
}

func (s *Scheduler) processFeed(ctx context.Context, snap *engine.Snapshot, feed model.Feed) Stats {
	stats := Stats{Feeds: 1, Outcomes: make(map[engine.OutcomeKind]int)}
	s.log.Debug("checking feed", "feed_id", feed.ID, "name", feed.Name)

	items, err := s.source.Items(ctx, feed)
	s.metrics.FeedPoll(feed.Name, err)
	if err != nil {
		s.log.Error("fetch feed", "feed_id", feed.ID, "url", feed.URL, "error", err)
		stats.FeedErrors++
		return stats
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return stats
		}
		out := s.engine.Process(ctx, snap, item)
		stats.Items++
		switch {
		case out.Err != nil:
			stats.Errors++
		case out.AlreadyProcessed:
			stats.Duplicates++
		default:
			stats.Outcomes[out.Kind]++
		}
	}
	return stats
}

// Matched returns the number of items that fired a rule, author filter, or
// subscription during the cycle.
func (st Stats) Matched() int {
	return st.Outcomes[engine.MatchedRule] + st.Outcomes[engine.MatchedAuthorFilter] + st.Outcomes[engine.MatchedSubscription]
}

func (st *Stats) merge(o Stats) {
	st.Feeds += o.Feeds
	st.FeedErrors += o.FeedErrors
	st.Items += o.Items
	st.Duplicates += o.Duplicates
	st.Errors += o.Errors
	for k, v := range o.Outcomes {
		st.Outcomes[k] += v
	}
}
