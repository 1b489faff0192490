package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"feedmatch/internal/filter"
	"feedmatch/internal/model"
	"feedmatch/internal/notify"
	"feedmatch/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentNotification struct {
	notifier string
	msg      notify.Message
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, n model.Notifier, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{notifier: n.Name, msg: msg})
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type assignment struct {
	item     string
	category string
}

type fakeDownloads struct {
	mu       sync.Mutex
	assigned []assignment
	hash     string
	err      error
}

func (f *fakeDownloads) AssignCategory(_ context.Context, item filter.Item, category model.Category) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, assignment{item: item.Identifier, category: category.Name})
	if f.err != nil {
		return "", f.err
	}
	return f.hash, nil
}

type failingLedger struct{}

func (failingLedger) ClaimSubscriptionItem(context.Context, int64, string, string) (bool, error) {
	return false, errors.New("database is locked")
}

func (failingLedger) SetSubscriptionItemHash(context.Context, int64, string, string) error {
	return errors.New("database is locked")
}

func (failingLedger) ClaimFilterItem(context.Context, string, int64, string, string) (bool, error) {
	return false, errors.New("database is locked")
}

type memLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *memLedger) ClaimSubscriptionItem(_ context.Context, subID int64, itemID, _ string) (bool, error) {
	return l.claim(fmt.Sprintf("subscription/%d/%s", subID, itemID)), nil
}

func (l *memLedger) SetSubscriptionItemHash(context.Context, int64, string, string) error { return nil }

func (l *memLedger) ClaimFilterItem(_ context.Context, source string, filterID int64, itemID, _ string) (bool, error) {
	return l.claim(fmt.Sprintf("%s/%d/%s", source, filterID, itemID)), nil
}

func (l *memLedger) claim(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]bool)
	}
	if l.seen[key] {
		return false
	}
	l.seen[key] = true
	return true
}

type memQueue struct {
	mu    sync.Mutex
	items []model.ManualQueueItem
}

func (q *memQueue) EnqueueManual(_ context.Context, item *model.ManualQueueItem) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.FeedID == item.FeedID && it.ItemID == item.ItemID {
			return false, nil
		}
	}
	q.items = append(q.items, *item)
	return true, nil
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

// testCatalog wires two rule filters on feed 1 that both match "mistborn", an
// author filter for Robin Hobb on feed 1, and an audiobook subscription for
// Brandon Sanderson (alias "B. Sanderson").
func testCatalog() *model.Catalog {
	return &model.Catalog{
		Feeds: []model.Feed{
			{ID: 1, Name: "mam", IsActive: true},
			{ID: 2, Name: "paused", IsActive: false},
		},
		Notifiers: []model.Notifier{
			{ID: 1, Name: "discord", Type: "discord", URL: "https://discord.example"},
			{ID: 2, Name: "ntfy", Type: "ntfy", URL: "https://ntfy.example/books"},
		},
		Categories: []model.Category{
			{ID: 1, Name: "audiobooks", MediaType: model.MediaAudiobook},
			{ID: 2, Name: "books", MediaType: model.MediaEbook},
			{ID: 3, Name: "personal-audiobooks", MediaType: model.MediaAudiobook},
		},
		FilterKeys: []model.FilterKey{{ID: 1, Name: "title"}, {ID: 2, Name: "size"}},
		FilterOps:  []model.FilterOperator{{ID: 1, Name: "contains"}, {ID: 2, Name: "gte"}, {ID: 3, Name: "regex"}},
		SetTypes:   []model.FilterSetType{{ID: 1, Name: "all"}, {ID: 2, Name: "any"}},
		FeedFilters: []model.FeedFilter{
			{ID: 20, Name: "later", FeedID: 1, CategoryID: 2, NotifierID: 2, Sets: []model.FeedFilterSet{
				{ID: 2, TypeID: 1, Entries: []model.FeedFilterSetEntry{{ID: 2, KeyID: 1, OperatorID: 1, Value: "mistborn"}}},
			}},
			{ID: 10, Name: "earlier", FeedID: 1, CategoryID: 1, NotifierID: 1, Sets: []model.FeedFilterSet{
				{ID: 1, TypeID: 1, Entries: []model.FeedFilterSetEntry{{ID: 1, KeyID: 1, OperatorID: 1, Value: "mistborn"}}},
			}},
			{ID: 5, Name: "broken", FeedID: 1, CategoryID: 1, NotifierID: 1, Sets: []model.FeedFilterSet{
				{ID: 3, TypeID: 1, Entries: []model.FeedFilterSetEntry{{ID: 3, KeyID: 1, OperatorID: 3, Value: "(mistborn"}}},
			}},
		},
		AuthorFilters: []model.FeedAuthorFilter{
			{ID: 1, FeedID: 1, Author: "Robin Hobb", CategoryID: 2, NotifierID: 1},
		},
		Authors:       []model.Author{{ID: 1, Name: "Brandon Sanderson"}},
		AuthorAliases: []model.AuthorAlias{{ID: 1, AuthorID: 1, Name: "B. Sanderson"}},
		Subscriptions: []model.AuthorSubscription{
			{ID: 11, AuthorID: 1, Scope: model.MediaAudiobook, NotifierID: ptr(int64(2)), CategoryID: 3, IsActive: true},
		},
	}
}

func TestCompileReportsConfigErrors(t *testing.T) {
	snap := Compile(testCatalog())

	require.Len(t, snap.Errors, 1)
	assert.Equal(t, int64(5), snap.Errors[0].FilterID)
	assert.ErrorIs(t, snap.Errors[0], filter.ErrInvalidRegex)
	assert.Equal(t, 2, snap.RuleCount(1))
	assert.Equal(t, []model.Feed{{ID: 1, Name: "mam", IsActive: true}}, snap.ActiveFeeds())
}

func TestEvaluateStageOrder(t *testing.T) {
	snap := Compile(testCatalog())

	tests := []struct {
		name     string
		item     filter.Item
		wantKind OutcomeKind
		wantCat  int64
	}{
		{
			name:     "author filter beats everything",
			item:     filter.Item{FeedID: 1, Title: "Mistborn", Authors: []string{"Robin Hobb"}, MediaType: model.MediaAudiobook},
			wantKind: MatchedAuthorFilter,
			wantCat:  2,
		},
		{
			name:     "subscription beats rules",
			item:     filter.Item{FeedID: 1, Title: "B. Sanderson - Mistborn", MediaType: model.MediaAudiobook},
			wantKind: MatchedSubscription,
			wantCat:  3,
		},
		{
			name:     "lower id rule wins",
			item:     filter.Item{FeedID: 1, Title: "B. Sanderson - Mistborn", MediaType: model.MediaEbook},
			wantKind: MatchedRule,
			wantCat:  1,
		},
		{
			name:     "rules are per feed",
			item:     filter.Item{FeedID: 2, Title: "Mistborn"},
			wantKind: NoMatch,
		},
		{
			name:     "nothing matches",
			item:     filter.Item{FeedID: 1, Title: "Dune", Authors: []string{"Frank Herbert"}, MediaType: model.MediaEbook},
			wantKind: NoMatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(snap, tt.item)
			if diff := cmp.Diff(tt.wantKind, d.Kind); diff != "" {
				t.Errorf("Kind mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCat, d.CategoryID()); diff != "" {
				t.Errorf("CategoryID mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProcessFirstMatchWins(t *testing.T) {
	notifier := &fakeNotifier{}
	downloads := &fakeDownloads{}
	e := New(newTestStore(t), &memQueue{}, notifier, downloads, nil, testLogger())

	out := e.Process(context.Background(), Compile(testCatalog()), filter.Item{
		Identifier: "77", FeedID: 1, Title: "Mistborn ebook", Link: "https://t/77",
	})

	require.NoError(t, out.Err)
	require.NoError(t, out.DispatchErr)
	assert.Equal(t, MatchedRule, out.Kind)
	assert.Equal(t, int64(10), out.FilterID)
	assert.Equal(t, "audiobooks", out.Category)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, []assignment{{item: "77", category: "audiobooks"}}, downloads.assigned)
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, "discord", notifier.sent[0].notifier)
	assert.Equal(t, "rule 10 (earlier)", notifier.sent[0].msg.MatchedBy)
}

func TestProcessFilterMatchesAreIdempotent(t *testing.T) {
	tests := []struct {
		name       string
		item       filter.Item
		wantKind   OutcomeKind
		wantFilter int64
	}{
		{
			name:       "rule",
			item:       filter.Item{Identifier: "77", FeedID: 1, Title: "Mistborn ebook", Link: "https://t/77"},
			wantKind:   MatchedRule,
			wantFilter: 10,
		},
		{
			name:       "author filter",
			item:       filter.Item{Identifier: "78", FeedID: 1, Title: "Assassin's Apprentice", Authors: []string{"Robin Hobb"}, Link: "https://t/78"},
			wantKind:   MatchedAuthorFilter,
			wantFilter: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &fakeNotifier{}
			downloads := &fakeDownloads{}
			e := New(newTestStore(t), &memQueue{}, notifier, downloads, nil, testLogger())
			snap := Compile(testCatalog())

			var outs []Outcome
			for range 3 {
				outs = append(outs, e.Process(context.Background(), snap, tt.item))
			}

			for i, out := range outs {
				require.NoError(t, out.Err)
				assert.Equal(t, tt.wantKind, out.Kind)
				assert.Equal(t, tt.wantFilter, out.FilterID)
				assert.Equal(t, i > 0, out.AlreadyProcessed, "poll %d", i+1)
			}
			assert.Equal(t, 1, notifier.count())
			assert.Len(t, downloads.assigned, 1)
		})
	}
}

func TestProcessSubscriptionEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	downloads := &fakeDownloads{}
	e := New(store, store, notifier, downloads, nil, testLogger())
	snap := Compile(seedStore(t, store))

	item := filter.Item{Identifier: "abc123", Title: "B. Sanderson - Mistborn", MediaType: model.MediaAudiobook, Link: "https://t/abc123"}
	out := e.Process(ctx, snap, item)

	require.NoError(t, out.Err)
	assert.Equal(t, MatchedSubscription, out.Kind)
	assert.False(t, out.AlreadyProcessed)
	assert.Equal(t, "audiobooks", out.Category)

	rows, err := store.ListSubscriptionItems(ctx, out.SubscriptionID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "abc123", rows[0].ItemID)

	require.Equal(t, 1, notifier.count())
	msg := notifier.sent[0].msg
	assert.True(t, msg.Subscribed)
	assert.Equal(t, "Brandon Sanderson", msg.MatchedBy)
	assert.Equal(t, "audiobook", msg.Scope)

	again := e.Process(ctx, snap, item)
	require.NoError(t, again.Err)
	assert.Equal(t, MatchedSubscription, again.Kind)
	assert.True(t, again.AlreadyProcessed)
	assert.Equal(t, 1, notifier.count())
	assert.Len(t, downloads.assigned, 1)
}

// seedStore stores Brandon Sanderson with alias and an audiobook subscription
// notifying through discord.
func seedStore(t *testing.T, s *storage.SQLite) *model.Catalog {
	t.Helper()
	ctx := context.Background()

	n := model.Notifier{Name: "discord", Type: "discord", URL: "https://discord.example"}
	require.NoError(t, s.CreateNotifier(ctx, &n))
	cat, err := s.ReferenceID(ctx, storage.RefCategories, "audiobooks")
	require.NoError(t, err)

	a := model.Author{Name: "Brandon Sanderson"}
	require.NoError(t, s.CreateAuthor(ctx, &a))
	require.NoError(t, s.CreateAuthorAlias(ctx, &model.AuthorAlias{AuthorID: a.ID, Name: "B. Sanderson"}))
	require.NoError(t, s.CreateSubscription(ctx, &model.AuthorSubscription{
		AuthorID: a.ID, Scope: model.MediaAudiobook, NotifierID: &n.ID, CategoryID: cat, IsActive: true,
	}))

	c, err := s.LoadCatalog(ctx)
	require.NoError(t, err)
	return c
}

func TestProcessConcurrentDuplicates(t *testing.T) {
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	e := New(store, store, notifier, &fakeDownloads{}, nil, testLogger())
	snap := Compile(seedStore(t, store))
	item := filter.Item{Identifier: "race", Title: "B. Sanderson - Warbreaker", MediaType: model.MediaAudiobook, Link: "https://t/race"}

	outs := make([]Outcome, 8)
	var g errgroup.Group
	for i := range outs {
		g.Go(func() error {
			outs[i] = e.Process(context.Background(), snap, item)
			return outs[i].Err
		})
	}
	require.NoError(t, g.Wait())

	var fresh int
	for _, o := range outs {
		assert.Equal(t, MatchedSubscription, o.Kind)
		if !o.AlreadyProcessed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, notifier.count())

	rows, err := store.ListSubscriptionItems(context.Background(), outs[0].SubscriptionID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestProcessNoMatch(t *testing.T) {
	notifier := &fakeNotifier{}
	downloads := &fakeDownloads{}
	queue := &memQueue{}
	e := New(failingLedger{}, queue, notifier, downloads, nil, testLogger())
	snap := Compile(testCatalog())
	item := filter.Item{Identifier: "9", FeedID: 1, Title: "Frank Herbert - Dune", MediaType: model.MediaEbook}

	out := e.Process(context.Background(), snap, item)
	require.NoError(t, out.Err)
	assert.Equal(t, NoMatch, out.Kind)
	assert.True(t, out.Queued)
	assert.Zero(t, notifier.count())
	assert.Empty(t, downloads.assigned)
	require.Len(t, queue.items, 1)
	assert.Equal(t, "Frank Herbert", queue.items[0].Authors)

	again := e.Process(context.Background(), snap, item)
	assert.False(t, again.Queued)
	assert.Len(t, queue.items, 1)
}

func TestProcessLedgerFailure(t *testing.T) {
	tests := []struct {
		name     string
		item     filter.Item
		wantKind OutcomeKind
	}{
		{
			name:     "subscription",
			item:     filter.Item{Identifier: "1", FeedID: 1, Title: "B. Sanderson - Mistborn", MediaType: model.MediaAudiobook},
			wantKind: MatchedSubscription,
		},
		{
			name:     "rule",
			item:     filter.Item{Identifier: "2", FeedID: 1, Title: "Mistborn", MediaType: model.MediaEbook},
			wantKind: MatchedRule,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &fakeNotifier{}
			downloads := &fakeDownloads{}
			e := New(failingLedger{}, &memQueue{}, notifier, downloads, nil, testLogger())

			out := e.Process(context.Background(), Compile(testCatalog()), tt.item)

			assert.Equal(t, tt.wantKind, out.Kind)
			assert.ErrorContains(t, out.Err, "database is locked")
			assert.Zero(t, notifier.count())
			assert.Empty(t, downloads.assigned)
		})
	}
}

func TestProcessRecordsInfoHash(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	downloads := &fakeDownloads{hash: "902410f05d193f54f882cd804efc06e2045faa25"}
	e := New(store, store, &fakeNotifier{}, downloads, nil, testLogger())
	snap := Compile(seedStore(t, store))

	out := e.Process(ctx, snap, filter.Item{Identifier: "h1", Title: "B. Sanderson - Mistborn", MediaType: model.MediaAudiobook, Link: "https://t/h1"})
	require.NoError(t, out.Err)
	require.NoError(t, out.DispatchErr)
	assert.Equal(t, downloads.hash, out.InfoHash)

	rows, err := store.ListSubscriptionItems(ctx, out.SubscriptionID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, downloads.hash, rows[0].InfoHash)
}

func TestProcessDismissedItemStaysOut(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	e := New(store, store, &fakeNotifier{}, &fakeDownloads{}, nil, testLogger())
	snap := Compile(testCatalog())
	item := filter.Item{Identifier: "9", FeedID: 1, Title: "Frank Herbert - Dune", MediaType: model.MediaEbook}

	first := e.Process(ctx, snap, item)
	require.NoError(t, first.Err)
	require.True(t, first.Queued)

	queued, err := store.ListManualQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.NoError(t, store.DismissManual(ctx, queued[0].ID))

	again := e.Process(ctx, snap, item)
	require.NoError(t, again.Err)
	assert.Equal(t, NoMatch, again.Kind)
	assert.False(t, again.Queued)

	queued, err = store.ListManualQueue(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestProcessDispatchFailureKeepsLedger(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	notifier := &fakeNotifier{err: errors.New("webhook 500")}
	downloads := &fakeDownloads{err: errors.New("qbit down")}
	e := New(store, store, notifier, downloads, nil, testLogger())
	snap := Compile(seedStore(t, store))
	item := filter.Item{Identifier: "x1", Title: "B. Sanderson - Elantris", MediaType: model.MediaAudiobook, Link: "https://t/x1"}

	out := e.Process(ctx, snap, item)
	require.NoError(t, out.Err)
	assert.ErrorContains(t, out.DispatchErr, "webhook 500")
	assert.ErrorContains(t, out.DispatchErr, "qbit down")
	assert.Equal(t, 1, notifier.count())

	rows, err := store.ListSubscriptionItems(ctx, out.SubscriptionID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	again := e.Process(ctx, snap, item)
	assert.True(t, again.AlreadyProcessed)
	assert.Equal(t, 1, notifier.count())
}

func TestProcessSubscriptionWithoutNotifier(t *testing.T) {
	c := testCatalog()
	c.Subscriptions[0].NotifierID = nil
	notifier := &fakeNotifier{}
	downloads := &fakeDownloads{}
	e := New(&memLedger{}, &memQueue{}, notifier, downloads, nil, testLogger())

	out := e.Process(context.Background(), Compile(c), filter.Item{
		Identifier: "n1", FeedID: 3, Title: "B. Sanderson - Skyward", MediaType: model.MediaAudiobook,
	})
	require.NoError(t, out.Err)
	assert.Zero(t, out.NotifierID)
	assert.Zero(t, notifier.count())
	assert.Equal(t, []assignment{{item: "n1", category: "personal-audiobooks"}}, downloads.assigned)
}

func TestOutcomeKindString(t *testing.T) {
	got := []string{NoMatch.String(), MatchedAuthorFilter.String(), MatchedSubscription.String(), MatchedRule.String()}
	want := []string{"no_match", "author_filter", "subscription", "rule"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("String() mismatch (-want +got):\n%s", diff)
	}
}
