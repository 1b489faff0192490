package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"

	"feedmatch/internal/model"
)

var ignoreTimestamps = cmpopts.IgnoreFields(model.Feed{}, "CreatedAt")
var ignoreQueuedAt = cmpopts.IgnoreFields(model.ManualQueueItem{}, "QueuedAt")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func refID(t *testing.T, s *SQLite, table RefTable, name string) int64 {
	t.Helper()
	id, err := s.ReferenceID(context.Background(), table, name)
	if err != nil {
		t.Fatalf("reference %s %q: %v", table, name, err)
	}
	return id
}

func TestFeedCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	tests := []struct {
		name string
		feed model.Feed
	}{
		{name: "active feed", feed: model.Feed{Name: "MAM", URL: "https://example.com/rss", IsActive: true}},
		{name: "inactive feed", feed: model.Feed{Name: "Other", URL: "https://example.com/atom", IsActive: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := tt.feed
			if err := s.CreateFeed(ctx, &feed); err != nil {
				t.Fatalf("create: %v", err)
			}
			if feed.ID == 0 {
				t.Fatal("expected non-zero ID")
			}

			got, err := s.GetFeed(ctx, feed.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}

			want := tt.feed
			want.ID = feed.ID
			if diff := cmp.Diff(want, *got, ignoreTimestamps); diff != "" {
				t.Errorf("GetFeed mismatch (-want +got):\n%s", diff)
			}
		})
	}

	feeds, err := s.ListFeeds(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(feeds) != len(tests) {
		t.Errorf("expected %d feeds, got %d", len(tests), len(feeds))
	}

	if _, err := s.GetFeed(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFeed(999) error = %v, want ErrNotFound", err)
	}
}

func TestReferenceID(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	tests := []struct {
		table   RefTable
		name    string
		wantErr error
	}{
		{table: RefFilterKeys, name: "title"},
		{table: RefFilterOperators, name: "fnmatch"},
		{table: RefFilterSetTypes, name: "not"},
		{table: RefCategories, name: "audiobooks"},
		{table: RefNotificationTypes, name: "discord"},
		{table: RefFilterKeys, name: "publisher", wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.table, tt.name), func(t *testing.T) {
			id, err := s.ReferenceID(ctx, tt.table, tt.name)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if id == 0 {
				t.Error("expected non-zero ID")
			}
		})
	}

	if _, err := s.ReferenceID(ctx, RefTable("feeds; DROP TABLE feeds"), "x"); err == nil {
		t.Error("expected error for unknown table")
	}
}

// seedCatalog builds one feed with a two-set filter, an author filter, and a
// subscribed author with an alias.
func seedCatalog(t *testing.T, s *SQLite) (model.Feed, model.FeedFilter) {
	t.Helper()
	ctx := context.Background()

	feed := model.Feed{Name: "MAM", URL: "https://example.com/rss", IsActive: true}
	if err := s.CreateFeed(ctx, &feed); err != nil {
		t.Fatalf("create feed: %v", err)
	}
	notifier := model.Notifier{Name: "books", Type: "discord", URL: "https://discord.example/webhook"}
	if err := s.CreateNotifier(ctx, &notifier); err != nil {
		t.Fatalf("create notifier: %v", err)
	}
	category := refID(t, s, RefCategories, "audiobooks")

	filter := model.FeedFilter{
		Name: "big audiobooks", FeedID: feed.ID, CategoryID: category, NotifierID: notifier.ID,
		Sets: []model.FeedFilterSet{
			{TypeID: refID(t, s, RefFilterSetTypes, "all"), Entries: []model.FeedFilterSetEntry{
				{KeyID: refID(t, s, RefFilterKeys, "title"), OperatorID: refID(t, s, RefFilterOperators, "contains"), Value: "audiobook"},
				{KeyID: refID(t, s, RefFilterKeys, "size"), OperatorID: refID(t, s, RefFilterOperators, "gte"), Value: "100000000"},
			}},
			{TypeID: refID(t, s, RefFilterSetTypes, "any"), Entries: []model.FeedFilterSetEntry{
				{KeyID: refID(t, s, RefFilterKeys, "title"), OperatorID: refID(t, s, RefFilterOperators, "contains"), Value: "ebook"},
			}},
		},
	}
	if err := s.CreateFeedFilter(ctx, &filter); err != nil {
		t.Fatalf("create feed filter: %v", err)
	}

	af := model.FeedAuthorFilter{FeedID: feed.ID, Author: "Robin Hobb", CategoryID: category, NotifierID: notifier.ID}
	if err := s.CreateAuthorFilter(ctx, &af); err != nil {
		t.Fatalf("create author filter: %v", err)
	}

	author := model.Author{Name: "Brandon Sanderson"}
	if err := s.CreateAuthor(ctx, &author); err != nil {
		t.Fatalf("create author: %v", err)
	}
	if err := s.CreateAuthorAlias(ctx, &model.AuthorAlias{AuthorID: author.ID, Name: "B. Sanderson"}); err != nil {
		t.Fatalf("create alias: %v", err)
	}
	sub := model.AuthorSubscription{AuthorID: author.ID, Scope: model.MediaAudiobook, CategoryID: category, IsActive: true}
	if err := s.CreateSubscription(ctx, &sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return feed, filter
}

func TestLoadCatalog(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	feed, filter := seedCatalog(t, s)

	c, err := s.LoadCatalog(ctx)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	if diff := cmp.Diff([]model.Feed{feed}, c.Feeds, ignoreTimestamps); diff != "" {
		t.Errorf("Feeds mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]model.FeedFilter{filter}, c.FeedFilters); diff != "" {
		t.Errorf("FeedFilters mismatch (-want +got):\n%s", diff)
	}

	counts := map[string][2]int{
		"notifiers":      {1, len(c.Notifiers)},
		"author filters": {1, len(c.AuthorFilters)},
		"authors":        {1, len(c.Authors)},
		"aliases":        {1, len(c.AuthorAliases)},
		"subscriptions":  {1, len(c.Subscriptions)},
		"filter keys":    {13, len(c.FilterKeys)},
		"operators":      {9, len(c.FilterOps)},
		"set types":      {3, len(c.SetTypes)},
	}
	for name, v := range counts {
		if v[0] != v[1] {
			t.Errorf("%s: want %d, got %d", name, v[0], v[1])
		}
	}

	if got := c.Notifiers[0].Type; got != "discord" {
		t.Errorf("notifier type = %q, want discord", got)
	}
	if c.Subscriptions[0].NotifierID != nil {
		t.Errorf("subscription notifier = %v, want nil", *c.Subscriptions[0].NotifierID)
	}
}

func TestSubscriptionScopeConstraint(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	author := model.Author{Name: "Someone"}
	if err := s.CreateAuthor(ctx, &author); err != nil {
		t.Fatalf("create author: %v", err)
	}
	sub := model.AuthorSubscription{AuthorID: author.ID, Scope: "podcast", CategoryID: refID(t, s, RefCategories, "books"), IsActive: true}
	if err := s.CreateSubscription(ctx, &sub); err == nil {
		t.Fatal("expected scope constraint violation")
	}
}

func TestClaimSubscriptionItem(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seedCatalog(t, s)
	const subID = 1

	tests := []struct {
		name    string
		itemID  string
		wantNew bool
	}{
		{name: "first claim", itemID: "1001", wantNew: true},
		{name: "repeat claim", itemID: "1001", wantNew: false},
		{name: "different item", itemID: "1002", wantNew: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ClaimSubscriptionItem(ctx, subID, tt.itemID, "title "+tt.itemID)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if diff := cmp.Diff(tt.wantNew, got); diff != "" {
				t.Errorf("ClaimSubscriptionItem mismatch (-want +got):\n%s", diff)
			}
		})
	}

	items, err := s.ListSubscriptionItems(ctx, subID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ItemID)
	}
	if diff := cmp.Diff([]string{"1001", "1002"}, ids); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestClaimSubscriptionItemConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seedCatalog(t, s)

	var wins atomic.Int32
	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			ok, err := s.ClaimSubscriptionItem(ctx, 1, "race", "Race")
			if ok {
				wins.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := wins.Load(); got != 1 {
		t.Errorf("expected exactly one winning claim, got %d", got)
	}
}

func TestManualQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	first := model.ManualQueueItem{FeedID: 1, ItemID: "a", Title: "A", Authors: "X", MediaType: model.MediaEbook, Link: "https://x/a"}
	ok, err := s.EnqueueManual(ctx, &first)
	if err != nil || !ok {
		t.Fatalf("enqueue first: ok=%v err=%v", ok, err)
	}
	dup := first
	dup.ID = 0
	ok, err = s.EnqueueManual(ctx, &dup)
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if ok {
		t.Error("duplicate enqueue should report false")
	}
	second := model.ManualQueueItem{FeedID: 1, ItemID: "b", Title: "B"}
	if _, err := s.EnqueueManual(ctx, &second); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	got, err := s.ListManualQueue(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]model.ManualQueueItem{second, first}, got, ignoreQueuedAt); diff != "" {
		t.Errorf("ListManualQueue mismatch (-want +got):\n%s", diff)
	}

	limited, err := s.ListManualQueue(ctx, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 item with limit, got %d", len(limited))
	}

	if err := s.DismissManual(ctx, first.ID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if err := s.DismissManual(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second dismiss error = %v, want ErrNotFound", err)
	}
	if err := s.DismissManual(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("dismiss missing error = %v, want ErrNotFound", err)
	}

	requeue := first
	requeue.ID = 0
	ok, err = s.EnqueueManual(ctx, &requeue)
	if err != nil {
		t.Fatalf("enqueue dismissed item: %v", err)
	}
	if ok {
		t.Error("dismissed item should not be queued again")
	}

	got, err = s.ListManualQueue(ctx, 0)
	if err != nil {
		t.Fatalf("list after dismiss: %v", err)
	}
	if diff := cmp.Diff([]model.ManualQueueItem{second}, got, ignoreQueuedAt); diff != "" {
		t.Errorf("ListManualQueue after dismiss mismatch (-want +got):\n%s", diff)
	}
}

func TestClaimFilterItem(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	tests := []struct {
		name     string
		source   string
		filterID int64
		itemID   string
		wantNew  bool
	}{
		{name: "first rule claim", source: "feed_filter", filterID: 10, itemID: "1001", wantNew: true},
		{name: "repeat rule claim", source: "feed_filter", filterID: 10, itemID: "1001", wantNew: false},
		{name: "other rule same item", source: "feed_filter", filterID: 11, itemID: "1001", wantNew: true},
		{name: "author filter with same id", source: "author_filter", filterID: 10, itemID: "1001", wantNew: true},
		{name: "repeat author filter claim", source: "author_filter", filterID: 10, itemID: "1001", wantNew: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ClaimFilterItem(ctx, tt.source, tt.filterID, tt.itemID, "Mistborn")
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if diff := cmp.Diff(tt.wantNew, got); diff != "" {
				t.Errorf("ClaimFilterItem mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := s.ClaimFilterItem(ctx, "subscription", 1, "1001", ""); err == nil {
		t.Error("expected source constraint violation")
	}
}

func TestSetSubscriptionItemHash(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seedCatalog(t, s)
	const hash = "d2474e86c95b19b8bcfdb92bc12c9d44667cfa36"

	if _, err := s.ClaimSubscriptionItem(ctx, 1, "1001", "Mistborn"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.SetSubscriptionItemHash(ctx, 1, "1001", hash); err != nil {
		t.Fatalf("set hash: %v", err)
	}
	if err := s.SetSubscriptionItemHash(ctx, 1, "missing", hash); !errors.Is(err, ErrNotFound) {
		t.Errorf("set hash on missing row error = %v, want ErrNotFound", err)
	}

	items, err := s.ListSubscriptionItems(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if diff := cmp.Diff(hash, items[0].InfoHash); diff != "" {
		t.Errorf("InfoHash mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemaVersion(t *testing.T) {
	s := newTestDB(t)
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if diff := cmp.Diff(int64(3), v); diff != "" {
		t.Errorf("SchemaVersion() mismatch (-want +got):\n%s", diff)
	}
}
