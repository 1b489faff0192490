// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"feedmatch/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// RefTable names a reference table that can be resolved by name.
type RefTable string

// Reference tables.
const (
	RefFilterKeys        RefTable = "filter_keys"
	RefFilterOperators   RefTable = "filter_operators"
	RefFilterSetTypes    RefTable = "feed_filter_set_types"
	RefCategories        RefTable = "torrent_categories"
	RefNotificationTypes RefTable = "notification_types"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	// LoadCatalog reads all reference and configuration data in one
	// transaction so callers see a coherent snapshot.
	LoadCatalog(ctx context.Context) (*model.Catalog, error)

	// ClaimSubscriptionItem atomically records that itemID was delivered
	// through a subscription. It reports false when the pair already exists.
	ClaimSubscriptionItem(ctx context.Context, subscriptionID int64, itemID, title string) (bool, error)
	SetSubscriptionItemHash(ctx context.Context, subscriptionID int64, itemID, infoHash string) error
	ListSubscriptionItems(ctx context.Context, subscriptionID int64) ([]model.AuthorSubscriptionItem, error)

	// ClaimFilterItem is the ledger for rule and author filter matches,
	// keyed by (source, filterID, itemID).
	ClaimFilterItem(ctx context.Context, source string, filterID int64, itemID, title string) (bool, error)

	EnqueueManual(ctx context.Context, item *model.ManualQueueItem) (bool, error)
	// ListManualQueue omits dismissed entries.
	ListManualQueue(ctx context.Context, limit int) ([]model.ManualQueueItem, error)
	DismissManual(ctx context.Context, id int64) error

	CreateFeed(ctx context.Context, feed *model.Feed) error
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	ListFeeds(ctx context.Context) ([]model.Feed, error)
	CreateNotifier(ctx context.Context, n *model.Notifier) error
	CreateFeedFilter(ctx context.Context, f *model.FeedFilter) error
	CreateAuthorFilter(ctx context.Context, f *model.FeedAuthorFilter) error
	CreateAuthor(ctx context.Context, a *model.Author) error
	CreateAuthorAlias(ctx context.Context, a *model.AuthorAlias) error
	CreateSubscription(ctx context.Context, s *model.AuthorSubscription) error
	ReferenceID(ctx context.Context, table RefTable, name string) (int64, error)

	Close() error
}
