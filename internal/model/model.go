// Package model defines the domain types used across the application.
package model

import "time"

// MediaType distinguishes the two kinds of content a feed item can carry.
type MediaType string

// Supported media types.
const (
	MediaEbook     MediaType = "ebook"
	MediaAudiobook MediaType = "audiobook"
)

// Valid reports whether m is one of the known media types.
func (m MediaType) Valid() bool {
	return m == MediaEbook || m == MediaAudiobook
}

// Feed represents a tracker feed that items are discovered on.
type Feed struct {
	ID        int64
	Name      string
	URL       string
	IsActive  bool
	CreatedAt time.Time
}

// NotificationType names a delivery channel (discord, ntfy, telegram).
type NotificationType struct {
	ID   int64
	Name string
}

// Notifier is a configured notification target.
type Notifier struct {
	ID     int64
	Name   string
	TypeID int64
	// Type is the resolved notification type name.
	Type string
	// URL is the webhook or topic URL; for telegram it holds the chat id.
	URL string
}

// Category is a download client category an item can be assigned to.
type Category struct {
	ID        int64
	Name      string
	MediaType MediaType
}

// FilterKey names an extractable item field.
type FilterKey struct {
	ID   int64
	Name string
}

// FilterOperator names a comparison.
type FilterOperator struct {
	ID   int64
	Name string
}

// FilterSetType names the combinator of a filter set.
type FilterSetType struct {
	ID   int64
	Name string
}

// FeedFilter is a rule attached to a feed. It matches when any of its sets match.
type FeedFilter struct {
	ID         int64
	Name       string
	FeedID     int64
	CategoryID int64
	NotifierID int64
	Sets       []FeedFilterSet
}

// FeedFilterSet groups entries under a combinator.
type FeedFilterSet struct {
	ID           int64
	FeedFilterID int64
	TypeID       int64
	Entries      []FeedFilterSetEntry
}

// FeedFilterSetEntry is a single key/operator/value predicate.
type FeedFilterSetEntry struct {
	ID         int64
	SetID      int64
	KeyID      int64
	OperatorID int64
	Value      string
}

// FeedAuthorFilter matches an author string directly against item text.
type FeedAuthorFilter struct {
	ID         int64
	FeedID     int64
	Author     string
	CategoryID int64
	NotifierID int64
}

// Author is the canonical identity of a writer.
type Author struct {
	ID          int64
	Name        string
	ExternalRef *string
}

// AuthorAlias is an alternate name resolving to an Author.
type AuthorAlias struct {
	ID       int64
	AuthorID int64
	Name     string
}

// AuthorSubscription is a standing watch on an author for one media type.
type AuthorSubscription struct {
	ID         int64
	AuthorID   int64
	Scope      MediaType
	NotifierID *int64
	// CategoryID is the target library the matched item is filed under.
	CategoryID int64
	IsActive   bool
}

// AuthorSubscriptionItem records one item delivered through a subscription.
type AuthorSubscriptionItem struct {
	ID             int64
	SubscriptionID int64
	ItemID         string
	Title          string
	// InfoHash is the torrent info hash once the download client accepted
	// the item. Empty when unknown.
	InfoHash  string
	MatchedAt time.Time
}

// ManualQueueItem is an item that matched nothing and awaits an operator.
type ManualQueueItem struct {
	ID        int64
	FeedID    int64
	ItemID    string
	Title     string
	Authors   string
	MediaType MediaType
	Link      string
	QueuedAt  time.Time
}

// Catalog is a consistent read of all reference and configuration data.
type Catalog struct {
	Feeds         []Feed
	Notifiers     []Notifier
	Categories    []Category
	FilterKeys    []FilterKey
	FilterOps     []FilterOperator
	SetTypes      []FilterSetType
	FeedFilters   []FeedFilter
	AuthorFilters []FeedAuthorFilter
	Authors       []Author
	AuthorAliases []AuthorAlias
	Subscriptions []AuthorSubscription
}
