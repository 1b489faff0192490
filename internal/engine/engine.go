// Package engine decides what happens to each feed item: author filter,
// author subscription, rule filter, or the manual queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"feedmatch/internal/download"
	"feedmatch/internal/filter"
	"feedmatch/internal/model"
	"feedmatch/internal/notify"
)

// OutcomeKind is the terminal state of an item.
type OutcomeKind int

// Outcome kinds.
const (
	NoMatch OutcomeKind = iota
	MatchedAuthorFilter
	MatchedSubscription
	MatchedRule
)

func (k OutcomeKind) String() string {
	switch k {
	case MatchedAuthorFilter:
		return "author_filter"
	case MatchedSubscription:
		return "subscription"
	case MatchedRule:
		return "rule"
	default:
		return "no_match"
	}
}

// Decision is the side-effect-free result of evaluating an item. Exactly one
// of Rule, AuthorFilter, Subscription is set unless Kind is NoMatch.
type Decision struct {
	Kind         OutcomeKind
	Rule         *filter.Rule
	AuthorFilter *filter.AuthorFilter
	Subscription *filter.SubscriptionMatch
}

// CategoryID returns the category the item should be filed under.
func (d Decision) CategoryID() int64 {
	switch d.Kind {
	case MatchedRule:
		return d.Rule.CategoryID
	case MatchedAuthorFilter:
		return d.AuthorFilter.CategoryID
	case MatchedSubscription:
		return d.Subscription.CategoryID
	}
	return 0
}

// NotifierID returns the notifier to trigger, or 0 for none.
func (d Decision) NotifierID() int64 {
	switch d.Kind {
	case MatchedRule:
		return d.Rule.NotifierID
	case MatchedAuthorFilter:
		return d.AuthorFilter.NotifierID
	case MatchedSubscription:
		if d.Subscription.NotifierID != nil {
			return *d.Subscription.NotifierID
		}
	}
	return 0
}

// Label describes what matched, for logs and operator output.
func (d Decision) Label() string {
	switch d.Kind {
	case MatchedRule:
		if d.Rule.Name != "" {
			return fmt.Sprintf("rule %d (%s)", d.Rule.FilterID, d.Rule.Name)
		}
		return fmt.Sprintf("rule %d", d.Rule.FilterID)
	case MatchedAuthorFilter:
		return fmt.Sprintf("author filter %d (%s)", d.AuthorFilter.ID, d.AuthorFilter.Author)
	case MatchedSubscription:
		return fmt.Sprintf("subscription %d (%s, %s)", d.Subscription.SubscriptionID, d.Subscription.AuthorName, d.Subscription.Scope)
	}
	return "no match"
}

func (d Decision) ledgerIDs() (subscriptionID, filterID int64) {
	switch d.Kind {
	case MatchedSubscription:
		return d.Subscription.SubscriptionID, 0
	case MatchedAuthorFilter:
		return 0, d.AuthorFilter.ID
	case MatchedRule:
		return 0, d.Rule.FilterID
	}
	return 0, 0
}

// Outcome reports what Process did with an item.
type Outcome struct {
	// ID identifies this decision in logs.
	ID             string
	Kind           OutcomeKind
	ItemID         string
	FeedID         int64
	Category       string
	NotifierID     int64
	FilterID       int64
	SubscriptionID int64
	// AlreadyProcessed is set when the ledger already holds this item for the
	// matching subscription or filter. No side effects ran.
	AlreadyProcessed bool
	// Queued is set when a NoMatch item was newly added to the manual queue.
	Queued bool
	// DispatchErr collects notifier and category assignment failures. They
	// never change Kind or undo the ledger write.
	DispatchErr error
	// InfoHash is the torrent info hash reported by the download client.
	InfoHash string
	// Err is set when storage failed before any side effect ran. The item
	// should be offered again on the next poll.
	Err error
}

// Ledger records which matches already ran. Claims are atomic: of several
// concurrent claims for the same key exactly one reports true.
type Ledger interface {
	ClaimSubscriptionItem(ctx context.Context, subscriptionID int64, itemID, title string) (bool, error)
	SetSubscriptionItemHash(ctx context.Context, subscriptionID int64, itemID, infoHash string) error
	ClaimFilterItem(ctx context.Context, source string, filterID int64, itemID, title string) (bool, error)
}

// ManualQueue stores items nothing matched.
type ManualQueue interface {
	EnqueueManual(ctx context.Context, item *model.ManualQueueItem) (bool, error)
}

// Notifier delivers a match notification.
type Notifier interface {
	Notify(ctx context.Context, n model.Notifier, msg notify.Message) error
}

// Recorder receives outcome metrics.
type Recorder interface {
	Outcome(kind string)
	Duplicate()
	DispatchFailure(target string)
	ProcessError(stage string)
}

type nopRecorder struct{}

func (nopRecorder) Outcome(string)         {}
func (nopRecorder) Duplicate()             {}
func (nopRecorder) DispatchFailure(string) {}
func (nopRecorder) ProcessError(string)    {}

// Engine applies decisions. It holds no per-item state and is safe for
// concurrent use.
type Engine struct {
	ledger    Ledger
	queue     ManualQueue
	notifier  Notifier
	downloads download.Client
	metrics   Recorder
	log       *slog.Logger
}

// New creates an Engine. metrics may be nil.
func New(ledger Ledger, queue ManualQueue, notifier Notifier, downloads download.Client, metrics Recorder, log *slog.Logger) *Engine {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Engine{
		ledger:    ledger,
		queue:     queue,
		notifier:  notifier,
		downloads: downloads,
		metrics:   metrics,
		log:       log,
	}
}

// Evaluate walks the stages in order and returns the first match. It performs
// no I/O.
func Evaluate(snap *Snapshot, item filter.Item) Decision {
	if f := snap.authors.MatchFilter(item); f != nil {
		return Decision{Kind: MatchedAuthorFilter, AuthorFilter: f}
	}
	if m := snap.authors.MatchSubscription(item); m != nil {
		return Decision{Kind: MatchedSubscription, Subscription: m}
	}
	if r := snap.rules[item.FeedID].Match(item); r != nil {
		return Decision{Kind: MatchedRule, Rule: r}
	}
	return Decision{Kind: NoMatch}
}

// Process evaluates item against snap and runs the resulting side effects.
// It always returns an Outcome; failures are reported in its fields.
func (e *Engine) Process(ctx context.Context, snap *Snapshot, item filter.Item) Outcome {
	d := Evaluate(snap, item)
	out := Outcome{
		ID:         uuid.NewString(),
		Kind:       d.Kind,
		ItemID:     item.Identifier,
		FeedID:     item.FeedID,
		NotifierID: d.NotifierID(),
	}
	if cat, ok := snap.Category(d.CategoryID()); ok {
		out.Category = cat.Name
	}
	log := e.log.With("decision", out.ID, "feed_id", item.FeedID, "item", item.Identifier)

	switch d.Kind {
	case MatchedSubscription, MatchedAuthorFilter, MatchedRule:
		out.SubscriptionID, out.FilterID = d.ledgerIDs()
		won, err := e.claim(ctx, d, item)
		if err != nil {
			out.Err = fmt.Errorf("claim %s item: %w", d.Kind, err)
			log.Error("claim item", "match", d.Label(), "error", err)
			e.metrics.ProcessError("ledger")
			return out
		}
		if !won {
			out.AlreadyProcessed = true
			log.Debug("item already processed", "match", d.Label())
			e.metrics.Duplicate()
			return out
		}
		out.InfoHash, out.DispatchErr = e.dispatch(ctx, snap, item, d, log)
	default:
		queued, err := e.queue.EnqueueManual(ctx, &model.ManualQueueItem{
			FeedID:    item.FeedID,
			ItemID:    item.Identifier,
			Title:     item.Title,
			Authors:   strings.Join(item.AuthorNames(), ", "),
			MediaType: item.MediaType,
			Link:      item.Link,
		})
		if err != nil {
			out.Err = fmt.Errorf("enqueue manual: %w", err)
			log.Error("enqueue manual", "error", err)
			e.metrics.ProcessError("queue")
			return out
		}
		out.Queued = queued
		if queued {
			log.Info("no match, queued for review", "title", item.Title)
		}
	}

	if d.Kind != NoMatch {
		log.Info("item matched", "match", d.Label(), "category", out.Category, "title", item.Title)
	}
	e.metrics.Outcome(d.Kind.String())
	return out
}

func (e *Engine) claim(ctx context.Context, d Decision, item filter.Item) (bool, error) {
	switch d.Kind {
	case MatchedSubscription:
		return e.ledger.ClaimSubscriptionItem(ctx, d.Subscription.SubscriptionID, item.Identifier, item.Title)
	case MatchedAuthorFilter:
		return e.ledger.ClaimFilterItem(ctx, filter.SourceAuthorFilter, d.AuthorFilter.ID, item.Identifier, item.Title)
	default:
		return e.ledger.ClaimFilterItem(ctx, filter.SourceFeedFilter, d.Rule.FilterID, item.Identifier, item.Title)
	}
}

// dispatch assigns the category and triggers the notifier. Both are attempted
// even if the first fails. It returns the info hash the download client
// reported.
func (e *Engine) dispatch(ctx context.Context, snap *Snapshot, item filter.Item, d Decision, log *slog.Logger) (string, error) {
	var errs []error
	var hash string

	cat, ok := snap.Category(d.CategoryID())
	if !ok {
		errs = append(errs, fmt.Errorf("category %d not found", d.CategoryID()))
		e.metrics.DispatchFailure("category")
	} else if h, err := e.downloads.AssignCategory(ctx, item, cat); err != nil {
		log.Warn("assign category", "category", cat.Name, "error", err)
		errs = append(errs, fmt.Errorf("assign category: %w", err))
		e.metrics.DispatchFailure("category")
	} else {
		hash = h
	}

	if hash != "" && d.Kind == MatchedSubscription {
		if err := e.ledger.SetSubscriptionItemHash(ctx, d.Subscription.SubscriptionID, item.Identifier, hash); err != nil {
			log.Warn("record info hash", "hash", hash, "error", err)
			errs = append(errs, fmt.Errorf("record info hash: %w", err))
		}
	}

	if id := d.NotifierID(); id != 0 {
		n, ok := snap.Notifier(id)
		if !ok {
			errs = append(errs, fmt.Errorf("notifier %d not found", id))
			e.metrics.DispatchFailure("notify")
		} else if err := e.notifier.Notify(ctx, n, message(item, cat.Name, d)); err != nil {
			log.Warn("notify", "notifier", n.Name, "error", err)
			errs = append(errs, fmt.Errorf("notify: %w", err))
			e.metrics.DispatchFailure("notify")
		}
	}

	return hash, errors.Join(errs...)
}

func message(item filter.Item, category string, d Decision) notify.Message {
	msg := notify.NewMessage(item, category)
	switch d.Kind {
	case MatchedSubscription:
		msg.MatchedBy = d.Subscription.AuthorName
		msg.Scope = string(d.Subscription.Scope)
		msg.Subscribed = true
	case MatchedAuthorFilter:
		msg.MatchedBy = "author filter: " + d.AuthorFilter.Author
	case MatchedRule:
		msg.MatchedBy = d.Label()
	}
	return msg
}
