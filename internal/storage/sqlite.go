package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"feedmatch/internal/model"
	"feedmatch/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across callers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLite) SchemaVersion() (int64, error) {
	return migrations.Version(s.db)
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ClaimSubscriptionItem inserts the ledger row unless it already exists. The
// unique constraint makes the check and the write one atomic statement.
func (s *SQLite) ClaimSubscriptionItem(ctx context.Context, subscriptionID int64, itemID, title string) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO author_subscription_items (author_subscription_id, item_id, title, matched_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (author_subscription_id, item_id) DO NOTHING`,
		subscriptionID, itemID, title, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert subscription item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// SetSubscriptionItemHash stores the torrent info hash on a ledger row.
func (s *SQLite) SetSubscriptionItemHash(ctx context.Context, subscriptionID int64, itemID, infoHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE author_subscription_items SET info_hash = ?
		 WHERE author_subscription_id = ? AND item_id = ?`,
		infoHash, subscriptionID, itemID,
	)
	if err != nil {
		return fmt.Errorf("update subscription item hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription item %d/%s: %w", subscriptionID, itemID, ErrNotFound)
	}
	return nil
}

// ClaimFilterItem records that a rule or author filter acted on itemID. Like
// ClaimSubscriptionItem it reports false when the row already exists.
func (s *SQLite) ClaimFilterItem(ctx context.Context, source string, filterID int64, itemID, title string) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO filter_match_items (source, filter_id, item_id, title, matched_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (source, filter_id, item_id) DO NOTHING`,
		source, filterID, itemID, title, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert filter match item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListSubscriptionItems returns the audit trail of a subscription, oldest first.
func (s *SQLite) ListSubscriptionItems(ctx context.Context, subscriptionID int64) ([]model.AuthorSubscriptionItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author_subscription_id, item_id, title, info_hash, matched_at
		 FROM author_subscription_items WHERE author_subscription_id = ? ORDER BY id`, subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscription items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.AuthorSubscriptionItem
	for rows.Next() {
		var it model.AuthorSubscriptionItem
		var matched string
		if err := rows.Scan(&it.ID, &it.SubscriptionID, &it.ItemID, &it.Title, &it.InfoHash, &matched); err != nil {
			return nil, fmt.Errorf("scan subscription item: %w", err)
		}
		it.MatchedAt, _ = time.Parse(timeLayout, matched)
		items = append(items, it)
	}
	return items, rows.Err()
}

// EnqueueManual appends an unmatched item. Re-polls of the same item are
// ignored and reported as false, including items an operator dismissed.
func (s *SQLite) EnqueueManual(ctx context.Context, item *model.ManualQueueItem) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO manual_queue (feed_id, item_id, title, authors, media_type, link, queued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (feed_id, item_id) DO NOTHING`,
		item.FeedID, item.ItemID, item.Title, item.Authors, string(item.MediaType), item.Link, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert manual queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	item.ID = id
	item.QueuedAt, _ = time.Parse(timeLayout, now)
	return true, nil
}

// ListManualQueue returns queued items, newest first. A non-positive limit
// returns everything.
func (s *SQLite) ListManualQueue(ctx context.Context, limit int) ([]model.ManualQueueItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, feed_id, item_id, title, authors, media_type, link, queued_at
		 FROM manual_queue WHERE dismissed_at IS NULL ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query manual queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.ManualQueueItem
	for rows.Next() {
		var it model.ManualQueueItem
		var mediaType, queued string
		if err := rows.Scan(&it.ID, &it.FeedID, &it.ItemID, &it.Title, &it.Authors, &mediaType, &it.Link, &queued); err != nil {
			return nil, fmt.Errorf("scan manual queue item: %w", err)
		}
		it.MediaType = model.MediaType(mediaType)
		it.QueuedAt, _ = time.Parse(timeLayout, queued)
		items = append(items, it)
	}
	return items, rows.Err()
}

// DismissManual hides a queue entry once an operator has handled it. The row
// is kept so later polls of the same item do not queue it again.
func (s *SQLite) DismissManual(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE manual_queue SET dismissed_at = ? WHERE id = ? AND dismissed_at IS NULL`, now, id,
	)
	if err != nil {
		return fmt.Errorf("dismiss manual queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("manual queue item %d: %w", id, ErrNotFound)
	}
	return nil
}

// ReferenceID resolves a reference row by name.
func (s *SQLite) ReferenceID(ctx context.Context, table RefTable, name string) (int64, error) {
	switch table {
	case RefFilterKeys, RefFilterOperators, RefFilterSetTypes, RefCategories, RefNotificationTypes:
	default:
		return 0, fmt.Errorf("unknown reference table %q", table)
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM `+string(table)+` WHERE name = ?`, strings.TrimSpace(name),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s %q: %w", table, name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup %s: %w", table, err)
	}
	return id, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFeed(row scannable) (*model.Feed, error) {
	var f model.Feed
	var isActive int
	var created sql.NullString
	err := row.Scan(&f.ID, &f.Name, &f.URL, &isActive, &created)
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.IsActive = isActive == 1
	if created.Valid {
		f.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &f, nil
}
