package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"feedmatch/internal/model"
)

// CreateFeed inserts a feed and sets its ID.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.Feed) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (name, url, is_active) VALUES (?, ?, ?)`,
		feed.Name, feed.URL, boolToInt(feed.IsActive),
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	return nil
}

// GetFeed returns a feed by ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, is_active, created_at FROM feeds WHERE id = ?`, id,
	)
	f, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	return f, err
}

// ListFeeds returns all feeds ordered by ID.
func (s *SQLite) ListFeeds(ctx context.Context) ([]model.Feed, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, is_active, created_at FROM feeds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// CreateNotifier inserts a notifier. TypeID is resolved from Type when unset.
func (s *SQLite) CreateNotifier(ctx context.Context, n *model.Notifier) error {
	if n.TypeID == 0 {
		id, err := s.ReferenceID(ctx, RefNotificationTypes, n.Type)
		if err != nil {
			return err
		}
		n.TypeID = id
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifiers (name, notification_type_id, url) VALUES (?, ?, ?)`,
		n.Name, n.TypeID, n.URL,
	)
	if err != nil {
		return fmt.Errorf("insert notifier: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	n.ID = id
	return nil
}

// CreateFeedFilter inserts a filter with all of its sets and entries in one
// transaction, filling in the generated IDs.
func (s *SQLite) CreateFeedFilter(ctx context.Context, f *model.FeedFilter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO feed_filters (name, feed_id, category_id, notifier_id) VALUES (?, ?, ?, ?)`,
		f.Name, f.FeedID, f.CategoryID, f.NotifierID,
	)
	if err != nil {
		return fmt.Errorf("insert feed filter: %w", err)
	}
	if f.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	for i := range f.Sets {
		set := &f.Sets[i]
		set.FeedFilterID = f.ID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO feed_filter_sets (feed_filter_id, type_id) VALUES (?, ?)`, f.ID, set.TypeID,
		)
		if err != nil {
			return fmt.Errorf("insert filter set: %w", err)
		}
		if set.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		for j := range set.Entries {
			e := &set.Entries[j]
			e.SetID = set.ID
			res, err := tx.ExecContext(ctx,
				`INSERT INTO feed_filter_set_entries (feed_filter_set_id, key_id, operator_id, value)
				 VALUES (?, ?, ?, ?)`,
				set.ID, e.KeyID, e.OperatorID, e.Value,
			)
			if err != nil {
				return fmt.Errorf("insert filter entry: %w", err)
			}
			if e.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("last insert id: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feed filter: %w", err)
	}
	return nil
}

// CreateAuthorFilter inserts a per-feed author filter.
func (s *SQLite) CreateAuthorFilter(ctx context.Context, f *model.FeedAuthorFilter) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_author_filters (feed_id, author, category_id, notifier_id) VALUES (?, ?, ?, ?)`,
		f.FeedID, f.Author, f.CategoryID, f.NotifierID,
	)
	if err != nil {
		return fmt.Errorf("insert author filter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	return nil
}

// CreateAuthor inserts a canonical author.
func (s *SQLite) CreateAuthor(ctx context.Context, a *model.Author) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO authors (name, external_ref) VALUES (?, ?)`, a.Name, a.ExternalRef,
	)
	if err != nil {
		return fmt.Errorf("insert author: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	return nil
}

// CreateAuthorAlias inserts an alternate name for an author.
func (s *SQLite) CreateAuthorAlias(ctx context.Context, a *model.AuthorAlias) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO author_aliases (author_id, name) VALUES (?, ?)`, a.AuthorID, a.Name,
	)
	if err != nil {
		return fmt.Errorf("insert author alias: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	return nil
}

// CreateSubscription inserts an author subscription.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.AuthorSubscription) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO author_subscriptions (author_id, scope, notifier_id, category_id, is_active)
		 VALUES (?, ?, ?, ?, ?)`,
		sub.AuthorID, string(sub.Scope), sub.NotifierID, sub.CategoryID, boolToInt(sub.IsActive),
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	return nil
}
