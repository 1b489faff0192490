package storage

import (
	"context"
	"database/sql"
	"fmt"

	"feedmatch/internal/model"
)

// LoadCatalog reads every configuration table inside a single transaction.
func (s *SQLite) LoadCatalog(ctx context.Context) (*model.Catalog, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin catalog tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var c model.Catalog
	loaders := []struct {
		name string
		load func(context.Context, *sql.Tx, *model.Catalog) error
	}{
		{"feeds", loadFeeds},
		{"notifiers", loadNotifiers},
		{"categories", loadCategories},
		{"reference", loadReference},
		{"feed filters", loadFeedFilters},
		{"author filters", loadAuthorFilters},
		{"authors", loadAuthors},
		{"subscriptions", loadSubscriptions},
	}
	for _, l := range loaders {
		if err := l.load(ctx, tx, &c); err != nil {
			return nil, fmt.Errorf("load %s: %w", l.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit catalog tx: %w", err)
	}
	return &c, nil
}

func loadFeeds(ctx context.Context, tx *sql.Tx, c *model.Catalog) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, name, url, is_active, created_at FROM feeds ORDER BY id`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return err
		}
		c.Feeds = append(c.Feeds, *f)
	}
	return rows.Err()
}

func loadNotifiers(ctx context.Context, tx *sql.Tx, c *model.Catalog) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT n.id, n.name, n.notification_type_id, t.name, n.url
		 FROM notifiers n JOIN notification_types t ON t.id = n.notification_type_id
		 ORDER BY n.id`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var n model.Notifier
		if err := rows.Scan(&n.ID, &n.Name, &n.TypeID, &n.Type, &n.URL); err != nil {
			return err
		}
		c.Notifiers = append(c.Notifiers, n)
	}
	return rows.Err()
}

func loadCategories(ctx context.Context, tx *sql.Tx, c *model.Catalog) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, name, media_type FROM torrent_categories ORDER BY id`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var cat model.Category
		var mediaType string
		if err := rows.Scan(&cat.ID, &cat.Name, &mediaType); err != nil {
			return err
		}
		cat.MediaType = model.MediaType(mediaType)
		c.Categories = append(c.Categories, cat)
	}
	return rows.Err()
}

// loadNamed reads an (id, name) reference table.
func loadNamed(ctx context.Context, tx *sql.Tx, table RefTable, fn func(id int64, name string)) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, name FROM `+string(table)+` ORDER BY id`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		fn(id, name)
	}
	return rows.Err()
}

func loadReference(ctx context.Context, tx *sql.Tx, c *model.Catalog) error {
	if err := loadNamed(ctx, tx, RefFilterKeys, func(id int64, name string) {
		c.FilterKeys = append(c.FilterKeys, model.FilterKey{ID: id, Name: name})
	}); err != nil {
		return err
	}
	if err := loadNamed(ctx, tx, RefFilterOperators, func(id int64, name string) {
		c.FilterOps = append(c.FilterOps, model.FilterOperator{ID: id, Name: name})
	}); err != nil {
		return err
	}
	return loadNamed(ctx, tx, RefFilterSetTypes, func(id int64, name string) {
		c.SetTypes = append(c.SetTypes, model.FilterSetType{ID: id, Name: name})
	})
}

func loadFeedFilters(ctx context.Context, tx *sql.Tx, c *model.Catalog) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, name, feed_id, category_id, notifier_id FROM feed_filters ORDER BY id`)
	if err != nil {
		return err
	}
	filterIdx := make(map[int64]int)
	for rows.Next() {
		var f model.FeedFilter
		if err := rows.Scan(&f.ID, &f.Name, &f.FeedID, &f.CategoryID, &f.NotifierID); err != nil {
			_ = rows.Close()
			return err
		}
		filterIdx[f.ID] = len(c.FeedFilters)
		c.FeedFilters = append(c.FeedFilters, f)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	rows, err = tx.QueryContext(ctx,
		`SELECT s.id, s.feed_filter_id, s.type_id, e.id, e.key_id, e.operator_id, e.value
		 FROM feed_filter_sets s
		 LEFT JOIN feed_filter_set_entries e ON e.feed_filter_set_id = s.id
		 ORDER BY s.feed_filter_id, s.id, e.id`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var set model.FeedFilterSet
		var entryID, keyID, opID sql.NullInt64
		var value sql.NullString
		if err := rows.Scan(&set.ID, &set.FeedFilterID, &set.TypeID, &entryID, &keyID, &opID, &value); err != nil {
			return err
		}
		i, ok := filterIdx[set.FeedFilterID]
		if !ok {
			continue
		}
		f := &c.FeedFilters[i]
		if n := len(f.Sets); n == 0 || f.Sets[n-1].ID != set.ID {
			f.Sets = append(f.Sets, set)
		}
		if entryID.Valid {
			last := &f.Sets[len(f.Sets)-1]
			last.Entries = append(last.Entries, model.FeedFilterSetEntry{
				ID:         entryID.Int64,
				SetID:      set.ID,
				KeyID:      keyID.Int64,
				OperatorID: opID.Int64,
				Value:      value.String,
			})
		}
	}
	return rows.Err()
}

func loadAuthorFilters(ctx context.Context, tx *sql.Tx, c *model.Catalog) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, feed_id, author, category_id, notifier_id FROM feed_author_filters ORDER BY id`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var f model.FeedAuthorFilter
		if err := rows.Scan(&f.ID, &f.FeedID, &f.Author, &f.CategoryID, &f.NotifierID); err != nil {
			return err
		}
		c.AuthorFilters = append(c.AuthorFilters, f)
	}
	return rows.Err()
}

func loadAuthors(ctx context.Context, tx *sql.Tx, c *model.Catalog) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, name, external_ref FROM authors ORDER BY id`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var a model.Author
		var ref sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &ref); err != nil {
			_ = rows.Close()
			return err
		}
		if ref.Valid {
			a.ExternalRef = &ref.String
		}
		c.Authors = append(c.Authors, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	rows, err = tx.QueryContext(ctx, `SELECT id, author_id, name FROM author_aliases ORDER BY id`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var a model.AuthorAlias
		if err := rows.Scan(&a.ID, &a.AuthorID, &a.Name); err != nil {
			return err
		}
		c.AuthorAliases = append(c.AuthorAliases, a)
	}
	return rows.Err()
}

func loadSubscriptions(ctx context.Context, tx *sql.Tx, c *model.Catalog) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, author_id, scope, notifier_id, category_id, is_active
		 FROM author_subscriptions ORDER BY id`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var sub model.AuthorSubscription
		var scope string
		var notifierID sql.NullInt64
		var isActive int
		if err := rows.Scan(&sub.ID, &sub.AuthorID, &scope, &notifierID, &sub.CategoryID, &isActive); err != nil {
			return err
		}
		sub.Scope = model.MediaType(scope)
		if notifierID.Valid {
			sub.NotifierID = &notifierID.Int64
		}
		sub.IsActive = isActive == 1
		c.Subscriptions = append(c.Subscriptions, sub)
	}
	return rows.Err()
}
