// Package fetcher downloads tracker feeds and turns their entries into
// matchable items.
package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"feedmatch/internal/filter"
	"feedmatch/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client HTTPClient
	now    func() time.Time
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client: client,
		now:    time.Now,
	}
}

// Fetch downloads and parses a feed from the given URL.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "feedmatch/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// Items fetches a feed and converts every entry.
func (f *Fetcher) Items(ctx context.Context, feed model.Feed) ([]filter.Item, error) {
	parsed, err := f.Fetch(ctx, feed.URL)
	if err != nil {
		return nil, err
	}
	now := f.now()
	items := make([]filter.Item, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		items = append(items, ToItem(feed.ID, it, now))
	}
	return items, nil
}

// ItemID returns a stable identifier for a feed entry: the last path segment
// of its GUID (trackers use ".../t/12345"), the GUID itself when it is not a
// URL, or a SHA-256 of title and link when there is no GUID.
func ItemID(item *gofeed.Item) string {
	guid := strings.TrimSpace(item.GUID)
	if guid == "" {
		h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
		return fmt.Sprintf("sha256:%x", h[:16])
	}
	u, err := url.Parse(guid)
	if err != nil || u.Host == "" {
		return guid
	}
	if seg := path.Base(strings.TrimRight(u.Path, "/")); seg != "." && seg != "/" && seg != "" {
		return seg
	}
	return guid
}

// MediaTypeFor infers the media type from the tracker category.
func MediaTypeFor(category string) model.MediaType {
	category = strings.TrimSpace(category)
	switch {
	case category == "":
		return ""
	case strings.HasPrefix(category, "Audiobooks"):
		return model.MediaAudiobook
	default:
		return model.MediaEbook
	}
}

const addedLayout = "2006-01-02 15:04:05"

// ToItem converts a feed entry into an Item. Metadata comes from the
// "Label: value" lines of the description.
func ToItem(feedID int64, it *gofeed.Item, now time.Time) filter.Item {
	d := ParseDescription(it.Description)
	item := filter.Item{
		Identifier:  ItemID(it),
		FeedID:      feedID,
		Title:       strings.TrimSpace(it.Title),
		Link:        it.Link,
		Authors:     d.Authors,
		Narrators:   d.Narrators,
		Series:      d.Series,
		Category:    d.Category,
		MediaType:   MediaTypeFor(d.Category),
		Summary:     d.Summary,
		Tags:        d.Tags,
		Description: d.Description,
		Size:        d.Size,
		Seeders:     d.Seeders,
		Leechers:    d.Leechers,
	}
	if item.Size == "" && len(it.Enclosures) > 0 {
		item.Size = it.Enclosures[0].Length
	}

	var added *time.Time
	if it.PublishedParsed != nil {
		added = it.PublishedParsed
	} else if t, err := time.Parse(addedLayout, d.Added); err == nil {
		added = &t
	}
	if added != nil {
		age := now.Sub(*added)
		if age < 0 {
			age = 0
		}
		item.AgeSeconds = strconv.FormatInt(int64(age/time.Second), 10)
	}
	return item
}
