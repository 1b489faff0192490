package bot

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"feedmatch/internal/engine"
	"feedmatch/internal/filter"
	"feedmatch/internal/model"
)

const (
	statusActive = "active"
	statusPaused = "paused"
)

// FormatFeedList formats the feeds with the number of compiled rules each has.
func FormatFeedList(feeds []model.Feed, ruleCounts map[int64]int) string {
	if len(feeds) == 0 {
		return "No feeds are configured."
	}
	var b strings.Builder
	b.WriteString("Feeds:\n")
	for _, f := range feeds {
		status := statusActive
		if !f.IsActive {
			status = statusPaused
		}
		fmt.Fprintf(&b, "\n#%d %s [%s]\n", f.ID, f.Name, status)
		switch n := ruleCounts[f.ID]; n {
		case 0:
			b.WriteString("   no rules\n")
		case 1:
			b.WriteString("   1 rule\n")
		default:
			fmt.Fprintf(&b, "   %d rules\n", n)
		}
	}
	return b.String()
}

// FormatCheck lists what would happen to each item of a feed.
func FormatCheck(feed *model.Feed, items []filter.Item, decisions []engine.Decision) string {
	if len(items) == 0 {
		return fmt.Sprintf("No items in #%d \"%s\".", feed.ID, feed.Name)
	}
	var b strings.Builder
	matched := 0
	fmt.Fprintf(&b, "Dry run for #%d \"%s\":\n", feed.ID, feed.Name)
	for i, it := range items {
		d := decisions[i]
		if d.Kind != engine.NoMatch {
			matched++
		}
		fmt.Fprintf(&b, "\n%s\n   %s\n", it.Title, d.Label())
	}
	fmt.Fprintf(&b, "\n%d of %d item(s) matched.", matched, len(items))
	return b.String()
}

// FormatQueue formats manual queue entries, newest first.
func FormatQueue(items []model.ManualQueueItem) string {
	var b strings.Builder
	b.WriteString("Manual queue:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "\nQ%d %s\n", it.ID, it.Title)
		if it.Authors != "" {
			fmt.Fprintf(&b, "   by %s\n", it.Authors)
		}
		if it.MediaType != "" {
			fmt.Fprintf(&b, "   %s, feed #%d, queued %s\n", it.MediaType, it.FeedID, humanize.Time(it.QueuedAt))
		} else {
			fmt.Fprintf(&b, "   feed #%d, queued %s\n", it.FeedID, humanize.Time(it.QueuedAt))
		}
		if it.Link != "" {
			fmt.Fprintf(&b, "   %s\n", it.Link)
		}
	}
	return b.String()
}

// FormatConfigErrors lists filters excluded from matching.
func FormatConfigErrors(errs []*filter.ConfigError) string {
	if len(errs) == 0 {
		return "All filters compile."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d filter(s) skipped:\n", len(errs))
	for _, e := range errs {
		fmt.Fprintf(&b, "\n%s %d (feed #%d, %s)\n   %v\n", sourceLabel(e.Source), e.FilterID, e.FeedID, e.ErrorKind(), e.Err)
	}
	return b.String()
}

// FormatSubscriptionItems formats the delivery ledger of one subscription.
func FormatSubscriptionItems(subscriptionID int64, items []model.AuthorSubscriptionItem) string {
	if len(items) == 0 {
		return fmt.Sprintf("Subscription S%d has not delivered any items.", subscriptionID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Subscription S%d delivered %d item(s):\n", subscriptionID, len(items))
	for _, it := range items {
		fmt.Fprintf(&b, "\n%s\n   item %s, %s\n", it.Title, it.ItemID, it.MatchedAt.Format("2006-01-02 15:04 UTC"))
		if it.InfoHash != "" {
			fmt.Fprintf(&b, "   hash %s\n", it.InfoHash)
		}
	}
	return b.String()
}

func sourceLabel(source string) string {
	switch source {
	case filter.SourceFeedFilter:
		return "Rule"
	case filter.SourceAuthorFilter:
		return "Author filter"
	default:
		return "Filter"
	}
}
