package engine

import (
	"errors"
	"sort"
	"time"

	"feedmatch/internal/filter"
	"feedmatch/internal/model"
)

// Snapshot is an immutable, compiled view of the configuration. Every item
// is decided against exactly one snapshot.
type Snapshot struct {
	rules      map[int64]*filter.RuleMatcher
	authors    *filter.AuthorMatcher
	feeds      []model.Feed
	categories map[int64]model.Category
	notifiers  map[int64]model.Notifier

	// Errors lists filters excluded because they failed to compile.
	Errors   []*filter.ConfigError
	LoadedAt time.Time
}

// Compile builds a snapshot from a catalog. Filters that fail to compile are
// excluded and reported in Errors; the rest of the configuration is usable.
func Compile(c *model.Catalog) *Snapshot {
	s := &Snapshot{
		rules:      make(map[int64]*filter.RuleMatcher),
		categories: make(map[int64]model.Category, len(c.Categories)),
		notifiers:  make(map[int64]model.Notifier, len(c.Notifiers)),
		feeds:      c.Feeds,
		LoadedAt:   time.Now(),
	}
	for _, cat := range c.Categories {
		s.categories[cat.ID] = cat
	}
	for _, n := range c.Notifiers {
		s.notifiers[n.ID] = n
	}

	lk := filter.NewLookup(c.FilterKeys, c.FilterOps, c.SetTypes)
	byFeed := make(map[int64][]*filter.Rule)
	for _, f := range c.FeedFilters {
		r, err := filter.CompileRule(f, lk)
		if err != nil {
			s.addError(err)
			continue
		}
		byFeed[f.FeedID] = append(byFeed[f.FeedID], r)
	}
	for feedID, rules := range byFeed {
		s.rules[feedID] = filter.NewRuleMatcher(rules)
	}

	var authorFilters []*filter.AuthorFilter
	for _, f := range c.AuthorFilters {
		af, err := filter.CompileAuthorFilter(f)
		if err != nil {
			s.addError(err)
			continue
		}
		authorFilters = append(authorFilters, af)
	}
	idx := filter.NewSubscriptionIndex(c.Authors, c.AuthorAliases, c.Subscriptions)
	s.authors = filter.NewAuthorMatcher(authorFilters, idx)

	sort.SliceStable(s.Errors, func(i, j int) bool {
		if s.Errors[i].Source != s.Errors[j].Source {
			return s.Errors[i].Source < s.Errors[j].Source
		}
		return s.Errors[i].FilterID < s.Errors[j].FilterID
	})
	return s
}

func (s *Snapshot) addError(err error) {
	var cfgErr *filter.ConfigError
	if errors.As(err, &cfgErr) {
		s.Errors = append(s.Errors, cfgErr)
		return
	}
	s.Errors = append(s.Errors, &filter.ConfigError{Source: "unknown", Err: err})
}

// ActiveFeeds returns the feeds that should be polled.
func (s *Snapshot) ActiveFeeds() []model.Feed {
	var out []model.Feed
	for _, f := range s.feeds {
		if f.IsActive {
			out = append(out, f)
		}
	}
	return out
}

// Category returns a category by id.
func (s *Snapshot) Category(id int64) (model.Category, bool) {
	c, ok := s.categories[id]
	return c, ok
}

// Notifier returns a notifier by id.
func (s *Snapshot) Notifier(id int64) (model.Notifier, bool) {
	n, ok := s.notifiers[id]
	return n, ok
}

// RuleCount returns the number of compiled rules for a feed.
func (s *Snapshot) RuleCount(feedID int64) int {
	return s.rules[feedID].Len()
}
