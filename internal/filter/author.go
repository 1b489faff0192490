package filter

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"feedmatch/internal/model"
)

// NormalizeName reduces an author name to its matching form: diacritics and
// periods removed, case folded, whitespace collapsed.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	stripped = strings.ReplaceAll(stripped, ".", "")
	return strings.Join(strings.Fields(fold(stripped)), " ")
}

// AuthorFilter is a compiled per-feed author rule.
type AuthorFilter struct {
	ID         int64
	FeedID     int64
	Author     string
	CategoryID int64
	NotifierID int64
	needle     string
}

// CompileAuthorFilter validates a stored author filter.
func CompileAuthorFilter(f model.FeedAuthorFilter) (*AuthorFilter, error) {
	needle := fold(strings.TrimSpace(f.Author))
	if needle == "" {
		return nil, &ConfigError{Source: SourceAuthorFilter, FilterID: f.ID, FeedID: f.FeedID, Err: ErrEmptyAuthor}
	}
	return &AuthorFilter{
		ID:         f.ID,
		FeedID:     f.FeedID,
		Author:     f.Author,
		CategoryID: f.CategoryID,
		NotifierID: f.NotifierID,
		needle:     needle,
	}, nil
}

// Matches tests whether the filter's author occurs in one of the item's
// authors or in its title. Fields are tested one at a time.
func (f *AuthorFilter) Matches(item Item) bool {
	for _, a := range item.Authors {
		if strings.Contains(fold(a), f.needle) {
			return true
		}
	}
	return strings.Contains(fold(item.Title), f.needle)
}

// SubscriptionMatch is a resolved author subscription for an item.
type SubscriptionMatch struct {
	SubscriptionID int64
	AuthorID       int64
	AuthorName     string
	Scope          model.MediaType
	NotifierID     *int64
	CategoryID     int64
	// MatchedName is the item author text that resolved to the author.
	MatchedName string
}

type subscriptionRef struct {
	author model.Author
	sub    model.AuthorSubscription
}

// SubscriptionIndex maps normalized author names and aliases to active
// subscriptions.
type SubscriptionIndex struct {
	byName map[string][]subscriptionRef
}

// NewSubscriptionIndex indexes active subscriptions under their author's name
// and every alias of that author.
func NewSubscriptionIndex(authors []model.Author, aliases []model.AuthorAlias, subs []model.AuthorSubscription) *SubscriptionIndex {
	authorByID := make(map[int64]model.Author, len(authors))
	for _, a := range authors {
		authorByID[a.ID] = a
	}

	subsByAuthor := make(map[int64][]model.AuthorSubscription)
	for _, s := range subs {
		if !s.IsActive {
			continue
		}
		if _, ok := authorByID[s.AuthorID]; !ok {
			continue
		}
		subsByAuthor[s.AuthorID] = append(subsByAuthor[s.AuthorID], s)
	}

	idx := &SubscriptionIndex{byName: make(map[string][]subscriptionRef)}
	add := func(name string, authorID int64) {
		key := NormalizeName(name)
		if key == "" {
			return
		}
		for _, s := range subsByAuthor[authorID] {
			if idx.contains(key, s.ID) {
				continue
			}
			idx.byName[key] = append(idx.byName[key], subscriptionRef{author: authorByID[authorID], sub: s})
		}
	}
	for id, a := range authorByID {
		add(a.Name, id)
	}
	for _, al := range aliases {
		add(al.Name, al.AuthorID)
	}

	for key, refs := range idx.byName {
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].author.ID != refs[j].author.ID {
				return refs[i].author.ID < refs[j].author.ID
			}
			return refs[i].sub.ID < refs[j].sub.ID
		})
		idx.byName[key] = refs
	}
	return idx
}

func (idx *SubscriptionIndex) contains(key string, subID int64) bool {
	for _, r := range idx.byName[key] {
		if r.sub.ID == subID {
			return true
		}
	}
	return false
}

// Len returns the number of indexed names.
func (idx *SubscriptionIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.byName)
}

// Match resolves item's authors against the index. The whole author field must
// equal a name or alias; the subscription scope must equal the item's media
// type.
func (idx *SubscriptionIndex) Match(item Item) *SubscriptionMatch {
	if idx == nil || !item.MediaType.Valid() {
		return nil
	}
	for _, name := range item.AuthorNames() {
		for _, ref := range idx.byName[NormalizeName(name)] {
			if ref.sub.Scope != item.MediaType {
				continue
			}
			return &SubscriptionMatch{
				SubscriptionID: ref.sub.ID,
				AuthorID:       ref.author.ID,
				AuthorName:     ref.author.Name,
				Scope:          ref.sub.Scope,
				NotifierID:     ref.sub.NotifierID,
				CategoryID:     ref.sub.CategoryID,
				MatchedName:    name,
			}
		}
	}
	return nil
}

// AuthorMatchResult carries the outcome of both author strategies. At most one
// field is set; Filter takes precedence.
type AuthorMatchResult struct {
	Filter       *AuthorFilter
	Subscription *SubscriptionMatch
}

// AuthorMatcher runs per-feed author filters, then global subscriptions.
type AuthorMatcher struct {
	filters map[int64][]*AuthorFilter
	index   *SubscriptionIndex
}

// NewAuthorMatcher groups filters by feed in ascending id order.
func NewAuthorMatcher(filters []*AuthorFilter, index *SubscriptionIndex) *AuthorMatcher {
	byFeed := make(map[int64][]*AuthorFilter)
	for _, f := range filters {
		byFeed[f.FeedID] = append(byFeed[f.FeedID], f)
	}
	for feedID, fs := range byFeed {
		sort.SliceStable(fs, func(i, j int) bool { return fs[i].ID < fs[j].ID })
		byFeed[feedID] = fs
	}
	return &AuthorMatcher{filters: byFeed, index: index}
}

// MatchFilter returns the first author filter of the item's feed that matches.
func (m *AuthorMatcher) MatchFilter(item Item) *AuthorFilter {
	for _, f := range m.filters[item.FeedID] {
		if f.Matches(item) {
			return f
		}
	}
	return nil
}

// MatchSubscription resolves the item against global subscriptions.
func (m *AuthorMatcher) MatchSubscription(item Item) *SubscriptionMatch {
	return m.index.Match(item)
}

// Match evaluates both strategies in order.
func (m *AuthorMatcher) Match(item Item) AuthorMatchResult {
	if f := m.MatchFilter(item); f != nil {
		return AuthorMatchResult{Filter: f}
	}
	return AuthorMatchResult{Subscription: m.MatchSubscription(item)}
}
