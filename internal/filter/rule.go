package filter

import (
	"fmt"
	"sort"

	"feedmatch/internal/model"
)

// Lookup resolves the reference ids stored on filter rows to names.
type Lookup struct {
	Keys      map[int64]string
	Operators map[int64]string
	SetTypes  map[int64]string
}

// NewLookup indexes the reference tables of a catalog.
func NewLookup(keys []model.FilterKey, ops []model.FilterOperator, types []model.FilterSetType) Lookup {
	lk := Lookup{
		Keys:      make(map[int64]string, len(keys)),
		Operators: make(map[int64]string, len(ops)),
		SetTypes:  make(map[int64]string, len(types)),
	}
	for _, k := range keys {
		lk.Keys[k.ID] = k.Name
	}
	for _, o := range ops {
		lk.Operators[o.ID] = o.Name
	}
	for _, t := range types {
		lk.SetTypes[t.ID] = t.Name
	}
	return lk
}

// Rule is a compiled feed filter. It matches when any of its sets match.
type Rule struct {
	FilterID   int64
	FeedID     int64
	Name       string
	CategoryID int64
	NotifierID int64
	sets       []*Set
}

// CompileRule turns a stored feed filter into a Rule. Any failure is returned
// as a *ConfigError and the whole filter is unusable.
func CompileRule(f model.FeedFilter, lk Lookup) (*Rule, error) {
	fail := func(err error) error {
		return &ConfigError{Source: SourceFeedFilter, FilterID: f.ID, FeedID: f.FeedID, Err: err}
	}

	r := &Rule{
		FilterID:   f.ID,
		FeedID:     f.FeedID,
		Name:       f.Name,
		CategoryID: f.CategoryID,
		NotifierID: f.NotifierID,
	}
	for _, fs := range f.Sets {
		typeName, ok := lk.SetTypes[fs.TypeID]
		if !ok {
			return nil, fail(fmt.Errorf("%w id %d", ErrUnknownSetType, fs.TypeID))
		}
		comb, err := ParseCombinator(typeName)
		if err != nil {
			return nil, fail(err)
		}

		preds := make([]*Predicate, 0, len(fs.Entries))
		for _, e := range fs.Entries {
			key, ok := lk.Keys[e.KeyID]
			if !ok {
				return nil, fail(fmt.Errorf("%w id %d", ErrUnknownKey, e.KeyID))
			}
			op, ok := lk.Operators[e.OperatorID]
			if !ok {
				return nil, fail(fmt.Errorf("%w id %d", ErrUnknownOperator, e.OperatorID))
			}
			p, err := CompilePredicate(key, op, e.Value)
			if err != nil {
				return nil, fail(fmt.Errorf("entry %d: %w", e.ID, err))
			}
			preds = append(preds, p)
		}

		set, err := NewSet(fs.ID, comb, preds)
		if err != nil {
			return nil, fail(err)
		}
		r.sets = append(r.sets, set)
	}
	return r, nil
}

// NewRule builds a rule directly from sets.
func NewRule(filterID, feedID, categoryID, notifierID int64, sets ...*Set) *Rule {
	return &Rule{
		FilterID:   filterID,
		FeedID:     feedID,
		CategoryID: categoryID,
		NotifierID: notifierID,
		sets:       sets,
	}
}

// Matches reports whether any set of the rule matches item.
func (r *Rule) Matches(item Item) bool {
	for _, s := range r.sets {
		if s.Evaluate(item) {
			return true
		}
	}
	return false
}

// RuleMatcher selects the first matching rule of a feed in configuration order.
type RuleMatcher struct {
	rules []*Rule
}

// NewRuleMatcher orders rules by ascending filter id.
func NewRuleMatcher(rules []*Rule) *RuleMatcher {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FilterID < sorted[j].FilterID })
	return &RuleMatcher{rules: sorted}
}

// Match returns the first rule matching item, or nil. Rules after the winner
// are not evaluated.
func (m *RuleMatcher) Match(item Item) *Rule {
	if m == nil {
		return nil
	}
	for _, r := range m.rules {
		if r.Matches(item) {
			return r
		}
	}
	return nil
}

// Len returns the number of usable rules.
func (m *RuleMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}
