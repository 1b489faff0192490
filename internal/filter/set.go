package filter

import (
	"fmt"
	"strings"
)

// Combinator reduces the results of a set's predicates.
type Combinator int

// Supported combinators.
const (
	CombineAll Combinator = iota + 1
	CombineAny
	CombineNot
)

// ParseCombinator resolves a filter set type name. "all"/"and" and "any"/"or"
// are synonyms.
func ParseCombinator(name string) (Combinator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "all", "and":
		return CombineAll, nil
	case "any", "or":
		return CombineAny, nil
	case "not":
		return CombineNot, nil
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownSetType, name)
}

func (c Combinator) String() string {
	switch c {
	case CombineAll:
		return "all"
	case CombineAny:
		return "any"
	case CombineNot:
		return "not"
	}
	return fmt.Sprintf("combinator(%d)", int(c))
}

// Set is a group of predicates combined into one result.
type Set struct {
	ID    int64
	comb  Combinator
	preds []*Predicate
}

// NewSet builds a set. A not set must hold exactly one predicate.
func NewSet(id int64, comb Combinator, preds []*Predicate) (*Set, error) {
	if comb == CombineNot && len(preds) != 1 {
		return nil, fmt.Errorf("%w, set %d has %d", ErrNotArity, id, len(preds))
	}
	return &Set{ID: id, comb: comb, preds: preds}, nil
}

// Evaluate reduces the set against item. An empty all set is true and an
// empty any set is false.
func (s *Set) Evaluate(item Item) bool {
	switch s.comb {
	case CombineAll:
		for _, p := range s.preds {
			if !p.Evaluate(item) {
				return false
			}
		}
		return true
	case CombineAny:
		for _, p := range s.preds {
			if p.Evaluate(item) {
				return true
			}
		}
		return false
	case CombineNot:
		return !s.preds[0].Evaluate(item)
	}
	return false
}
