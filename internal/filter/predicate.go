package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/danwakefield/fnmatch"
	"golang.org/x/text/cases"
)

// Operator is a comparison a predicate applies. The set is fixed; operator rows
// in the database must name one of these.
type Operator int

// Supported operators.
const (
	OpEquals Operator = iota + 1
	OpNotEquals
	OpContains
	OpFnmatch
	OpRegex
	OpGreater
	OpGreaterEqual
	OpLess
	OpLessEqual
)

var operatorNames = map[Operator]string{
	OpEquals:       "equals",
	OpNotEquals:    "not-equals",
	OpContains:     "contains",
	OpFnmatch:      "fnmatch",
	OpRegex:        "regex",
	OpGreater:      "gt",
	OpGreaterEqual: "gte",
	OpLess:         "lt",
	OpLessEqual:    "lte",
}

var operatorsByName = func() map[string]Operator {
	m := make(map[string]Operator, len(operatorNames))
	for op, name := range operatorNames {
		m[name] = op
	}
	return m
}()

// ParseOperator resolves an operator name.
func ParseOperator(name string) (Operator, error) {
	op, ok := operatorsByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownOperator, name)
	}
	return op, nil
}

func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operator(%d)", int(o))
}

func (o Operator) numeric() bool {
	switch o {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		return true
	}
	return false
}

// fold returns the caseless form of s. A Caser is stateful, so one is built
// per call.
func fold(s string) string {
	return cases.Fold().String(s)
}

// Predicate is one compiled key/operator/value test.
type Predicate struct {
	key   string
	field field
	op    Operator
	raw   string
	value string
	num   float64
	re    *regexp.Regexp
}

// CompilePredicate resolves key and operator names and prepares the value for
// the operator. Regexes are compiled here so evaluation cannot fail.
func CompilePredicate(key, operator, value string) (*Predicate, error) {
	f, ok := lookupField(key)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, key)
	}
	op, err := ParseOperator(operator)
	if err != nil {
		return nil, err
	}

	p := &Predicate{key: key, field: f, op: op, raw: value, value: fold(value)}
	switch {
	case op == OpRegex:
		re, err := regexp.Compile("(?i)" + value)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidRegex, value, err)
		}
		p.re = re
	case op.numeric():
		kind := f.kind
		if kind == kindText {
			kind = kindNumber
		}
		n, ok := parseNumber(kind, value)
		if !ok {
			return nil, fmt.Errorf("%w: %s %s %q", ErrInvalidNumber, key, op, value)
		}
		p.num = n
	}
	return p, nil
}

func (p *Predicate) String() string {
	return fmt.Sprintf("%s %s %q", p.key, p.op, p.raw)
}

// Evaluate tests the predicate against item. A missing field is false, except
// for not-equals which holds when no value equals.
func (p *Predicate) Evaluate(item Item) bool {
	values := p.field.extract(item)

	if p.op == OpNotEquals {
		for _, v := range values {
			if fold(v) == p.value {
				return false
			}
		}
		return true
	}

	for _, v := range values {
		if p.test(v) {
			return true
		}
	}
	return false
}

func (p *Predicate) test(v string) bool {
	switch p.op {
	case OpEquals:
		return fold(v) == p.value
	case OpContains:
		return strings.Contains(fold(v), p.value)
	case OpFnmatch:
		return fnmatch.Match(p.raw, v, fnmatch.FNM_IGNORECASE)
	case OpRegex:
		return p.re.MatchString(v)
	}

	kind := p.field.kind
	if kind == kindText {
		kind = kindNumber
	}
	n, ok := parseNumber(kind, v)
	if !ok {
		return false
	}
	switch p.op {
	case OpGreater:
		return n > p.num
	case OpGreaterEqual:
		return n >= p.num
	case OpLess:
		return n < p.num
	case OpLessEqual:
		return n <= p.num
	}
	return false
}
