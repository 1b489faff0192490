package filter

import (
	"errors"
	"fmt"
)

// Compile-time failures. They are wrapped in a ConfigError naming the filter.
var (
	ErrUnknownKey      = errors.New("unknown filter key")
	ErrUnknownOperator = errors.New("unknown filter operator")
	ErrUnknownSetType  = errors.New("unknown filter set type")
	ErrInvalidRegex    = errors.New("invalid regex")
	ErrInvalidNumber   = errors.New("value is not a number")
	ErrNotArity        = errors.New("not set requires exactly one entry")
	ErrEmptyAuthor     = errors.New("author filter has empty author")
)

// Filter sources named in ConfigError and the match history.
const (
	SourceFeedFilter   = "feed_filter"
	SourceAuthorFilter = "author_filter"
)

// ConfigError reports a filter that could not be compiled. The filter is left
// out of matching; the rest of the feed's filters still apply.
type ConfigError struct {
	// Source is "feed_filter" or "author_filter".
	Source   string
	FilterID int64
	FeedID   int64
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %d (feed %d): %v", e.Source, e.FilterID, e.FeedID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ErrorKind classifies the failure: "reference" when the filter points at an
// unknown key, operator or set type, "value" when its value cannot be
// compiled, and "shape" otherwise.
func (e *ConfigError) ErrorKind() string {
	switch {
	case errors.Is(e.Err, ErrUnknownKey), errors.Is(e.Err, ErrUnknownOperator), errors.Is(e.Err, ErrUnknownSetType):
		return "reference"
	case errors.Is(e.Err, ErrInvalidRegex), errors.Is(e.Err, ErrInvalidNumber):
		return "value"
	default:
		return "shape"
	}
}
