// Package filter implements the feed item matching engine: predicates, filter
// sets, rule filters, and author matching.
package filter

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"feedmatch/internal/model"
)

// Item is a feed entry to be matched. Numeric fields keep the raw text
// discovered on the feed; they are parsed only when a numeric predicate needs
// them.
type Item struct {
	Identifier  string
	FeedID      int64
	Title       string
	Link        string
	Authors     []string
	Narrators   []string
	Series      []string
	MediaType   model.MediaType
	Category    string
	Summary     string
	Tags        string
	Description string
	Size        string
	Seeders     string
	Leechers    string
	AgeSeconds  string
}

// AuthorNames returns the author candidates of the item. When the feed did not
// supply authors, a title of the form "Author - Title" yields its first part.
func (it Item) AuthorNames() []string {
	var names []string
	for _, a := range it.Authors {
		if a = strings.TrimSpace(a); a != "" {
			names = append(names, a)
		}
	}
	if len(names) > 0 {
		return names
	}
	if head, _, ok := strings.Cut(it.Title, " - "); ok {
		if head = strings.TrimSpace(head); head != "" {
			return []string{head}
		}
	}
	return nil
}

type fieldKind int

const (
	kindText fieldKind = iota
	kindNumber
	kindSize
)

type field struct {
	kind    fieldKind
	extract func(Item) []string
}

func single(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// fields maps filter key names to extractors. Keys stored in the database are
// resolved against this table when filters are compiled.
var fields = map[string]field{
	"title":       {kindText, func(it Item) []string { return single(it.Title) }},
	"author":      {kindText, func(it Item) []string { return it.AuthorNames() }},
	"narrator":    {kindText, func(it Item) []string { return it.Narrators }},
	"series":      {kindText, func(it Item) []string { return it.Series }},
	"category":    {kindText, func(it Item) []string { return single(it.Category) }},
	"summary":     {kindText, func(it Item) []string { return single(it.Summary) }},
	"tags":        {kindText, func(it Item) []string { return single(it.Tags) }},
	"description": {kindText, func(it Item) []string { return single(it.Description) }},
	"media_type":  {kindText, func(it Item) []string { return single(string(it.MediaType)) }},
	"size":        {kindSize, func(it Item) []string { return single(it.Size) }},
	"seeders":     {kindNumber, func(it Item) []string { return single(it.Seeders) }},
	"leechers":    {kindNumber, func(it Item) []string { return single(it.Leechers) }},
	"age":         {kindNumber, func(it Item) []string { return single(it.AgeSeconds) }},
}

// KnownKeys returns the filter key names the evaluator can extract.
func KnownKeys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	return keys
}

func lookupField(name string) (field, bool) {
	f, ok := fields[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

func parseNumber(kind fieldKind, raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if kind == kindSize {
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return 0, false
		}
		return float64(n), true
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
