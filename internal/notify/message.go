package notify

import (
	"fmt"
	"strings"
	"time"

	"feedmatch/internal/filter"
)

const (
	embedColor           = 16761392
	webhookUsername      = "Stronghold"
	maxDescriptionLength = 1000
)

// Message is the channel-independent content of a match notification.
type Message struct {
	Title       string
	Link        string
	Category    string
	Series      []string
	Authors     []string
	Narrators   []string
	Tags        string
	Description string
	// MatchedBy names what fired: a rule, an author filter, or a subscribed author.
	MatchedBy string
	// Scope is set for subscription matches.
	Scope string
	// Subscribed reports whether MatchedBy is a subscribed author.
	Subscribed bool
}

// NewMessage builds a message from a matched item.
func NewMessage(item filter.Item, category string) Message {
	return Message{
		Title:       item.Title,
		Link:        item.Link,
		Category:    category,
		Series:      item.Series,
		Authors:     item.AuthorNames(),
		Narrators:   item.Narrators,
		Tags:        item.Tags,
		Description: item.Description,
	}
}

// Text renders the message as plain text for chat and ntfy channels.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Title)
	if len(m.Authors) > 0 {
		fmt.Fprintf(&b, "\nby %s", strings.Join(m.Authors, ", "))
	}
	if m.Category != "" {
		fmt.Fprintf(&b, "\nCategory: %s", m.Category)
	}
	if m.MatchedBy != "" {
		fmt.Fprintf(&b, "\nMatched: %s", m.MatchedBy)
		if m.Scope != "" {
			fmt.Fprintf(&b, " (%s)", m.Scope)
		}
	}
	if m.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(m.Link)
	}
	return b.String()
}

type webhookMessage struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []embed `json:"embeds,omitempty"`
}

type embedAuthor struct {
	Name string `json:"name,omitempty"`
}

type embed struct {
	Author      embedAuthor  `json:"author,omitempty"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Title       string       `json:"title,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// discordPayload renders m as a Discord webhook message with one embed.
func discordPayload(m Message, now time.Time) webhookMessage {
	e := embed{
		Author:      embedAuthor{Name: "feedmatch"},
		URL:         m.Link,
		Description: "Book Grabbed",
		Title:       m.Title,
		Color:       embedColor,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	add := func(name, value string, inline bool) {
		if value == "" {
			return
		}
		e.Fields = append(e.Fields, embedField{Name: name, Value: value, Inline: inline})
	}

	add("Category", m.Category, false)
	add("Series", strings.Join(m.Series, ", "), false)
	add("Authors", strings.Join(m.Authors, ", "), false)
	add("Narrators", strings.Join(m.Narrators, ", "), false)
	add("Tags", m.Tags, false)
	if m.Subscribed {
		add("Subscribed Author", m.MatchedBy, true)
		add("Subscription Scope", m.Scope, true)
	} else {
		add("Matched By", m.MatchedBy, true)
	}
	add("Description", truncate(m.Description, maxDescriptionLength), false)

	return webhookMessage{Username: webhookUsername, Embeds: []embed{e}}
}
