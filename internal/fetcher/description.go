package fetcher

import (
	"html"
	"strings"
)

// Description holds the metadata trackers embed in an entry description as
// "Label: value" pairs separated by <br/>.
type Description struct {
	Authors     []string
	Narrators   []string
	Series      []string
	Category    string
	Summary     string
	Tags        string
	Description string
	Size        string
	Seeders     string
	Leechers    string
	Added       string
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseDescription extracts known labels. Unknown labels and lines without a
// colon are ignored.
func ParseDescription(desc string) Description {
	var d Description
	desc = strings.NewReplacer("<br />", "<br/>", "<br>", "<br/>").Replace(desc)
	for _, part := range strings.Split(desc, "<br/>") {
		label, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		label = strings.TrimSpace(label)
		value = html.UnescapeString(strings.TrimSpace(value))

		switch label {
		case "Author(s)", "Author", "Authors":
			d.Authors = splitList(value)
		case "Narrator(s)", "Narrator", "Narrators":
			d.Narrators = splitList(value)
		case "Series":
			d.Series = splitList(value)
		case "Category":
			d.Category = value
		case "Summary":
			d.Summary = value
		case "Tags":
			d.Tags = value
		case "Description":
			d.Description = value
		case "Size":
			d.Size = value
		case "Seeders":
			d.Seeders = value
		case "Leechers":
			d.Leechers = value
		case "Added":
			d.Added = value
		}
	}
	return d
}
