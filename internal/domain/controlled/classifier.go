package controlled

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Classification is derived per medication name and never persisted.
type Classification struct {
	IsControlled         bool   `json:"is_controlled"`
	Category             string `json:"category,omitempty"`
	Label                string `json:"label,omitempty"`
	RequiresNotification bool   `json:"requires_notification"`
}

type entry struct {
	needle   string
	category Category
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	version string
	entries []entry
}

func NewClassifier(t Table) *Classifier {
	cats := make(map[string]Category, len(t.Categories))
	for _, c := range t.Categories {
		cats[c.Code] = c
	}
	c := &Classifier{version: t.Version}
	for _, s := range t.Substances {
		needle := fold(s.Name)
		if needle == "" {
			continue
		}
		c.entries = append(c.entries, entry{needle: needle, category: cats[s.Category]})
	}
	return c
}

// Version reports which table the classifier was built from.
func (c *Classifier) Version() string { return c.version }

// Classify matches case and accent insensitively; the first table entry
// contained in name wins.
func (c *Classifier) Classify(name string) Classification {
	folded := fold(name)
	if folded == "" {
		return Classification{}
	}
	for _, e := range c.entries {
		if strings.Contains(folded, e.needle) {
			return Classification{
				IsControlled:         true,
				Category:             e.category.Code,
				Label:                e.category.Label,
				RequiresNotification: e.category.RequiresNotification,
			}
		}
	}
	return Classification{}
}

// Strictest picks the most restrictive controlled classification: list A
// before B before C, lower number first within a list.
func Strictest(cs []Classification) Classification {
	var best Classification
	for _, c := range cs {
		if !c.IsControlled {
			continue
		}
		if !best.IsControlled || c.Category < best.Category {
			best = c
		}
	}
	return best
}

// fold lower-cases and strips diacritics so "Codeína" matches "codeina".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}
