package event

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// MaxKind is the largest event kind accepted by relays.
const MaxKind = 65535

// Template describes an event before substitution and signing.
// Templates are supplied by collaborators and treated as immutable.
type Template struct {
	Kind    int            `json:"kind" yaml:"kind"`
	Tags    [][]string     `json:"tags" yaml:"tags"`
	Content string         `json:"content" yaml:"content"`
	Extra   map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"` // Collaborator metadata, never signed
}

// Placeholders maps a placeholder token to its substitution.
// Insertion order is irrelevant.
type Placeholders map[string]string

// Validate checks that the template can be turned into a relay-acceptable event.
func (t *Template) Validate() error {
	if t.Kind < 0 || t.Kind > MaxKind {
		return fmt.Errorf("invalid kind: must be between 0 and %d, got %d", MaxKind, t.Kind)
	}

	for i, tag := range t.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("invalid tag at index %d: tag cannot be empty", i)
		}
		if tag[0] == "" {
			return fmt.Errorf("invalid tag at index %d: tag name cannot be empty", i)
		}
	}

	return nil
}

// Clone returns a deep copy of the template.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}

	clone := &Template{
		Kind:    t.Kind,
		Content: t.Content,
	}

	if t.Tags != nil {
		clone.Tags = make([][]string, len(t.Tags))
		for i, tag := range t.Tags {
			clone.Tags[i] = append([]string(nil), tag...)
		}
	}

	if t.Extra != nil {
		clone.Extra = cloneValue(t.Extra).(map[string]any)
	}

	return clone
}

// cloneValue copies the map and slice shapes produced by JSON and YAML decoding.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

// Apply substitutes every occurrence of every token in s.
// Replacement is literal and not token-boundary aware. Tokens with no entry are
// left untouched, and substituted text is never rescanned for further tokens.
func (p Placeholders) Apply(s string) string {
	if len(p) == 0 || s == "" {
		return s
	}
	return p.replacer().Replace(s)
}

// replacer builds a single-pass replacer. Longer tokens are tried first so that
// a token that prefixes another never shadows it.
func (p Placeholders) replacer() *strings.Replacer {
	tokens := make([]string, 0, len(p))
	for token := range p {
		if token == "" {
			continue
		}
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})

	pairs := make([]string, 0, len(tokens)*2)
	for _, token := range tokens {
		pairs = append(pairs, token, p[token])
	}
	return strings.NewReplacer(pairs...)
}

// Build produces an unsigned event from a copy of the template with all
// placeholders substituted and CreatedAt stamped from createdAt.
// The template itself is not modified.
func Build(t *Template, placeholders Placeholders, createdAt time.Time) *nostr.Event {
	tmpl := t.Clone()

	var r *strings.Replacer
	if len(placeholders) > 0 {
		r = placeholders.replacer()
	}
	apply := func(s string) string {
		if r == nil {
			return s
		}
		return r.Replace(s)
	}

	tags := make(nostr.Tags, 0, len(tmpl.Tags))
	for _, tag := range tmpl.Tags {
		out := make(nostr.Tag, len(tag))
		for i, value := range tag {
			out[i] = apply(value)
		}
		tags = append(tags, out)
	}

	return &nostr.Event{
		Kind:      tmpl.Kind,
		Tags:      tags,
		Content:   apply(tmpl.Content),
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
	}
}
