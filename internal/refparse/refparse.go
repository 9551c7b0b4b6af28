// Package refparse extracts and renders the inline references used in group
// chat messages: user mentions, course material links and topic tags.
//
// Encodings (shared with the composer and the renderer, do not change):
//
//	mention   @[<id>:<name>]     name may not contain ']'
//	material  [[<id>:<title>]]   title may not contain ']'
//	topic     #<word>            letters, digits, underscore
package refparse

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type Kind string

const (
	KindMention  Kind = "mention"
	KindMaterial Kind = "material"
	KindTopic    Kind = "topic"
)

// Reference is a single parsed token with its [Start,End) byte offsets in the
// source text and the literal matched text.
type Reference struct {
	Kind  Kind
	ID    int64  // user or material id; zero for topics
	Name  string // mention name, material title or topic word
	Start int
	End   int
	Text  string
}

var (
	mentionRe  = regexp.MustCompile(`@\[(\d+):([^\]]+)\]`)
	materialRe = regexp.MustCompile(`\[\[(\d+):([^\]]+)\]\]`)
	topicRe    = regexp.MustCompile(`#(\w+)`)

	// Active-reference patterns examine only the text before the cursor.
	mentionActiveRe  = regexp.MustCompile(`@(\S*)$`)
	materialActiveRe = regexp.MustCompile(`\[\[([^\]]*)$`)
	topicActiveRe    = regexp.MustCompile(`#(\w*)$`)
)

// NewMention builds an unanchored mention reference (offsets zero), for
// insertion after an autocomplete selection.
func NewMention(id int64, name string) Reference {
	return Reference{Kind: KindMention, ID: id, Name: name}
}

// NewMaterial builds an unanchored material reference.
func NewMaterial(id int64, title string) Reference {
	return Reference{Kind: KindMaterial, ID: id, Name: title}
}

// NewTopic builds an unanchored topic reference.
func NewTopic(name string) Reference {
	return Reference{Kind: KindTopic, Name: name}
}

// Parse returns all non-overlapping references in text, sorted ascending by
// Start. When candidate matches overlap (a '#' inside a mention name, say),
// the earlier match wins; on equal starts mention beats material beats topic.
func Parse(text string) []Reference {
	var all []Reference
	for _, m := range mentionRe.FindAllStringSubmatchIndex(text, -1) {
		id, _ := strconv.ParseInt(text[m[2]:m[3]], 10, 64)
		all = append(all, Reference{
			Kind: KindMention, ID: id, Name: text[m[4]:m[5]],
			Start: m[0], End: m[1], Text: text[m[0]:m[1]],
		})
	}
	for _, m := range materialRe.FindAllStringSubmatchIndex(text, -1) {
		id, _ := strconv.ParseInt(text[m[2]:m[3]], 10, 64)
		all = append(all, Reference{
			Kind: KindMaterial, ID: id, Name: text[m[4]:m[5]],
			Start: m[0], End: m[1], Text: text[m[0]:m[1]],
		})
	}
	for _, m := range topicRe.FindAllStringSubmatchIndex(text, -1) {
		all = append(all, Reference{
			Kind: KindTopic, Name: text[m[2]:m[3]],
			Start: m[0], End: m[1], Text: text[m[0]:m[1]],
		})
	}
	if len(all) == 0 {
		return nil
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return kindRank(all[i].Kind) < kindRank(all[j].Kind)
	})

	out := all[:0]
	end := 0
	for _, r := range all {
		if r.Start < end {
			continue
		}
		out = append(out, r)
		end = r.End
	}
	return out
}

func kindRank(k Kind) int {
	switch k {
	case KindMention:
		return 0
	case KindMaterial:
		return 1
	default:
		return 2
	}
}

// Encode returns the canonical text encoding of the reference. Re-encoding a
// parsed reference reproduces its literal text, so parsing is stable under
// re-rendering.
func (r Reference) Encode() string {
	switch r.Kind {
	case KindMention:
		return fmt.Sprintf("@[%d:%s]", r.ID, r.Name)
	case KindMaterial:
		return fmt.Sprintf("[[%d:%s]]", r.ID, r.Name)
	default:
		return "#" + r.Name
	}
}

// RenderHTML converts text into display markup: each reference becomes an
// inert span carrying its identifying data, everything else is escaped so
// user-typed '<' and '>' cannot inject markup.
func RenderHTML(text string) string {
	refs := Parse(text)
	var b strings.Builder
	pos := 0
	for _, r := range refs {
		b.WriteString(html.EscapeString(text[pos:r.Start]))
		switch r.Kind {
		case KindMention:
			fmt.Fprintf(&b, `<span class="ref ref-mention" data-user-id="%d" data-user-name="%s">@%s</span>`,
				r.ID, html.EscapeString(r.Name), html.EscapeString(r.Name))
		case KindMaterial:
			fmt.Fprintf(&b, `<span class="ref ref-material" data-material-id="%d" data-material-title="%s">%s</span>`,
				r.ID, html.EscapeString(r.Name), html.EscapeString(r.Name))
		default:
			fmt.Fprintf(&b, `<span class="ref ref-topic" data-topic="%s">#%s</span>`,
				html.EscapeString(r.Name), html.EscapeString(r.Name))
		}
		pos = r.End
	}
	b.WriteString(html.EscapeString(text[pos:]))
	return b.String()
}

// Active is an in-progress reference under the cursor: the trigger kind, the
// partial query typed so far and the [Start,End) span to replace on selection.
type Active struct {
	Kind  Kind
	Query string
	Start int
	End   int
}

// ActiveAt detects a reference being typed at the cursor position (a byte
// offset into text). Only the text before the cursor is examined, in fixed
// priority order: mention, then material, then topic. The first grammar that
// matches wins; ambiguous trailing text never activates two triggers at once.
func ActiveAt(text string, cursor int) (Active, bool) {
	if cursor < 0 || cursor > len(text) {
		return Active{}, false
	}
	before := text[:cursor]

	if m := mentionActiveRe.FindStringSubmatchIndex(before); m != nil {
		return Active{Kind: KindMention, Query: before[m[2]:m[3]], Start: m[0], End: cursor}, true
	}
	if m := materialActiveRe.FindStringSubmatchIndex(before); m != nil {
		return Active{Kind: KindMaterial, Query: before[m[2]:m[3]], Start: m[0], End: cursor}, true
	}
	if m := topicActiveRe.FindStringSubmatchIndex(before); m != nil {
		return Active{Kind: KindTopic, Query: before[m[2]:m[3]], Start: m[0], End: cursor}, true
	}
	return Active{}, false
}

// Insert replaces the [start,end) span of text with the canonical encoding of
// ref followed by exactly one space, leaving the rest untouched.
func Insert(text string, start, end int, ref Reference) string {
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}
	if start > end {
		start = end
	}
	return text[:start] + ref.Encode() + " " + text[end:]
}
