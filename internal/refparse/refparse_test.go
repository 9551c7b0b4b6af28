package refparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAllKinds(t *testing.T) {
	text := "Check [[42:Syllabus]] and #exams @[7:Jane]"
	refs := Parse(text)
	require.Len(t, refs, 3)

	assert.Equal(t, KindMaterial, refs[0].Kind)
	assert.Equal(t, int64(42), refs[0].ID)
	assert.Equal(t, "Syllabus", refs[0].Name)

	assert.Equal(t, KindTopic, refs[1].Kind)
	assert.Equal(t, "exams", refs[1].Name)

	assert.Equal(t, KindMention, refs[2].Kind)
	assert.Equal(t, int64(7), refs[2].ID)
	assert.Equal(t, "Jane", refs[2].Name)

	// Ascending, disjoint offsets; literal text matches the span.
	end := 0
	for _, r := range refs {
		assert.GreaterOrEqual(t, r.Start, end)
		assert.Equal(t, text[r.Start:r.End], r.Text)
		end = r.End
	}
}

func TestParseTable(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Reference
	}{
		{name: "empty", text: "", want: nil},
		{name: "plain", text: "no references here", want: nil},
		{
			name: "mention only",
			text: "@[5:Alice]",
			want: []Reference{{Kind: KindMention, ID: 5, Name: "Alice"}},
		},
		{
			name: "unterminated mention is plain text",
			text: "@[5:Alice",
			want: nil,
		},
		{
			name: "unterminated material is plain text",
			text: "[[42:Syllabus",
			want: nil,
		},
		{
			name: "material with single closing bracket is plain text",
			text: "[[42:Syllabus]",
			want: nil,
		},
		{
			name: "non-numeric id does not match",
			text: "@[abc:Alice]",
			want: nil,
		},
		{
			name: "topic stops at non-word char",
			text: "#mid-terms",
			want: []Reference{{Kind: KindTopic, Name: "mid"}},
		},
		{
			name: "hash inside mention name does not double-match",
			text: "@[5:C# course]",
			want: []Reference{{Kind: KindMention, ID: 5, Name: "C# course"}},
		},
		{
			name: "adjacent references",
			text: "@[1:A]#b",
			want: []Reference{
				{Kind: KindMention, ID: 1, Name: "A"},
				{Kind: KindTopic, Name: "b"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			require.Len(t, got, len(tt.want))
			for i, w := range tt.want {
				assert.Equal(t, w.Kind, got[i].Kind)
				assert.Equal(t, w.ID, got[i].ID)
				assert.Equal(t, w.Name, got[i].Name)
			}
		})
	}
}

// Re-encoding every parsed reference reproduces its literal text, so a full
// re-render of the message body parses to the same references.
func TestEncodeRoundTrip(t *testing.T) {
	texts := []string{
		"Check [[42:Syllabus]] and #exams @[7:Jane]",
		"@[5:Alice] ping",
		"#a #b #c",
		"[[1:Intro to Go]] then [[2:Channels]]",
	}
	for _, text := range texts {
		refs := Parse(text)
		require.NotEmpty(t, refs, text)

		var b strings.Builder
		pos := 0
		for _, r := range refs {
			b.WriteString(text[pos:r.Start])
			b.WriteString(r.Encode())
			pos = r.End
		}
		b.WriteString(text[pos:])

		assert.Equal(t, text, b.String(), "re-render must be byte identical")
		assert.Equal(t, refs, Parse(b.String()))
	}
}

func TestRenderHTMLEscapes(t *testing.T) {
	out := RenderHTML(`<script>alert(1)</script> @[7:Jane]`)
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;")
	assert.Contains(t, out, `data-user-id="7"`)
	assert.Contains(t, out, `>@Jane</span>`)
}

func TestRenderHTMLEscapesAttributeValues(t *testing.T) {
	out := RenderHTML(`@[7:x"><img src=y onerror=z>]`)
	assert.NotContains(t, out, "<img")
	assert.Contains(t, out, "&#34;&gt;&lt;img")
}

func TestActiveAtPriority(t *testing.T) {
	// Cursor after a completed mention and an in-progress topic: the topic
	// wins, not the stale mention.
	text := "hello @bob #topic"
	a, ok := ActiveAt(text, len(text))
	require.True(t, ok)
	assert.Equal(t, KindTopic, a.Kind)
	assert.Equal(t, "topic", a.Query)
	assert.Equal(t, strings.Index(text, "#"), a.Start)
	assert.Equal(t, len(text), a.End)

	// A completed mention earlier in the text does not mask a fresh trigger.
	text = "@[5:Alice] hi @b"
	a, ok = ActiveAt(text, len(text))
	require.True(t, ok)
	assert.Equal(t, KindMention, a.Kind)
	assert.Equal(t, "b", a.Query)
	assert.Equal(t, strings.LastIndex(text, "@"), a.Start)
}

func TestActiveAtTable(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		cursor    int
		wantOK    bool
		wantKind  Kind
		wantQuery string
	}{
		{name: "bare at sign", text: "@", cursor: 1, wantOK: true, wantKind: KindMention, wantQuery: ""},
		{name: "mention in progress", text: "hey @al", cursor: 7, wantOK: true, wantKind: KindMention, wantQuery: "al"},
		{name: "material in progress", text: "see [[syll", cursor: 10, wantOK: true, wantKind: KindMaterial, wantQuery: "syll"},
		{name: "bare material opener", text: "[[", cursor: 2, wantOK: true, wantKind: KindMaterial, wantQuery: ""},
		{name: "topic in progress", text: "about #ex", cursor: 9, wantOK: true, wantKind: KindTopic, wantQuery: "ex"},
		{name: "no trigger", text: "plain text", cursor: 10, wantOK: false},
		{name: "trigger after cursor ignored", text: "hi @bob", cursor: 2, wantOK: false},
		{name: "space ends mention run", text: "@bob hello", cursor: 10, wantOK: false},
		{name: "cursor mid-query", text: "hey @alice", cursor: 7, wantOK: true, wantKind: KindMention, wantQuery: "al"},
		{name: "cursor out of range", text: "x", cursor: 5, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := ActiveAt(tt.text, tt.cursor)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantKind, a.Kind)
			assert.Equal(t, tt.wantQuery, a.Query)
			assert.Equal(t, tt.cursor, a.End)
		})
	}
}

func TestInsertReplacesActiveSpan(t *testing.T) {
	text := "hey @al"
	a, ok := ActiveAt(text, len(text))
	require.True(t, ok)

	got := Insert(text, a.Start, a.End, NewMention(7, "Alice"))
	assert.Equal(t, "hey @[7:Alice] ", got)

	// Trailing text after the span is preserved.
	got = Insert("see [[syll now", 4, 10, NewMaterial(42, "Syllabus"))
	assert.Equal(t, "see [[42:Syllabus]]  now", got)

	got = Insert("about #ex", 6, 9, NewTopic("exams"))
	assert.Equal(t, "about #exams ", got)
}
