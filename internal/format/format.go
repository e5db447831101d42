// Package format turns assistant text into renderable blocks: bold runs,
// numbered section headers, bare URLs and the support email address.
package format

import (
	"regexp"
	"strings"
)

type SpanKind string

const (
	SpanText  SpanKind = "text"
	SpanBold  SpanKind = "bold"
	SpanLink  SpanKind = "link"
	SpanEmail SpanKind = "email"
)

type Span struct {
	Kind SpanKind `json:"kind"`
	Text string   `json:"text"`
	Href string   `json:"href,omitempty"`
}

type BlockKind string

const (
	BlockParagraph BlockKind = "paragraph"
	BlockSection   BlockKind = "section"
)

// Block is one rendered line. Sections carry their number and title; the
// rest of the line is in Spans.
type Block struct {
	Kind   BlockKind `json:"kind"`
	Number string    `json:"number,omitempty"`
	Title  string    `json:"title,omitempty"`
	Spans  []Span    `json:"spans"`
}

// sectionPattern matches "N. **Title**:" and "N. **Title:**" headers.
var sectionPattern = regexp.MustCompile(`^\s*(\d+)\.\s+\*\*([^*]+?):?\*\*:?\s*(.*)$`)

var boldMarkers = regexp.MustCompile(`\*\*([^*]+)\*\*`)

const urlTrailing = ".,;:!?"

type Formatter struct {
	supportEmail string
	spans        *regexp.Regexp
}

// New returns a formatter that links supportEmail wherever it appears.
func New(supportEmail string) *Formatter {
	expr := `\*\*([^*]+)\*\*|(https?://[^\s<>"')\]]+)`
	if supportEmail != "" {
		expr += `|(` + regexp.QuoteMeta(supportEmail) + `)`
	}
	return &Formatter{supportEmail: supportEmail, spans: regexp.MustCompile(expr)}
}

// Format splits text into lines and renders each non-blank line as a block.
func (f *Formatter) Format(text string) []Block {
	var blocks []Block
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := sectionPattern.FindStringSubmatch(line); m != nil {
			blocks = append(blocks, Block{
				Kind:   BlockSection,
				Number: m[1],
				Title:  strings.TrimSpace(m[2]),
				Spans:  f.Spans(m[3]),
			})
			continue
		}
		blocks = append(blocks, Block{Kind: BlockParagraph, Spans: f.Spans(line)})
	}
	return blocks
}

// Spans renders a single line.
func (f *Formatter) Spans(line string) []Span {
	spans := []Span{}
	text := func(s string) {
		if s == "" {
			return
		}
		if n := len(spans); n > 0 && spans[n-1].Kind == SpanText {
			spans[n-1].Text += s
			return
		}
		spans = append(spans, Span{Kind: SpanText, Text: s})
	}

	pos := 0
	for _, m := range f.spans.FindAllStringSubmatchIndex(line, -1) {
		text(line[pos:m[0]])
		pos = m[1]

		switch {
		case m[2] >= 0:
			spans = append(spans, Span{Kind: SpanBold, Text: line[m[2]:m[3]]})
		case m[4] >= 0:
			raw := line[m[4]:m[5]]
			url := strings.TrimRight(raw, urlTrailing)
			spans = append(spans, Span{Kind: SpanLink, Text: url, Href: url})
			text(raw[len(url):])
		default:
			addr := line[m[6]:m[7]]
			spans = append(spans, Span{Kind: SpanEmail, Text: addr, Href: "mailto:" + addr})
		}
	}
	text(line[pos:])
	return spans
}

// PlainText drops bold markers for channels without rich text.
func PlainText(text string) string {
	return boldMarkers.ReplaceAllString(text, "$1")
}
