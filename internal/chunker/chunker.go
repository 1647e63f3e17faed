package chunker

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/deskhand/deskhand/internal/kb"
)

// Chunker splits section-tagged documents into overlapping, sentence-bounded
// windows. A chunk boundary never lands inside a sentence.
type Chunker struct {
	size    int // target window size in runes
	overlap int // overlap between consecutive windows in runes
}

// New returns a chunker with the given window and overlap sizes (runes).
func New(size, overlap int) *Chunker {
	return &Chunker{size: size, overlap: overlap}
}

// section is a contiguous run of text under one heading path.
type section struct {
	path []string
	text string
}

// Split converts a document into ordered chunks. Documents without heading
// markers are treated as a single root section; sections shorter than the
// target size become a single chunk.
func (c *Chunker) Split(doc kb.Document) []kb.Chunk {
	now := time.Now().UTC()
	var chunks []kb.Chunk
	seq := 0
	for _, sec := range splitSections(doc.Text) {
		for _, window := range c.windows(sec.text) {
			chunks = append(chunks, kb.Chunk{
				ID:          fmt.Sprintf("%s#%03d", doc.ID, seq),
				DocumentID:  doc.ID,
				Category:    doc.Category,
				SectionPath: sec.path,
				Seq:         seq,
				Text:        window,
				IngestedAt:  now,
			})
			seq++
		}
	}
	return chunks
}

// splitSections walks the document line by line, maintaining a heading stack.
// "#"-prefixed lines open a section at a depth equal to the marker count.
func splitSections(text string) []section {
	lines := strings.Split(text, "\n")
	var out []section
	var stack []string // stack[i] holds the level i+1 heading title
	var buf strings.Builder

	flush := func() {
		body := strings.TrimSpace(buf.String())
		buf.Reset()
		if body == "" {
			return
		}
		path := []string{kb.RootSection}
		if len(stack) > 0 {
			path = make([]string, len(stack))
			copy(path, stack)
		}
		out = append(out, section{path: path, text: body})
	}

	for _, line := range lines {
		level, title := headingMarker(line)
		if level == 0 {
			buf.WriteString(line)
			buf.WriteString("\n")
			continue
		}
		flush()
		if level <= len(stack) {
			stack = stack[:level-1]
		}
		stack = append(stack, title)
	}
	flush()
	return out
}

// headingMarker reports the heading level of a line (0 when not a heading).
func headingMarker(line string) (int, string) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return 0, ""
	}
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	title := strings.TrimSpace(trimmed[level:])
	if title == "" {
		return 0, ""
	}
	return level, title
}

// windows groups a section's sentences into runs of approximately the target
// size. Consecutive windows share a trailing-sentence overlap so evidence
// spanning a boundary is not lost.
func (c *Chunker) windows(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var out []string
	var current []string
	currentLen := 0
	for i := 0; i < len(sentences); i++ {
		s := sentences[i]
		sLen := utf8.RuneCountInString(s)
		if currentLen > 0 && currentLen+sLen > c.size {
			out = append(out, strings.TrimSpace(strings.Join(current, " ")))
			current, currentLen = c.carryOverlap(current)
		}
		current = append(current, s)
		currentLen += sLen
	}
	if currentLen > 0 {
		out = append(out, strings.TrimSpace(strings.Join(current, " ")))
	}
	return out
}

// carryOverlap keeps whole trailing sentences whose combined length fits the
// configured overlap budget.
func (c *Chunker) carryOverlap(window []string) ([]string, int) {
	if c.overlap <= 0 {
		return nil, 0
	}
	kept := 0
	total := 0
	for i := len(window) - 1; i >= 0; i-- {
		l := utf8.RuneCountInString(window[i])
		if total+l > c.overlap {
			break
		}
		total += l
		kept++
	}
	if kept == 0 {
		return nil, 0
	}
	carried := make([]string, kept)
	copy(carried, window[len(window)-kept:])
	return carried, total
}

// splitSentences breaks text on sentence terminators and blank lines. The
// terminator stays attached to its sentence.
func splitSentences(text string) []string {
	var out []string
	var buf strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		buf.WriteRune(r)
		terminal := r == '.' || r == '!' || r == '?'
		if terminal {
			// Abbreviation-ish guard: only break when followed by space or EOL.
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				if s := strings.TrimSpace(buf.String()); s != "" {
					out = append(out, s)
				}
				buf.Reset()
			}
			continue
		}
		if r == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			if s := strings.TrimSpace(buf.String()); s != "" {
				out = append(out, s)
			}
			buf.Reset()
		}
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		out = append(out, s)
	}
	return out
}
