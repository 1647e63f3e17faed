package chunker

import (
	"strings"
	"testing"

	"github.com/deskhand/deskhand/internal/kb"
)

func TestSplitNoHeadingsSingleRootSection(t *testing.T) {
	doc := kb.Document{ID: "doc-1", Text: "First sentence here. Second sentence here. Third sentence here."}
	chunks := New(1000, 0).Split(doc)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for short unmarked document, got %d", len(chunks))
	}
	if got := chunks[0].Section(); got != kb.RootSection {
		t.Fatalf("expected root section, got %q", got)
	}
	if chunks[0].Seq != 0 {
		t.Fatalf("expected seq 0, got %d", chunks[0].Seq)
	}
}

func TestSplitReassemblyPreservesOrder(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("Sentence number ")
		b.WriteString(strings.Repeat("x", i%7))
		b.WriteString(" ends here. ")
	}
	doc := kb.Document{ID: "doc-2", Text: b.String()}
	chunks := New(120, 0).Split(doc)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != i {
			t.Fatalf("chunk %d has seq %d, expected sequential ordering", i, c.Seq)
		}
		if c.Section() != kb.RootSection {
			t.Fatalf("chunk %d not in root section: %v", i, c.SectionPath)
		}
	}
	// With zero overlap, reassembling by sequence index yields the original
	// sentences in original order.
	joined := strings.Join(chunkTexts(chunks), " ")
	if !strings.HasPrefix(joined, "Sentence number") {
		t.Fatalf("reassembled text lost leading content: %q", joined[:40])
	}
	if strings.Count(joined, "ends here.") != 40 {
		t.Fatalf("reassembled text lost sentences: %d of 40", strings.Count(joined, "ends here."))
	}
}

func TestSplitNeverBreaksInsideSentence(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("A fairly long sentence used to force window boundaries in the splitter. ")
	}
	doc := kb.Document{ID: "doc-3", Text: b.String()}
	chunks := New(150, 40).Split(doc)
	for i, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if !strings.HasSuffix(text, ".") {
			t.Fatalf("chunk %d ends mid-sentence: %q", i, text)
		}
	}
}

func TestSplitSectionPaths(t *testing.T) {
	doc := kb.Document{ID: "doc-4", Text: strings.Join([]string{
		"# Billing",
		"Billing overview sentence.",
		"## Refunds",
		"Refund policy sentence.",
		"# Technical",
		"Technical overview sentence.",
	}, "\n")}
	chunks := New(1000, 0).Split(doc)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	wantPaths := [][]string{
		{"Billing"},
		{"Billing", "Refunds"},
		{"Technical"},
	}
	for i, want := range wantPaths {
		got := chunks[i].SectionPath
		if strings.Join(got, "/") != strings.Join(want, "/") {
			t.Fatalf("chunk %d section path %v, want %v", i, got, want)
		}
	}
	if chunks[1].Section() != "Refunds" {
		t.Fatalf("expected deepest section Refunds, got %q", chunks[1].Section())
	}
}

func TestSplitOverlapSharesTrailingSentences(t *testing.T) {
	var sentences []string
	for i := 0; i < 12; i++ {
		sentences = append(sentences, "Overlap probe sentence marker.")
	}
	doc := kb.Document{ID: "doc-5", Text: strings.Join(sentences, " ")}
	chunks := New(100, 35).Split(doc)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prev := chunkSentences(chunks[i-1].Text)
		cur := chunkSentences(chunks[i].Text)
		if prev[len(prev)-1] != cur[0] {
			t.Fatalf("chunks %d and %d do not share an overlap sentence", i-1, i)
		}
	}
}

func TestSplitEmptyAndBlankSectionsSkipped(t *testing.T) {
	doc := kb.Document{ID: "doc-6", Text: "# Empty\n\n\n# Full\nOnly real sentence."}
	chunks := New(500, 0).Split(doc)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Section() != "Full" {
		t.Fatalf("expected section Full, got %q", chunks[0].Section())
	}
}

func chunkTexts(chunks []kb.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func chunkSentences(text string) []string {
	parts := strings.SplitAfter(text, ".")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
