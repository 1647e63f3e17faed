package index

import (
	"context"
	"testing"

	"github.com/deskhand/deskhand/internal/kb"
)

func chunk(id, doc, category string, vec []float32) kb.Chunk {
	return kb.Chunk{ID: id, DocumentID: doc, Category: category, Text: "text " + id, Embedding: vec}
}

func TestMemorySearchOrdersBySimilarity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.ReplaceDocument(ctx, "d1", []kb.Chunk{
		chunk("d1#000", "d1", "", []float32{1, 0}),
		chunk("d1#001", "d1", "", []float32{0, 1}),
		chunk("d1#002", "d1", "", []float32{0.9, 0.1}),
	})
	if err != nil {
		t.Fatalf("ReplaceDocument: %v", err)
	}

	results, err := m.Search(ctx, []float32{1, 0}, "", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Chunk.ID != "d1#000" {
		t.Fatalf("best match %s, want d1#000", results[0].Chunk.ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Fatalf("results not sorted by similarity at %d", i)
		}
	}
	// Identical vector scores 1.0 on the [0,1] scale, orthogonal scores 0.5.
	if results[0].Similarity < 0.999 {
		t.Fatalf("exact match similarity %f, want ~1.0", results[0].Similarity)
	}
	if got := results[2].Similarity; got < 0.499 || got > 0.501 {
		t.Fatalf("orthogonal similarity %f, want ~0.5", got)
	}
}

func TestMemorySearchTieBreaksByChunkID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.ReplaceDocument(ctx, "d1", []kb.Chunk{
		chunk("d1#001", "d1", "", []float32{1, 0}),
		chunk("d1#000", "d1", "", []float32{1, 0}),
	})
	results, err := m.Search(ctx, []float32{1, 0}, "", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results[0].Chunk.ID != "d1#000" || results[1].Chunk.ID != "d1#001" {
		t.Fatalf("tie not broken by chunk ID: %s, %s", results[0].Chunk.ID, results[1].Chunk.ID)
	}
}

func TestMemorySearchCategoryFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.ReplaceDocument(ctx, "d1", []kb.Chunk{chunk("d1#000", "d1", "billing", []float32{1, 0})})
	_ = m.ReplaceDocument(ctx, "d2", []kb.Chunk{chunk("d2#000", "d2", "technical", []float32{1, 0})})

	results, err := m.Search(ctx, []float32{1, 0}, "billing", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.Category != "billing" {
		t.Fatalf("category filter failed: %+v", results)
	}

	// Unknown category: empty result set, no error.
	results, err = m.Search(ctx, []float32{1, 0}, "unknown", 10)
	if err != nil {
		t.Fatalf("Search with empty category: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestMemoryReplaceDocumentSwapsChunks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.ReplaceDocument(ctx, "d1", []kb.Chunk{
		chunk("d1#000", "d1", "", []float32{1, 0}),
		chunk("d1#001", "d1", "", []float32{0, 1}),
	})
	_ = m.ReplaceDocument(ctx, "d1", []kb.Chunk{chunk("d1#000", "d1", "", []float32{0, 1})})

	n, _ := m.Count(ctx)
	if n != 1 {
		t.Fatalf("expected 1 chunk after replace, got %d", n)
	}
	if err := m.DeleteDocument(ctx, "d1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	n, _ = m.Count(ctx)
	if n != 0 {
		t.Fatalf("expected empty index after delete, got %d", n)
	}
}
