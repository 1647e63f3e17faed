// Package index holds the chunk store and its vector-similarity search.
//
// Similarity scores returned by every implementation are normalized to the
// [0,1] range (cosine similarity mapped via (s+1)/2). Callers compare
// thresholds on that same range.
package index

import (
	"context"
	"errors"

	"github.com/deskhand/deskhand/internal/kb"
)

// ErrUnavailable marks the index as unreachable. The retrieval engine does
// not retry internally; the orchestrator decides whether to spend an attempt.
var ErrUnavailable = errors.New("vector index unavailable")

// SearchResult pairs a chunk reference with its semantic similarity on [0,1].
type SearchResult struct {
	Chunk      kb.Chunk
	Similarity float64
}

// Index is a similarity-searchable chunk store. Chunks are owned by the
// index and referenced, never copied, by retrieval results. Writes replace a
// whole document's chunks so a reader never observes a half-written set.
type Index interface {
	// ReplaceDocument atomically swaps all chunks of a document.
	ReplaceDocument(ctx context.Context, documentID string, chunks []kb.Chunk) error
	// DeleteDocument removes a document's chunks.
	DeleteDocument(ctx context.Context, documentID string) error
	// Search returns up to limit chunks nearest to the query vector, best
	// first, optionally restricted to a category. An empty result is a
	// successful call.
	Search(ctx context.Context, vector []float32, category string, limit int) ([]SearchResult, error)
	// Count reports the number of indexed chunks.
	Count(ctx context.Context) (int, error)
}
