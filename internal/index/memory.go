package index

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/deskhand/deskhand/internal/kb"
)

// Memory is an in-process index with brute-force cosine scan. Suitable for
// tests and single-node deployments with small corpora.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]kb.Chunk
}

// NewMemory builds an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]kb.Chunk)}
}

// ReplaceDocument implements Index.
func (m *Memory) ReplaceDocument(_ context.Context, documentID string, chunks []kb.Chunk) error {
	copied := make([]kb.Chunk, len(chunks))
	copy(copied, chunks)
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(copied) == 0 {
		delete(m.docs, documentID)
		return nil
	}
	m.docs[documentID] = copied
	return nil
}

// DeleteDocument implements Index.
func (m *Memory) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, documentID)
	return nil
}

// Search implements Index.
func (m *Memory) Search(_ context.Context, vector []float32, category string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []SearchResult
	for _, chunks := range m.docs {
		for _, c := range chunks {
			if category != "" && c.Category != category {
				continue
			}
			results = append(results, SearchResult{
				Chunk:      c,
				Similarity: (cosine(vector, c.Embedding) + 1) / 2,
			})
		}
	}
	// Stable ordering: similarity desc, then chunk ID asc for reproducibility.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count implements Index.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, chunks := range m.docs {
		n += len(chunks)
	}
	return n, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
