// Package ingest turns knowledge base documents into embedded chunks in the
// vector index. Re-ingesting a document replaces all of its chunks in one
// atomic swap, so readers never observe a half-updated document.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/deskhand/deskhand/config"
	"github.com/deskhand/deskhand/internal/chunker"
	"github.com/deskhand/deskhand/internal/index"
	"github.com/deskhand/deskhand/internal/kb"
)

const embedBatchSize = 32

// Embedder produces embedding vectors for a batch of texts.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Ingestor coordinates chunking and embedding of documents.
type Ingestor struct {
	chunker  *chunker.Chunker
	embedder Embedder
	index    index.Index
	cfg      config.RetrievalConfig
	logger   *log.Logger
}

// NewIngestor builds a document ingestor.
func NewIngestor(embedder Embedder, idx index.Index, chunking config.ChunkingConfig, retrievalCfg config.RetrievalConfig, logger *log.Logger) (*Ingestor, error) {
	if embedder == nil {
		return nil, errors.New("ingestor requires an embedding-capable provider")
	}
	if idx == nil {
		return nil, errors.New("ingestor requires an index")
	}
	if err := chunking.Validate(); err != nil {
		return nil, fmt.Errorf("chunking config: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	return &Ingestor{
		chunker:  chunker.New(chunking.Size, chunking.Overlap),
		embedder: embedder,
		index:    idx,
		cfg:      retrievalCfg,
		logger:   logger,
	}, nil
}

// IngestDocument splits, embeds and indexes one document. An empty document
// removes any previously indexed chunks for its ID.
func (i *Ingestor) IngestDocument(ctx context.Context, doc kb.Document) (int, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return 0, fmt.Errorf("ingest requires a document id")
	}
	chunks := i.chunker.Split(doc)
	if len(chunks) == 0 {
		if err := i.index.DeleteDocument(ctx, doc.ID); err != nil {
			return 0, fmt.Errorf("delete empty document %s: %w", doc.ID, err)
		}
		return 0, nil
	}

	if err := i.embedChunks(ctx, chunks); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for idx := range chunks {
		chunks[idx].IngestedAt = now
	}
	if err := i.index.ReplaceDocument(ctx, doc.ID, chunks); err != nil {
		return 0, fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	i.logger.Printf("ingested document %s: %d chunks", doc.ID, len(chunks))
	return len(chunks), nil
}

// RemoveDocument drops a document's chunks from the index.
func (i *Ingestor) RemoveDocument(ctx context.Context, documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("remove requires a document id")
	}
	if err := i.index.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return nil
}

func (i *Ingestor) embedChunks(ctx context.Context, chunks []kb.Chunk) error {
	inputs := make([]string, len(chunks))
	for idx, c := range chunks {
		inputs[idx] = c.Text
	}

	vectors := make([][]float32, 0, len(inputs))
	for start := 0; start < len(inputs); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		batch := inputs[start:end]
		resp, err := i.embedder.CreateEmbedding(ctx, batch)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
		if len(resp) != len(batch) {
			return fmt.Errorf("embed chunks: expected %d vectors, got %d", len(batch), len(resp))
		}
		vectors = append(vectors, resp...)
	}

	for idx, vec := range vectors {
		if i.cfg.EmbeddingDimensions > 0 && len(vec) != i.cfg.EmbeddingDimensions {
			i.logger.Printf("warn: embedding dimensions mismatch for %s (got %d want %d)",
				chunks[idx].ID, len(vec), i.cfg.EmbeddingDimensions)
		}
		chunks[idx].Embedding = vec
	}
	return nil
}
