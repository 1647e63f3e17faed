package index

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/deskhand/deskhand/internal/kb"
)

var indexTracer trace.Tracer = otel.Tracer("deskhand/internal/index")

// Postgres stores chunks in a pgvector-backed table. Document replacement
// runs in one transaction so readers never observe a half-written set.
type Postgres struct {
	DB *sql.DB
}

// NewPostgres opens a pgvector-backed index over a Postgres DSN.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{DB: db}, nil
}

// ReplaceDocument implements Index.
func (p *Postgres) ReplaceDocument(ctx context.Context, documentID string, chunks []kb.Chunk) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kb_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete chunks for %s: %w", documentID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO kb_chunks (id, document_id, category, section_path, seq, content, embedding, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::vector,$8)
`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, c := range chunks {
		vecLiteral, err := encodeVectorLiteral(c.Embedding)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Category,
			pq.Array(c.SectionPath), c.Seq, c.Text, vecLiteral, c.IngestedAt); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteDocument implements Index.
func (p *Postgres) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := p.DB.ExecContext(ctx, `DELETE FROM kb_chunks WHERE document_id = $1`, documentID)
	return err
}

// Search implements Index. pgvector's <=> operator yields cosine distance in
// [0,2]; it is mapped to similarity on [0,1] as 1 - distance/2.
func (p *Postgres) Search(ctx context.Context, vector []float32, category string, limit int) ([]SearchResult, error) {
	ctx, span := indexTracer.Start(ctx, "index.search",
		trace.WithAttributes(
			attribute.String("category", category),
			attribute.Int("limit", limit),
		))
	defer span.End()

	if limit <= 0 {
		return nil, nil
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := p.DB.QueryContext(ctx, `
SELECT id, document_id, category, section_path, seq, content, ingested_at, embedding <=> $1::vector AS distance
FROM kb_chunks
WHERE ($2 = '' OR category = $2)
ORDER BY embedding <=> $1::vector, id
LIMIT $3
`, vecLiteral, category, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			c        kb.Chunk
			path     pq.StringArray
			distance float64
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Category, &path, &c.Seq, &c.Text, &c.IngestedAt, &distance); err != nil {
			return nil, err
		}
		c.SectionPath = []string(path)
		results = append(results, SearchResult{Chunk: c, Similarity: 1 - distance/2})
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, rows.Err()
}

// Count implements Index.
func (p *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM kb_chunks`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
