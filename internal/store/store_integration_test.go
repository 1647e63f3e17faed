package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/deskhand/deskhand/internal/index"
	"github.com/deskhand/deskhand/internal/kb"
	"github.com/deskhand/deskhand/internal/retrieval"
	"github.com/deskhand/deskhand/internal/store"
	"github.com/deskhand/deskhand/internal/ticket"
)

// Test schema mirrors migrations/0001_init.up.sql with a small vector width
// so the test does not need full-size embeddings.
const schemaSQL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS kb_chunks (
  id TEXT PRIMARY KEY,
  document_id TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  section_path TEXT[] NOT NULL DEFAULT '{}',
  seq INTEGER NOT NULL,
  content TEXT NOT NULL,
  embedding vector(4),
  ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tickets (
  id TEXT PRIMARY KEY,
  subject TEXT NOT NULL,
  description TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ticket_states (
  ticket_id TEXT PRIMARY KEY,
  stage TEXT NOT NULL,
  outcome TEXT NOT NULL DEFAULT '',
  priority TEXT NOT NULL DEFAULT '',
  attempts INTEGER NOT NULL DEFAULT 0,
  escalation_reason TEXT NOT NULL DEFAULT '',
  snapshot JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS ticket_feedback (
  id BIGSERIAL PRIMARY KEY,
  ticket_id TEXT NOT NULL,
  satisfied BOOLEAN NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS escalations (
  id BIGSERIAL PRIMARY KEY,
  ticket_id TEXT NOT NULL,
  reason TEXT NOT NULL,
  claimed_at TIMESTAMPTZ,
  claimed_by TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("pgvector/pgvector:pg16"),
		tcPostgres.WithDatabase("deskhand"),
		tcPostgres.WithUsername("deskhand"),
		tcPostgres.WithPassword("deskhand"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://deskhand:deskhand@%s:%s/deskhand?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return dsn
}

func TestStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t)

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	tk := ticket.Ticket{ID: "t-100", Subject: "Cannot log in", Description: "Password reset loop", Category: "account"}
	if err := st.SaveTicket(ctx, tk); err != nil {
		t.Fatalf("save ticket: %v", err)
	}
	loaded, err := st.GetTicket(ctx, "t-100")
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if loaded != tk {
		t.Fatalf("loaded ticket %+v, want %+v", loaded, tk)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	state := &ticket.State{
		TicketID: "t-100",
		Stage:    ticket.StageSolutionFinding,
		Priority: ticket.PriorityHigh,
		Keywords: []string{"login", "password"},
		Attempts: 2,
		Signals: []retrieval.Signals{
			{Mean: 0.42, Attempt: 1, FallbackHint: retrieval.FallbackRelaxThreshold},
			{Mean: 0.55, Attempt: 2},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.SaveState(ctx, state); err != nil {
		t.Fatalf("save state: %v", err)
	}
	state.Stage = ticket.StageAutoResolve
	state.Outcome = ticket.OutcomeAutoResolved
	if err := st.SaveState(ctx, state); err != nil {
		t.Fatalf("update state: %v", err)
	}

	got, err := st.GetState(ctx, "t-100")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if got.Stage != ticket.StageAutoResolve || got.Attempts != 2 || len(got.Signals) != 2 {
		t.Fatalf("state round trip mismatch: %+v", got)
	}
	if got.Signals[0].FallbackHint != retrieval.FallbackRelaxThreshold {
		t.Fatalf("signal history lost: %+v", got.Signals)
	}

	sums, err := st.ListByStage(ctx, ticket.StageAutoResolve, 10)
	if err != nil {
		t.Fatalf("list by stage: %v", err)
	}
	if len(sums) != 1 || sums[0].TicketID != "t-100" || sums[0].Outcome != ticket.OutcomeAutoResolved {
		t.Fatalf("list by stage returned %+v", sums)
	}

	if err := st.RecordFeedback(ctx, "t-100", true); err != nil {
		t.Fatalf("record feedback: %v", err)
	}
}

func TestEscalationQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t)

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	tk := ticket.Ticket{ID: "t-200", Subject: "Weird crash", Description: "Nothing matches"}
	if err := st.Escalate(ctx, tk, "no knowledge base evidence retrieved"); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	pending, err := st.PendingEscalations(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].TicketID != "t-200" {
		t.Fatalf("pending = %+v, want one row for t-200", pending)
	}

	if err := st.ClaimEscalation(ctx, pending[0].ID, "agent-7"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.ClaimEscalation(ctx, pending[0].ID, "agent-8"); err == nil {
		t.Fatal("double claim must fail")
	}

	pending, err = st.PendingEscalations(ctx, 10)
	if err != nil {
		t.Fatalf("pending after claim: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after claim = %+v, want empty", pending)
	}
}

func TestPostgresIndexSearch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t)

	idx, err := index.NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("index init: %v", err)
	}
	defer idx.DB.Close()

	now := time.Now().UTC()
	chunks := []kb.Chunk{
		{ID: "doc#000", DocumentID: "doc", Category: "billing", SectionPath: []string{"Billing"}, Seq: 0,
			Text: "Refunds are issued within five days.", Embedding: []float32{1, 0, 0, 0}, IngestedAt: now},
		{ID: "doc#001", DocumentID: "doc", Category: "billing", SectionPath: []string{"Billing"}, Seq: 1,
			Text: "Invoices are sent monthly.", Embedding: []float32{0, 1, 0, 0}, IngestedAt: now},
	}
	if err := idx.ReplaceDocument(ctx, "doc", chunks); err != nil {
		t.Fatalf("replace document: %v", err)
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0, 0}, "billing", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Chunk.ID != "doc#000" {
		t.Fatalf("best match %s, want doc#000", results[0].Chunk.ID)
	}
	if results[0].Similarity < 0.99 {
		t.Fatalf("exact match similarity %.3f, want about 1", results[0].Similarity)
	}
	// Orthogonal vectors sit at the middle of the similarity scale.
	if results[1].Similarity < 0.45 || results[1].Similarity > 0.55 {
		t.Fatalf("orthogonal similarity %.3f, want about 0.5", results[1].Similarity)
	}

	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	if err := idx.DeleteDocument(ctx, "doc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := idx.Count(ctx); n != 0 {
		t.Fatalf("count after delete = %d, want 0", n)
	}
}
