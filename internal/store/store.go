// Package store persists tickets, processing states and customer feedback in
// Postgres. Chunk vectors live in the pgvector-backed index; this package
// owns the ticket side of the schema.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/deskhand/deskhand/internal/ticket"
)

var tracer trace.Tracer = otel.Tracer("deskhand/internal/store")

type Store struct {
	DB *sql.DB
}

// New constructs the Store from DATABASE_URL or the POSTGRES_* environment.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// SaveTicket upserts the intake record.
func (s *Store) SaveTicket(ctx context.Context, t ticket.Ticket) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO tickets (id, subject, description, category, created_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (id) DO UPDATE SET
  subject     = EXCLUDED.subject,
  description = EXCLUDED.description,
  category    = EXCLUDED.category;
`, t.ID, t.Subject, t.Description, t.Category)
	if err != nil {
		return fmt.Errorf("save ticket %s: %w", t.ID, err)
	}
	return nil
}

// GetTicket loads an intake record.
func (s *Store) GetTicket(ctx context.Context, id string) (ticket.Ticket, error) {
	var t ticket.Ticket
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, subject, description, category FROM tickets WHERE id=$1`, id).
		Scan(&t.ID, &t.Subject, &t.Description, &t.Category)
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return t, nil
}

// SaveState upserts a processing state snapshot. The full state is kept as a
// JSONB document; the hot columns are denormalized for querying. Satisfies
// the orchestrator's StateStore.
func (s *Store) SaveState(ctx context.Context, st *ticket.State) error {
	ctx, span := tracer.Start(ctx, "store.save_state",
		trace.WithAttributes(attribute.String("ticket.id", st.TicketID)))
	defer span.End()

	snapshot, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", st.TicketID, err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO ticket_states (ticket_id, stage, outcome, priority, attempts, escalation_reason, snapshot, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (ticket_id) DO UPDATE SET
  stage             = EXCLUDED.stage,
  outcome           = EXCLUDED.outcome,
  priority          = EXCLUDED.priority,
  attempts          = EXCLUDED.attempts,
  escalation_reason = EXCLUDED.escalation_reason,
  snapshot          = EXCLUDED.snapshot,
  updated_at        = EXCLUDED.updated_at;
`, st.TicketID, string(st.Stage), string(st.Outcome), string(st.Priority),
		st.Attempts, st.EscalationReason, snapshot, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save state %s: %w", st.TicketID, err)
	}
	return nil
}

// GetState loads the persisted state snapshot for a ticket.
func (s *Store) GetState(ctx context.Context, ticketID string) (*ticket.State, error) {
	var snapshot []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT snapshot FROM ticket_states WHERE ticket_id=$1`, ticketID).Scan(&snapshot)
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", ticketID, err)
	}
	var st ticket.State
	if err := json.Unmarshal(snapshot, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", ticketID, err)
	}
	return &st, nil
}

// StateSummary is the queryable slice of a processing state.
type StateSummary struct {
	TicketID  string
	Stage     ticket.Stage
	Outcome   ticket.Outcome
	Priority  ticket.Priority
	Attempts  int
	UpdatedAt time.Time
}

// ListByStage returns state summaries in a given stage, most recent first.
func (s *Store) ListByStage(ctx context.Context, stage ticket.Stage, limit int) ([]StateSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT ticket_id, stage, outcome, priority, attempts, updated_at
FROM ticket_states WHERE stage=$1 ORDER BY updated_at DESC LIMIT $2`, string(stage), limit)
	if err != nil {
		return nil, fmt.Errorf("list states by stage %s: %w", stage, err)
	}
	defer rows.Close()
	var out []StateSummary
	for rows.Next() {
		var sum StateSummary
		var st, oc, pr string
		if err := rows.Scan(&sum.TicketID, &st, &oc, &pr, &sum.Attempts, &sum.UpdatedAt); err != nil {
			return nil, err
		}
		sum.Stage = ticket.Stage(st)
		sum.Outcome = ticket.Outcome(oc)
		sum.Priority = ticket.Priority(pr)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// RecordFeedback appends a customer feedback event.
func (s *Store) RecordFeedback(ctx context.Context, ticketID string, satisfied bool) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO ticket_feedback (ticket_id, satisfied, created_at) VALUES ($1,$2,NOW())`,
		ticketID, satisfied)
	if err != nil {
		return fmt.Errorf("record feedback %s: %w", ticketID, err)
	}
	return nil
}

// RecordEscalation appends a row for the human queue. Satisfies the
// orchestrator's EscalationQueue.
func (s *Store) RecordEscalation(ctx context.Context, t ticket.Ticket, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO escalations (ticket_id, reason, created_at) VALUES ($1,$2,NOW())`,
		t.ID, reason)
	if err != nil {
		return fmt.Errorf("record escalation %s: %w", t.ID, err)
	}
	return nil
}

// Escalate implements ticket.EscalationQueue.
func (s *Store) Escalate(ctx context.Context, t ticket.Ticket, reason string) error {
	return s.RecordEscalation(ctx, t, reason)
}

// PendingEscalations lists escalated tickets that no agent has claimed yet.
func (s *Store) PendingEscalations(ctx context.Context, limit int) ([]Escalation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, ticket_id, reason, created_at FROM escalations
WHERE claimed_at IS NULL ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()
	var out []Escalation
	for rows.Next() {
		var e Escalation
		if err := rows.Scan(&e.ID, &e.TicketID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimEscalation marks an escalation as picked up by an agent.
func (s *Store) ClaimEscalation(ctx context.Context, id int64, agent string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE escalations SET claimed_at=NOW(), claimed_by=$2 WHERE id=$1 AND claimed_at IS NULL`,
		id, agent)
	if err != nil {
		return fmt.Errorf("claim escalation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("escalation %d not found or already claimed", id)
	}
	return nil
}

// Escalation is a row awaiting a human agent.
type Escalation struct {
	ID        int64
	TicketID  string
	Reason    string
	CreatedAt time.Time
}
