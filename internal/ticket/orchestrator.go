package ticket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/deskhand/deskhand/config"
	"github.com/deskhand/deskhand/internal/retrieval"
	"github.com/deskhand/deskhand/internal/telemetry"
)

var orchestratorTracer trace.Tracer = otel.Tracer("deskhand/internal/ticket")

var (
	// ErrTicketNotFound is returned for feedback on an unknown ticket.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrNotAwaitingFeedback is returned when feedback arrives while the
	// ticket is still being processed.
	ErrNotAwaitingFeedback = errors.New("ticket is not awaiting feedback")
	// ErrInProgress is returned when Process is re-invoked for a ticket
	// whose pipeline has not yet reached a resting or terminal stage.
	ErrInProgress = errors.New("ticket is already being processed")
)

// Retriever is the retrieval engine surface the orchestrator consumes.
// *retrieval.Engine satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Response, error)
}

// Composer is the external text-generation collaborator. It is invoked only
// after retrieval completes, with the retrieved evidence.
type Composer interface {
	ComposeAnswer(ctx context.Context, evidence []retrieval.Result, ticketText string) (string, error)
}

// Evaluator is the external quality-judgment collaborator.
type Evaluator interface {
	Judge(ctx context.Context, draft, ticketText string) (Judgment, error)
}

// Responder delivers answers to the customer.
type Responder interface {
	SendResolution(ctx context.Context, ticketID, draft string) error
	RequestFeedback(ctx context.Context, ticketID, draft string) error
}

// EscalationQueue hands tickets to a human agent, with the failure reason
// attached for the agent.
type EscalationQueue interface {
	Escalate(ctx context.Context, t Ticket, reason string) error
}

// StateStore persists processing states as a write-through audit trail.
// A nil store disables persistence.
type StateStore interface {
	SaveState(ctx context.Context, st *State) error
}

// Orchestrator runs the ticket pipeline. Many tickets are processed
// concurrently up to the configured bound; a single ticket's stages execute
// strictly sequentially so the attempt counter stays consistent.
type Orchestrator struct {
	retriever   Retriever
	composer    Composer
	evaluator   Evaluator
	responder   Responder
	escalations EscalationQueue
	store       StateStore
	retrievalC  config.RetrievalConfig
	metrics     *telemetry.Metrics
	logger      *log.Logger

	mu      sync.RWMutex
	states  map[string]*State
	tickets map[string]Ticket

	semaphore chan struct{}
}

// NewOrchestrator wires the pipeline. Composer, evaluator, responder and
// escalation queue are required collaborators; the state store is optional.
func NewOrchestrator(retriever Retriever, composer Composer, evaluator Evaluator, responder Responder, escalations EscalationQueue, store StateStore, retrievalCfg config.RetrievalConfig, pipelineCfg config.PipelineConfig, metrics *telemetry.Metrics, logger *log.Logger) (*Orchestrator, error) {
	if retriever == nil {
		return nil, fmt.Errorf("orchestrator requires a retriever")
	}
	if composer == nil || evaluator == nil || responder == nil || escalations == nil {
		return nil, fmt.Errorf("orchestrator requires composer, evaluator, responder and escalation queue")
	}
	if err := retrievalCfg.Validate(); err != nil {
		return nil, fmt.Errorf("retrieval config: %w", err)
	}
	if err := pipelineCfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[TICKET] ", log.LstdFlags)
	}
	return &Orchestrator{
		retriever:   retriever,
		composer:    composer,
		evaluator:   evaluator,
		responder:   responder,
		escalations: escalations,
		store:       store,
		retrievalC:  retrievalCfg,
		metrics:     metrics,
		logger:      logger,
		states:      make(map[string]*State),
		tickets:     make(map[string]Ticket),
		semaphore:   make(chan struct{}, pipelineCfg.MaxConcurrentTickets),
	}, nil
}

// Process runs the pipeline for a new ticket and returns its outcome.
// Re-invoking with an already-known ticket ID is idempotent and returns the
// recorded outcome without spending further attempts; if the first invocation
// has not yet reached a resting or terminal stage it returns ErrInProgress.
func (o *Orchestrator) Process(ctx context.Context, t Ticket) (Outcome, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	ctx, span := orchestratorTracer.Start(ctx, "ticket.process",
		trace.WithAttributes(attribute.String("ticket.id", t.ID)))
	defer span.End()

	o.mu.Lock()
	if existing, ok := o.states[t.ID]; ok {
		outcome := existing.Outcome
		o.mu.Unlock()
		if outcome == "" {
			return "", ErrInProgress
		}
		return outcome, nil
	}
	now := time.Now().UTC()
	st := &State{TicketID: t.ID, Stage: StageIntake, CreatedAt: now, UpdatedAt: now}
	o.states[t.ID] = st
	o.tickets[t.ID] = t
	o.mu.Unlock()

	select {
	case o.semaphore <- struct{}{}:
	case <-ctx.Done():
		return o.escalate(ctx, t, st, "cancelled before processing started")
	}
	defer func() { <-o.semaphore }()

	return o.run(ctx, t, st)
}

// SubmitFeedback applies a customer satisfaction signal. Feedback on a fully
// terminal ticket is a no-op returning the recorded outcome; dissatisfied
// feedback re-enters solution finding only while the ticket-lifetime attempt
// budget has room, otherwise the ticket escalates.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, ticketID string, satisfied bool) (Outcome, error) {
	o.mu.Lock()
	st, ok := o.states[ticketID]
	if !ok {
		o.mu.Unlock()
		return "", ErrTicketNotFound
	}
	if st.Stage.Terminal() {
		outcome := st.Outcome
		o.mu.Unlock()
		return outcome, nil
	}
	if !st.Stage.AwaitingFeedback() {
		o.mu.Unlock()
		return "", ErrNotAwaitingFeedback
	}
	t := o.tickets[ticketID]
	fb := &Feedback{
		Satisfied:       satisfied,
		BudgetRemaining: st.Attempts < o.retrievalC.MaxAttempts,
	}
	next := Next(st.Stage, nil, nil, fb)
	if next != StageEscalate {
		// Escalation is committed by escalate itself so the outcome and
		// reason land atomically with the stage.
		o.setStageLocked(st, next)
	}
	o.mu.Unlock()

	switch next {
	case StageClosed:
		return o.close(ctx, st)
	case StageSolutionFinding:
		// Feedback-triggered retries spend retrieval work and respect the
		// same concurrency bound as first-pass processing.
		select {
		case o.semaphore <- struct{}{}:
		case <-ctx.Done():
			return o.escalate(ctx, t, st, "cancelled before feedback retry started")
		}
		defer func() { <-o.semaphore }()
		return o.resume(ctx, t, st)
	default:
		return o.escalate(ctx, t, st, "customer dissatisfied and retrieval budget exhausted")
	}
}

// State returns a copy of a ticket's processing state for introspection.
func (o *Orchestrator) State(ticketID string) (State, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.states[ticketID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Close marks a ticket withdrawn by the customer. In-flight retrieval
// results for it are discarded when they land.
func (o *Orchestrator) Close(ticketID string) (Outcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[ticketID]
	if !ok {
		return "", ErrTicketNotFound
	}
	if st.Stage.Terminal() {
		return st.Outcome, nil
	}
	o.setStageLocked(st, StageClosed)
	st.Outcome = OutcomeClosed
	return OutcomeClosed, nil
}

// run drives the pipeline from intake to a resting or terminal stage.
func (o *Orchestrator) run(ctx context.Context, t Ticket, st *State) (Outcome, error) {
	// Pre-retrieval stages are deterministic derivations from the ticket
	// text; each advances via the transition function.
	o.mu.Lock()
	for st.Stage != StageSolutionFinding {
		switch st.Stage {
		case StageScoring:
			st.Priority = scoreTicket(t)
		case StageAnalysis:
			st.Keywords = extractKeywords(t)
		case StageClassification:
			st.Category = classify(t)
		case StagePlanning:
			st.UseHybrid = planHybrid(st.Keywords)
		}
		o.setStageLocked(st, Next(st.Stage, nil, nil, nil))
	}
	o.mu.Unlock()
	o.saveState(ctx, st)

	return o.resume(ctx, t, st)
}

// resume continues the pipeline from solution finding. It is the shared path
// for the initial pass and feedback-triggered retries.
func (o *Orchestrator) resume(ctx context.Context, t Ticket, st *State) (Outcome, error) {
	if err := o.solutionLoop(ctx, t, st); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			o.mu.RLock()
			outcome := st.Outcome
			terminal := st.Stage.Terminal()
			o.mu.RUnlock()
			if terminal {
				return outcome, nil
			}
		}
		return o.escalate(ctx, t, st, fmt.Sprintf("solution finding failed: %v", err))
	}
	return o.evaluate(ctx, t, st)
}

// solutionLoop spends retrieval attempts until the signals are confident or
// the lifetime budget is exhausted. Failures and timeouts count as
// zero-confidence attempts so they can never loop forever.
func (o *Orchestrator) solutionLoop(ctx context.Context, t Ticket, st *State) error {
	query := strings.TrimSpace(t.Subject + "\n" + t.Description)
	for {
		o.mu.RLock()
		attempt := st.Attempts + 1
		keywords := st.Keywords
		category := st.Category
		useHybrid := st.UseHybrid
		terminal := st.Stage.Terminal()
		o.mu.RUnlock()
		if terminal {
			return context.Canceled
		}

		req := retrieval.Request{
			Query:               query,
			Keywords:            keywords,
			Category:            category,
			TopK:                o.retrievalC.TopK,
			ScoreThreshold:      o.retrievalC.RelaxedThreshold(attempt),
			ConfidenceThreshold: o.retrievalC.ConfidenceThreshold,
			MaxAttempts:         o.retrievalC.MaxAttempts,
			Attempt:             attempt,
			UseHybrid:           useHybrid,
		}
		resp, err := o.retriever.Retrieve(ctx, req)

		o.mu.Lock()
		if st.Stage.Terminal() {
			// The ticket was closed externally mid-retrieval; the in-flight
			// result is discardable and must not mutate the terminal state.
			o.mu.Unlock()
			return context.Canceled
		}
		st.Attempts = attempt
		var sig retrieval.Signals
		if err != nil {
			o.logger.Printf("ticket %s attempt %d: retrieval failed: %v", t.ID, attempt, err)
			sig = retrieval.Signals{
				Attempt:           attempt,
				AttemptsExhausted: attempt >= o.retrievalC.MaxAttempts,
			}
			if !sig.AttemptsExhausted {
				sig.FallbackHint = retrieval.FallbackRelaxThreshold
			}
		} else {
			sig = resp.Signals
			st.Evidence = resp.Results
		}
		st.Signals = append(st.Signals, sig)
		next := Next(StageSolutionFinding, &sig, nil, nil)
		o.setStageLocked(st, next)
		o.mu.Unlock()
		o.saveState(ctx, st)

		if next != StageSolutionFinding {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// evaluate decides the resting stage from the final signal bundle and, when
// unconfident, the evaluation collaborator's judgment of a best-effort draft.
func (o *Orchestrator) evaluate(ctx context.Context, t Ticket, st *State) (Outcome, error) {
	o.mu.RLock()
	sig := st.LastSignals()
	evidence := st.Evidence
	o.mu.RUnlock()

	ticketText := t.Subject + "\n" + t.Description

	if sig != nil && !sig.Confident && len(evidence) == 0 {
		// Nothing retrieved across all attempts: there is no material to
		// draft a best-effort answer from.
		return o.escalate(ctx, t, st, "no knowledge base evidence retrieved")
	}

	var judgment *Judgment
	var draft string
	if sig != nil && !sig.Confident {
		var err error
		draft, err = o.composer.ComposeAnswer(ctx, evidence, ticketText)
		if err != nil {
			o.logger.Printf("ticket %s: compose best-effort answer failed: %v", t.ID, err)
		} else if j, err := o.evaluator.Judge(ctx, draft, ticketText); err != nil {
			o.logger.Printf("ticket %s: evaluation failed: %v", t.ID, err)
		} else {
			judgment = &j
		}
	}

	next := Next(StageEvaluation, sig, judgment, nil)
	o.mu.Lock()
	if next != StageEscalate {
		o.setStageLocked(st, next)
	}
	st.Draft = draft
	o.mu.Unlock()

	switch next {
	case StageAutoResolve:
		return o.autoResolve(ctx, t, st, ticketText)
	case StageRequestFeedback:
		return o.requestFeedback(ctx, t, st)
	default:
		reason := "low retrieval confidence after exhausting attempts"
		if judgment == nil {
			reason = "evaluation unavailable after exhausting attempts"
		}
		return o.escalate(ctx, t, st, reason)
	}
}

// autoResolve composes and sends a resolution directly, without a feedback
// wait. A composer or responder failure downgrades to escalation rather than
// leaving the ticket stuck.
func (o *Orchestrator) autoResolve(ctx context.Context, t Ticket, st *State, ticketText string) (Outcome, error) {
	o.mu.RLock()
	evidence := st.Evidence
	o.mu.RUnlock()

	draft, err := o.composer.ComposeAnswer(ctx, evidence, ticketText)
	if err != nil {
		return o.escalate(ctx, t, st, fmt.Sprintf("answer composition failed: %v", err))
	}
	if err := o.responder.SendResolution(ctx, t.ID, draft); err != nil {
		return o.escalate(ctx, t, st, fmt.Sprintf("resolution delivery failed: %v", err))
	}

	o.mu.Lock()
	st.Draft = draft
	st.Outcome = OutcomeAutoResolved
	o.mu.Unlock()
	o.saveState(ctx, st)
	o.metrics.ObserveOutcome(string(OutcomeAutoResolved))
	return OutcomeAutoResolved, nil
}

// requestFeedback sends the best-effort answer and awaits the customer's
// satisfaction signal.
func (o *Orchestrator) requestFeedback(ctx context.Context, t Ticket, st *State) (Outcome, error) {
	o.mu.RLock()
	draft := st.Draft
	o.mu.RUnlock()

	if err := o.responder.RequestFeedback(ctx, t.ID, draft); err != nil {
		return o.escalate(ctx, t, st, fmt.Sprintf("feedback request delivery failed: %v", err))
	}

	o.mu.Lock()
	st.Outcome = OutcomePendingFeedback
	o.mu.Unlock()
	o.saveState(ctx, st)
	o.metrics.ObserveOutcome(string(OutcomePendingFeedback))
	return OutcomePendingFeedback, nil
}

// escalate terminates the ticket in the escalation queue with the failure
// reason attached. A ticket never disappears: even a broken queue leaves the
// state recorded as escalated.
func (o *Orchestrator) escalate(ctx context.Context, t Ticket, st *State, reason string) (Outcome, error) {
	o.mu.Lock()
	if st.Stage.Terminal() {
		outcome := st.Outcome
		o.mu.Unlock()
		return outcome, nil
	}
	o.setStageLocked(st, StageEscalate)
	st.Outcome = OutcomeEscalated
	st.EscalationReason = reason
	o.mu.Unlock()
	o.saveState(ctx, st)

	if err := o.escalations.Escalate(ctx, t, reason); err != nil {
		o.logger.Printf("ticket %s: escalation queue delivery failed: %v", t.ID, err)
	}
	o.metrics.ObserveOutcome(string(OutcomeEscalated))
	return OutcomeEscalated, nil
}

func (o *Orchestrator) close(ctx context.Context, st *State) (Outcome, error) {
	o.mu.Lock()
	st.Outcome = OutcomeClosed
	o.mu.Unlock()
	o.saveState(ctx, st)
	o.metrics.ObserveOutcome(string(OutcomeClosed))
	return OutcomeClosed, nil
}

// setStageLocked records a transition. Caller holds o.mu.
func (o *Orchestrator) setStageLocked(st *State, next Stage) {
	if st.Stage == next {
		return
	}
	st.Stage = next
	st.UpdatedAt = time.Now().UTC()
	o.metrics.ObserveStage(string(next))
}

func (o *Orchestrator) saveState(ctx context.Context, st *State) {
	if o.store == nil {
		return
	}
	o.mu.RLock()
	snapshot := *st
	o.mu.RUnlock()
	if err := o.store.SaveState(ctx, &snapshot); err != nil {
		o.logger.Printf("ticket %s: persist state: %v", st.TicketID, err)
	}
}

var errCodePattern = regexp.MustCompile(`\b[A-Z]{2,}[-_]?\d{2,}\b`)

var urgentMarkers = []string{"urgent", "asap", "immediately", "outage", "down", "production"}

// scoreTicket derives a priority from urgency markers in the ticket text.
func scoreTicket(t Ticket) Priority {
	text := strings.ToLower(t.Subject + " " + t.Description)
	hits := 0
	for _, m := range urgentMarkers {
		if strings.Contains(text, m) {
			hits++
		}
	}
	switch {
	case hits >= 2:
		return PriorityUrgent
	case hits == 1:
		return PriorityHigh
	case len(t.Description) > 400:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// extractKeywords pulls error codes and distinctive terms from the ticket.
func extractKeywords(t Ticket) []string {
	text := t.Subject + " " + t.Description
	seen := make(map[string]struct{})
	var out []string
	for _, code := range errCodePattern.FindAllString(text, -1) {
		if _, ok := seen[code]; !ok {
			seen[code] = struct{}{}
			out = append(out, code)
		}
	}
	for _, word := range strings.Fields(t.Subject) {
		word = strings.Trim(word, ".,!?:;\"'()")
		if len(word) < 4 {
			continue
		}
		lower := strings.ToLower(word)
		if _, ok := seen[lower]; !ok {
			seen[lower] = struct{}{}
			out = append(out, lower)
		}
	}
	return out
}

// classify picks a category hint: the intake category when supplied.
func classify(t Ticket) string {
	return strings.ToLower(strings.TrimSpace(t.Category))
}

// planHybrid enables the lexical pass when the ticket carries exact-term
// keywords such as error codes.
func planHybrid(keywords []string) bool {
	for _, k := range keywords {
		if errCodePattern.MatchString(k) {
			return true
		}
	}
	return false
}
