// Package ticket drives a support ticket from intake to a terminal outcome,
// branching on retrieval confidence signals.
package ticket

import (
	"time"

	"github.com/deskhand/deskhand/internal/retrieval"
)

// Stage enumerates the pipeline states. Transitions are monotonic except for
// the bounded retry loop on StageSolutionFinding.
type Stage string

const (
	StageIntake          Stage = "intake"
	StageScoring         Stage = "scoring"
	StageAnalysis        Stage = "analysis"
	StageClassification  Stage = "classification"
	StagePlanning        Stage = "planning"
	StageSolutionFinding Stage = "solution_finding"
	StageEvaluation      Stage = "evaluation"
	StageAutoResolve     Stage = "auto_resolve"
	StageRequestFeedback Stage = "request_feedback"
	StageEscalate        Stage = "escalate"
	StageClosed          Stage = "closed"
)

// Outcome is the result a processing pass reports to the caller.
type Outcome string

const (
	OutcomeAutoResolved    Outcome = "auto_resolved"
	OutcomePendingFeedback Outcome = "pending_feedback"
	OutcomeEscalated       Outcome = "escalated"
	OutcomeClosed          Outcome = "closed"
)

// Judgment is the evaluation collaborator's verdict on a draft answer.
type Judgment struct {
	Acceptable bool
	Escalate   bool
}

// Feedback carries the customer's satisfaction signal plus whether the
// ticket-lifetime retrieval budget has attempts left.
type Feedback struct {
	Satisfied       bool
	BudgetRemaining bool
}

// Ticket is the intake record handed to the orchestrator.
type Ticket struct {
	ID          string
	Subject     string
	Description string
	Category    string
}

// Priority is derived during the scoring stage.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// State is the orchestrator's working record for one ticket. It is owned
// exclusively by the ticket's processing run and becomes immutable once a
// fully terminal stage (escalate, closed) is reached.
type State struct {
	TicketID         string
	Stage            Stage
	Priority         Priority
	Keywords         []string
	Category         string
	UseHybrid        bool
	Attempts         int
	Signals          []retrieval.Signals // history, read-only to collaborators
	Evidence         []retrieval.Result  // best-effort evidence from the last pass
	Draft            string
	Outcome          Outcome
	EscalationReason string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LastSignals returns the most recent signal bundle, if any.
func (s *State) LastSignals() *retrieval.Signals {
	if len(s.Signals) == 0 {
		return nil
	}
	return &s.Signals[len(s.Signals)-1]
}

// Terminal reports whether no further automated processing can occur.
// AutoResolve and RequestFeedback are resting states that still accept a
// customer feedback signal; Escalate and Closed accept nothing.
func (s Stage) Terminal() bool {
	return s == StageEscalate || s == StageClosed
}

// AwaitingFeedback reports whether the stage rests until customer feedback.
func (s Stage) AwaitingFeedback() bool {
	return s == StageAutoResolve || s == StageRequestFeedback
}

// Next is the single transition function of the pipeline. It is pure: the
// next stage depends only on the current stage and the supplied signal
// bundle, evaluation judgment, and customer feedback. A nil judgment where
// one is required (an evaluator failure) forces escalation, so escalation is
// reachable from every non-terminal stage and no input can produce a loop
// beyond the bounded solution-finding retry.
func Next(current Stage, sig *retrieval.Signals, judgment *Judgment, feedback *Feedback) Stage {
	switch current {
	case StageIntake:
		return StageScoring
	case StageScoring:
		return StageAnalysis
	case StageAnalysis:
		return StageClassification
	case StageClassification:
		return StagePlanning
	case StagePlanning:
		return StageSolutionFinding

	case StageSolutionFinding:
		if sig == nil {
			return StageEscalate
		}
		if !sig.Confident && !sig.AttemptsExhausted {
			return StageSolutionFinding
		}
		return StageEvaluation

	case StageEvaluation:
		if sig == nil {
			return StageEscalate
		}
		if sig.Confident {
			return StageAutoResolve
		}
		// Attempts exhausted with an unconfident result: the evaluation
		// collaborator decides between a best-effort answer and a human.
		if judgment == nil || judgment.Escalate || !judgment.Acceptable {
			return StageEscalate
		}
		return StageRequestFeedback

	case StageAutoResolve, StageRequestFeedback:
		if feedback == nil {
			return current
		}
		if feedback.Satisfied {
			return StageClosed
		}
		if feedback.BudgetRemaining {
			return StageSolutionFinding
		}
		return StageEscalate

	default:
		// Escalate and Closed are absorbing.
		return current
	}
}
