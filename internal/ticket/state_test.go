package ticket

import (
	"testing"

	"github.com/deskhand/deskhand/internal/retrieval"
)

func confidentSignals() *retrieval.Signals {
	return &retrieval.Signals{Mean: 0.82, Max: 0.9, Min: 0.7, Count: 5, Confident: true, Attempt: 1}
}

func weakSignals(exhausted bool) *retrieval.Signals {
	return &retrieval.Signals{Mean: 0.41, Max: 0.5, Min: 0.3, Count: 2, Confident: false, AttemptsExhausted: exhausted, Attempt: 2}
}

func TestLinearPreStages(t *testing.T) {
	order := []Stage{StageIntake, StageScoring, StageAnalysis, StageClassification, StagePlanning, StageSolutionFinding}
	for i := 0; i < len(order)-1; i++ {
		if got := Next(order[i], nil, nil, nil); got != order[i+1] {
			t.Fatalf("from %s: got %s, want %s", order[i], got, order[i+1])
		}
	}
}

func TestSolutionFindingLoopsWhileUnconfident(t *testing.T) {
	sig := weakSignals(false)
	if got := Next(StageSolutionFinding, sig, nil, nil); got != StageSolutionFinding {
		t.Fatalf("unconfident with budget: got %s, want %s", got, StageSolutionFinding)
	}
}

func TestSolutionFindingAdvancesWhenConfident(t *testing.T) {
	if got := Next(StageSolutionFinding, confidentSignals(), nil, nil); got != StageEvaluation {
		t.Fatalf("confident: got %s, want %s", got, StageEvaluation)
	}
}

func TestSolutionFindingAdvancesWhenExhausted(t *testing.T) {
	if got := Next(StageSolutionFinding, weakSignals(true), nil, nil); got != StageEvaluation {
		t.Fatalf("exhausted: got %s, want %s", got, StageEvaluation)
	}
}

func TestSolutionFindingWithoutSignalsEscalates(t *testing.T) {
	if got := Next(StageSolutionFinding, nil, nil, nil); got != StageEscalate {
		t.Fatalf("missing signals: got %s, want %s", got, StageEscalate)
	}
}

func TestEvaluationConfidentAutoResolves(t *testing.T) {
	if got := Next(StageEvaluation, confidentSignals(), nil, nil); got != StageAutoResolve {
		t.Fatalf("got %s, want %s", got, StageAutoResolve)
	}
}

func TestEvaluationAcceptableDraftRequestsFeedback(t *testing.T) {
	j := &Judgment{Acceptable: true}
	if got := Next(StageEvaluation, weakSignals(true), j, nil); got != StageRequestFeedback {
		t.Fatalf("got %s, want %s", got, StageRequestFeedback)
	}
}

func TestEvaluationRejectionsEscalate(t *testing.T) {
	cases := []struct {
		name     string
		judgment *Judgment
	}{
		{"no judgment", nil},
		{"unacceptable", &Judgment{Acceptable: false}},
		{"explicit escalate", &Judgment{Acceptable: true, Escalate: true}},
	}
	for _, tc := range cases {
		if got := Next(StageEvaluation, weakSignals(true), tc.judgment, nil); got != StageEscalate {
			t.Fatalf("%s: got %s, want %s", tc.name, got, StageEscalate)
		}
	}
}

func TestFeedbackTransitions(t *testing.T) {
	for _, stage := range []Stage{StageAutoResolve, StageRequestFeedback} {
		if got := Next(stage, nil, nil, &Feedback{Satisfied: true}); got != StageClosed {
			t.Fatalf("%s satisfied: got %s, want %s", stage, got, StageClosed)
		}
		if got := Next(stage, nil, nil, &Feedback{Satisfied: false, BudgetRemaining: true}); got != StageSolutionFinding {
			t.Fatalf("%s dissatisfied with budget: got %s, want %s", stage, got, StageSolutionFinding)
		}
		if got := Next(stage, nil, nil, &Feedback{Satisfied: false, BudgetRemaining: false}); got != StageEscalate {
			t.Fatalf("%s dissatisfied exhausted: got %s, want %s", stage, got, StageEscalate)
		}
		// A resting stage without a feedback signal stays put.
		if got := Next(stage, nil, nil, nil); got != stage {
			t.Fatalf("%s without feedback: got %s, want %s", stage, got, stage)
		}
	}
}

func TestTerminalStagesAbsorb(t *testing.T) {
	inputs := []struct {
		sig *retrieval.Signals
		j   *Judgment
		fb  *Feedback
	}{
		{nil, nil, nil},
		{confidentSignals(), nil, nil},
		{nil, &Judgment{Acceptable: true}, nil},
		{nil, nil, &Feedback{Satisfied: false, BudgetRemaining: true}},
	}
	for _, terminal := range []Stage{StageEscalate, StageClosed} {
		for i, in := range inputs {
			if got := Next(terminal, in.sig, in.j, in.fb); got != terminal {
				t.Fatalf("%s input %d: got %s, want %s", terminal, i, got, terminal)
			}
		}
	}
}

func TestStagePredicates(t *testing.T) {
	if !StageEscalate.Terminal() || !StageClosed.Terminal() {
		t.Fatal("escalate and closed must be terminal")
	}
	if StageAutoResolve.Terminal() || StageRequestFeedback.Terminal() {
		t.Fatal("resting stages are not terminal")
	}
	if !StageAutoResolve.AwaitingFeedback() || !StageRequestFeedback.AwaitingFeedback() {
		t.Fatal("resting stages await feedback")
	}
	if StageSolutionFinding.AwaitingFeedback() {
		t.Fatal("solution finding does not await feedback")
	}
}

// Every non-terminal stage must reach a terminal stage within a bounded
// number of transitions when the budget is exhausted.
func TestBoundedTermination(t *testing.T) {
	starts := []Stage{StageIntake, StageScoring, StageAnalysis, StageClassification, StagePlanning, StageSolutionFinding, StageEvaluation, StageAutoResolve, StageRequestFeedback}
	sig := weakSignals(true)
	fb := &Feedback{Satisfied: false, BudgetRemaining: false}
	for _, start := range starts {
		stage := start
		for i := 0; i < 12 && !stage.Terminal(); i++ {
			stage = Next(stage, sig, nil, fb)
		}
		if !stage.Terminal() {
			t.Fatalf("from %s: no terminal stage within 12 transitions, stuck at %s", start, stage)
		}
	}
}
