package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/deskhand/deskhand/internal/kb"
	"github.com/deskhand/deskhand/internal/retrieval"
)

type scriptedProvider struct {
	completion string
	err        error
	lastUser   string
}

func (p *scriptedProvider) CreateEmbedding(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

func (p *scriptedProvider) Complete(_ context.Context, _, user string) (string, error) {
	p.lastUser = user
	if p.err != nil {
		return "", p.err
	}
	return p.completion, nil
}

func TestComposeAnswerIncludesEvidence(t *testing.T) {
	prov := &scriptedProvider{completion: "You can reset it under Settings."}
	c := &LLMComposer{Provider: prov}
	evidence := []retrieval.Result{
		{Chunk: kb.Chunk{ID: "kb-1#000", Category: "account", SectionPath: []string{"Passwords"}, Text: "Use the reset link."}},
	}
	draft, err := c.ComposeAnswer(context.Background(), evidence, "How do I reset my password?")
	if err != nil {
		t.Fatalf("ComposeAnswer: %v", err)
	}
	if draft != "You can reset it under Settings." {
		t.Fatalf("draft = %q", draft)
	}
	if !strings.Contains(prov.lastUser, "Use the reset link.") {
		t.Fatal("evidence text missing from the prompt")
	}
	if !strings.Contains(prov.lastUser, "Passwords") {
		t.Fatal("section path missing from the prompt")
	}
}

func TestComposeAnswerEmptyDraft(t *testing.T) {
	c := &LLMComposer{Provider: &scriptedProvider{completion: "   "}}
	if _, err := c.ComposeAnswer(context.Background(), nil, "q"); err == nil {
		t.Fatal("expected an error for an empty draft")
	}
}

func TestParseJudgment(t *testing.T) {
	cases := []struct {
		raw        string
		acceptable bool
		escalate   bool
		wantErr    bool
	}{
		{`{"acceptable": true, "escalate": false}`, true, false, false},
		{"```json\n{\"acceptable\": false, \"escalate\": true}\n```", false, true, false},
		{`Sure! Here is my verdict: {"acceptable": true, "escalate": false}. Done.`, true, false, false},
		{`no json here`, false, false, true},
		{`{"acceptable": "maybe"}`, false, false, true},
	}
	for _, tc := range cases {
		j, err := parseJudgment(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if j.Acceptable != tc.acceptable || j.Escalate != tc.escalate {
			t.Fatalf("%q: judgment = %+v", tc.raw, j)
		}
	}
}

func TestJudgeProviderError(t *testing.T) {
	e := &LLMEvaluator{Provider: &scriptedProvider{err: errors.New("rate limited")}}
	if _, err := e.Judge(context.Background(), "draft", "ticket"); err == nil {
		t.Fatal("expected the provider error to surface")
	}
}

func TestIsDue(t *testing.T) {
	now := time.Now()
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-25 * time.Hour)

	if !isDue("@daily", nil) {
		t.Fatal("never swept: due immediately")
	}
	if isDue("@daily", &recent) {
		t.Fatal("swept 10 minutes ago: not due daily")
	}
	if !isDue("@daily", &old) {
		t.Fatal("swept 25 hours ago: due daily")
	}
	if isDue("@hourly", &recent) {
		t.Fatal("swept 10 minutes ago: not due hourly")
	}
	hourAgo := now.Add(-90 * time.Minute)
	if !isDue("0 * * * *", &hourAgo) {
		t.Fatal("cron boundary passed since last sweep: due")
	}
	if isDue("0 0 1 1 *", &recent) {
		t.Fatal("yearly cron: not due minutes after a sweep")
	}
}
