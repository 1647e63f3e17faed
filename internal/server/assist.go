package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/deskhand/deskhand/internal/retrieval"
	"github.com/deskhand/deskhand/internal/ticket"
	"github.com/deskhand/deskhand/provider"
)

const composeSystemPrompt = `You are a support agent drafting a reply to a customer ticket.
Answer strictly from the provided knowledge base excerpts. If the excerpts do
not cover the question, say what is known and recommend contacting support.
Do not invent product behavior.`

const judgeSystemPrompt = `You review a drafted support reply before it is sent.
Respond with a single JSON object: {"acceptable": bool, "escalate": bool}.
Set "acceptable" to false when the draft does not address the ticket.
Set "escalate" to true when only a human agent can resolve the ticket safely.`

// LLMComposer drafts answers from retrieved evidence.
type LLMComposer struct {
	Provider provider.Provider
}

func (c *LLMComposer) ComposeAnswer(ctx context.Context, evidence []retrieval.Result, ticketText string) (string, error) {
	var b strings.Builder
	b.WriteString("Ticket:\n")
	b.WriteString(strings.TrimSpace(ticketText))
	b.WriteString("\n\nKnowledge base excerpts:\n")
	for i, r := range evidence {
		fmt.Fprintf(&b, "[%d] (%s", i+1, r.Chunk.Section())
		if r.Chunk.Category != "" {
			fmt.Fprintf(&b, ", %s", r.Chunk.Category)
		}
		b.WriteString(")\n")
		b.WriteString(strings.TrimSpace(r.Chunk.Text))
		b.WriteString("\n\n")
	}
	b.WriteString("Draft the reply to the customer.")

	answer, err := c.Provider.Complete(ctx, composeSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("compose answer: %w", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("compose answer: provider returned an empty draft")
	}
	return answer, nil
}

// LLMEvaluator judges drafted answers.
type LLMEvaluator struct {
	Provider provider.Provider
}

func (e *LLMEvaluator) Judge(ctx context.Context, draft, ticketText string) (ticket.Judgment, error) {
	user := fmt.Sprintf("Ticket:\n%s\n\nDraft reply:\n%s", strings.TrimSpace(ticketText), strings.TrimSpace(draft))
	raw, err := e.Provider.Complete(ctx, judgeSystemPrompt, user)
	if err != nil {
		return ticket.Judgment{}, fmt.Errorf("judge draft: %w", err)
	}
	return parseJudgment(raw)
}

// parseJudgment extracts the JSON verdict, tolerating code fences and prose
// around the object.
func parseJudgment(raw string) (ticket.Judgment, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ticket.Judgment{}, fmt.Errorf("judge draft: no JSON object in %q", raw)
	}
	var j ticket.Judgment
	if err := json.Unmarshal([]byte(raw[start:end+1]), &j); err != nil {
		return ticket.Judgment{}, fmt.Errorf("judge draft: decode verdict: %w", err)
	}
	return j, nil
}

// LogResponder writes outbound replies to the log. Deployments hook a mail
// or helpdesk integration in its place.
type LogResponder struct {
	Logger *log.Logger
}

func (r *LogResponder) SendResolution(_ context.Context, ticketID, draft string) error {
	r.Logger.Printf("ticket %s resolved: %s", ticketID, summarize(draft))
	return nil
}

func (r *LogResponder) RequestFeedback(_ context.Context, ticketID, draft string) error {
	r.Logger.Printf("ticket %s awaiting feedback: %s", ticketID, summarize(draft))
	return nil
}

func summarize(draft string) string {
	draft = strings.Join(strings.Fields(draft), " ")
	if len(draft) > 160 {
		draft = draft[:160] + "..."
	}
	return draft
}
