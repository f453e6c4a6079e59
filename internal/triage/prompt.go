package triage

import (
	"fmt"
	"strings"

	"github.com/lexiqai/triage-gateway/internal/completion"
	"github.com/lexiqai/triage-gateway/internal/knowledge"
)

const systemPrompt = `You are a support triage assistant. Read the ticket and answer with a single JSON object and nothing else:
{
  "severity": "low" | "medium" | "high" | "critical",
  "owner": "team that should own the ticket",
  "diagnosis": "most likely cause",
  "next_steps": ["ordered actions for the owner"],
  "customer_reply": "short reply to send to the customer",
  "citations": ["ids of the sources you relied on"]
}
Only cite source ids that appear in the ticket context. Use an empty citations list when no sources are given.`

// BuildConversation assembles the system and user messages for a ticket and its sources.
func BuildConversation(ticket string, sources []knowledge.Passage) completion.Conversation {
	var b strings.Builder
	b.WriteString("Ticket:\n")
	b.WriteString(strings.TrimSpace(ticket))

	if len(sources) > 0 {
		b.WriteString("\n\nSources:\n")
		for _, p := range sources {
			fmt.Fprintf(&b, "[%s] %s\n", p.ID, strings.TrimSpace(p.Text))
		}
	}

	return completion.NewConversation(
		completion.Message{Role: completion.RoleSystem, Content: systemPrompt},
		completion.Message{Role: completion.RoleUser, Content: b.String()},
	)
}
