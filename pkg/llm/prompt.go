package llm

import (
	"sort"
	"strings"

	"github.com/glowdesk/concierge/pkg/convo"
	"github.com/glowdesk/concierge/pkg/domain"
)

// systemPreamble describes the assistant role and the embedded command
// grammar the generation step may use.
const systemPreamble = `You are the booking concierge for a service business. You help customers
discover services, check availability, book appointments and cancel them.

When the conversation calls for an action, embed a command token in your
reply using this exact syntax:

  [COMMAND_NAME key:value, key:"value with spaces", key:[a, b, c]]

Available commands:
  [LIST_SERVICES]                                        - list bookable services
  [SEARCH_SLOTS service:"...", date:"...", staff:"..."]  - find open slots (staff optional)
  [CREATE_BOOKING service:"...", date:"...", time:"..."] - book an appointment
  [CANCEL_BOOKING id:"..."]                              - cancel by confirmation id

Rules:
- Command names are uppercase; keys are lowercase.
- Quote values that contain spaces or commas.
- Emit a command only when the customer has provided the parameters it
  needs; otherwise ask for what is missing.
- Write your reply as natural text around the tokens. The tokens are
  removed before the customer sees the message.`

// BuildPrompt assembles the generation request for one turn: the system
// preamble plus known context, the recent dialog window, and the batched
// customer text as the final user message.
func BuildPrompt(cc *convo.ConversationContext, batchText string) Prompt {
	var system strings.Builder
	system.WriteString(systemPreamble)

	if cc != nil {
		if known := formatFields(cc.Resolved()); known != "" {
			system.WriteString("\n\nKnown about this customer's request so far:\n")
			system.WriteString(known)
		}
		if cc.Profile != nil {
			if cc.Profile.DisplayName != "" {
				system.WriteString("\n\nCustomer name: " + cc.Profile.DisplayName)
			}
			if cc.Profile.VisitSummary != "" {
				system.WriteString("\nVisit history: " + cc.Profile.VisitSummary)
			}
		}
		if cc.Ephemeral != nil && cc.Ephemeral.LastQuestion != "" {
			system.WriteString("\n\nYou last asked: " + cc.Ephemeral.LastQuestion)
		}
	}

	prompt := Prompt{System: system.String()}
	if cc != nil && cc.Dialog != nil {
		for _, turn := range cc.Dialog.Turns {
			prompt.Messages = append(prompt.Messages, Message{Role: turn.Role, Content: turn.Text})
		}
	}
	prompt.Messages = append(prompt.Messages, Message{Role: domain.RoleUser, Content: batchText})
	return prompt
}

func formatFields(fields convo.Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString("  " + k + ": " + fields[k] + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
