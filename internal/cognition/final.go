package cognition

import (
	"encoding/json"
	"fmt"
)

// FinalToolName is the terminal tool: calling it ends the tool loop.
const FinalToolName = "final"

// Final outcome types.
const (
	FinalRespond  = "respond"
	FinalNoAction = "no_action"
	FinalDefer    = "defer"
)

// Conversation statuses a respond outcome may set.
var conversationStatuses = map[string]bool{
	"active":          true,
	"awaiting_answer": true,
	"closed":          true,
	"idle":            true,
}

// FinalOutcome is the parsed payload of a final call.
type FinalOutcome struct {
	Type               string  `json:"type"`
	Text               string  `json:"text,omitempty"`
	ConversationStatus string  `json:"conversationStatus,omitempty"`
	Confidence         float64 `json:"confidence"`
	RecipientID        string  `json:"recipientId,omitempty"`
	Reason             string  `json:"reason,omitempty"`
	DeferMinutes       float64 `json:"deferMinutes,omitempty"`
}

// FinalToolDef declares the terminal tool to the model.
func FinalToolDef() ToolDef {
	return ToolDef{
		Type: "function",
		Function: FunctionDef{
			Name:        FinalToolName,
			Description: "End the turn. Call exactly once, when you have decided what to do.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type": map[string]any{
						"type":        "string",
						"enum":        []string{FinalRespond, FinalNoAction, FinalDefer},
						"description": "respond sends text, no_action stays quiet, defer revisits later",
					},
					"text": map[string]any{
						"type":        "string",
						"description": "message to send (respond only)",
					},
					"conversationStatus": map[string]any{
						"type": "string",
						"enum": []string{"active", "awaiting_answer", "closed", "idle"},
					},
					"confidence": map[string]any{
						"type":        "number",
						"description": "how sure you are this is the right action, 0 to 1",
					},
					"recipientId": map[string]any{
						"type":        "string",
						"description": "override the default recipient (respond only)",
					},
					"reason": map[string]any{
						"type":        "string",
						"description": "why no action, or why deferring",
					},
					"deferMinutes": map[string]any{
						"type":        "number",
						"description": "minutes until the next look (defer only, default 30)",
					},
				},
				"required": []string{"type", "confidence"},
			},
		},
	}
}

// ParseFinal validates a final call's raw argument JSON. Anything that
// does not parse cleanly into a well-formed outcome is rejected, so
// a confused model never produces user-visible text.
func ParseFinal(rawArgs string) (*FinalOutcome, error) {
	var out FinalOutcome
	if err := json.Unmarshal([]byte(StripFences(rawArgs)), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	switch out.Type {
	case FinalRespond:
		if out.Text == "" {
			return nil, fmt.Errorf("%w: respond without text", ErrMalformedResponse)
		}
		if out.ConversationStatus == "" {
			out.ConversationStatus = "active"
		}
		if !conversationStatuses[out.ConversationStatus] {
			return nil, fmt.Errorf("%w: unknown conversation status %q", ErrMalformedResponse, out.ConversationStatus)
		}
	case FinalNoAction, FinalDefer:

	default:
		return nil, fmt.Errorf("%w: unknown final type %q", ErrMalformedResponse, out.Type)
	}

	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return &out, nil
}
