// Package providers defines the boundary between the conversation
// orchestrator and the generative-model backends: the conversation message
// variant, the request sent for one turn and the turn that comes back.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one entry of a conversation history. The implementations are
// exactly UserText, AssistantText, OperationRequest and OperationResult.
type Message interface {
	isMessage()
}

// UserText is the user's query.
type UserText struct {
	Text string
}

// AssistantText is prose emitted by the model.
type AssistantText struct {
	Text string
}

// OperationRequest is a tool invocation requested by the model.
type OperationRequest struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// OperationResult answers the OperationRequest with the same ID.
type OperationResult struct {
	ID      string
	Name    string
	Success bool
	Payload string
	Error   string
}

func (UserText) isMessage()         {}
func (AssistantText) isMessage()    {}
func (OperationRequest) isMessage() {}
func (OperationResult) isMessage()  {}

// Content is the text handed back to the model for this result.
func (r OperationResult) Content() string {
	if r.Success {
		return r.Payload
	}
	return r.Error
}

// ArgumentsJSON renders the arguments as a JSON object.
func (r OperationRequest) ArgumentsJSON() json.RawMessage {
	if len(r.Arguments) == 0 {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(r.Arguments)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// ToolDefinition is a tool as advertised to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is everything a backend needs to produce one turn.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// Turn is one model response. Blocks holds AssistantText and
// OperationRequest values in the order the model emitted them.
type Turn struct {
	Blocks     []Message
	StopReason string
}

// Requests returns the operation requests of the turn in emission order.
func (t Turn) Requests() []OperationRequest {
	var out []OperationRequest
	for _, b := range t.Blocks {
		if req, ok := b.(OperationRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

// Text returns the non-empty text segments of the turn.
func (t Turn) Text() []string {
	var out []string
	for _, b := range t.Blocks {
		if txt, ok := b.(AssistantText); ok && strings.TrimSpace(txt.Text) != "" {
			out = append(out, txt.Text)
		}
	}
	return out
}

// Model is a generative-model backend.
type Model interface {
	// Name identifies the backend and model, e.g. "anthropic/claude-3-5-sonnet".
	Name() string
	// Generate produces the next turn for the given history.
	Generate(ctx context.Context, req Request) (Turn, error)
}

// Role is the speaker a backend attributes a message to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Exchange is a maximal run of consecutive messages with the same role.
type Exchange struct {
	Role     Role
	Messages []Message
}

// Exchanges groups a history into alternating user/assistant runs.
// Operation results travel with the user role, operation requests with the
// assistant role.
func Exchanges(history []Message) ([]Exchange, error) {
	var out []Exchange
	for i, m := range history {
		var role Role
		switch m.(type) {
		case UserText, OperationResult:
			role = RoleUser
		case AssistantText, OperationRequest:
			role = RoleAssistant
		default:
			return nil, fmt.Errorf("history[%d]: unsupported message type %T", i, m)
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Messages = append(out[n-1].Messages, m)
			continue
		}
		out = append(out, Exchange{Role: role, Messages: []Message{m}})
	}
	return out, nil
}
