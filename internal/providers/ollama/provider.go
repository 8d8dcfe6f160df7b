// Package ollama provides a providers.Model backed by an Ollama /api/chat endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/mwiater/toolchat/internal/appconfig"
	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/providers"
)

// ErrNoToolSupport is returned when the model refuses requests carrying tools.
var ErrNoToolSupport = errors.New("ollama: model does not have tool capabilities")

// Provider implements providers.Model using the Ollama HTTP API.
type Provider struct {
	client   *http.Client
	endpoint string
	model    string
	timeout  time.Duration
	newID    func() string
}

// New constructs a Provider configured with the application's request timeout.
func New(cfg appconfig.Config) *Provider {
	timeout := cfg.RequestTimeout()
	return &Provider{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{ForceAttemptHTTP2: false},
		},
		endpoint: cfg.OllamaEndpoint(),
		model:    cfg.Model,
		timeout:  timeout,
		newID:    uuid.NewString,
	}
}

// Name implements providers.Model.
func (p *Provider) Name() string { return "ollama/" + p.model }

// chatMessage is one entry of the /api/chat messages array.
type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

// Generate implements providers.Model with a single non-streaming chat request.
func (p *Provider) Generate(ctx context.Context, req providers.Request) (providers.Turn, error) {
	messages, err := toChatMessages(req)
	if err != nil {
		return providers.Turn{}, err
	}

	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	payload := map[string]any{
		"model":    p.model,
		"messages": messages,
		"options":  options,
		"stream":   false,
	}
	if len(req.Tools) > 0 {
		payload["tools"] = formatToolsForPayload(req.Tools)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return providers.Turn{}, err
	}
	logging.LogRequest("TOOLCHAT->LLM", p.endpoint, p.model, "", body)

	chatCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(chatCtx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return providers.Turn{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return providers.Turn{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.Turn{}, err
	}
	logging.LogRequest("LLM->TOOLCHAT", p.endpoint, p.model, "", respBody)

	if resp.StatusCode != http.StatusOK {
		if len(req.Tools) > 0 && isNoToolCapabilityResponse(respBody) {
			return providers.Turn{}, fmt.Errorf("%w: %s", ErrNoToolSupport, p.model)
		}
		return providers.Turn{}, fmt.Errorf("ollama: /api/chat returned %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	if !gjson.ValidBytes(respBody) {
		return providers.Turn{}, fmt.Errorf("ollama: /api/chat returned invalid JSON")
	}

	return p.parseTurn(respBody, req.Tools)
}

// parseTurn converts an /api/chat response into a Turn. Native tool_calls are
// preferred; models that only emit <tool_call> tags in content are handled too.
func (p *Provider) parseTurn(body []byte, tools []providers.ToolDefinition) (providers.Turn, error) {
	result := gjson.ParseBytes(body)
	content := result.Get("message.content").String()
	turn := providers.Turn{StopReason: result.Get("done_reason").String()}

	var calls []toolCall
	var parseErr error
	result.Get("message.tool_calls").ForEach(func(_, value gjson.Result) bool {
		call, err := toolCallFromResult(value)
		if err != nil {
			parseErr = err
			return false
		}
		calls = append(calls, call)
		return true
	})
	if parseErr != nil {
		return providers.Turn{}, parseErr
	}
	if len(calls) == 0 && len(tools) > 0 {
		if legacy, cleaned := parseLegacyToolCalls(content, tools); len(legacy) > 0 {
			calls = legacy
			content = cleaned
		}
	}

	if strings.TrimSpace(content) != "" {
		turn.Blocks = append(turn.Blocks, providers.AssistantText{Text: content})
	}
	for _, call := range calls {
		args, err := parseToolArguments(call.Function.Arguments)
		if err != nil {
			return providers.Turn{}, fmt.Errorf("tool %s: %w", call.Function.Name, err)
		}
		turn.Blocks = append(turn.Blocks, providers.OperationRequest{
			ID:        p.newID(),
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return turn, nil
}

func toChatMessages(req providers.Request) ([]chatMessage, error) {
	var messages []chatMessage
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	exchanges, err := providers.Exchanges(req.Messages)
	if err != nil {
		return nil, err
	}
	for _, ex := range exchanges {
		if ex.Role == providers.RoleAssistant {
			msg := chatMessage{Role: "assistant"}
			var texts []string
			for _, m := range ex.Messages {
				switch v := m.(type) {
				case providers.AssistantText:
					texts = append(texts, v.Text)
				case providers.OperationRequest:
					call := toolCall{Type: "function"}
					call.Function.Name = v.Name
					call.Function.Arguments = v.ArgumentsJSON()
					msg.ToolCalls = append(msg.ToolCalls, call)
				}
			}
			msg.Content = strings.Join(texts, "\n\n")
			messages = append(messages, msg)
			continue
		}
		for _, m := range ex.Messages {
			switch v := m.(type) {
			case providers.UserText:
				messages = append(messages, chatMessage{Role: "user", Content: v.Text})
			case providers.OperationResult:
				messages = append(messages, chatMessage{Role: "tool", Content: v.Content(), ToolName: v.Name})
			}
		}
	}
	return messages, nil
}
