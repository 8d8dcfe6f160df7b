// Package anthropic provides a providers.Model backed by the Anthropic
// Messages API, reached directly or through AWS Bedrock.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/providers"
)

type (
	// MessagesClient is the subset of the SDK used here. *sdk.MessageService
	// satisfies it; tests pass a stub.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the client.
	Options struct {
		// Model is the Claude model identifier, or a Bedrock model id.
		Model string
		// MaxTokens is used when a request does not set one.
		MaxTokens int
		// Temperature is used when a request does not set one.
		Temperature float64
		// Label names the backend in logs, "anthropic" when empty.
		Label string
	}

	// Client implements providers.Model on top of Anthropic Messages.
	Client struct {
		msg    MessagesClient
		model  string
		maxTok int
		temp   float64
		label  string
	}
)

// New builds a client from an SDK messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("model identifier is required")
	}
	label := opts.Label
	if label == "" {
		label = "anthropic"
	}
	return &Client{
		msg:    msg,
		model:  opts.Model,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
		label:  label,
	}, nil
}

// NewFromAPIKey builds a client on the default HTTP transport. An empty key
// leaves the SDK to read ANTHROPIC_API_KEY from the environment.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	var reqOpts []option.RequestOption
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	ac := sdk.NewClient(reqOpts...)
	return New(&ac.Messages, opts)
}

// NewBedrock builds a client that calls Anthropic models hosted on AWS
// Bedrock, using the default AWS credential chain for region.
func NewBedrock(ctx context.Context, region string, opts Options) (*Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	ac := sdk.NewClient(bedrock.WithConfig(awsCfg))
	if opts.Label == "" {
		opts.Label = "bedrock"
	}
	return New(&ac.Messages, opts)
}

// IsRateLimited reports whether err is an API throttling response.
func IsRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode == 529
	}
	return false
}

// Name implements providers.Model.
func (c *Client) Name() string { return c.label + "/" + c.model }

// Generate issues a non-streaming Messages.New request and maps the content
// blocks, in order, onto a Turn.
func (c *Client) Generate(ctx context.Context, req providers.Request) (providers.Turn, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return providers.Turn{}, err
	}
	if data, err := json.Marshal(params); err == nil {
		logging.LogRequest("TOOLCHAT->LLM", c.label, c.model, "", data)
	}

	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return providers.Turn{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg != nil {
		logging.LogRequest("LLM->TOOLCHAT", c.label, c.model, "", msg.RawJSON())
	}
	return translateResponse(msg, provToCanon)
}

func (c *Client) prepareRequest(req providers.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	tools, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, nil, errors.New("anthropic: max_tokens must be positive")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(c.model),
	}
	if s := strings.TrimSpace(req.System); s != "" {
		params.System = []sdk.TextBlockParam{{Text: s}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, provToCanon, nil
}

func encodeMessages(history []providers.Message, nameMap map[string]string) ([]sdk.MessageParam, error) {
	exchanges, err := providers.Exchanges(history)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	conversation := make([]sdk.MessageParam, 0, len(exchanges))
	for _, ex := range exchanges {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(ex.Messages))
		for _, m := range ex.Messages {
			switch v := m.(type) {
			case providers.UserText:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case providers.AssistantText:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case providers.OperationRequest:
				name := v.Name
				if sanitized, ok := nameMap[name]; ok {
					name = sanitized
				}
				input := v.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, input, name))
			case providers.OperationResult:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ID, v.Content(), !v.Success))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if ex.Role == providers.RoleAssistant {
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, nil
}

func encodeTools(defs []providers.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		canonical := def.Name
		if canonical == "" {
			continue
		}
		sanitized := sanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", canonical, sanitized, prev)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized

		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: inputSchema(def.Parameters)}, sanitized)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, canonToSan, sanToCanon, nil
}

// inputSchema returns the schema fields, defaulting to an empty object schema.
func inputSchema(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}

// sanitizeToolName replaces characters the API does not allow in tool names.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return string(out)
}

func translateResponse(msg *sdk.Message, nameMap map[string]string) (providers.Turn, error) {
	if msg == nil {
		return providers.Turn{}, errors.New("anthropic: response message is nil")
	}
	turn := providers.Turn{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			turn.Blocks = append(turn.Blocks, providers.AssistantText{Text: block.Text})
		case "tool_use":
			// Unknown names pass through so the dispatcher can report them.
			name := block.Name
			if canonical, ok := nameMap[name]; ok {
				name = canonical
			}
			args := map[string]any{}
			if len(block.Input) > 0 && string(block.Input) != "null" {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return providers.Turn{}, fmt.Errorf("anthropic: decode tool_use %s input: %w", name, err)
				}
			}
			turn.Blocks = append(turn.Blocks, providers.OperationRequest{ID: block.ID, Name: name, Arguments: args})
		}
	}
	return turn, nil
}
