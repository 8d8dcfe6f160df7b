package ollama

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mwiater/toolchat/internal/providers"
)

// toolCall represents a structured tool call from the Ollama API.
type toolCall struct {
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// formatToolsForPayload converts tool definitions into the Ollama "tools" array.
func formatToolsForPayload(tools []providers.ToolDefinition) []map[string]any {
	formatted := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		function := map[string]any{
			"name": tool.Name,
		}
		if tool.Description != "" {
			function["description"] = tool.Description
		}
		if tool.Parameters != nil {
			function["parameters"] = tool.Parameters
		}
		formatted = append(formatted, map[string]any{
			"type":     "function",
			"function": function,
		})
	}
	return formatted
}

func toolCallFromResult(value gjson.Result) (toolCall, error) {
	call := toolCall{Type: "function"}
	call.Function.Name = value.Get("function.name").String()
	if strings.TrimSpace(call.Function.Name) == "" {
		return toolCall{}, fmt.Errorf("ollama: tool call without a function name: %s", value.Raw)
	}
	if args := value.Get("function.arguments"); args.Exists() {
		call.Function.Arguments = json.RawMessage(args.Raw)
	}
	return call, nil
}

// parseToolArguments accepts an arguments object or a string holding one.
func parseToolArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return args, nil
	}
	value := gjson.Parse(trimmed)
	if value.Type == gjson.String {
		trimmed = strings.TrimSpace(value.String())
		if trimmed == "" {
			return args, nil
		}
	}
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		return args, nil
	}
	sanitized := sanitizeLegacyJSON(trimmed)
	if err := json.Unmarshal([]byte(sanitized), &args); err != nil {
		return nil, fmt.Errorf("parse tool arguments: %w", err)
	}
	return args, nil
}

var (
	singleQuotedStringPattern = regexp.MustCompile(`'([^']*)'`)
	trailingCommaPattern      = regexp.MustCompile(`,\s*([}\]])`)
)

// sanitizeLegacyJSON fixes single quotes and trailing commas, which small
// models often produce.
func sanitizeLegacyJSON(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return s
	}
	replaced := singleQuotedStringPattern.ReplaceAllStringFunc(s, func(match string) string {
		if len(match) < 2 {
			return match
		}
		return `"` + match[1:len(match)-1] + `"`
	})
	return trailingCommaPattern.ReplaceAllString(replaced, "$1")
}

// parseLegacyToolCalls extracts calls wrapped in <tool_call> tags and returns
// the remaining prose.
func parseLegacyToolCalls(content string, available []providers.ToolDefinition) ([]toolCall, string) {
	candidates, remainder := extractToolCallCandidates(content)
	if len(candidates) == 0 {
		return nil, content
	}
	var calls []toolCall
	for _, candidate := range candidates {
		payload := candidate
		if !gjson.Valid(payload) {
			payload = sanitizeLegacyJSON(payload)
			if !gjson.Valid(payload) {
				continue
			}
		}
		parsed := gjson.Parse(payload)
		if parsed.IsArray() {
			parsed.ForEach(func(_, entry gjson.Result) bool {
				if call, ok := legacyEntryToToolCall(entry, available); ok {
					calls = append(calls, call)
				}
				return true
			})
			continue
		}
		if call, ok := legacyEntryToToolCall(parsed, available); ok {
			calls = append(calls, call)
		}
	}
	if len(calls) == 0 {
		return nil, content
	}
	return calls, remainder
}

func legacyEntryToToolCall(entry gjson.Result, available []providers.ToolDefinition) (toolCall, bool) {
	if !entry.IsObject() {
		return toolCall{}, false
	}
	name := firstString(entry, "function.name", "name", "tool", "tool_name", "function")
	name = resolveToolName(name, available)
	if name == "" {
		return toolCall{}, false
	}

	args := json.RawMessage(`{}`)
	for _, path := range []string{"function.arguments", "arguments", "parameters", "params"} {
		if v := entry.Get(path); v.Exists() {
			args = json.RawMessage(v.Raw)
			break
		}
	}

	call := toolCall{Type: "function"}
	call.Function.Name = name
	call.Function.Arguments = args
	return call, true
}

func firstString(entry gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := entry.Get(path); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}

// resolveToolName maps a model-provided name onto an advertised tool name.
// Unknown names are returned unchanged so the dispatcher can report them.
func resolveToolName(candidate string, available []providers.ToolDefinition) string {
	if candidate == "" {
		if len(available) == 1 {
			return available[0].Name
		}
		return ""
	}
	for _, tool := range available {
		if strings.EqualFold(tool.Name, candidate) {
			return tool.Name
		}
	}
	return candidate
}

// extractToolCallCandidates returns the payloads inside <tool_call> tags and
// the content with the tagged sections removed.
func extractToolCallCandidates(content string) ([]string, string) {
	const startTag, endTag = "<tool_call>", "</tool_call>"
	var candidates []string
	var rest []string
	lower := strings.ToLower(content)
	offset := 0
	for {
		startIdx := strings.Index(lower[offset:], startTag)
		if startIdx == -1 {
			rest = append(rest, content[offset:])
			break
		}
		startIdx += offset
		rest = append(rest, content[offset:startIdx])
		payloadStart := startIdx + len(startTag)
		endIdx := strings.Index(lower[payloadStart:], endTag)
		if endIdx == -1 {
			if segment := strings.TrimSpace(content[payloadStart:]); segment != "" {
				candidates = append(candidates, segment)
			}
			break
		}
		endIdx += payloadStart
		if segment := strings.TrimSpace(content[payloadStart:endIdx]); segment != "" {
			candidates = append(candidates, segment)
		}
		offset = endIdx + len(endTag)
	}

	var kept []string
	for _, r := range rest {
		if t := strings.TrimSpace(r); t != "" {
			kept = append(kept, t)
		}
	}
	return candidates, strings.Join(kept, "\n")
}

// isNoToolCapabilityResponse checks if the response body indicates that the model does not support tools.
func isNoToolCapabilityResponse(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(string(body)))
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		text = strings.ToLower(parsed.Get("error").String() + " " + parsed.Get("message").String())
	}
	return strings.Contains(text, "tool") && (strings.Contains(text, "support") || strings.Contains(text, "capab"))
}
