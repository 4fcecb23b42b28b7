package turn

import (
	"encoding/json"
	"strings"
)

const (
	maxToolJSONChars         = 16000
	maxToolParseContentChars = 64000
)

type toolCall struct {
	Name  string
	Input map[string]any
}

type fencedBlock struct {
	lang     string
	body     string
	complete bool
}

type toolParseStatus struct {
	sawToolBlock  bool
	hadIncomplete bool
	hadOversized  bool
}

func (s toolParseStatus) malformed() bool {
	return s.sawToolBlock || s.hadIncomplete || s.hadOversized
}

// parseToolCalls returns the calls requested in a reasoning reply, in the
// order they appear.
func parseToolCalls(content string) ([]toolCall, toolParseStatus) {
	content = trimForToolParsing(content)
	status := toolParseStatus{}
	for _, block := range extractFencedBlocks(content) {
		lang := strings.ToLower(strings.TrimSpace(block.lang))
		if lang != "tool" && lang != "json" {
			continue
		}
		body := strings.TrimSpace(block.body)
		if lang == "tool" {
			status.sawToolBlock = true
		}
		if !block.complete {
			status.hadIncomplete = true
			continue
		}
		if body == "" {
			continue
		}
		if len(body) > maxToolJSONChars {
			status.hadOversized = true
			continue
		}
		if lang == "json" && !strings.Contains(body, `"tool`) {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(body), &payload); err != nil {
			status.sawToolBlock = true
			continue
		}
		if calls := parseToolCallsFromPayload(payload); len(calls) > 0 {
			return calls, status
		}
	}
	if calls := parseBareToolPayload(content); len(calls) > 0 {
		status.sawToolBlock = true
		return calls, status
	}
	return nil, status
}

func parseBareToolPayload(content string) []toolCall {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil
	}
	if len(trimmed) > maxToolJSONChars {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil
	}
	return parseToolCallsFromPayload(payload)
}

func parseToolCallsFromPayload(payload map[string]any) []toolCall {
	if payload == nil {
		return nil
	}
	if rawCalls, ok := payload["tool_calls"].([]any); ok {
		calls := make([]toolCall, 0, len(rawCalls))
		for _, raw := range rawCalls {
			if callMap, ok := raw.(map[string]any); ok {
				if call, ok := parseToolCallMap(callMap); ok {
					calls = append(calls, call)
				}
			}
		}
		return calls
	}
	if call, ok := parseToolCallMap(payload); ok {
		return []toolCall{call}
	}
	return nil
}

func parseToolCallMap(payload map[string]any) (toolCall, bool) {
	name := ""
	for _, key := range []string{"tool", "tool_name", "name"} {
		if name = readStringAny(payload[key]); name != "" {
			break
		}
	}
	name = strings.ToLower(name)
	if name == "" {
		return toolCall{}, false
	}
	return toolCall{Name: name, Input: parseToolInputFromPayload(payload)}, true
}

func parseToolInputFromPayload(payload map[string]any) map[string]any {
	for _, key := range []string{"input", "arguments", "args", "parameters"} {
		if parsed, ok := parseToolInputValue(payload[key]); ok {
			return parsed
		}
	}
	return map[string]any{}
}

func parseToolInputValue(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return map[string]any{}, true
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			return nil, false
		}
		return parsed, true
	default:
		return nil, false
	}
}

func extractFencedBlocks(content string) []fencedBlock {
	lines := strings.Split(content, "\n")
	blocks := []fencedBlock{}
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "```") {
			continue
		}
		opener := strings.TrimSpace(strings.TrimPrefix(line, "```"))
		lang, inline, _ := strings.Cut(opener, " ")
		if strings.HasPrefix(lang, "{") {
			lang, inline = "", opener
		}
		if strings.HasSuffix(inline, "```") {
			blocks = append(blocks, fencedBlock{lang: lang, body: strings.TrimSuffix(inline, "```"), complete: true})
			continue
		}
		bodyLines := []string{}
		if strings.TrimSpace(inline) != "" {
			bodyLines = append(bodyLines, inline)
		}
		complete := false
		for j := i + 1; j < len(lines); j++ {
			trimmed := strings.TrimSpace(lines[j])
			if strings.HasPrefix(trimmed, "```") {
				i = j
				complete = true
				break
			}
			if strings.HasSuffix(trimmed, "```") {
				bodyLines = append(bodyLines, strings.TrimSuffix(trimmed, "```"))
				i = j
				complete = true
				break
			}
			bodyLines = append(bodyLines, lines[j])
		}
		if !complete {
			i = len(lines)
		}
		blocks = append(blocks, fencedBlock{lang: lang, body: strings.Join(bodyLines, "\n"), complete: complete})
	}
	return blocks
}

func trimForToolParsing(content string) string {
	if len(content) <= maxToolParseContentChars {
		return content
	}
	return content[len(content)-maxToolParseContentChars:]
}

func readStringAny(value any) string {
	if str, ok := value.(string); ok {
		return strings.TrimSpace(str)
	}
	return ""
}

func cloneAnyMap(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
