package turn

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/medivision/control-plane/internal/imaging"
	"github.com/medivision/control-plane/internal/llm"
	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/tools"
)

const (
	handlePrefix        = "image-"
	maxObservationRunes = 4000
	maxHistoryRunes     = 24000
)

// handleSet names the images of a turn so the reasoning backend never sees a
// filesystem path. Handles are numbered in the order images appear.
type handleSet struct {
	refs []imaging.Reference
}

func (h *handleSet) add(ref imaging.Reference) string {
	h.refs = append(h.refs, ref)
	return handlePrefix + strconv.Itoa(len(h.refs))
}

func (h *handleSet) latest() (string, imaging.Reference, bool) {
	if len(h.refs) == 0 {
		return "", imaging.Reference{}, false
	}
	return handlePrefix + strconv.Itoa(len(h.refs)), h.refs[len(h.refs)-1], true
}

func (h *handleSet) lookup(handle string) (imaging.Reference, bool) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if !strings.HasPrefix(handle, handlePrefix) {
		return imaging.Reference{}, false
	}
	index, err := strconv.Atoi(strings.TrimPrefix(handle, handlePrefix))
	if err != nil || index < 1 || index > len(h.refs) {
		return imaging.Reference{}, false
	}
	return h.refs[index-1], true
}

func (h *handleSet) names() []string {
	out := make([]string, 0, len(h.refs))
	for i := range h.refs {
		out = append(out, handlePrefix+strconv.Itoa(i+1))
	}
	return out
}

func buildInstructions(contracts []tools.Contract, maxIterations int) string {
	var b strings.Builder
	b.WriteString("You can run image-analysis capabilities on chest X-rays before answering.\n")
	b.WriteString("Images are referred to only by handles such as image-1. When no image is given the latest image is used.\n\n")
	b.WriteString("Available capabilities:\n")
	for _, contract := range contracts {
		b.WriteString("- ")
		b.WriteString(contract.Name)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(contract.Description))
		if contract.RequiresImage {
			b.WriteString(" (needs an image)")
		}
		if args := describeArgs(contract.Input); args != "" {
			b.WriteString(" Inputs: ")
			b.WriteString(args)
			b.WriteString(".")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nTo run a capability reply with exactly one fenced block and nothing else:\n")
	b.WriteString("```tool\n{\"tool\": \"<name>\", \"input\": {\"image\": \"image-1\", \"instruction\": \"<what to do>\"}}\n```\n")
	b.WriteString("You will receive the result as an observation. Run one capability at a time, at most ")
	b.WriteString(strconv.Itoa(maxIterations))
	b.WriteString(" per turn. A DICOM study must be converted before other capabilities can read it.\n")
	b.WriteString("When you have enough information reply with the final answer and no tool block.")
	return b.String()
}

func describeArgs(schema tools.Schema) string {
	keys := make([]string, 0, len(schema.Properties))
	for key := range schema.Properties {
		if key == tools.FieldImage || key == tools.FieldInstruction {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+" ("+schema.Properties[key].Type+")")
	}
	return strings.Join(parts, ", ")
}

// historyMessages converts the stored transcript into reasoning messages,
// keeping the most recent window. Images are mentioned, never linked.
func historyMessages(history []store.Message, window int) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		if msg.Status != "" && msg.Status != store.StatusComplete && msg.Role == store.RoleAssistant {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if msg.Image != nil && !msg.Image.IsZero() && msg.Role == store.RoleUser {
			content = strings.TrimSpace(content + "\n[an image was attached to this message]")
		}
		if content == "" {
			continue
		}
		role := llm.RoleUser
		if msg.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: content})
	}
	return clampConversationWindow(out, window, maxHistoryRunes)
}

func clampConversationWindow(messages []llm.Message, maxMessages int, maxChars int) []llm.Message {
	if len(messages) == 0 || (maxMessages <= 0 && maxChars <= 0) {
		return messages
	}
	selected := make([]llm.Message, 0, len(messages))
	totalChars := 0
	for i := len(messages) - 1; i >= 0; i-- {
		current := messages[i]
		currentChars := len([]rune(current.Content))
		if maxMessages > 0 && len(selected) >= maxMessages {
			break
		}
		if len(selected) > 0 && maxChars > 0 && totalChars+currentChars > maxChars {
			break
		}
		selected = append(selected, current)
		totalChars += currentChars
	}
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected
}

func userMessage(text string, handles *handleSet, attached bool) string {
	text = strings.TrimSpace(text)
	handle, _, ok := handles.latest()
	if !ok {
		return text
	}
	note := "The image under discussion is " + handle + "."
	if attached {
		note = "Attached image: " + handle + "."
	}
	if text == "" {
		return note + "\nPlease analyze it."
	}
	return text + "\n\n" + note
}

func toolRequestMessage(call toolCall) string {
	payload := map[string]any{"tool": call.Name, "input": call.Input}
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"tool": %q}`, call.Name))
	}
	return "```tool\n" + string(encoded) + "\n```"
}

func observationMessage(name string, body string) string {
	return fmt.Sprintf("Observation from %s:\n%s", name, truncateRunes(strings.TrimSpace(body), maxObservationRunes))
}

func truncateRunes(value string, maxChars int) string {
	runes := []rune(value)
	if maxChars <= 0 || len(runes) <= maxChars {
		return value
	}
	return string(runes[:maxChars]) + "..."
}
