// Package policy constrains what a turn shows the user: persona injection,
// the findings contract, tool-chatter suppression and the greeting fast path.
package policy

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/medivision/control-plane/internal/persona"
)

const (
	DefaultThreshold   = 0.15
	DefaultFindingsMax = 3
)

var defaultGreetingPhrases = []string{
	"hi", "hello", "hey", "hiya", "howdy", "greetings", "yo",
	"good morning", "good afternoon", "good evening",
	"thanks", "thank you", "thx",
}

var greetingFillers = map[string]struct{}{
	"there": {}, "again": {}, "doctor": {}, "doc": {}, "all": {}, "everyone": {},
	"assistant": {}, "so": {}, "much": {}, "very": {}, "friend": {},
}

// GreetingPolicy decides when a turn skips planning entirely. A turn that
// carries an image is never a greeting.
type GreetingPolicy struct {
	Enabled  bool
	MaxWords int
	Phrases  []string
}

func DefaultGreetingPolicy() GreetingPolicy {
	return GreetingPolicy{Enabled: true, MaxWords: 4, Phrases: defaultGreetingPhrases}
}

type Config struct {
	Threshold   float64
	FindingsMax int
	Greeting    GreetingPolicy
}

type Enforcer struct {
	threshold   float64
	findingsMax int
	greeting    GreetingPolicy
	personas    *persona.Library
	names       map[string]string
}

func NewEnforcer(cfg Config, personas *persona.Library) *Enforcer {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.FindingsMax <= 0 {
		cfg.FindingsMax = DefaultFindingsMax
	}
	if cfg.Greeting.MaxWords <= 0 {
		cfg.Greeting.MaxWords = DefaultGreetingPolicy().MaxWords
	}
	if len(cfg.Greeting.Phrases) == 0 {
		cfg.Greeting.Phrases = defaultGreetingPhrases
	}
	if personas == nil {
		personas = persona.NewLibrary("")
	}
	names := make(map[string]string, len(capabilityPhrases))
	for name, phrase := range capabilityPhrases {
		names[name] = phrase
	}
	return &Enforcer{
		threshold:   cfg.Threshold,
		findingsMax: cfg.FindingsMax,
		greeting:    cfg.Greeting,
		personas:    personas,
		names:       names,
	}
}

// HideNames adds capability names that must never reach the user.
func (e *Enforcer) HideNames(names ...string) {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := e.names[name]; !ok {
			e.names[name] = "an analysis step"
		}
	}
}

// IsGreeting reports whether text is small talk that needs no capability.
func (e *Enforcer) IsGreeting(text string, hasImage bool) bool {
	if !e.greeting.Enabled || hasImage {
		return false
	}
	words := normalizeWords(text)
	if len(words) == 0 || len(words) > e.greeting.MaxWords {
		return false
	}
	for _, phrase := range e.greeting.Phrases {
		phraseWords := normalizeWords(phrase)
		if len(phraseWords) == 0 || len(phraseWords) > len(words) {
			continue
		}
		if !hasPrefixWords(words, phraseWords) {
			continue
		}
		rest := words[len(phraseWords):]
		if allFillers(rest) {
			return true
		}
	}
	return false
}

func (e *Enforcer) GreetingReply(role persona.Role) string {
	return e.personas.Greeting(role)
}

// SystemPrompt places the persona instruction ahead of the reasoning
// instructions. The result is only ever sent to the reasoning backend.
func (e *Enforcer) SystemPrompt(p persona.Context, body string) string {
	var b strings.Builder
	if instruction := strings.TrimSpace(p.Instruction); instruction != "" {
		b.WriteString(instruction)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n\nAnswer rules:\n")
	b.WriteString("- When an image was analyzed, end with a 'Findings:' block listing at most ")
	b.WriteString(strconv.Itoa(e.findingsMax))
	b.WriteString(" pathologies with probability >= ")
	b.WriteString(formatThreshold(e.threshold))
	b.WriteString(" as '- Label p=0.xx', then one line starting with 'Impression:'.\n")
	b.WriteString("- If nothing exceeds the threshold write 'Findings: No pathologies exceeded threshold (")
	b.WriteString(formatThreshold(e.threshold))
	b.WriteString(")'.\n")
	b.WriteString("- Only conclude 'no acute cardiopulmonary process' if Effusion, Pneumonia, Pneumothorax, Consolidation and Edema are all below the threshold.\n")
	b.WriteString("- Never mention capability names, tool calls or file paths in the answer.")
	return b.String()
}

func normalizeWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	words := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.Trim(field, "'")
		if field != "" {
			words = append(words, field)
		}
	}
	return words
}

func hasPrefixWords(words []string, prefix []string) bool {
	for i, word := range prefix {
		if words[i] != word {
			return false
		}
	}
	return true
}

func allFillers(words []string) bool {
	for _, word := range words {
		if _, ok := greetingFillers[word]; !ok {
			return false
		}
	}
	return true
}

func formatThreshold(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
