package llm

import (
	"context"
	"errors"
	"sync"
)

var ErrScriptExhausted = errors.New("scripted provider has no responses left")

// Step is one scripted reply. Func, when set, computes the reply from the
// prompt it receives.
type Step struct {
	Response string
	Err      error
	Func     func(messages []Message) (string, error)
}

// ScriptedProvider replays a fixed sequence of replies and keeps the prompts
// it was given. It backs offline demos and tests.
type ScriptedProvider struct {
	mu    sync.Mutex
	steps []Step
	calls [][]Message
}

func NewScripted(steps ...Step) *ScriptedProvider {
	return &ScriptedProvider{steps: steps}
}

// Replies builds a script from plain responses.
func Replies(responses ...string) *ScriptedProvider {
	steps := make([]Step, 0, len(responses))
	for _, response := range responses {
		steps = append(steps, Step{Response: response})
	}
	return NewScripted(steps...)
}

func (s *ScriptedProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	copied := make([]Message, len(messages))
	copy(copied, messages)
	s.calls = append(s.calls, copied)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return "", ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()
	if step.Func != nil {
		return step.Func(messages)
	}
	return step.Response, step.Err
}

func (s *ScriptedProvider) Calls() [][]Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Message, len(s.calls))
	copy(out, s.calls)
	return out
}
