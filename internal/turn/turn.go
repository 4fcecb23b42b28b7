// Package turn runs one conversational turn: it plans with the reasoning
// backend, dispatches capabilities one at a time, feeds their results back
// and finalizes a policy-checked answer.
package turn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/imaging"
	"github.com/medivision/control-plane/internal/llm"
	"github.com/medivision/control-plane/internal/persona"
	"github.com/medivision/control-plane/internal/policy"
	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/tools"
)

type State string

const (
	StateIdle       State = "idle"
	StateGreeting   State = "greeting"
	StatePlanning   State = "planning"
	StateActing     State = "acting"
	StateObserving  State = "observing"
	StateFinalizing State = "finalizing"
)

const (
	DefaultMaxIterations = 6
	DefaultTimeout       = 3 * time.Minute
	DefaultHistoryWindow = 20

	invalidHandleMessage  = "unknown image handle"
	invalidToolBlockNote  = "Your previous tool block was invalid and was not executed. Reply with one valid fenced ```tool JSON block, or with the final answer and no tool block."
	exhaustedPreamble     = "The analysis did not finish within this turn's limits. Partial results:"
	exhaustedEmptyMessage = "The analysis did not finish within this turn's limits and no results are available yet. Please try again or narrow the question."
)

// Request is everything a turn needs. Image is the image the turn is about:
// either attached to this message or carried over from the thread.
type Request struct {
	ThreadID      string
	TurnID        string
	Text          string
	Image         *imaging.Reference
	ImageAttached bool
	History       []store.Message
	Persona       persona.Context
}

// Emitter receives the user-visible output of a turn.
type Emitter interface {
	Delta(text string) error
	DisplayImage(displayPath string) error
}

type Result struct {
	Text        string
	Display     *imaging.Reference
	Invocations []tools.Invocation
	Findings    []policy.Finding
	Confidence  *float64
	Iterations  int
	Greeting    bool
	Exhausted   bool
	States      []State
}

// ReasoningError means the reasoning backend could not produce a reply. It
// ends the turn.
type ReasoningError struct {
	Err error
}

func (e *ReasoningError) Error() string {
	if e == nil || e.Err == nil {
		return "reasoning backend failed"
	}
	return "reasoning backend failed: " + e.Err.Error()
}

func (e *ReasoningError) Unwrap() error {
	return e.Err
}

// UserMessage is the text shown to the client instead of the cause.
func (e *ReasoningError) UserMessage() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return "The assistant took too long to respond. Please try again."
	}
	return "The assistant is temporarily unavailable. Please try again."
}

// Images publishes capability-produced images so they can be displayed.
type Images interface {
	Publish(path string) (imaging.Reference, error)
	DisplayFor(ctx context.Context, originPath string) (string, error)
}

type Controller struct {
	reasoner      llm.Provider
	registry      *tools.Registry
	policy        *policy.Enforcer
	images        Images
	maxIterations int
	timeout       time.Duration
	historyWindow int
	logger        *zap.Logger
}

type Option func(*Controller)

func WithMaxIterations(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithHistoryWindow(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.historyWindow = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewController(reasoner llm.Provider, registry *tools.Registry, enforcer *policy.Enforcer, images Images, opts ...Option) *Controller {
	c := &Controller{
		reasoner:      reasoner,
		registry:      registry,
		policy:        enforcer,
		images:        images,
		maxIterations: DefaultMaxIterations,
		timeout:       DefaultTimeout,
		historyWindow: DefaultHistoryWindow,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy.HideNames(registry.Names()...)
	return c
}

// IsGreeting reports whether req takes the greeting fast path.
func (c *Controller) IsGreeting(req Request) bool {
	return c.policy.IsGreeting(req.Text, req.ImageAttached)
}

// Run executes one turn and streams its answer through out. The returned
// result carries the invocations made even when err is non-nil.
func (c *Controller) Run(ctx context.Context, req Request, out Emitter) (Result, error) {
	run := &turnRun{Controller: c, req: req, logger: c.logger.With(zap.String("thread_id", req.ThreadID), zap.String("turn_id", req.TurnID))}
	run.transition(StateIdle)

	if c.IsGreeting(req) {
		run.transition(StateGreeting)
		run.result.Greeting = true
		run.result.Text = c.policy.GreetingReply(req.Persona.Role)
		run.transition(StateIdle)
		return run.result, emitText(out, run.result.Text)
	}

	turnCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	draft, err := run.loop(turnCtx, ctx)
	if err != nil {
		run.transition(StateIdle)
		return run.result, err
	}

	run.transition(StateFinalizing)
	imageTurn := req.ImageAttached || len(run.scores) > 0
	final := c.policy.Finalize(draft, run.scores, imageTurn)
	run.result.Text = final.Text
	run.result.Findings = final.Findings
	run.result.Confidence = final.Confidence

	if err := emitText(out, final.Text); err != nil {
		return run.result, err
	}
	if display := run.displayImage(); display != nil {
		run.result.Display = display
		if err := out.DisplayImage(display.DisplayPath); err != nil {
			return run.result, err
		}
	}
	run.transition(StateIdle)
	run.logger.Info("turn_finished",
		zap.Int("iterations", run.result.Iterations),
		zap.Bool("exhausted", run.result.Exhausted),
		zap.Int("findings", len(final.Findings)))
	return run.result, nil
}

type turnRun struct {
	*Controller
	req      Request
	logger   *zap.Logger
	result   Result
	handles  handleSet
	scores   []map[string]float64
	produced *imaging.Reference
}

func (r *turnRun) transition(state State) {
	r.result.States = append(r.result.States, state)
	r.logger.Debug("turn_state", zap.String("state", string(state)))
}

// loop alternates planning and acting until the backend answers or a budget
// runs out. parent distinguishes the turn budget from caller cancellation.
func (r *turnRun) loop(ctx context.Context, parent context.Context) (string, error) {
	if r.req.Image != nil {
		r.handles.add(*r.req.Image)
	}
	messages := []llm.Message{{
		Role:    llm.RoleSystem,
		Content: r.policy.SystemPrompt(r.req.Persona, buildInstructions(r.registry.Contracts(), r.maxIterations)),
	}}
	messages = append(messages, historyMessages(r.req.History, r.historyWindow)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage(r.req.Text, &r.handles, r.req.ImageAttached)})

	for {
		if r.result.Iterations >= r.maxIterations || (ctx.Err() != nil && parent.Err() == nil) {
			return r.exhausted(), nil
		}
		r.transition(StatePlanning)
		reply, err := r.reasoner.Generate(ctx, messages)
		if err != nil {
			if ctx.Err() != nil && parent.Err() == nil {
				return r.exhausted(), nil
			}
			r.logger.Warn("reasoning_failed", zap.Error(err))
			return "", &ReasoningError{Err: err}
		}
		calls, status := parseToolCalls(reply)
		if len(calls) == 0 {
			if status.malformed() {
				r.result.Iterations++
				messages = append(messages,
					llm.Message{Role: llm.RoleAssistant, Content: reply},
					llm.Message{Role: llm.RoleUser, Content: invalidToolBlockNote})
				continue
			}
			return reply, nil
		}

		// Later calls in the same reply wait for the next planning pass.
		call := calls[0]
		r.transition(StateActing)
		observation := r.act(ctx, call)
		r.result.Iterations++
		r.transition(StateObserving)
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: toolRequestMessage(call)},
			llm.Message{Role: llm.RoleUser, Content: observationMessage(call.Name, observation)})
	}
}

// act runs one capability call and returns the observation text. Failures
// become observations; they never end the turn.
func (r *turnRun) act(ctx context.Context, call toolCall) string {
	input, err := r.resolveInput(call)
	if err != nil {
		return err.Error()
	}
	inv, err := r.registry.Dispatch(ctx, call.Name, input)
	r.result.Invocations = append(r.result.Invocations, inv)
	if err != nil {
		if _, known := r.registry.Lookup(call.Name); !known {
			return tools.InvalidToolMessage
		}
		return err.Error()
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(inv.Output.Text))
	if len(inv.Output.Scores) > 0 {
		r.scores = append(r.scores, inv.Output.Scores)
	}
	if path := strings.TrimSpace(inv.Output.ImagePath); path != "" {
		ref, err := r.publish(ctx, path)
		if err != nil {
			r.logger.Warn("publish_failed", zap.String("capability", inv.Capability), zap.Error(err))
		} else {
			handle := r.handles.add(ref)
			r.produced = &ref
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("Produced image: " + handle)
		}
	}
	if b.Len() == 0 {
		return "The capability finished without output."
	}
	return b.String()
}

func (r *turnRun) publish(ctx context.Context, path string) (imaging.Reference, error) {
	ref, err := r.images.Publish(path)
	if err != nil {
		return imaging.Reference{}, err
	}
	if !imaging.IsRaster(strings.ToLower(filepath.Ext(ref.OriginPath))) {
		display, err := r.images.DisplayFor(ctx, ref.OriginPath)
		if err != nil {
			return imaging.Reference{}, err
		}
		ref.DisplayPath = display
	}
	return ref, nil
}

// resolveInput maps image handles to origin files. An omitted image means
// the latest one.
func (r *turnRun) resolveInput(call toolCall) (tools.Input, error) {
	args := cloneAnyMap(call.Input)
	handle := readStringAny(args[tools.FieldImage])
	instruction := readStringAny(args[tools.FieldInstruction])
	delete(args, tools.FieldImage)
	delete(args, tools.FieldInstruction)
	if instruction == "" {
		instruction = strings.TrimSpace(r.req.Text)
	}

	input := tools.Input{Instruction: instruction, Args: args}
	if handle == "" {
		if _, ref, ok := r.handles.latest(); ok {
			input.ImagePath = ref.OriginPath
		}
		return input, nil
	}
	ref, ok := r.handles.lookup(handle)
	if !ok {
		available := strings.Join(r.handles.names(), ", ")
		if available == "" {
			available = "none"
		}
		return tools.Input{}, fmt.Errorf("%s %q; available images: %s", invalidHandleMessage, handle, available)
	}
	input.ImagePath = ref.OriginPath
	return input, nil
}

// displayImage picks the single image shown for the turn: the latest
// produced image, else the image attached to this message.
func (r *turnRun) displayImage() *imaging.Reference {
	if r.produced != nil {
		return r.produced
	}
	if r.req.ImageAttached && r.req.Image != nil && r.req.Image.DisplayPath != "" {
		ref := *r.req.Image
		return &ref
	}
	return nil
}

// exhausted builds the deterministic answer used when a budget runs out.
func (r *turnRun) exhausted() string {
	r.result.Exhausted = true
	r.logger.Warn("turn_budget_exhausted", zap.Int("iterations", r.result.Iterations))
	lines := []string{}
	for _, inv := range r.result.Invocations {
		if inv.Status != tools.StatusOK || len(inv.Output.Scores) > 0 {
			continue
		}
		if text := firstLine(inv.Output.Text); text != "" {
			lines = append(lines, "- "+truncateRunes(text, 200))
		}
	}
	if len(lines) == 0 && len(r.scores) == 0 {
		return exhaustedEmptyMessage
	}
	if len(lines) == 0 {
		return exhaustedPreamble
	}
	return exhaustedPreamble + "\n" + strings.Join(lines, "\n")
}

// emitText streams text line by line; the deltas concatenate to text.
func emitText(out Emitter, text string) error {
	lines := strings.SplitAfter(text, "\n")
	for _, line := range lines {
		if err := out.Delta(line); err != nil {
			return err
		}
	}
	return nil
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
