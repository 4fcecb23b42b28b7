// Package session owns conversation threads: it serializes turns per thread,
// bounds concurrency across threads and persists completed turns.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/medivision/control-plane/internal/events"
	"github.com/medivision/control-plane/internal/imaging"
	"github.com/medivision/control-plane/internal/metrics"
	"github.com/medivision/control-plane/internal/persona"
	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/turn"
)

const (
	DefaultMaxConcurrentTurns = 8
	DefaultStreamBuffer       = 32

	saveWarning       = "The conversation could not be saved."
	genericTurnFailed = "The request could not be completed. Please try again."
	maxAuditOutput    = 2000
)

// ValidationError rejects a request before its turn is queued.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

type TurnRequest struct {
	ThreadID string
	// TurnID is optional; callers that must correlate the turn later set it.
	TurnID    string
	OwnerID   string
	Text      string
	OriginRef string
	CaseID    string
	Role      string
}

// TurnRunner executes a single turn.
type TurnRunner interface {
	Run(ctx context.Context, req turn.Request, out turn.Emitter) (turn.Result, error)
}

// ImageResolver maps origin handles to managed images.
type ImageResolver interface {
	Resolve(ref string) (imaging.Reference, error)
}

type Manager struct {
	store        store.Store
	runner       TurnRunner
	images       ImageResolver
	personas     *persona.Library
	broker       *events.Broker
	metrics      *metrics.Metrics
	logger       *zap.Logger
	sem          *semaphore.Weighted
	streamBuffer int
	retryDelay   time.Duration

	mu     sync.Mutex
	lanes  map[string]*lane
	wg     sync.WaitGroup
	active atomic.Int64
}

// lane orders the work queued for one thread. tail is closed when the most
// recently queued job finishes.
type lane struct {
	tail    chan struct{}
	pending int
}

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithBroker(broker *events.Broker) Option {
	return func(m *Manager) {
		m.broker = broker
	}
}

func WithMetrics(collector *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

func WithPersonas(personas *persona.Library) Option {
	return func(m *Manager) {
		if personas != nil {
			m.personas = personas
		}
	}
}

func WithMaxConcurrentTurns(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithStreamBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.streamBuffer = n
		}
	}
}

// WithRetryDelay sets the pause before a failed save is retried.
func WithRetryDelay(delay time.Duration) Option {
	return func(m *Manager) {
		if delay >= 0 {
			m.retryDelay = delay
		}
	}
}

func NewManager(st store.Store, runner TurnRunner, images ImageResolver, opts ...Option) *Manager {
	m := &Manager{
		store:        st,
		runner:       runner,
		images:       images,
		personas:     persona.NewLibrary(""),
		logger:       zap.NewNop(),
		sem:          semaphore.NewWeighted(DefaultMaxConcurrentTurns),
		streamBuffer: DefaultStreamBuffer,
		retryDelay:   100 * time.Millisecond,
		lanes:        map[string]*lane{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("session")
	return m
}

func (m *Manager) CreateThread(ctx context.Context, ownerID string) (string, error) {
	now := store.Now()
	thread := store.Thread{
		ID:        uuid.New().String(),
		OwnerID:   strings.TrimSpace(ownerID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateThread(ctx, thread); err != nil {
		return "", err
	}
	return thread.ID, nil
}

// GetThread returns the transcript or store.ErrThreadNotFound.
func (m *Manager) GetThread(ctx context.Context, threadID string) (*store.Transcript, error) {
	transcript, err := m.store.LoadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if transcript == nil {
		return nil, store.ErrThreadNotFound
	}
	return transcript, nil
}

func (m *Manager) ListThreads(ctx context.Context, ownerID string, limit int) ([]store.ThreadSummary, error) {
	return m.store.ListThreads(ctx, ownerID, limit)
}

// ClearThread deletes a thread once the turns queued before it have
// finished. The deletion still happens if ctx ends while waiting.
func (m *Manager) ClearThread(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return &ValidationError{Message: "thread id is required"}
	}
	result := make(chan error, 1)
	m.enqueue(threadID, func() {
		result <- m.store.DeleteThread(context.Background(), threadID)
	})
	select {
	case err := <-result:
		if err == nil {
			m.logger.Info("thread_cleared", zap.String("thread_id", threadID))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendTurn validates req, queues its turn and returns the stream the turn
// will write to. The turn does not depend on ctx; a disconnecting client
// should Detach the stream.
func (m *Manager) AppendTurn(ctx context.Context, req TurnRequest) (*events.Stream, error) {
	req.Text = strings.TrimSpace(req.Text)
	req.OriginRef = strings.TrimSpace(req.OriginRef)
	if req.Text == "" && req.OriginRef == "" {
		return nil, &ValidationError{Message: "message text or image is required"}
	}
	var attached *imaging.Reference
	if req.OriginRef != "" {
		ref, err := m.images.Resolve(req.OriginRef)
		if err != nil {
			return nil, &ValidationError{Message: "image reference not found"}
		}
		attached = &ref
	}
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	if req.ThreadID == "" {
		req.ThreadID = uuid.New().String()
	}

	turnID := strings.TrimSpace(req.TurnID)
	if turnID == "" {
		turnID = uuid.New().String()
	}
	opts := []events.StreamOption{}
	if m.broker != nil {
		opts = append(opts, events.WithObserver(m.broker.Publish))
	}
	stream := events.NewStream(req.ThreadID, turnID, m.streamBuffer, opts...)

	m.metrics.TurnQueued()
	m.enqueue(req.ThreadID, func() {
		if err := m.sem.Acquire(context.Background(), 1); err != nil {
			m.metrics.TurnAbandoned()
			_ = stream.Fail(genericTurnFailed)
			return
		}
		defer m.sem.Release(1)
		m.execute(context.WithoutCancel(ctx), req, attached, stream)
	})
	return stream, nil
}

// Note is an assistant message written outside of a turn.
type Note struct {
	ThreadID string
	OwnerID  string
	Content  string
	Metadata map[string]any
	// UnlessAnswered names a turn; the note is dropped when that turn has
	// already saved its answer.
	UnlessAnswered string
}

// AppendNote queues note behind the thread's pending turns and reports
// whether it was written. The note is still written if ctx ends while
// waiting.
func (m *Manager) AppendNote(ctx context.Context, note Note) (bool, error) {
	note.ThreadID = strings.TrimSpace(note.ThreadID)
	if note.ThreadID == "" {
		return false, &ValidationError{Message: "thread id is required"}
	}
	if strings.TrimSpace(note.Content) == "" {
		return false, &ValidationError{Message: "note text is required"}
	}
	type outcome struct {
		written bool
		err     error
	}
	result := make(chan outcome, 1)
	m.enqueue(note.ThreadID, func() {
		written, err := m.writeNote(context.Background(), note)
		result <- outcome{written: written, err: err}
	})
	select {
	case out := <-result:
		return out.written, out.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *Manager) writeNote(ctx context.Context, note Note) (bool, error) {
	if err := m.ensureThread(ctx, note.ThreadID, note.OwnerID); err != nil {
		return false, err
	}
	if note.UnlessAnswered != "" {
		transcript, err := m.store.LoadThread(ctx, note.ThreadID)
		if err != nil {
			return false, err
		}
		if transcript != nil && answered(transcript.Messages, note.UnlessAnswered) {
			m.logger.Info("note_skipped", zap.String("thread_id", note.ThreadID), zap.String("turn_id", note.UnlessAnswered))
			return false, nil
		}
	}
	metadata := map[string]any{}
	for key, value := range note.Metadata {
		metadata[key] = value
	}
	msg := store.Message{
		ID:        uuid.New().String(),
		ThreadID:  note.ThreadID,
		Role:      store.RoleAssistant,
		Content:   note.Content,
		Status:    store.StatusComplete,
		CreatedAt: store.Now(),
		Metadata:  metadata,
	}
	if err := m.persist(ctx, "save_note", func(ctx context.Context) error {
		return m.store.SaveTurn(ctx, note.ThreadID, msg)
	}); err != nil {
		return false, err
	}
	return true, nil
}

func answered(messages []store.Message, turnID string) bool {
	for _, msg := range messages {
		if msg.Role != store.RoleAssistant {
			continue
		}
		if id, _ := msg.Metadata["turn_id"].(string); id == turnID {
			return true
		}
	}
	return false
}

// ActiveTurns reports turns that are currently executing.
func (m *Manager) ActiveTurns() int {
	return int(m.active.Load())
}

// Wait blocks until every queued job has finished or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) enqueue(threadID string, job func()) {
	m.mu.Lock()
	l := m.lanes[threadID]
	if l == nil {
		l = &lane{}
		m.lanes[threadID] = l
	}
	prev := l.tail
	done := make(chan struct{})
	l.tail = done
	l.pending++
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if prev != nil {
			<-prev
		}
		defer m.release(threadID, done)
		job()
	}()
}

func (m *Manager) release(threadID string, done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(done)
	l := m.lanes[threadID]
	if l == nil {
		return
	}
	l.pending--
	if l.pending == 0 {
		delete(m.lanes, threadID)
	}
}

func (m *Manager) execute(ctx context.Context, req TurnRequest, attached *imaging.Reference, stream *events.Stream) {
	m.metrics.TurnStarted()
	m.active.Add(1)
	defer m.active.Add(-1)
	started := time.Now()
	logger := m.logger.With(zap.String("thread_id", req.ThreadID), zap.String("turn_id", stream.TurnID()))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("turn_panicked", zap.Any("panic", r), zap.Stack("stack"))
			if !stream.Done() {
				_ = stream.Fail(genericTurnFailed)
			}
			m.metrics.TurnFinished(metrics.OutcomeFailed, time.Since(started))
		}
	}()

	_ = stream.Running()
	var warnings []string
	if err := m.persist(ctx, "create_thread", func(ctx context.Context) error {
		return m.ensureThread(ctx, req.ThreadID, req.OwnerID)
	}); err != nil {
		warnings = append(warnings, saveWarning)
	}

	var history []store.Message
	transcript, err := m.store.LoadThread(ctx, req.ThreadID)
	if err != nil {
		logger.Warn("load_thread_failed", zap.Error(err))
	} else if transcript != nil {
		history = transcript.Messages
	}

	image := attached
	if image == nil {
		image = m.lastUserImage(history)
	}

	userMsg := store.Message{
		ID:        uuid.New().String(),
		ThreadID:  req.ThreadID,
		Role:      store.RoleUser,
		Content:   req.Text,
		Status:    store.StatusComplete,
		CreatedAt: store.Now(),
		Metadata:  map[string]any{"turn_id": stream.TurnID()},
	}
	if attached != nil {
		userMsg.Image = &store.ImageRef{OriginPath: attached.Ref, DisplayPath: attached.DisplayPath}
	}
	if strings.TrimSpace(req.CaseID) != "" {
		userMsg.Metadata["case_id"] = strings.TrimSpace(req.CaseID)
	}
	if err := m.persist(ctx, "save_user_message", func(ctx context.Context) error {
		return m.store.SaveTurn(ctx, req.ThreadID, userMsg)
	}); err != nil {
		warnings = append(warnings, saveWarning)
	}

	result, runErr := m.runner.Run(ctx, turn.Request{
		ThreadID:      req.ThreadID,
		TurnID:        stream.TurnID(),
		Text:          req.Text,
		Image:         image,
		ImageAttached: attached != nil,
		History:       history,
		Persona:       m.personas.Resolve(req.Role),
	}, stream)
	m.recordInvocations(ctx, req.ThreadID, stream.TurnID(), result)

	if runErr != nil {
		message := genericTurnFailed
		var reasoning *turn.ReasoningError
		if errors.As(runErr, &reasoning) {
			message = reasoning.UserMessage()
		}
		logger.Error("turn_failed", zap.Error(runErr), zap.Bool("client_detached", stream.Detached()))
		_ = stream.Fail(message)
		m.metrics.TurnFinished(metrics.OutcomeFailed, time.Since(started))
		return
	}

	assistantMsg := store.Message{
		ID:        uuid.New().String(),
		ThreadID:  req.ThreadID,
		Role:      store.RoleAssistant,
		Content:   result.Text,
		Status:    store.StatusComplete,
		CreatedAt: store.Now(),
		Metadata:  resultMetadata(stream.TurnID(), result),
	}
	if result.Display != nil {
		assistantMsg.Image = &store.ImageRef{OriginPath: result.Display.Ref, DisplayPath: result.Display.DisplayPath}
	}
	if err := m.persist(ctx, "save_assistant_message", func(ctx context.Context) error {
		return m.store.SaveTurn(ctx, req.ThreadID, assistantMsg)
	}); err != nil {
		warnings = append(warnings, saveWarning)
	}

	warning := ""
	if len(warnings) > 0 {
		warning = warnings[0]
	}
	_ = stream.Completed(warning)

	outcome := metrics.OutcomeCompleted
	switch {
	case result.Greeting:
		outcome = metrics.OutcomeGreeting
	case result.Exhausted:
		outcome = metrics.OutcomeExhausted
	}
	m.metrics.TurnFinished(outcome, time.Since(started))
	logger.Info("turn_completed",
		zap.String("outcome", outcome),
		zap.Int("invocations", len(result.Invocations)),
		zap.Bool("client_detached", stream.Detached()),
		zap.Duration("duration", time.Since(started)))
}

func (m *Manager) ensureThread(ctx context.Context, threadID string, ownerID string) error {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread != nil {
		return nil
	}
	now := store.Now()
	return m.store.CreateThread(ctx, store.Thread{
		ID:        threadID,
		OwnerID:   strings.TrimSpace(ownerID),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// lastUserImage finds the image of the most recent user message that
// carried one, so follow-up questions keep pointing at it.
func (m *Manager) lastUserImage(history []store.Message) *imaging.Reference {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != store.RoleUser || msg.Image == nil || msg.Image.IsZero() {
			continue
		}
		ref, err := m.images.Resolve(msg.Image.OriginPath)
		if err != nil {
			m.logger.Warn("previous_image_missing", zap.String("thread_id", msg.ThreadID), zap.Error(err))
			return nil
		}
		return &ref
	}
	return nil
}

// persist runs save, retrying once after a short pause.
func (m *Manager) persist(ctx context.Context, operation string, save func(context.Context) error) error {
	err := save(ctx)
	if err == nil {
		return nil
	}
	m.logger.Warn("persist_retry", zap.String("operation", operation), zap.Error(err))
	if m.retryDelay > 0 {
		time.Sleep(m.retryDelay)
	}
	if err = save(ctx); err != nil {
		m.logger.Error("persist_failed", zap.String("operation", operation), zap.Error(err))
		m.metrics.PersistenceFailed(operation)
	}
	return err
}

func (m *Manager) recordInvocations(ctx context.Context, threadID string, turnID string, result turn.Result) {
	for _, inv := range result.Invocations {
		record := store.Invocation{
			ID:          inv.ID,
			ThreadID:    threadID,
			TurnID:      turnID,
			Capability:  inv.Capability,
			ImagePath:   inv.Input.ImagePath,
			Instruction: inv.Input.Instruction,
			Status:      inv.Status,
			Output:      truncate(inv.Output.Text, maxAuditOutput),
			OutputImage: inv.Output.ImagePath,
			Error:       inv.Error,
			DurationMs:  inv.Duration.Milliseconds(),
			CreatedAt:   inv.StartedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := m.store.RecordInvocation(ctx, record); err != nil {
			m.logger.Warn("record_invocation_failed", zap.String("capability", inv.Capability), zap.Error(err))
		}
	}
}

func resultMetadata(turnID string, result turn.Result) map[string]any {
	metadata := map[string]any{
		"turn_id":     turnID,
		"iterations":  result.Iterations,
		"invocations": len(result.Invocations),
	}
	if result.Greeting {
		metadata["greeting"] = true
	}
	if result.Exhausted {
		metadata["exhausted"] = true
	}
	if result.Confidence != nil {
		metadata["confidence"] = *result.Confidence
	}
	if len(result.Findings) > 0 {
		findings := make([]map[string]any, 0, len(result.Findings))
		for _, finding := range result.Findings {
			findings = append(findings, map[string]any{"label": finding.Label, "probability": finding.Probability})
		}
		metadata["findings"] = findings
	}
	return metadata
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
