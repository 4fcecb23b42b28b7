package events

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrStreamClosed = errors.New("stream closed")
	ErrOutOfOrder   = errors.New("event out of order")
	ErrImageSent    = errors.New("display image already sent")
)

type streamState int

const (
	stateNew streamState = iota
	stateRunning
	stateImageSent
	stateDone
)

// Stream carries the events of one turn from the producer to a single
// consumer. Sends block while the buffer is full, until the consumer reads
// or detaches. After Detach events are dropped but still reach observers.
type Stream struct {
	threadID string
	turnID   string

	ch         chan Event
	detached   chan struct{}
	detachOnce sync.Once

	mu        sync.Mutex
	state     streamState
	seq       int64
	observers []func(Event)
	now       func() time.Time
}

type StreamOption func(*Stream)

// WithObserver receives every accepted event, attached or not.
func WithObserver(observer func(Event)) StreamOption {
	return func(s *Stream) {
		if observer != nil {
			s.observers = append(s.observers, observer)
		}
	}
}

func NewStream(threadID string, turnID string, buffer int, opts ...StreamOption) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	s := &Stream{
		threadID: threadID,
		turnID:   turnID,
		ch:       make(chan Event, buffer),
		detached: make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stream) ThreadID() string {
	return s.threadID
}

func (s *Stream) TurnID() string {
	return s.turnID
}

// Events is closed after the terminal event.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Detach releases the consumer. It is safe to call more than once.
func (s *Stream) Detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

func (s *Stream) Detached() bool {
	select {
	case <-s.detached:
		return true
	default:
		return false
	}
}

func (s *Stream) Running() error {
	return s.emit(Event{Kind: KindStatus, Status: StatusRunning})
}

func (s *Stream) Delta(text string) error {
	if text == "" {
		return nil
	}
	return s.emit(Event{Kind: KindContentDelta, Text: text})
}

func (s *Stream) DisplayImage(displayPath string) error {
	return s.emit(Event{Kind: KindDisplayImage, DisplayPath: displayPath})
}

// Completed ends the turn. warning reports a non-fatal problem such as a
// failed save.
func (s *Stream) Completed(warning string) error {
	return s.emit(Event{Kind: KindStatus, Status: StatusCompleted, Warning: warning})
}

// Fail ends the turn with a short, user-readable message.
func (s *Stream) Fail(message string) error {
	return s.emit(Event{Kind: KindError, Error: message})
}

func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateDone
}

func (s *Stream) emit(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.advance(event); err != nil {
		return err
	}
	s.seq++
	event.ThreadID = s.threadID
	event.TurnID = s.turnID
	event.Seq = s.seq
	event.Ts = s.now().UTC().Format(time.RFC3339Nano)

	for _, observer := range s.observers {
		observer(event)
	}
	select {
	case s.ch <- event:
	case <-s.detached:
	}
	if event.Terminal() {
		close(s.ch)
	}
	return nil
}

func (s *Stream) advance(event Event) error {
	if s.state == stateDone {
		return ErrStreamClosed
	}
	switch {
	case event.Kind == KindStatus && event.Status == StatusRunning:
		if s.state != stateNew {
			return ErrOutOfOrder
		}
		s.state = stateRunning
	case event.Kind == KindContentDelta:
		if s.state != stateRunning {
			return ErrOutOfOrder
		}
	case event.Kind == KindDisplayImage:
		if s.state == stateImageSent {
			return ErrImageSent
		}
		if s.state != stateRunning {
			return ErrOutOfOrder
		}
		s.state = stateImageSent
	case event.Terminal():
		if event.Kind == KindStatus && s.state == stateNew {
			return ErrOutOfOrder
		}
		s.state = stateDone
	default:
		return ErrOutOfOrder
	}
	return nil
}
