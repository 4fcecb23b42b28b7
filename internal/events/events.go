package events

import (
	"context"
	"sync"
)

type Kind string

const (
	KindContentDelta Kind = "content-delta"
	KindDisplayImage Kind = "display-image"
	KindStatus       Kind = "status"
	KindError        Kind = "error"

	StatusRunning   = "running"
	StatusCompleted = "completed"
)

// Event is one step of a turn as the client sees it.
type Event struct {
	ThreadID    string `json:"thread_id"`
	TurnID      string `json:"turn_id"`
	Seq         int64  `json:"seq"`
	Kind        Kind   `json:"kind"`
	Ts          string `json:"ts"`
	Text        string `json:"text,omitempty"`
	DisplayPath string `json:"display_path,omitempty"`
	Status      string `json:"status,omitempty"`
	Warning     string `json:"warning,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Kind == KindError || (e.Kind == KindStatus && e.Status == StatusCompleted)
}

// Broker fans turn events out to observers of a thread.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan Event]struct{}{},
	}
}

func (b *Broker) Subscribe(ctx context.Context, threadID string) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	if b.subscribers[threadID] == nil {
		b.subscribers[threadID] = map[chan Event]struct{}{}
	}
	b.subscribers[threadID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[threadID] != nil {
			delete(b.subscribers[threadID], ch)
			if len(b.subscribers[threadID]) == 0 {
				delete(b.subscribers, threadID)
			}
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish never blocks; a subscriber that falls behind misses events.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.ThreadID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broker) subscriberCount(threadID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[threadID])
}
