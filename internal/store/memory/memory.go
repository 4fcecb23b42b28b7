package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/medivision/control-plane/internal/store"
)

type MemoryStore struct {
	mu          sync.RWMutex
	threads     map[string]store.Thread
	messages    map[string][]store.Message
	invocations map[string][]store.Invocation
	seq         map[string]int64
}

func New() *MemoryStore {
	return &MemoryStore{
		threads:     map[string]store.Thread{},
		messages:    map[string][]store.Message{},
		invocations: map[string][]store.Invocation{},
		seq:         map[string]int64{},
	}
}

func (m *MemoryStore) CreateThread(ctx context.Context, thread store.Thread) error {
	if strings.TrimSpace(thread.ID) == "" {
		return fmt.Errorf("thread id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[thread.ID]; ok {
		return nil
	}
	if thread.CreatedAt == "" {
		thread.CreatedAt = store.Now()
	}
	if thread.UpdatedAt == "" {
		thread.UpdatedAt = thread.CreatedAt
	}
	m.threads[thread.ID] = thread
	return nil
}

func (m *MemoryStore) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return nil, nil
	}
	return &thread, nil
}

func (m *MemoryStore) ListThreads(ctx context.Context, ownerID string, limit int) ([]store.ThreadSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]store.ThreadSummary, 0, len(m.threads))
	for _, thread := range m.threads {
		if ownerID != "" && thread.OwnerID != ownerID {
			continue
		}
		results = append(results, store.ThreadSummary{
			ID:           thread.ID,
			OwnerID:      thread.OwnerID,
			Title:        thread.Title,
			UpdatedAt:    thread.UpdatedAt,
			MessageCount: int64(len(m.messages[thread.ID])),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		left := store.ParseTime(results[i].UpdatedAt)
		right := store.ParseTime(results[j].UpdatedAt)
		if left.Equal(right) {
			return results[i].ID < results[j].ID
		}
		return left.After(right)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	delete(m.messages, threadID)
	delete(m.invocations, threadID)
	delete(m.seq, threadID)
	return nil
}

func (m *MemoryStore) SaveTurn(ctx context.Context, threadID string, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return store.ErrThreadNotFound
	}
	msg.ThreadID = threadID
	if msg.Sequence == 0 {
		m.seq[threadID]++
		msg.Sequence = m.seq[threadID]
	} else if msg.Sequence > m.seq[threadID] {
		m.seq[threadID] = msg.Sequence
	}
	if msg.CreatedAt == "" {
		msg.CreatedAt = store.Now()
	}
	if msg.Status == "" {
		msg.Status = store.StatusComplete
	}
	m.messages[threadID] = append(m.messages[threadID], store.CloneMessage(msg))
	store.ApplyMessage(&thread, msg)
	m.threads[threadID] = thread
	return nil
}

func (m *MemoryStore) LoadThread(ctx context.Context, threadID string) (*store.Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return nil, nil
	}
	stored := m.messages[threadID]
	messages := make([]store.Message, 0, len(stored))
	for _, msg := range stored {
		messages = append(messages, store.CloneMessage(msg))
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Sequence < messages[j].Sequence
	})
	return &store.Transcript{Thread: thread, Messages: messages}, nil
}

func (m *MemoryStore) RecordInvocation(ctx context.Context, inv store.Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.CreatedAt == "" {
		inv.CreatedAt = store.Now()
	}
	m.invocations[inv.ThreadID] = append(m.invocations[inv.ThreadID], inv)
	return nil
}

func (m *MemoryStore) ListInvocations(ctx context.Context, threadID string) ([]store.Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]store.Invocation{}, m.invocations[threadID]...), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
