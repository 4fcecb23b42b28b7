// Package pebblestore is an embedded thread store on top of a Pebble LSM.
//
// Key layout, where ids and owners are base64url encoded so they never
// contain the ':' separator:
//
//	thread:<id>:meta                 thread header (JSON)
//	thread:<id>:msg:<seq>            message, seq zero padded
//	thread:<id>:inv:<unixnano>-<id>  capability invocation audit record
//	owner:<owner>:thread:<id>        owner index, empty value
package pebblestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/store"
)

type PebbleStore struct {
	db     *pebble.DB
	logger *zap.Logger
	// mu serializes read-modify-write of thread headers.
	mu sync.Mutex
}

func Open(path string, logger *zap.Logger) (*PebbleStore, error) {
	return OpenWithOptions(path, &pebble.Options{}, logger)
}

func OpenWithOptions(path string, opts *pebble.Options, logger *zap.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	logger.Info("pebble_opened", zap.String("path", path))
	return &PebbleStore{db: db, logger: logger}, nil
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}

func (p *PebbleStore) Ping(ctx context.Context) error {
	_, err := p.getThread([]byte("thread::meta"))
	return err
}

// keyPart encodes a caller supplied id for use between separators.
func keyPart(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

func parseKeyPart(value string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("decode key part %q: %w", value, err)
	}
	return string(decoded), nil
}

func threadPrefix(threadID string) []byte {
	return []byte("thread:" + keyPart(threadID) + ":")
}

func metaKey(threadID string) []byte {
	return append(threadPrefix(threadID), "meta"...)
}

func messagePrefix(threadID string) []byte {
	return append(threadPrefix(threadID), "msg:"...)
}

func messageKey(threadID string, seq int64) []byte {
	return append(messagePrefix(threadID), fmt.Sprintf("%020d", seq)...)
}

func invocationPrefix(threadID string) []byte {
	return append(threadPrefix(threadID), "inv:"...)
}

func invocationKey(inv store.Invocation) []byte {
	return append(invocationPrefix(inv.ThreadID), fmt.Sprintf("%020d-%s", store.ParseTime(inv.CreatedAt).UnixNano(), inv.ID)...)
}

func ownerPrefix(ownerID string) []byte {
	return []byte("owner:" + keyPart(ownerID) + ":thread:")
}

func ownerKey(ownerID string, threadID string) []byte {
	return append(ownerPrefix(ownerID), keyPart(threadID)...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (p *PebbleStore) getThread(key []byte) (*store.Thread, error) {
	value, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var thread store.Thread
	if err := json.Unmarshal(value, &thread); err != nil {
		return nil, fmt.Errorf("decode thread: %w", err)
	}
	return &thread, nil
}

func (p *PebbleStore) CreateThread(ctx context.Context, thread store.Thread) error {
	if strings.TrimSpace(thread.ID) == "" {
		return errors.New("thread id required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, err := p.getThread(metaKey(thread.ID))
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if thread.CreatedAt == "" {
		thread.CreatedAt = store.Now()
	}
	if thread.UpdatedAt == "" {
		thread.UpdatedAt = thread.CreatedAt
	}
	data, err := json.Marshal(thread)
	if err != nil {
		return err
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(metaKey(thread.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(ownerKey(thread.OwnerID, thread.ID), nil, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		p.logger.Error("create_thread_failed", zap.String("thread_id", thread.ID), zap.Error(err))
		return err
	}
	return nil
}

func (p *PebbleStore) GetThread(ctx context.Context, threadID string) (*store.Thread, error) {
	return p.getThread(metaKey(threadID))
}

func (p *PebbleStore) ListThreads(ctx context.Context, ownerID string, limit int) ([]store.ThreadSummary, error) {
	ids, err := p.threadIDs(ownerID)
	if err != nil {
		return nil, err
	}
	results := make([]store.ThreadSummary, 0, len(ids))
	for _, id := range ids {
		thread, err := p.getThread(metaKey(id))
		if err != nil {
			return nil, err
		}
		if thread == nil {
			continue
		}
		count, err := p.countPrefix(messagePrefix(id))
		if err != nil {
			return nil, err
		}
		results = append(results, store.ThreadSummary{
			ID:           thread.ID,
			OwnerID:      thread.OwnerID,
			Title:        thread.Title,
			UpdatedAt:    thread.UpdatedAt,
			MessageCount: count,
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

func (p *PebbleStore) threadIDs(ownerID string) ([]string, error) {
	if ownerID != "" {
		prefix := ownerPrefix(ownerID)
		ids := []string{}
		err := p.scan(prefix, func(key, _ []byte) error {
			id, err := parseKeyPart(string(bytes.TrimPrefix(key, prefix)))
			if err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
		return ids, err
	}
	ids := []string{}
	err := p.scan([]byte("thread:"), func(key, _ []byte) error {
		encoded, ok := strings.CutSuffix(strings.TrimPrefix(string(key), "thread:"), ":meta")
		if !ok || encoded == "" {
			return nil
		}
		id, err := parseKeyPart(encoded)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

func (p *PebbleStore) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(append([]byte(nil), iter.Key()...), append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleStore) countPrefix(prefix []byte) (int64, error) {
	var count int64
	err := p.scan(prefix, func(_, _ []byte) error {
		count++
		return nil
	})
	return count, err
}

func (p *PebbleStore) DeleteThread(ctx context.Context, threadID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	thread, err := p.getThread(metaKey(threadID))
	if err != nil {
		return err
	}
	if thread == nil {
		return nil
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	prefix := threadPrefix(threadID)
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := batch.Delete(ownerKey(thread.OwnerID, threadID), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	p.logger.Info("thread_deleted", zap.String("thread_id", threadID))
	return nil
}

func (p *PebbleStore) SaveTurn(ctx context.Context, threadID string, msg store.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	thread, err := p.getThread(metaKey(threadID))
	if err != nil {
		return err
	}
	if thread == nil {
		return store.ErrThreadNotFound
	}
	if msg.Sequence == 0 {
		last, err := p.lastSequence(threadID)
		if err != nil {
			return err
		}
		msg.Sequence = last + 1
	}
	msg.ThreadID = threadID
	if msg.CreatedAt == "" {
		msg.CreatedAt = store.Now()
	}
	if msg.Status == "" {
		msg.Status = store.StatusComplete
	}
	store.ApplyMessage(thread, msg)

	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	threadData, err := json.Marshal(thread)
	if err != nil {
		return err
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(messageKey(threadID, msg.Sequence), msgData, nil); err != nil {
		return err
	}
	if err := batch.Set(metaKey(threadID), threadData, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		p.logger.Error("save_message_failed", zap.String("thread_id", threadID), zap.Error(err))
		return err
	}
	p.logger.Debug("message_saved", zap.String("thread_id", threadID), zap.String("msg_id", msg.ID), zap.Int64("seq", msg.Sequence))
	return nil
}

func (p *PebbleStore) lastSequence(threadID string) (int64, error) {
	prefix := messagePrefix(threadID)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	var msg store.Message
	if err := json.Unmarshal(iter.Value(), &msg); err != nil {
		return 0, fmt.Errorf("decode message: %w", err)
	}
	return msg.Sequence, nil
}

func (p *PebbleStore) LoadThread(ctx context.Context, threadID string) (*store.Transcript, error) {
	thread, err := p.getThread(metaKey(threadID))
	if err != nil || thread == nil {
		return nil, err
	}
	messages := []store.Message{}
	err = p.scan(messagePrefix(threadID), func(_, value []byte) error {
		var msg store.Message
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &store.Transcript{Thread: *thread, Messages: messages}, nil
}

func (p *PebbleStore) RecordInvocation(ctx context.Context, inv store.Invocation) error {
	if inv.CreatedAt == "" {
		inv.CreatedAt = store.Now()
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return p.db.Set(invocationKey(inv), data, pebble.Sync)
}

func (p *PebbleStore) ListInvocations(ctx context.Context, threadID string) ([]store.Invocation, error) {
	results := []store.Invocation{}
	err := p.scan(invocationPrefix(threadID), func(_, value []byte) error {
		var inv store.Invocation
		if err := json.Unmarshal(value, &inv); err != nil {
			return fmt.Errorf("decode invocation: %w", err)
		}
		results = append(results, inv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
