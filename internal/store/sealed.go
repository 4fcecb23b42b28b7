package store

import (
	"context"
	"fmt"

	"github.com/medivision/control-plane/internal/secrets"
)

// SealedStore encrypts message content and invocation output before handing
// them to the wrapped backend, and decrypts on the way out.
type SealedStore struct {
	Store
	sealer *secrets.Sealer
}

func NewSealed(inner Store, sealer *secrets.Sealer) *SealedStore {
	return &SealedStore{Store: inner, sealer: sealer}
}

func (s *SealedStore) SaveTurn(ctx context.Context, threadID string, msg Message) error {
	sealed, err := s.sealer.Seal(msg.Content)
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}
	msg.Content = sealed
	return s.Store.SaveTurn(ctx, threadID, msg)
}

func (s *SealedStore) LoadThread(ctx context.Context, threadID string) (*Transcript, error) {
	transcript, err := s.Store.LoadThread(ctx, threadID)
	if err != nil || transcript == nil {
		return transcript, err
	}
	for i := range transcript.Messages {
		plain, err := s.sealer.Open(transcript.Messages[i].Content)
		if err != nil {
			return nil, fmt.Errorf("open message %s: %w", transcript.Messages[i].ID, err)
		}
		transcript.Messages[i].Content = plain
	}
	title, err := s.sealer.Open(transcript.Thread.Title)
	if err != nil {
		return nil, fmt.Errorf("open thread title: %w", err)
	}
	transcript.Thread.Title = TitleFrom(title)
	return transcript, nil
}

func (s *SealedStore) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	thread, err := s.Store.GetThread(ctx, threadID)
	if err != nil || thread == nil {
		return thread, err
	}
	title, err := s.sealer.Open(thread.Title)
	if err != nil {
		return nil, fmt.Errorf("open thread title: %w", err)
	}
	thread.Title = TitleFrom(title)
	return thread, nil
}

func (s *SealedStore) ListThreads(ctx context.Context, ownerID string, limit int) ([]ThreadSummary, error) {
	summaries, err := s.Store.ListThreads(ctx, ownerID, limit)
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		title, err := s.sealer.Open(summaries[i].Title)
		if err != nil {
			return nil, fmt.Errorf("open thread title: %w", err)
		}
		summaries[i].Title = TitleFrom(title)
	}
	return summaries, nil
}

func (s *SealedStore) RecordInvocation(ctx context.Context, inv Invocation) error {
	sealed, err := s.sealer.Seal(inv.Output)
	if err != nil {
		return fmt.Errorf("seal invocation output: %w", err)
	}
	inv.Output = sealed
	return s.Store.RecordInvocation(ctx, inv)
}

func (s *SealedStore) ListInvocations(ctx context.Context, threadID string) ([]Invocation, error) {
	invocations, err := s.Store.ListInvocations(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for i := range invocations {
		plain, err := s.sealer.Open(invocations[i].Output)
		if err != nil {
			return nil, fmt.Errorf("open invocation %s: %w", invocations[i].ID, err)
		}
		invocations[i].Output = plain
	}
	return invocations, nil
}
