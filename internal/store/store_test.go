package store_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medivision/control-plane/internal/secrets"
	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/store/memory"
	"github.com/medivision/control-plane/internal/store/storetest"
)

func newSealer(t *testing.T) *secrets.Sealer {
	t.Helper()
	sealer, err := secrets.NewSealer([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	return sealer
}

func TestSealedStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewSealed(memory.New(), newSealer(t))
	})
}

func TestSealedStore_ContentIsSealedAtRest(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	sealed := store.NewSealed(inner, newSealer(t))
	require.NoError(t, sealed.CreateThread(ctx, store.Thread{ID: "t-1", OwnerID: "o"}))
	long := "Please review the portable chest film from this morning for any sign of pneumothorax after line placement"
	require.NoError(t, sealed.SaveTurn(ctx, "t-1", store.Message{ID: "m-1", Role: store.RoleUser, Content: long}))

	raw, err := inner.LoadThread(ctx, "t-1")
	require.NoError(t, err)
	require.True(t, secrets.IsSealed(raw.Messages[0].Content))
	require.True(t, secrets.IsSealed(raw.Thread.Title))

	opened, err := sealed.LoadThread(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, long, opened.Messages[0].Content)
	require.Equal(t, store.TitleFrom(long), opened.Thread.Title)
	require.True(t, strings.HasSuffix(opened.Thread.Title, "..."))
}

func TestApplyMessage(t *testing.T) {
	thread := store.Thread{ID: "t", UpdatedAt: "2026-03-01T09:00:00Z"}
	store.ApplyMessage(&thread, store.Message{Role: store.RoleAssistant, Content: "ignored for title", CreatedAt: "2026-03-01T09:01:00Z"})
	require.Empty(t, thread.Title)
	require.Equal(t, "2026-03-01T09:01:00Z", thread.UpdatedAt)

	store.ApplyMessage(&thread, store.Message{
		Role:      store.RoleUser,
		Content:   "  first\n question ",
		Image:     &store.ImageRef{OriginPath: "/o.dcm", DisplayPath: "/artifacts/o.png"},
		CreatedAt: "2026-03-01T08:00:00Z",
	})
	require.Equal(t, "first question", thread.Title)
	require.Equal(t, "/artifacts/o.png", thread.LastImage.DisplayPath)
	require.Equal(t, "2026-03-01T09:01:00Z", thread.UpdatedAt)
}

func TestTranscriptDisplayPath_Nil(t *testing.T) {
	var transcript *store.Transcript
	require.Empty(t, transcript.DisplayPath())
}
