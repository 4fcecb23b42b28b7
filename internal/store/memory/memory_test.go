package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}

func TestSaveTurn_AssignsSequence(t *testing.T) {
	ctx := context.Background()
	mem := New()
	require.NoError(t, mem.CreateThread(ctx, store.Thread{ID: "t-1", OwnerID: "o"}))
	require.NoError(t, mem.SaveTurn(ctx, "t-1", store.Message{ID: "m-1", Role: store.RoleUser, Content: "hi"}))
	require.NoError(t, mem.SaveTurn(ctx, "t-1", store.Message{ID: "m-2", Role: store.RoleAssistant, Content: "hello"}))

	mem.mu.RLock()
	defer mem.mu.RUnlock()
	require.Equal(t, int64(1), mem.messages["t-1"][0].Sequence)
	require.Equal(t, int64(2), mem.messages["t-1"][1].Sequence)
	require.Equal(t, store.StatusComplete, mem.messages["t-1"][1].Status)
}

func TestLoadThread_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	mem := New()
	require.NoError(t, mem.CreateThread(ctx, store.Thread{ID: "t-1", OwnerID: "o"}))
	require.NoError(t, mem.SaveTurn(ctx, "t-1", store.Message{
		ID:       "m-1",
		Role:     store.RoleUser,
		Content:  "look",
		Image:    &store.ImageRef{OriginPath: "/a.png", DisplayPath: "/uploads/a.png"},
		Metadata: map[string]any{"k": "v"},
	}))

	first, err := mem.LoadThread(ctx, "t-1")
	require.NoError(t, err)
	first.Messages[0].Image.DisplayPath = "/mutated"
	first.Messages[0].Metadata["k"] = "mutated"

	second, err := mem.LoadThread(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, "/uploads/a.png", second.Messages[0].Image.DisplayPath)
	require.Equal(t, "v", second.Messages[0].Metadata["k"])
}

func TestCreateThread_RequiresID(t *testing.T) {
	require.Error(t, New().CreateThread(context.Background(), store.Thread{}))
}
