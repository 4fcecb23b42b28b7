// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medivision/control-plane/internal/store"
)

// Run exercises a backend. newStore must return an empty store each call.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	t.Run("SaveAndLoad", func(t *testing.T) { testSaveAndLoad(t, newStore(t)) })
	t.Run("MissingThread", func(t *testing.T) { testMissingThread(t, newStore(t)) })
	t.Run("ListByOwnerAndRecency", func(t *testing.T) { testListThreads(t, newStore(t)) })
	t.Run("DeleteThread", func(t *testing.T) { testDeleteThread(t, newStore(t)) })
	t.Run("Invocations", func(t *testing.T) { testInvocations(t, newStore(t)) })
	t.Run("ConcurrentThreads", func(t *testing.T) { testConcurrentThreads(t, newStore(t)) })
	t.Run("OverlappingIDs", func(t *testing.T) { testOverlappingIDs(t, newStore(t)) })
}

func stamp(offset time.Duration) string {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return base.Add(offset).Format(time.RFC3339Nano)
}

func testSaveAndLoad(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateThread(ctx, store.Thread{ID: "t-1", OwnerID: "owner-1", CreatedAt: stamp(0), UpdatedAt: stamp(0)}))
	// Creating again is a no-op.
	require.NoError(t, st.CreateThread(ctx, store.Thread{ID: "t-1", OwnerID: "someone-else", CreatedAt: stamp(0), UpdatedAt: stamp(0)}))

	upload := &store.ImageRef{OriginPath: "/data/uploads/upload_1.dcm", DisplayPath: "/artifacts/upload_1.png"}
	require.NoError(t, st.SaveTurn(ctx, "t-1", store.Message{
		ID:        "m-1",
		Role:      store.RoleUser,
		Content:   "What's wrong with this X-ray?",
		Image:     upload,
		Sequence:  1,
		CreatedAt: stamp(time.Second),
	}))
	require.NoError(t, st.SaveTurn(ctx, "t-1", store.Message{
		ID:        "m-2",
		Role:      store.RoleAssistant,
		Content:   "Findings:\n- Effusion p=0.62\nImpression: Left pleural effusion.",
		Status:    store.StatusComplete,
		Sequence:  2,
		CreatedAt: stamp(2 * time.Second),
		Metadata:  map[string]any{"capabilities": float64(2)},
	}))

	transcript, err := st.LoadThread(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, transcript)
	require.Equal(t, "owner-1", transcript.Thread.OwnerID)
	require.Equal(t, "What's wrong with this X-ray?", transcript.Thread.Title)
	require.Equal(t, "/artifacts/upload_1.png", transcript.DisplayPath())
	require.Len(t, transcript.Messages, 2)
	require.Equal(t, "m-1", transcript.Messages[0].ID)
	require.NotNil(t, transcript.Messages[0].Image)
	require.Equal(t, upload.OriginPath, transcript.Messages[0].Image.OriginPath)
	require.Equal(t, store.RoleAssistant, transcript.Messages[1].Role)
	require.Equal(t, store.StatusComplete, transcript.Messages[1].Status)
	require.Nil(t, transcript.Messages[1].Image)
	require.Equal(t, float64(2), transcript.Messages[1].Metadata["capabilities"])

	thread, err := st.GetThread(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, thread)
	require.Equal(t, stamp(2*time.Second), thread.UpdatedAt)
}

func testMissingThread(t *testing.T, st store.Store) {
	ctx := context.Background()
	transcript, err := st.LoadThread(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, transcript)

	thread, err := st.GetThread(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, thread)

	err = st.SaveTurn(ctx, "missing", store.Message{ID: "m", Role: store.RoleUser, Content: "hi"})
	require.ErrorIs(t, err, store.ErrThreadNotFound)
}

func testListThreads(t *testing.T, st store.Store) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.CreateThread(ctx, store.Thread{ID: id, OwnerID: "owner-1", CreatedAt: stamp(time.Duration(i) * time.Minute), UpdatedAt: stamp(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, st.CreateThread(ctx, store.Thread{ID: "z", OwnerID: "owner-2", CreatedAt: stamp(time.Hour), UpdatedAt: stamp(time.Hour)}))
	require.NoError(t, st.SaveTurn(ctx, "a", store.Message{ID: "m-a", Role: store.RoleUser, Content: "later", Sequence: 1, CreatedAt: stamp(10 * time.Minute)}))

	summaries, err := st.ListThreads(ctx, "owner-1", 0)
	require.NoError(t, err)
	ids := []string{}
	for _, summary := range summaries {
		ids = append(ids, summary.ID)
	}
	require.Equal(t, []string{"a", "c", "b"}, ids)
	require.Equal(t, int64(1), summaries[0].MessageCount)

	limited, err := st.ListThreads(ctx, "owner-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func testDeleteThread(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateThread(ctx, store.Thread{ID: "gone", OwnerID: "o", CreatedAt: stamp(0), UpdatedAt: stamp(0)}))
	require.NoError(t, st.SaveTurn(ctx, "gone", store.Message{ID: "m-1", Role: store.RoleUser, Content: "hello", Sequence: 1, CreatedAt: stamp(time.Second)}))
	require.NoError(t, st.RecordInvocation(ctx, store.Invocation{ID: "i-1", ThreadID: "gone", Capability: "chest_xray_classifier", Status: "ok", CreatedAt: stamp(time.Second)}))

	require.NoError(t, st.DeleteThread(ctx, "gone"))
	transcript, err := st.LoadThread(ctx, "gone")
	require.NoError(t, err)
	require.Nil(t, transcript)
	invocations, err := st.ListInvocations(ctx, "gone")
	require.NoError(t, err)
	require.Empty(t, invocations)

	// Deleting twice is harmless.
	require.NoError(t, st.DeleteThread(ctx, "gone"))
}

func testInvocations(t *testing.T, st store.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateThread(ctx, store.Thread{ID: "t-inv", OwnerID: "o", CreatedAt: stamp(0), UpdatedAt: stamp(0)}))
	require.NoError(t, st.RecordInvocation(ctx, store.Invocation{
		ID: "i-1", ThreadID: "t-inv", TurnID: "turn-1", Capability: "dicom_processor",
		ImagePath: "/data/uploads/x.dcm", Status: "ok", OutputImage: "/data/artifacts/x.png",
		DurationMs: 12, CreatedAt: stamp(time.Second),
	}))
	require.NoError(t, st.RecordInvocation(ctx, store.Invocation{
		ID: "i-2", ThreadID: "t-inv", TurnID: "turn-1", Capability: "chest_xray_classifier",
		ImagePath: "/data/artifacts/x.png", Status: "error", Error: "timeout",
		DurationMs: 30, CreatedAt: stamp(2 * time.Second),
	}))

	invocations, err := st.ListInvocations(ctx, "t-inv")
	require.NoError(t, err)
	require.Len(t, invocations, 2)
	require.Equal(t, "dicom_processor", invocations[0].Capability)
	require.Equal(t, "timeout", invocations[1].Error)
}

func testConcurrentThreads(t *testing.T, st store.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		threadID := fmt.Sprintf("c-%d", i)
		require.NoError(t, st.CreateThread(ctx, store.Thread{ID: threadID, OwnerID: "o", CreatedAt: stamp(0), UpdatedAt: stamp(0)}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 1; j <= 5; j++ {
				_ = st.SaveTurn(ctx, threadID, store.Message{
					ID:        fmt.Sprintf("%s-m-%d", threadID, j),
					Role:      store.RoleUser,
					Content:   "msg",
					Sequence:  int64(j),
					CreatedAt: stamp(time.Duration(j) * time.Second),
				})
			}
		}()
	}
	wg.Wait()
	for i := 0; i < 8; i++ {
		transcript, err := st.LoadThread(ctx, fmt.Sprintf("c-%d", i))
		require.NoError(t, err)
		require.Len(t, transcript.Messages, 5)
		for j, msg := range transcript.Messages {
			require.Equal(t, int64(j+1), msg.Sequence)
		}
	}
}

// Ids come from clients, so one may be a prefix of another or contain the
// characters a backend uses to build keys.
func testOverlappingIDs(t *testing.T, st store.Store) {
	ctx := context.Background()
	threads := []store.Thread{
		{ID: "a", OwnerID: "o"},
		{ID: "a:b", OwnerID: "o:thread:x"},
		{ID: "a:meta", OwnerID: "o"},
		{ID: "ab", OwnerID: "o:"},
	}
	for i, thread := range threads {
		thread.CreatedAt = stamp(time.Duration(i) * time.Minute)
		thread.UpdatedAt = thread.CreatedAt
		require.NoError(t, st.CreateThread(ctx, thread))
		require.NoError(t, st.SaveTurn(ctx, thread.ID, store.Message{
			ID:        thread.ID + "-m",
			Role:      store.RoleUser,
			Content:   "message for " + thread.ID,
			Sequence:  1,
			CreatedAt: stamp(time.Duration(i)*time.Minute + time.Second),
		}))
		require.NoError(t, st.RecordInvocation(ctx, store.Invocation{
			ID: thread.ID + "-i", ThreadID: thread.ID, Capability: "chest_xray_classifier",
			Status: "ok", CreatedAt: stamp(time.Duration(i)*time.Minute + time.Second),
		}))
	}

	for _, thread := range threads {
		transcript, err := st.LoadThread(ctx, thread.ID)
		require.NoError(t, err)
		require.NotNil(t, transcript, thread.ID)
		require.Len(t, transcript.Messages, 1, thread.ID)
		require.Equal(t, "message for "+thread.ID, transcript.Messages[0].Content)
		invocations, err := st.ListInvocations(ctx, thread.ID)
		require.NoError(t, err)
		require.Len(t, invocations, 1, thread.ID)
	}

	owned, err := st.ListThreads(ctx, "o", 0)
	require.NoError(t, err)
	ids := []string{}
	for _, summary := range owned {
		ids = append(ids, summary.ID)
	}
	require.ElementsMatch(t, []string{"a", "a:meta"}, ids)

	all, err := st.ListThreads(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, len(threads))

	require.NoError(t, st.DeleteThread(ctx, "a"))
	gone, err := st.LoadThread(ctx, "a")
	require.NoError(t, err)
	require.Nil(t, gone)
	for _, id := range []string{"a:b", "a:meta", "ab"} {
		transcript, err := st.LoadThread(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, transcript, "deleting thread a removed %s", id)
		require.Len(t, transcript.Messages, 1, id)
		invocations, err := st.ListInvocations(ctx, id)
		require.NoError(t, err)
		require.Len(t, invocations, 1, id)
	}

	others, err := st.ListThreads(ctx, "o:thread:x", 0)
	require.NoError(t, err)
	require.Len(t, others, 1)
	require.Equal(t, "a:b", others[0].ID)
}
