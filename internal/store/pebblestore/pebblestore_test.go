package pebblestore

import (
	"bytes"
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/store/storetest"
)

func openMem(t *testing.T) *PebbleStore {
	t.Helper()
	st, err := OpenWithOptions("threads", &pebble.Options{FS: vfs.NewMem()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPebbleStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openMem(t)
	})
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("thread;"), prefixEnd([]byte("thread:")))
	require.Equal(t, []byte("b"), prefixEnd([]byte{'a', 0xff}))
	require.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}

func TestSaveTurn_ContinuesSequenceAfterReopen(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	st, err := OpenWithOptions("threads", &pebble.Options{FS: fs}, nil)
	require.NoError(t, err)
	require.NoError(t, st.CreateThread(ctx, store.Thread{ID: "t-1", OwnerID: "o"}))
	require.NoError(t, st.SaveTurn(ctx, "t-1", store.Message{ID: "m-1", Role: store.RoleUser, Content: "hi"}))
	require.NoError(t, st.Close())

	reopened, err := OpenWithOptions("threads", &pebble.Options{FS: fs}, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.SaveTurn(ctx, "t-1", store.Message{ID: "m-2", Role: store.RoleAssistant, Content: "hello"}))

	transcript, err := reopened.LoadThread(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, transcript.Messages, 2)
	require.Equal(t, int64(2), transcript.Messages[1].Sequence)
}

func TestListThreads_AllOwners(t *testing.T) {
	ctx := context.Background()
	st := openMem(t)
	require.NoError(t, st.CreateThread(ctx, store.Thread{ID: "a", OwnerID: "o1"}))
	require.NoError(t, st.CreateThread(ctx, store.Thread{ID: "b", OwnerID: "o2"}))
	require.NoError(t, st.SaveTurn(ctx, "b", store.Message{ID: "m", Role: store.RoleUser, Content: "x"}))

	summaries, err := st.ListThreads(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.NoError(t, st.Ping(ctx))
}

func TestThreadPrefixesDoNotOverlap(t *testing.T) {
	require.False(t, bytes.HasPrefix(metaKey("a:b"), threadPrefix("a")))
	require.False(t, bytes.HasPrefix(messageKey("a:msg:", 1), messagePrefix("a")))
	require.False(t, bytes.HasPrefix(ownerKey("o:thread:x", "t"), ownerPrefix("o")))

	id, err := parseKeyPart(keyPart("a:b/ü"))
	require.NoError(t, err)
	require.Equal(t, "a:b/ü", id)
}
