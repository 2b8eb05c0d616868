package room

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-collaborative-editing/internal/audit"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/crdt"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/protocol"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/store"
)

// accessFunc 測試用權限服務
type accessFunc func(ctx context.Context, userID, noteID string) (bool, error)

func (f accessFunc) CanEdit(ctx context.Context, userID, noteID string) (bool, error) {
	return f(ctx, userID, noteID)
}

func allowAll() accessFunc {
	return func(context.Context, string, string) (bool, error) { return true, nil }
}

func newTestRegistry(t *testing.T, st store.DocumentStore, access accessFunc, opts RegistryOptions) *Registry {
	t.Helper()
	r := NewRegistry(st, access, audit.NopPublisher{}, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func defaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		Room:        Options{MaxEditors: 5, SnapshotInterval: time.Hour},
		GracePeriod: time.Hour,
		GCInterval:  time.Hour,
	}
}

// TestRegistryPermissionDenied 無編輯權限的用戶連房間都不會建立
func TestRegistryPermissionDenied(t *testing.T) {
	st := store.NewMemoryStore()
	deny := accessFunc(func(_ context.Context, userID, _ string) (bool, error) {
		return userID == "owner", nil
	})
	r := newTestRegistry(t, st, deny, defaultRegistryOptions())

	_, err := r.Join(context.Background(), "note-1", Connection{
		ID: "c1", UserID: "stranger", Sender: newFakeSender(),
	}, nil)
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, exists := r.Get("note-1")
	assert.False(t, exists)

	_, err = r.Join(context.Background(), "note-1", Connection{
		ID: "c2", UserID: "owner", Sender: newFakeSender(),
	}, nil)
	require.NoError(t, err)
}

// TestRegistryRoomSingleton 同一筆記共享同一房間實例
func TestRegistryRoomSingleton(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestRegistry(t, st, allowAll(), defaultRegistryOptions())

	rm1, err := r.Join(context.Background(), "note-1", Connection{
		ID: "c1", UserID: "alice", Sender: newFakeSender(),
	}, nil)
	require.NoError(t, err)

	rm2, err := r.Join(context.Background(), "note-1", Connection{
		ID: "c2", UserID: "bob", Sender: newFakeSender(),
	}, nil)
	require.NoError(t, err)
	assert.Same(t, rm1, rm2)

	rm3, err := r.Join(context.Background(), "note-2", Connection{
		ID: "c3", UserID: "alice", Sender: newFakeSender(),
	}, nil)
	require.NoError(t, err)
	assert.NotSame(t, rm1, rm3)

	stats := r.Stats()
	assert.Len(t, stats, 2)
}

// TestRegistryIdleCollection 空房間在寬限期後被回收，快照可供重建
func TestRegistryIdleCollection(t *testing.T) {
	st := store.NewMemoryStore()
	opts := defaultRegistryOptions()
	opts.GracePeriod = 20 * time.Millisecond
	opts.GCInterval = 10 * time.Millisecond
	r := newTestRegistry(t, st, allowAll(), opts)

	rm, err := r.Join(context.Background(), "note-1", Connection{
		ID: "c1", UserID: "alice", Sender: newFakeSender(),
	}, nil)
	require.NoError(t, err)

	seed := crdt.NewDocument("note-1")
	rm.ApplyUpdate("c1", seed.SetBlock("alice", "b1", 1.0, "survives gc"))
	rm.Leave("c1")

	// 房間被回收
	require.Eventually(t, func() bool {
		_, exists := r.Get("note-1")
		return !exists
	}, 2*time.Second, 10*time.Millisecond)

	// 回收前寫入了最終快照
	snap, err := st.Load(context.Background(), "note-1")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.State)

	// 重新加入：新房間從快照恢復
	_, err = r.Join(context.Background(), "note-1", Connection{
		ID: "c2", UserID: "bob", Sender: newFakeSender(),
	}, nil)
	require.NoError(t, err)
}

// TestRegistryGraceKeepsOccupiedRoom 有成員的房間永不回收
func TestRegistryGraceKeepsOccupiedRoom(t *testing.T) {
	st := store.NewMemoryStore()
	opts := defaultRegistryOptions()
	opts.GracePeriod = 10 * time.Millisecond
	opts.GCInterval = 5 * time.Millisecond
	r := newTestRegistry(t, st, allowAll(), opts)

	_, err := r.Join(context.Background(), "note-1", Connection{
		ID: "c1", UserID: "alice", Sender: newFakeSender(),
	}, nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, exists := r.Get("note-1")
	assert.True(t, exists)
}

// TestRegistryRejoinAfterCollection 回收與加入的競態：加入方重建房間並重試
func TestRegistryRejoinAfterCollection(t *testing.T) {
	st := store.NewMemoryStore()
	opts := defaultRegistryOptions()
	opts.GracePeriod = time.Millisecond
	opts.GCInterval = time.Millisecond
	r := newTestRegistry(t, st, allowAll(), opts)

	// 反覆加入離開，與高頻 GC 交錯
	for i := 0; i < 20; i++ {
		rm, err := r.Join(context.Background(), "note-1", Connection{
			ID: "c1", UserID: "alice", Sender: newFakeSender(),
		}, nil)
		require.NoError(t, err)
		rm.Leave("c1")
		time.Sleep(2 * time.Millisecond)
	}
}

// TestRegistryShutdown 優雅關閉：所有房間持久化後銷毀
func TestRegistryShutdown(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewRegistry(st, allowAll(), audit.NopPublisher{}, defaultRegistryOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	rm, err := r.Join(context.Background(), "note-1", Connection{
		ID: "c1", UserID: "alice", Sender: newFakeSender(),
	}, nil)
	require.NoError(t, err)

	seed := crdt.NewDocument("note-1")
	rm.ApplyUpdate("c1", seed.SetBlock("alice", "b1", 1.0, "final state"))
	rm.Leave("c1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	snap, err := st.Load(context.Background(), "note-1")
	require.NoError(t, err)

	replica := crdt.NewDocument("note-1")
	_, err = replica.ApplyUpdate(snap.State)
	require.NoError(t, err)
	blocks := replica.Content()
	require.Len(t, blocks, 1)
	assert.Equal(t, "final state", blocks[0].Content)
}

// TestRegistryLimitPayloadShape 准入拒絕攜帶的數據能構成 collaboration:limit 回應
func TestRegistryLimitPayloadShape(t *testing.T) {
	st := store.NewMemoryStore()
	opts := defaultRegistryOptions()
	opts.Room.MaxEditors = 1
	r := newTestRegistry(t, st, allowAll(), opts)

	_, err := r.Join(context.Background(), "note-1", Connection{
		ID: "c1", UserID: "alice", Sender: newFakeSender(),
	}, nil)
	require.NoError(t, err)

	_, err = r.Join(context.Background(), "note-1", Connection{
		ID: "c2", UserID: "bob", Sender: newFakeSender(),
	}, nil)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)

	payload := protocol.LimitPayload{
		Error:          limitErr.Error(),
		CurrentEditors: limitErr.Current,
		MaxEditors:     limitErr.Max,
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"currentEditors":1`)
	assert.Contains(t, string(data), `"maxEditors":1`)
}
