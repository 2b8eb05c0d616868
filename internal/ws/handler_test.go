package ws_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-collaborative-editing/internal/audit"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/auth"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/crdt"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/limiter"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/protocol"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/room"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/store"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/ws"
)

// stubIdentity 測試用身份服務：token 即用戶名
type stubIdentity struct{}

func (stubIdentity) Verify(_ context.Context, token string) (auth.Identity, error) {
	switch token {
	case "expired-token":
		return auth.Identity{}, auth.ErrTokenExpired
	case "bad-token":
		return auth.Identity{}, auth.ErrTokenInvalid
	default:
		return auth.Identity{UserID: token, Username: "user-" + token}, nil
	}
}

type allowAllAccess struct{}

func (allowAllAccess) CanEdit(context.Context, string, string) (bool, error) { return true, nil }

type denyAllAccess struct{}

func (denyAllAccess) CanEdit(context.Context, string, string) (bool, error) { return false, nil }

type testServer struct {
	srv      *httptest.Server
	registry *room.Registry
}

func newTestServer(t *testing.T, access auth.NoteAccessService, maxEditors int, cursorCapacity int64) *testServer {
	t.Helper()
	return newTestServerIdle(t, access, maxEditors, cursorCapacity, 0)
}

func newTestServerIdle(t *testing.T, access auth.NoteAccessService, maxEditors int, cursorCapacity int64, idleTimeout time.Duration) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := room.NewRegistry(store.NewMemoryStore(), access, audit.NopPublisher{}, room.RegistryOptions{
		Room:        room.Options{MaxEditors: maxEditors, SnapshotInterval: time.Hour},
		GracePeriod: time.Hour,
		GCInterval:  time.Hour,
	}, logger)

	gatekeeper := auth.NewGatekeeper(stubIdentity{}, time.Second, logger)
	handler := ws.NewHandler(registry, gatekeeper, limiter.NewTokenBucket(cursorCapacity, 1), idleTimeout, logger)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return &testServer{srv: srv, registry: registry}
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

// expectEvent 跳過其他事件直到讀到指定類型
func expectEvent(t *testing.T, conn *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env.Event == event {
			return env
		}
	}
	t.Fatalf("event %q never arrived", event)
	return protocol.Envelope{}
}

func sendJoin(t *testing.T, conn *websocket.Conn, noteID string) {
	t.Helper()
	payload, err := json.Marshal(protocol.NoteJoinPayload{NoteID: noteID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Event: protocol.EventNoteJoin, Data: payload}))
}

// expectClose 讀到連接以指定代碼關閉
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue // 關閉前可能還有事件
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

// TestAuthRejection 認證失敗：錯誤事件 + 對應關閉碼
func TestAuthRejection(t *testing.T) {
	tests := []struct {
		name  string
		token string
		code  int
	}{
		{"missing token", "", 4010},
		{"invalid token", "bad-token", 4011},
		{"expired token", "expired-token", 4012},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, allowAllAccess{}, 5, 100)
			conn := dial(t, ts.srv, tt.token)

			env := readEnvelope(t, conn)
			require.Equal(t, protocol.EventError, env.Event)
			var errEvt protocol.ErrorEvent
			require.NoError(t, json.Unmarshal(env.Data, &errEvt))
			assert.Equal(t, tt.code, int(errEvt.Code))

			expectClose(t, conn, tt.code)
		})
	}
}

// TestJoinAndSync 完整加入流程：yjs:sync + presence:list
func TestJoinAndSync(t *testing.T) {
	ts := newTestServer(t, allowAllAccess{}, 5, 100)
	conn := dial(t, ts.srv, "alice")

	sendJoin(t, conn, "note-1")

	env := expectEvent(t, conn, protocol.EventYjsSync)
	var sync protocol.SyncPayload
	require.NoError(t, json.Unmarshal(env.Data, &sync))
	assert.Equal(t, "note-1", sync.NoteID)
	assert.NotEmpty(t, sync.StateVector)

	env = expectEvent(t, conn, protocol.EventPresenceList)
	var list []protocol.Collaborator
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].UserID)
	assert.NotEmpty(t, list[0].Color)
}

// TestPermissionDenied 無編輯權限：4030 關閉
func TestPermissionDenied(t *testing.T) {
	ts := newTestServer(t, denyAllAccess{}, 5, 100)
	conn := dial(t, ts.srv, "stranger")

	sendJoin(t, conn, "note-1")
	expectClose(t, conn, 4030)
}

// TestConcurrentLimitClose 房間滿：collaboration:limit + 4032 關閉
func TestConcurrentLimitClose(t *testing.T) {
	ts := newTestServer(t, allowAllAccess{}, 1, 100)

	first := dial(t, ts.srv, "alice")
	sendJoin(t, first, "note-1")
	expectEvent(t, first, protocol.EventYjsSync)

	second := dial(t, ts.srv, "bob")
	sendJoin(t, second, "note-1")

	env := expectEvent(t, second, protocol.EventCollaborationLimit)
	var limit protocol.LimitPayload
	require.NoError(t, json.Unmarshal(env.Data, &limit))
	assert.Equal(t, 1, limit.CurrentEditors)
	assert.Equal(t, 1, limit.MaxEditors)

	expectClose(t, second, 4032)
}

// TestUpdateFlowsBetweenConnections 更新經服務端轉發給其他客戶端
func TestUpdateFlowsBetweenConnections(t *testing.T) {
	ts := newTestServer(t, allowAllAccess{}, 5, 100)

	alice := dial(t, ts.srv, "alice")
	sendJoin(t, alice, "note-1")
	expectEvent(t, alice, protocol.EventPresenceList)

	bob := dial(t, ts.srv, "bob")
	sendJoin(t, bob, "note-1")
	expectEvent(t, bob, protocol.EventPresenceList)

	seed := crdt.NewDocument("note-1")
	update := seed.SetBlock("alice", "b1", 1.0, "hello bob")
	payload, err := json.Marshal(protocol.UpdatePayload{
		NoteID: "note-1",
		Update: base64.StdEncoding.EncodeToString(update),
	})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(protocol.Envelope{Event: protocol.EventYjsUpdate, Data: payload}))

	env := expectEvent(t, bob, protocol.EventYjsUpdate)
	var received protocol.UpdatePayload
	require.NoError(t, json.Unmarshal(env.Data, &received))
	raw, err := base64.StdEncoding.DecodeString(received.Update)
	require.NoError(t, err)

	replica := crdt.NewDocument("note-1")
	_, err = replica.ApplyUpdate(raw)
	require.NoError(t, err)
	blocks := replica.Content()
	require.Len(t, blocks, 1)
	assert.Equal(t, "hello bob", blocks[0].Content)
}

// TestRecoverableErrorsKeepConnection 可恢復錯誤不斷開連接
func TestRecoverableErrorsKeepConnection(t *testing.T) {
	ts := newTestServer(t, allowAllAccess{}, 5, 100)
	conn := dial(t, ts.srv, "alice")

	// 未知事件 → 4220
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Event: "bogus:event"}))
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.EventError, env.Event)
	var errEvt protocol.ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &errEvt))
	assert.Equal(t, protocol.CodeInvalidPayload, errEvt.Code)

	// 未加入就發更新 → 4222
	payload, _ := json.Marshal(protocol.UpdatePayload{NoteID: "note-1", Update: "AAAA"})
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Event: protocol.EventYjsUpdate, Data: payload}))
	env = readEnvelope(t, conn)
	require.Equal(t, protocol.EventError, env.Event)
	require.NoError(t, json.Unmarshal(env.Data, &errEvt))
	assert.Equal(t, protocol.CodeSessionNotFound, errEvt.Code)

	// 連接仍然可用
	sendJoin(t, conn, "note-1")
	expectEvent(t, conn, protocol.EventYjsSync)
}

// TestCursorRateLimited 游標事件超速：4031 且事件被丟棄，連接不斷
func TestCursorRateLimited(t *testing.T) {
	ts := newTestServer(t, allowAllAccess{}, 5, 2) // 突發容量 2

	alice := dial(t, ts.srv, "alice")
	sendJoin(t, alice, "note-1")
	expectEvent(t, alice, protocol.EventPresenceList)

	bob := dial(t, ts.srv, "bob")
	sendJoin(t, bob, "note-1")
	expectEvent(t, bob, protocol.EventPresenceList)
	expectEvent(t, alice, protocol.EventPresenceJoin)

	for i := 0; i < 3; i++ {
		payload, _ := json.Marshal(protocol.CursorPayload{
			NoteID:   "note-1",
			Position: &protocol.CursorPosition{BlockID: "b1", Offset: i},
		})
		require.NoError(t, alice.WriteJSON(protocol.Envelope{Event: protocol.EventCursorUpdate, Data: payload}))
	}

	// 第三筆被限流
	env := expectEvent(t, alice, protocol.EventError)
	var errEvt protocol.ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &errEvt))
	assert.Equal(t, protocol.CodeRateLimitExceeded, errEvt.Code)

	// bob 收到前兩筆游標
	env = expectEvent(t, bob, protocol.EventCursorBroadcast)
	var cursor protocol.CursorBroadcast
	require.NoError(t, json.Unmarshal(env.Data, &cursor))
	assert.Equal(t, "alice", cursor.UserID)
}

// TestLeaveBroadcastsPresence 離開後其他成員收到 presence:leave
func TestLeaveBroadcastsPresence(t *testing.T) {
	ts := newTestServer(t, allowAllAccess{}, 5, 100)

	alice := dial(t, ts.srv, "alice")
	sendJoin(t, alice, "note-1")
	expectEvent(t, alice, protocol.EventPresenceList)

	bob := dial(t, ts.srv, "bob")
	sendJoin(t, bob, "note-1")
	expectEvent(t, bob, protocol.EventPresenceList)
	expectEvent(t, alice, protocol.EventPresenceJoin)

	leavePayload, _ := json.Marshal(protocol.NoteLeavePayload{NoteID: "note-1"})
	require.NoError(t, bob.WriteJSON(protocol.Envelope{Event: protocol.EventNoteLeave, Data: leavePayload}))

	env := expectEvent(t, alice, protocol.EventPresenceLeave)
	var leave protocol.PresenceLeavePayload
	require.NoError(t, json.Unmarshal(env.Data, &leave))
	assert.Equal(t, "bob", leave.UserID)
}

// TestDisconnectActsAsLeave 直接斷線等同離開
func TestDisconnectActsAsLeave(t *testing.T) {
	ts := newTestServer(t, allowAllAccess{}, 5, 100)

	alice := dial(t, ts.srv, "alice")
	sendJoin(t, alice, "note-1")
	expectEvent(t, alice, protocol.EventPresenceList)

	bob := dial(t, ts.srv, "bob")
	sendJoin(t, bob, "note-1")
	expectEvent(t, bob, protocol.EventPresenceList)
	expectEvent(t, alice, protocol.EventPresenceJoin)

	require.NoError(t, bob.Close())

	env := expectEvent(t, alice, protocol.EventPresenceLeave)
	var leave protocol.PresenceLeavePayload
	require.NoError(t, json.Unmarshal(env.Data, &leave))
	assert.Equal(t, "bob", leave.UserID)
}

// TestIdleTimeoutActsAsLeave 閒置超時的連接被收回，其他成員看到離開
func TestIdleTimeoutActsAsLeave(t *testing.T) {
	ts := newTestServerIdle(t, allowAllAccess{}, 5, 100, 300*time.Millisecond)

	alice := dial(t, ts.srv, "alice")
	sendJoin(t, alice, "note-1")
	expectEvent(t, alice, protocol.EventPresenceList)

	bob := dial(t, ts.srv, "bob")
	sendJoin(t, bob, "note-1")
	expectEvent(t, bob, protocol.EventPresenceList)
	expectEvent(t, alice, protocol.EventPresenceJoin)

	// alice 持續活動，bob 保持沉默
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				payload, _ := json.Marshal(protocol.CursorPayload{
					NoteID:   "note-1",
					Position: &protocol.CursorPosition{BlockID: "b1", Offset: 0},
				})
				if alice.WriteJSON(protocol.Envelope{Event: protocol.EventCursorUpdate, Data: payload}) != nil {
					return
				}
			}
		}
	}()

	env := expectEvent(t, alice, protocol.EventPresenceLeave)
	var leave protocol.PresenceLeavePayload
	require.NoError(t, json.Unmarshal(env.Data, &leave))
	assert.Equal(t, "bob", leave.UserID)

	// bob 的連接已被服務端關閉
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := bob.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection was never closed by the server")
		}
		return
	}
}

// TestMultiNoteIsolation 不同筆記的房間互不可見
func TestMultiNoteIsolation(t *testing.T) {
	ts := newTestServer(t, allowAllAccess{}, 5, 100)

	alice := dial(t, ts.srv, "alice")
	sendJoin(t, alice, "note-1")
	expectEvent(t, alice, protocol.EventPresenceList)

	bob := dial(t, ts.srv, "bob")
	sendJoin(t, bob, "note-2")
	env := expectEvent(t, bob, protocol.EventPresenceList)
	var list []protocol.Collaborator
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)

	// alice 不應收到 note-2 的任何事件
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := alice.ReadMessage()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}
