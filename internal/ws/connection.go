package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-collaborative-editing/internal/auth"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/crdt"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/limiter"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/protocol"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/room"
)

// 心跳與緩衝參數
//
// 時間配置原理：
//
//	writePump 54s Ping → 網絡傳輸 < 6s → readPump 60s 超時
//	↓ 正常情況
//	每 54 秒重置一次超時（持續連接）
//	↓ 異常情況
//	54s 未收到 Pong → 60s 超時 → 關閉連接
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20 // base64 編碼的 CRDT 更新可以很大
	sendBufferSize = 256
)

// connection 單一 WebSocket 連接的會話狀態。
//
// 並發模型：
//   - readPump 是唯一觸碰會話狀態（joined room、lastActivity）的 goroutine
//   - writePump 只消費 send channel
//   - Send 可被任意房間 actor 呼叫（非阻塞）
type connection struct {
	id       string
	identity auth.Identity

	conn       *websocket.Conn
	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool
	closeMsg   []byte // 關閉幀，closeSend 寫入後由 writePump 送出
	closeOnce  sync.Once
	writeDone  chan struct{}

	registry    *room.Registry
	cursorLimit limiter.Limiter
	idleTimeout time.Duration
	logger      *slog.Logger
	onClose     func()

	// readPump 專屬
	joined       *room.Room
	lastActivity time.Time
}

// Send 實現房間的出站接口：非阻塞，緩衝滿時返回 false。
//
// 房間 actor 在處理完離開命令前仍可能持有此連接的引用，
// 關閉後的 Send 必須安全返回 false 而非 panic。
func (c *connection) Send(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendEvent 序列化並投遞服務端事件（投遞失敗只記錄）
func (c *connection) sendEvent(event string, payload any) {
	data, err := protocol.MarshalServerEvent(event, payload)
	if err != nil {
		c.logger.Error("marshal server event failed", "event", event, "error", err)
		return
	}
	if !c.Send(data) {
		c.logger.Warn("send buffer full, event dropped", "event", event)
	}
}

func (c *connection) sendError(code protocol.ErrorCode, details map[string]any) {
	c.sendEvent(protocol.EventError, protocol.NewErrorEvent(code, details))
}

// closeWithCode 發送錯誤事件與關閉幀後斷開（致命錯誤路徑）。
// 關閉幀經由 send channel 的關閉信號送出：writePump 排空隊列後
// 才寫關閉幀，錯誤事件保證先於關閉幀到達客戶端。
func (c *connection) closeWithCode(code protocol.ErrorCode, details map[string]any) {
	c.sendError(code, details)
	c.closeSend(int(code), code.Message())

	select {
	case <-c.writeDone:
	case <-time.After(writeWait):
	}
	c.shutdown()
}

// closeSend 關閉出站通道並記錄關閉幀（冪等，之後的 Send 返回 false）。
func (c *connection) closeSend(code int, text string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	c.closeMsg = websocket.FormatCloseMessage(code, text)
	close(c.send)
}

// readPump 讀取並分發客戶端消息。
//
// 錯誤處理策略：
//   - 可恢復錯誤（4220/4221/4222/4031）→ 發送 error 事件，連接保持開啟
//   - 致命錯誤（認證、權限、並發上限）→ 發送 error 事件後以對應代碼關閉
func (c *connection) readPump() {
	defer func() {
		c.leaveRoom()
		c.shutdown()
		// 本地限流器的桶跟著連接走，釋放避免 map 無界增長
		if f, ok := c.cursorLimit.(interface{ Forget(string) }); ok {
			f.Forget(c.id)
		}
		if c.onClose != nil {
			c.onClose()
		}
		c.logger.Info("connection closed", "connection_id", c.id, "user_id", c.identity.UserID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.lastActivity = time.Now()
	if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
		c.logger.Error("set read deadline failed", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		// Pong 只證明 TCP 活著；閒置太久的連接照樣收回
		if c.idleTimeout > 0 && time.Since(c.lastActivity) > c.idleTimeout {
			return errors.New("idle timeout")
		}
		return c.conn.SetReadDeadline(c.readDeadline())
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error",
					"error", err,
					"connection_id", c.id,
					"user_id", c.identity.UserID)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.lastActivity = time.Now()
		if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
			c.logger.Error("set read deadline failed", "error", err)
		}
		if fatal := c.dispatch(raw); fatal {
			return
		}
	}
}

// readDeadline 取 pong 等待與閒置截止中較早者。
// 閒置不能只靠 pong 回調檢查：會乖乖回 pong 的閒置連接
// 要等到下一個 ping 週期才被發現。
func (c *connection) readDeadline() time.Time {
	d := time.Now().Add(pongWait)
	if c.idleTimeout > 0 {
		if idle := c.lastActivity.Add(c.idleTimeout); idle.Before(d) {
			d = idle
		}
	}
	return d
}

// dispatch 處理一條客戶端消息，返回 true 表示連接應該終止。
func (c *connection) dispatch(raw []byte) bool {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		// 未知事件與格式錯誤都是可恢復的：拒絕這一條，連接繼續
		c.sendError(protocol.CodeInvalidPayload, nil)
		return false
	}

	switch {
	case msg.Join != nil:
		return c.handleJoin(msg.Join)
	case msg.Leave != nil:
		c.handleLeave(msg.Leave)
	case msg.Update != nil:
		c.handleUpdate(msg.Update)
	case msg.Cursor != nil:
		c.handleCursor(msg.Cursor)
	}
	return false
}

func (c *connection) handleJoin(p *protocol.NoteJoinPayload) bool {
	var vector []byte
	if p.StateVector != "" {
		decoded, err := base64.StdEncoding.DecodeString(p.StateVector)
		if err != nil {
			c.sendError(protocol.CodeInvalidPayload, nil)
			return false
		}
		vector = decoded
	}

	// 切換筆記前先離開舊房間
	if c.joined != nil && c.joined.NoteID() != p.NoteID {
		c.leaveRoom()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rm, err := c.registry.Join(ctx, p.NoteID, room.Connection{
		ID:       c.id,
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
		Avatar:   c.identity.Avatar,
		Sender:   c,
	}, vector)

	switch {
	case err == nil:
		c.joined = rm
		return false

	case errors.Is(err, room.ErrPermissionDenied):
		c.closeWithCode(protocol.CodePermissionDenied, nil)
		return true

	case errors.Is(err, auth.ErrNoteNotFound):
		c.sendError(protocol.CodeNoteNotFound, map[string]any{"noteId": p.NoteID})
		return false

	case errors.Is(err, crdt.ErrMalformedUpdate):
		c.sendError(protocol.CodeInvalidPayload, nil)
		return false

	case errors.Is(err, room.ErrStoreUnavailable):
		c.closeWithCode(protocol.CodeDatabaseError, nil)
		return true

	default:
		var limitErr *room.LimitError
		if errors.As(err, &limitErr) {
			// 先送領域事件再送錯誤碼，客戶端據此顯示「房間已滿」
			c.sendEvent(protocol.EventCollaborationLimit, protocol.LimitPayload{
				Error:          "concurrent editor limit reached",
				CurrentEditors: limitErr.Current,
				MaxEditors:     limitErr.Max,
			})
			c.closeWithCode(protocol.CodeConcurrentLimitReached, map[string]any{
				"currentEditors": limitErr.Current,
				"maxEditors":     limitErr.Max,
			})
			return true
		}

		c.logger.Error("join failed", "note_id", p.NoteID, "error", err)
		c.closeWithCode(protocol.CodeInternalError, nil)
		return true
	}
}

func (c *connection) handleLeave(p *protocol.NoteLeavePayload) {
	if c.joined == nil || c.joined.NoteID() != p.NoteID {
		return
	}
	c.leaveRoom()
}

func (c *connection) handleUpdate(p *protocol.UpdatePayload) {
	rm, ok := c.sessionFor(p.NoteID)
	if !ok {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(p.Update)
	if err != nil {
		c.sendError(protocol.CodeInvalidPayload, nil)
		return
	}
	rm.ApplyUpdate(c.id, raw)
}

func (c *connection) handleCursor(p *protocol.CursorPayload) {
	rm, ok := c.sessionFor(p.NoteID)
	if !ok {
		return
	}

	// 游標事件高頻且可丟棄：超速時丟掉這一筆並提示客戶端
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	allowed, err := c.cursorLimit.Allow(ctx, c.id)
	if err != nil {
		c.logger.Warn("cursor rate limit check failed", "error", err)
		allowed = true
	}
	if !allowed {
		c.sendError(protocol.CodeRateLimitExceeded, nil)
		return
	}

	rm.UpdateCursor(c.id, p.Position, p.Selection)
}

// sessionFor 驗證消息所屬的筆記就是當前加入的會話
func (c *connection) sessionFor(noteID string) (*room.Room, bool) {
	if c.joined == nil || c.joined.NoteID() != noteID {
		c.sendError(protocol.CodeSessionNotFound, map[string]any{"noteId": noteID})
		return nil, false
	}
	return c.joined, true
}

func (c *connection) leaveRoom() {
	if c.joined == nil {
		return
	}
	c.joined.Leave(c.id)
	c.joined = nil
}

// shutdown 關閉出站通道與底層連接（只執行一次）
func (c *connection) shutdown() {
	c.closeOnce.Do(func() {
		c.closeSend(websocket.CloseNormalClosure, "")
		_ = c.conn.Close()
	})
}

// writePump 寫入消息到客戶端。
//
// 異步發送：
//   - send channel 緩衝消息，房間 actor 永不等待網絡
//   - 首條消息寫出後批量排空隊列，減少系統呼叫
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("set write deadline failed", "error", err)
			}
			if !ok {
				// 通道已關閉且隊列已排空；closeMsg 在關閉前寫入，讀取安全
				_ = c.conn.WriteMessage(websocket.CloseMessage, c.closeMsg)
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("set write deadline failed", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
