// Package ws 是協作服務的傳輸層：WebSocket 升級、連接認證、
// 消息編解碼與會話生命週期。
//
// 分層約定：
//   - ws 只做傳輸與邊界驗證，不碰協作語義
//   - 房間語義（准入、合併、廣播）全部在 room 包
//   - 錯誤以統一事件格式回覆，內部錯誤細節永不外洩
package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-collaborative-editing/internal/auth"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/limiter"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/room"
)

// Handler 處理 /ws/collaboration 的升級與會話啟動。
type Handler struct {
	registry    *room.Registry
	gatekeeper  *auth.Gatekeeper
	cursorLimit limiter.Limiter
	idleTimeout time.Duration
	upgrader    websocket.Upgrader
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// NewHandler 建立 WebSocket 入口。
func NewHandler(registry *room.Registry, gatekeeper *auth.Gatekeeper, cursorLimit limiter.Limiter, idleTimeout time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		registry:    registry,
		gatekeeper:  gatekeeper,
		cursorLimit: cursorLimit,
		idleTimeout: idleTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
		conns:  make(map[*connection]struct{}),
	}
}

// ServeHTTP 升級連接並認證。
//
// 認證失敗不能在握手階段用 HTTP 狀態碼表達：
// 客戶端契約規定 4010/4011/4012 是 WebSocket 關閉碼，
// 所以先完成升級，再以錯誤事件 + 對應關閉碼斷開。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &connection{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		writeDone:   make(chan struct{}),
		registry:    h.registry,
		cursorLimit: h.cursorLimit,
		idleTimeout: h.idleTimeout,
		logger:      h.logger,
	}
	go c.writePump()

	identity, err := h.gatekeeper.Authenticate(r.Context(), token)
	if err != nil {
		code := auth.CloseCode(err)
		h.logger.Warn("authentication failed", "code", int(code), "error", err)
		c.closeWithCode(code, nil)
		return
	}
	c.identity = identity
	c.onClose = func() { h.untrack(c) }
	h.track(c)

	h.logger.Info("connection established",
		"connection_id", c.id,
		"user_id", identity.UserID)

	go c.readPump()
}

func (h *Handler) track(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Handler) untrack(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// ConnectionCount 當前活躍連接數（供 /stats）。
func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll 強制關閉所有活躍連接（優雅關閉路徑）。
// WebSocket 連接是被劫持的，http.Server.Shutdown 不會等它們；
// 這裡主動斷開，讓每個連接的讀循環觸發離開流程。
func (h *Handler) CloseAll() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

// bearerToken 依序嘗試查詢參數與 Authorization 標頭。
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return rest
	}
	return ""
}
