package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-collaborative-editing/internal/audit"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/auth"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/store"
)

// ErrPermissionDenied 用戶對該筆記沒有編輯權限。
var ErrPermissionDenied = errors.New("permission denied")

// RegistryOptions 房間註冊表配置
type RegistryOptions struct {
	Room        Options       // 傳遞給每個房間
	GracePeriod time.Duration // 空房間保留多久才回收
	GCInterval  time.Duration // 回收掃描週期
}

// Registry 房間註冊表：noteID → 房間的唯一映射。
//
// 互斥鎖只保護 map 本身；房間內部狀態由各自的 actor 串行化，
// 跨房間操作互不阻塞。
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	store  store.DocumentStore
	access auth.NoteAccessService
	audit  audit.Publisher
	logger *slog.Logger
	opts   RegistryOptions

	stopCh   chan struct{}
	stopOnce sync.Once
	gcDone   chan struct{}
}

// NewRegistry 建立註冊表並啟動空房間回收循環。
func NewRegistry(st store.DocumentStore, access auth.NoteAccessService, pub audit.Publisher, opts RegistryOptions, logger *slog.Logger) *Registry {
	r := &Registry{
		rooms:  make(map[string]*Room),
		store:  st,
		access: access,
		audit:  pub,
		logger: logger,
		opts:   opts,
		stopCh: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	go r.gcLoop()

	logger.Info("room registry started",
		"max_editors", opts.Room.MaxEditors,
		"grace_period", opts.GracePeriod)
	return r
}

// Join 權限檢查後將連接加入筆記對應的房間，房間不存在則建立。
//
// 權限檢查在房間外執行（外部 HTTP 呼叫不該佔用 actor 時間片），
// 准入計數與成員插入的原子性由房間 actor 保證。
func (r *Registry) Join(ctx context.Context, noteID string, conn Connection, clientVector []byte) (*Room, error) {
	ok, err := r.access.CanEdit(ctx, conn.UserID, noteID)
	if err != nil {
		return nil, fmt.Errorf("check note access: %w", err)
	}
	if !ok {
		return nil, ErrPermissionDenied
	}

	// 與 GC 競態：拿到的房間可能剛被銷毀，重建後重試。
	// 銷毀只發生在空房間上，重試次數實際上最多一次，
	// 上限只是防禦性的。
	for attempt := 0; attempt < 3; attempt++ {
		rm := r.getOrCreate(noteID)
		err := rm.Join(conn, clientVector)
		if errors.Is(err, ErrRoomClosed) {
			r.evict(noteID, rm)
			continue
		}
		if err != nil {
			return nil, err
		}
		return rm, nil
	}
	return nil, ErrRoomClosed
}

// Get 返回已存在的房間（不建立）。
func (r *Registry) Get(noteID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, exists := r.rooms[noteID]
	return rm, exists
}

func (r *Registry) getOrCreate(noteID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, exists := r.rooms[noteID]; exists {
		return rm
	}
	rm := newRoom(noteID, r.store, r.audit, r.opts.Room, r.logger)
	r.rooms[noteID] = rm
	r.logger.Info("room created", "note_id", noteID, "total_rooms", len(r.rooms))
	return rm
}

// evict 從 map 移除指定的房間實例。
// 比較指針：只移除傳入的那個實例，避免誤刪併發重建的新房間。
func (r *Registry) evict(noteID string, rm *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, exists := r.rooms[noteID]; exists && current == rm {
		delete(r.rooms, noteID)
	}
}

// gcLoop 定期回收空置超過寬限期的房間。
//
// 寬限期的意義：用戶刷新頁面會在秒級內重連，
// 立即銷毀再重建意味著無謂的快照載入。
func (r *Registry) gcLoop() {
	defer close(r.gcDone)

	ticker := time.NewTicker(r.opts.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.collectIdle()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) collectIdle() {
	now := time.Now()

	r.mu.Lock()
	candidates := make([]*Room, 0)
	for _, rm := range r.rooms {
		if since, empty := rm.idleSince(); empty && now.Sub(since) >= r.opts.GracePeriod {
			candidates = append(candidates, rm)
		}
	}
	r.mu.Unlock()

	// Stop 在鎖外呼叫：它要等 actor 持久化最終快照。
	// 寬限期結束與 Stop 之間有人加入時，actor 會拒絕銷毀。
	for _, rm := range candidates {
		if rm.Stop() {
			r.evict(rm.NoteID(), rm)
			r.logger.Info("idle room collected", "note_id", rm.NoteID())
		}
	}
}

// RoomStats 單一房間的觀測數據
type RoomStats struct {
	NoteID  string `json:"noteId"`
	Members int    `json:"members"`
}

// Stats 返回所有房間的即時狀態（供 /stats 端點）。
func (r *Registry) Stats() []RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]RoomStats, 0, len(r.rooms))
	for _, rm := range r.rooms {
		stats = append(stats, RoomStats{NoteID: rm.NoteID(), Members: rm.MemberCount()})
	}
	return stats
}

// Shutdown 優雅關閉：停止回收循環，反覆嘗試銷毀所有房間
// 直到全部持久化完成或超出期限。
//
// 呼叫前應先關閉所有 WebSocket 連接，讓房間自然變空；
// 仍有成員的房間會拒絕銷毀，這裡輪詢等待離開事件被處理。
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.gcDone

	for {
		r.mu.Lock()
		remaining := make([]*Room, 0, len(r.rooms))
		for _, rm := range r.rooms {
			remaining = append(remaining, rm)
		}
		r.mu.Unlock()

		if len(remaining) == 0 {
			r.logger.Info("room registry stopped")
			return nil
		}

		for _, rm := range remaining {
			if rm.Stop() {
				r.evict(rm.NoteID(), rm)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("registry shutdown: %w", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}
