// Package room 實現協作房間：每份筆記一個房間，
// 房間是 CRDT 合併、在場廣播與准入控制的單一入口。
//
// 系統設計問題：
//
//	多個連接併發讀寫同一房間，如何避免全局鎖成為瓶頸？
//
// 核心挑戰：
//  1. 房間內嚴格串行：join / leave / applyUpdate 的順序必須良定義
//  2. 房間之間完全並行：跨房間操作不需要任何協調
//  3. 慢消費者不能拖垮房間：出站緩衝溢出的連接被降級重新同步
//
// 設計方案：
//
//	✅ Actor 模型：每房間一個 goroutine + 信箱（channel）
//	✅ 命令為封閉聯集，在事件循環中窮舉匹配
//	✅ 快照持久化在 actor 內定時觸發，失敗只記錄重試，不阻塞轉發
package room

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-collaborative-editing/internal/audit"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/crdt"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/protocol"
	"github.com/koopa0/system-design/14-collaborative-editing/internal/store"
)

var (
	// ErrRoomClosed 房間已銷毀（正常的競態結果，呼叫方應重建後重試）
	ErrRoomClosed = errors.New("room closed")
	// ErrStoreUnavailable 持久化狀態載入失敗，房間拒絕服務
	ErrStoreUnavailable = errors.New("document store unavailable")
)

// LimitError 准入被並發編輯上限拒絕。
type LimitError struct {
	Current int
	Max     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("concurrent editor limit reached (%d/%d)", e.Current, e.Max)
}

// Sender 連接的出站通道。
//
// Send 必須是非阻塞的：返回 false 表示出站緩衝已滿，
// 房間會將該成員標記為待重新同步，而不是等待。
type Sender interface {
	Send(data []byte) bool
}

// Connection 已通過認證、準備加入房間的連接描述。
type Connection struct {
	ID       string // 連接唯一標識
	UserID   string
	Username string
	Avatar   string
	Sender   Sender
}

// member 房間內部的成員狀態
type member struct {
	conn     Connection
	joinedAt time.Time
	stale    bool // 出站緩衝曾溢出，等待強制重新同步
}

// 信箱命令（封閉聯集，事件循環中窮舉匹配）
type command interface{ roomCommand() }

type joinCmd struct {
	conn         Connection
	clientVector []byte
	reply        chan error
}

type leaveCmd struct{ connectionID string }

type updateCmd struct {
	connectionID string
	payload      []byte
}

type cursorCmd struct {
	connectionID string
	position     *protocol.CursorPosition
	selection    *protocol.SelectionRange
}

type stopCmd struct{ reply chan bool }

func (joinCmd) roomCommand()   {}
func (leaveCmd) roomCommand()  {}
func (updateCmd) roomCommand() {}
func (cursorCmd) roomCommand() {}
func (stopCmd) roomCommand()   {}

// Options 房間行為配置
type Options struct {
	MaxEditors       int           // 並發編輯者上限（以不同用戶計）
	SnapshotInterval time.Duration // 快照持久化週期
}

// Room 單份筆記的協作房間。
//
// 所有狀態只被 run loop 這一個 goroutine 觸碰；
// 對外方法只是把命令投進信箱。
type Room struct {
	noteID  string
	mailbox chan command
	done    chan struct{}

	doc      *crdt.Document
	members  map[string]*member // connectionID → member
	presence *presenceTracker

	store  store.DocumentStore
	audit  audit.Publisher
	logger *slog.Logger
	opts   Options

	dirty   int  // 距上次快照已整合的操作數
	loadErr bool // 持久化狀態載入失敗（sticky，房間重建時重試）

	createdAt   time.Time
	memberCount atomic.Int32
	emptySince  atomic.Int64 // 房間變空的時間（UnixNano），0 表示有成員
}

// newRoom 建立房間並啟動 actor。由 Registry 呼叫。
func newRoom(noteID string, st store.DocumentStore, pub audit.Publisher, opts Options, logger *slog.Logger) *Room {
	rm := &Room{
		noteID:    noteID,
		mailbox:   make(chan command, 256),
		done:      make(chan struct{}),
		doc:       crdt.NewDocument(noteID),
		members:   make(map[string]*member),
		presence:  newPresenceTracker(),
		store:     st,
		audit:     pub,
		logger:    logger.With("note_id", noteID),
		opts:      opts,
		createdAt: time.Now(),
	}
	rm.emptySince.Store(rm.createdAt.UnixNano())

	go rm.run()
	return rm
}

// NoteID 返回房間所屬筆記。
func (rm *Room) NoteID() string { return rm.noteID }

// MemberCount 當前連接數（跨 goroutine 可讀）。
func (rm *Room) MemberCount() int { return int(rm.memberCount.Load()) }

// idleSince 返回房間變空的時間。第二個返回值為 false 表示房間有成員。
func (rm *Room) idleSince() (time.Time, bool) {
	ns := rm.emptySince.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Join 將連接加入房間：准入檢查、在場登記、初始同步，
// 三者在 actor 中作為單一步驟執行，成員數永遠不會超過上限。
//
// clientVector 是客戶端已知狀態的編碼向量（可為 nil，表示全新客戶端）。
func (rm *Room) Join(conn Connection, clientVector []byte) error {
	reply := make(chan error, 1)
	if !rm.post(joinCmd{conn: conn, clientVector: clientVector, reply: reply}) {
		return ErrRoomClosed
	}
	select {
	case err := <-reply:
		return err
	case <-rm.done:
		return ErrRoomClosed
	}
}

// Leave 將連接移出房間（優雅離開與異常斷線共用同一路徑）。
func (rm *Room) Leave(connectionID string) {
	rm.post(leaveCmd{connectionID: connectionID})
}

// ApplyUpdate 合併一筆已解碼的二進制更新並轉發給其他成員。
func (rm *Room) ApplyUpdate(connectionID string, payload []byte) {
	rm.post(updateCmd{connectionID: connectionID, payload: payload})
}

// UpdateCursor 更新游標並廣播（last-write-wins，不合併）。
func (rm *Room) UpdateCursor(connectionID string, pos *protocol.CursorPosition, sel *protocol.SelectionRange) {
	rm.post(cursorCmd{connectionID: connectionID, position: pos, selection: sel})
}

// Stop 嘗試銷毀房間：持久化最終快照後終止 actor。
// 房間仍有成員時拒絕銷毀並返回 false（與 join 競態的保護）。
func (rm *Room) Stop() bool {
	reply := make(chan bool, 1)
	if !rm.post(stopCmd{reply: reply}) {
		return true // 已經關閉
	}
	select {
	case stopped := <-reply:
		return stopped
	case <-rm.done:
		return true
	}
}

// post 投遞命令。房間已關閉時返回 false。
func (rm *Room) post(cmd command) bool {
	select {
	case rm.mailbox <- cmd:
		return true
	case <-rm.done:
		return false
	}
}

// run 房間 actor 的事件循環：所有狀態變更都在這裡串行執行。
func (rm *Room) run() {
	rm.load()

	ticker := time.NewTicker(rm.opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-rm.mailbox:
			switch c := cmd.(type) {
			case joinCmd:
				c.reply <- rm.handleJoin(c)
			case leaveCmd:
				rm.handleLeave(c.connectionID)
			case updateCmd:
				rm.handleUpdate(c)
			case cursorCmd:
				rm.handleCursor(c)
			case stopCmd:
				if len(rm.members) > 0 {
					c.reply <- false
					continue
				}
				rm.persist()
				c.reply <- true
				close(rm.done)
				return
			}
		case <-ticker.C:
			rm.persist()
			rm.resyncStale()
		}
	}
}

// load 從外部存儲恢復持久化狀態。
// 載入失敗（而非「不存在」）時房間拒絕服務，
// 等待 GC 回收後下一次 join 重建重試。
func (rm *Room) load() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := rm.store.Load(ctx, rm.noteID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		rm.logger.Error("load document state failed", "error", err)
		rm.loadErr = true
		return
	}

	if _, err := rm.doc.ApplyUpdate(snap.State); err != nil {
		rm.logger.Error("persisted state is corrupt", "error", err)
		rm.loadErr = true
		return
	}
	rm.logger.Info("document state restored", "updated_at", snap.UpdatedAt)
}

func (rm *Room) handleJoin(c joinCmd) error {
	if rm.loadErr {
		return ErrStoreUnavailable
	}

	clientSV := map[string]uint64{}
	if len(c.clientVector) > 0 {
		decoded, err := crdt.DecodeStateVector(c.clientVector)
		if err != nil {
			return err // crdt.ErrMalformedUpdate → 4220
		}
		clientSV = decoded
	}

	// 同一連接重複加入：同步失敗後的客戶端恢復路徑。
	// 視為重新同步，不重複登記在場，否則單次離開無法歸零計數。
	if m, exists := rm.members[c.conn.ID]; exists {
		m.stale = false
		rm.sendSync(m, clientSV)
		if data, err := protocol.MarshalServerEvent(protocol.EventPresenceList, rm.presence.collaborators()); err == nil {
			rm.send(m, data)
		}
		return nil
	}

	// 准入檢查：以不同用戶計，多分頁不重複佔名額。
	// 檢查與插入在同一個 actor 步驟中，成員數不可能超過上限。
	editors := rm.presence.editorCount()
	if _, present := rm.presence.entries[c.conn.UserID]; !present && editors >= rm.opts.MaxEditors {
		return &LimitError{Current: editors, Max: rm.opts.MaxEditors}
	}

	m := &member{conn: c.conn, joinedAt: time.Now()}
	rm.members[c.conn.ID] = m
	rm.memberCount.Store(int32(len(rm.members)))
	rm.emptySince.Store(0)

	entry, firstConnection := rm.presence.join(c.conn.UserID, c.conn.Username, c.conn.Avatar)

	// 初始同步：帶客戶端向量的最小補差
	rm.sendSync(m, clientSV)

	// 通知既有成員有人加入（同一用戶的第二個分頁不重複廣播）
	if firstConnection {
		collab, _ := rm.presence.collaborator(entry.userID)
		if data, err := protocol.MarshalServerEvent(protocol.EventPresenceJoin, collab); err == nil {
			rm.broadcast(data, c.conn.ID)
		}
	}

	// 給加入者完整在場列表
	if data, err := protocol.MarshalServerEvent(protocol.EventPresenceList, rm.presence.collaborators()); err == nil {
		rm.send(m, data)
	}

	rm.audit.PresenceJoined(rm.noteID, c.conn.UserID)
	rm.logger.Info("member joined",
		"connection_id", c.conn.ID,
		"user_id", c.conn.UserID,
		"editors", rm.presence.editorCount())
	return nil
}

func (rm *Room) handleLeave(connectionID string) {
	m, exists := rm.members[connectionID]
	if !exists {
		return
	}

	delete(rm.members, connectionID)
	rm.memberCount.Store(int32(len(rm.members)))
	if len(rm.members) == 0 {
		rm.emptySince.Store(time.Now().UnixNano())
	}

	if lastConnection := rm.presence.leave(m.conn.UserID); lastConnection {
		payload := protocol.PresenceLeavePayload{UserID: m.conn.UserID}
		if data, err := protocol.MarshalServerEvent(protocol.EventPresenceLeave, payload); err == nil {
			rm.broadcast(data, connectionID)
		}
		rm.audit.PresenceLeft(rm.noteID, m.conn.UserID)
	}

	rm.logger.Info("member left",
		"connection_id", connectionID,
		"user_id", m.conn.UserID,
		"editors", rm.presence.editorCount())

	rm.resyncStale()
}

func (rm *Room) handleUpdate(c updateCmd) {
	m, exists := rm.members[c.connectionID]
	if !exists {
		// 與 leave 競態：更新來自已移除的連接，靜默丟棄
		return
	}

	applied, err := rm.doc.ApplyUpdate(c.payload)
	if err != nil {
		// 非法更新：拒絕且狀態不變，連接保持開啟
		rm.sendError(m, protocol.CodeInvalidPayload, nil)
		rm.audit.ErrorOccurred(rm.noteID, m.conn.UserID, int(protocol.CodeInvalidPayload), string(protocol.CategoryProtocol))
		return
	}
	rm.dirty += applied

	// 以房間到達順序轉發給來源以外的所有成員。
	// CRDT 合併容忍亂序與重複，到達順序即廣播順序。
	payload := protocol.UpdatePayload{
		NoteID: rm.noteID,
		Update: base64.StdEncoding.EncodeToString(c.payload),
	}
	if data, err := protocol.MarshalServerEvent(protocol.EventYjsUpdate, payload); err == nil {
		rm.broadcast(data, c.connectionID)
	}

	// 曾溢出的成員嘗試以完整同步恢復
	rm.resyncStale()
}

func (rm *Room) handleCursor(c cursorCmd) {
	m, exists := rm.members[c.connectionID]
	if !exists {
		return
	}

	if !rm.presence.updateCursor(m.conn.UserID, c.position, c.selection) {
		return
	}

	payload := protocol.CursorBroadcast{
		NoteID:    rm.noteID,
		UserID:    m.conn.UserID,
		Position:  c.position,
		Selection: c.selection,
	}
	if data, err := protocol.MarshalServerEvent(protocol.EventCursorBroadcast, payload); err == nil {
		rm.broadcast(data, c.connectionID)
	}

	rm.resyncStale()
}

// persist 將快照寫入外部存儲（at-least-once：失敗保留 dirty，下個週期重試）。
func (rm *Room) persist() {
	if rm.dirty == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap := &store.Snapshot{
		NoteID:      rm.noteID,
		State:       rm.doc.Snapshot(),
		StateVector: crdt.EncodeStateVector(rm.doc.StateVector()),
	}
	if err := rm.store.Save(ctx, snap); err != nil {
		// 持久化失敗不影響轉發路徑，也不會以合併失敗的形式暴露給客戶端
		rm.logger.Warn("snapshot persist failed, will retry", "error", err)
		return
	}
	rm.dirty = 0
	rm.logger.Debug("snapshot persisted")
}

// sendSync 發送完整補差同步（初始同步與強制重新同步共用）。
func (rm *Room) sendSync(m *member, clientSV map[string]uint64) bool {
	payload := protocol.SyncPayload{
		NoteID:      rm.noteID,
		Update:      base64.StdEncoding.EncodeToString(rm.doc.DiffSince(clientSV)),
		StateVector: base64.StdEncoding.EncodeToString(crdt.EncodeStateVector(rm.doc.StateVector())),
	}
	data, err := protocol.MarshalServerEvent(protocol.EventYjsSync, payload)
	if err != nil {
		rm.logger.Error("marshal sync payload failed", "error", err)
		return false
	}
	return rm.send(m, data)
}

// sendError 發送映射後的錯誤事件（內部錯誤文字永不外洩）。
func (rm *Room) sendError(m *member, code protocol.ErrorCode, details map[string]any) {
	if data, err := protocol.MarshalServerEvent(protocol.EventError, protocol.NewErrorEvent(code, details)); err == nil {
		rm.send(m, data)
	}
}

// send 非阻塞發送。緩衝溢出時將成員標記為待重新同步。
func (rm *Room) send(m *member, data []byte) bool {
	if m.conn.Sender.Send(data) {
		return true
	}
	if !m.stale {
		m.stale = true
		rm.logger.Warn("send buffer overflow, member marked for resync",
			"connection_id", m.conn.ID,
			"user_id", m.conn.UserID)
	}
	return false
}

// broadcast 發送給來源以外的所有成員。
// 待重新同步的成員跳過增量（他們會收到完整同步）。
func (rm *Room) broadcast(data []byte, excludeConnectionID string) {
	for id, m := range rm.members {
		if id == excludeConnectionID || m.stale {
			continue
		}
		rm.send(m, data)
	}
}

// resyncStale 對溢出過的成員嘗試一次完整同步；
// 成功則回到增量模式，失敗留待下次。
func (rm *Room) resyncStale() {
	for _, m := range rm.members {
		if !m.stale {
			continue
		}
		// 完整狀態冪等，重複應用無害
		if rm.sendSync(m, nil) {
			m.stale = false
			rm.logger.Info("member resynced after overflow", "connection_id", m.conn.ID)
		}
	}
}
