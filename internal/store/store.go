// Package store 實作文檔狀態的持久化橋接。
//
// 設計考量：
//   - 持久化是異步、至少一次（at-least-once）的：房間定期寫入快照，
//     失敗時記錄並在下個週期重試，永遠不會以合併失敗的形式暴露給客戶端
//   - 儲存引擎內部不在本服務範圍內：這裡只是對外部文檔存儲的薄橋接
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound 表示筆記尚無持久化狀態（首次協作是正常情況）。
var ErrNotFound = errors.New("document state not found")

// Snapshot 一份筆記的持久化快照：完整狀態 + 狀態向量。
type Snapshot struct {
	NoteID      string
	State       []byte // 編碼後的完整 CRDT 狀態
	StateVector []byte // 編碼後的狀態向量
	UpdatedAt   time.Time
}

// DocumentStore 外部文檔存儲協作者。
type DocumentStore interface {
	// Load 讀取快照。筆記不存在時返回 ErrNotFound。
	Load(ctx context.Context, noteID string) (*Snapshot, error)
	// Save 寫入（覆蓋）快照。
	Save(ctx context.Context, snapshot *Snapshot) error
}

// MemoryStore 內存實現，用於測試與無持久化的單機運行。
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryStore 建立內存存儲。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot)}
}

// Load 實現 DocumentStore。
func (m *MemoryStore) Load(_ context.Context, noteID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, exists := m.snapshots[noteID]
	if !exists {
		return nil, ErrNotFound
	}
	// 返回副本，避免呼叫方修改內部狀態
	out := snap
	out.State = append([]byte(nil), snap.State...)
	out.StateVector = append([]byte(nil), snap.StateVector...)
	return &out, nil
}

// Save 實現 DocumentStore。
func (m *MemoryStore) Save(_ context.Context, snapshot *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := *snapshot
	saved.State = append([]byte(nil), snapshot.State...)
	saved.StateVector = append([]byte(nil), snapshot.StateVector...)
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = time.Now()
	}
	m.snapshots[snapshot.NoteID] = saved
	return nil
}
