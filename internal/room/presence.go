package room

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/koopa0/system-design/14-collaborative-editing/internal/protocol"
)

// palette 游標顏色盤。
// 顏色在房間內唯一：一個顏色同一時間只屬於一位在場用戶。
var palette = [...]string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7B731", "#5F27CD", "#00D2D3",
	"#FF9FF3", "#54A0FF", "#48DBFB", "#1DD1A1",
}

// presenceEntry 一位在場用戶的狀態（同一用戶多連接共用一筆）
type presenceEntry struct {
	userID      string
	username    string
	avatar      string
	color       string
	position    *protocol.CursorPosition
	selection   *protocol.SelectionRange
	connectedAt time.Time
	connections int // 同一用戶的連接數（多分頁）
}

// presenceTracker 管理房間內的在場狀態與顏色分配。
//
// 只被房間 actor 存取，不需要鎖。
type presenceTracker struct {
	entries map[string]*presenceEntry // userID → entry
	colors  map[string]bool           // 已佔用的顏色
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{
		entries: make(map[string]*presenceEntry),
		colors:  make(map[string]bool),
	}
}

// join 記錄一個連接加入。
// 返回該用戶的在場資訊，以及是否為該用戶的第一個連接。
func (p *presenceTracker) join(userID, username, avatar string) (*presenceEntry, bool) {
	if entry, exists := p.entries[userID]; exists {
		entry.connections++
		return entry, false
	}

	entry := &presenceEntry{
		userID:      userID,
		username:    username,
		avatar:      avatar,
		color:       p.assignColor(userID),
		connectedAt: time.Now(),
		connections: 1,
	}
	p.entries[userID] = entry
	p.colors[entry.color] = true
	return entry, true
}

// leave 記錄一個連接離開。
// 返回是否為該用戶的最後一個連接（此時釋放顏色並移除在場記錄）。
func (p *presenceTracker) leave(userID string) bool {
	entry, exists := p.entries[userID]
	if !exists {
		return false
	}

	entry.connections--
	if entry.connections > 0 {
		return false
	}

	delete(p.colors, entry.color)
	delete(p.entries, userID)
	return true
}

// assignColor 將 userID 雜湊到色盤，線性探測避開已佔用的顏色。
//
// 雜湊起點讓同一用戶跨房間傾向拿到同一顏色；
// 探測保證房間內顏色唯一（在場人數 ≤ 色盤大小時必定找到空位）。
func (p *presenceTracker) assignColor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	start := int(h.Sum32()) % len(palette)
	if start < 0 {
		start += len(palette)
	}

	for i := 0; i < len(palette); i++ {
		color := palette[(start+i)%len(palette)]
		if !p.colors[color] {
			return color
		}
	}
	// 色盤耗盡（在場人數超過色盤大小），退回雜湊起點
	return palette[start]
}

// updateCursor 游標為 last-write-wins：直接覆蓋，不合併。
func (p *presenceTracker) updateCursor(userID string, pos *protocol.CursorPosition, sel *protocol.SelectionRange) bool {
	entry, exists := p.entries[userID]
	if !exists {
		return false
	}
	entry.position = pos
	entry.selection = sel
	return true
}

// editorCount 在場的不同用戶數（准入上限以用戶計，多分頁算一人）。
func (p *presenceTracker) editorCount() int {
	return len(p.entries)
}

// collaborators 返回按加入時間排序的在場列表。
func (p *presenceTracker) collaborators() []protocol.Collaborator {
	list := make([]protocol.Collaborator, 0, len(p.entries))
	for _, e := range p.entries {
		list = append(list, protocol.Collaborator{
			UserID:      e.userID,
			Username:    e.username,
			Avatar:      e.avatar,
			Color:       e.color,
			Position:    e.position,
			Selection:   e.selection,
			ConnectedAt: e.connectedAt,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ConnectedAt.Before(list[j].ConnectedAt)
	})
	return list
}

// collaborator 返回單一用戶的在場資訊。
func (p *presenceTracker) collaborator(userID string) (protocol.Collaborator, bool) {
	e, exists := p.entries[userID]
	if !exists {
		return protocol.Collaborator{}, false
	}
	return protocol.Collaborator{
		UserID:      e.userID,
		Username:    e.username,
		Avatar:      e.avatar,
		Color:       e.color,
		Position:    e.position,
		Selection:   e.selection,
		ConnectedAt: e.connectedAt,
	}, true
}
