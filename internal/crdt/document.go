// Package crdt 實現筆記文檔的無衝突複製數據類型（CRDT）。
//
// 系統設計問題：
//
//	多個客戶端同時編輯同一份筆記，如何在沒有中央協調的情況下收斂？
//
// 核心挑戰：
//  1. 交換律 / 結合律 / 冪等性：更新以任意順序、任意重複到達，結果必須一致
//  2. 最小差異同步：新加入的客戶端只應收到它缺少的部分
//  3. 亂序容忍：網絡可能重排消息，合併邏輯不能依賴因果順序送達
//
// 設計方案：
//
//	✅ 以區塊為單位的 LWW（Last-Writer-Wins）映射
//	✅ 每個來源（origin）維護連續遞增的操作序號
//	✅ 狀態向量 origin → 已整合的最高序號，用於計算補差
//	✅ 亂序操作進入待整合緩衝，前驅到齊後自動整合
//
// 衝突裁決：
//
//	同一區塊的併發寫入以 (lamport, origin) 字典序取勝。
//	裁決只依賴操作本身攜帶的資訊，因此任何副本以任何順序
//	合併同一組操作都會得到相同結果。
package crdt

import (
	"fmt"
	"sort"
)

// Op 一筆原子操作：對單一區塊的寫入或刪除。
//
// 序號規則：
//   - Seq 在同一 Origin 內從 1 開始連續遞增
//   - Lamport 是跨來源的邏輯時鐘，用於 LWW 裁決
type Op struct {
	Origin   string  // 產生此操作的副本（通常是 userId 或 clientId）
	Seq      uint64  // 來源內連續序號（1 起始）
	Lamport  uint64  // 邏輯時鐘
	BlockID  string  // 目標區塊
	Position float64 // 區塊在文檔中的排序位置
	Content  string  // 區塊內容（刪除時忽略）
	Deleted  bool    // 墓碑標記
}

// Block 物化後的文檔區塊
type Block struct {
	ID       string  `json:"id"`
	Position float64 `json:"position"`
	Content  string  `json:"content"`
}

// blockState 區塊的 LWW 裁決狀態
type blockState struct {
	content  string
	position float64
	deleted  bool
	lamport  uint64
	origin   string
}

// wins 判斷 (lamport, origin) 是否勝過當前狀態。
// 字典序裁決保證無論合併順序如何，勝者唯一。
func (s blockState) wins(lamport uint64, origin string) bool {
	if lamport != s.lamport {
		return lamport > s.lamport
	}
	return origin > s.origin
}

// Document 單份筆記的權威 CRDT 狀態。
//
// 並發模型：
//
//	Document 本身不加鎖。它被設計為由單一寫者持有
//	（房間 actor），所有變更在房間的信箱中串行執行。
type Document struct {
	noteID  string
	log     map[string][]Op // origin → 已整合操作（按 Seq 排列，連續）
	vector  map[string]uint64
	pending map[string][]Op // origin → 亂序等待的操作（按 Seq 排列）
	blocks  map[string]blockState
	clock   uint64 // 已觀察到的最高 lamport
}

// NewDocument 建立空文檔。
func NewDocument(noteID string) *Document {
	return &Document{
		noteID:  noteID,
		log:     make(map[string][]Op),
		vector:  make(map[string]uint64),
		pending: make(map[string][]Op),
		blocks:  make(map[string]blockState),
	}
}

// NoteID 返回文檔所屬筆記。
func (d *Document) NoteID() string { return d.noteID }

// maxPendingOps 每個來源的待整合緩衝上限。
// 沒有上限時，刻意留下序號間隙的客戶端可以讓緩衝無界增長。
const maxPendingOps = 1 << 12

// ApplyUpdate 合併一筆二進制更新。
//
// 語義保證：
//   - 冪等：Seq ≤ 狀態向量的操作直接忽略
//   - 亂序容忍：出現序號間隙的操作進入 pending，前驅補齊後整合
//   - 原子：解碼失敗或緩衝越界返回 ErrMalformedUpdate，狀態完全不變
//
// 返回實際整合的操作數（重複與仍在 pending 的不計入）。
func (d *Document) ApplyUpdate(data []byte) (int, error) {
	update, err := DecodeUpdate(data)
	if err != nil {
		return 0, err
	}
	byOrigin := groupBySeq(update.Ops)
	if d.pendingOverflow(byOrigin) {
		return 0, fmt.Errorf("%w: pending buffer limit", ErrMalformedUpdate)
	}
	return d.applyOps(byOrigin), nil
}

// groupBySeq 按來源分組並以 Seq 升序排列，供預檢與整合共用。
func groupBySeq(ops []Op) map[string][]Op {
	byOrigin := make(map[string][]Op)
	for _, op := range ops {
		byOrigin[op.Origin] = append(byOrigin[op.Origin], op)
	}
	for _, group := range byOrigin {
		sort.Slice(group, func(i, j int) bool { return group[i].Seq < group[j].Seq })
	}
	return byOrigin
}

// pendingOverflow 預檢整批操作：整合後某來源的待整合佇列
// 若會超過上限，整筆更新在任何狀態變更前被拒絕。
func (d *Document) pendingOverflow(byOrigin map[string][]Op) bool {
	for origin, group := range byOrigin {
		existing := d.pending[origin]
		next := d.vector[origin] + 1
		idx, pend := 0, len(existing)
		var prev uint64
		for _, op := range group {
			if op.Seq < next || op.Seq == prev {
				continue
			}
			prev = op.Seq
			if op.Seq == next {
				next++
				// 既有佇列中銜接上的後繼會在整合時一併排空
				for idx < len(existing) && existing[idx].Seq <= next {
					if existing[idx].Seq == next {
						next++
					}
					pend--
					idx++
				}
				continue
			}
			pend++
			if pend > maxPendingOps {
				return true
			}
		}
	}
	return false
}

// applyOps 整合一組已分組排序的操作（已通過解碼與緩衝預檢）。
func (d *Document) applyOps(byOrigin map[string][]Op) int {
	applied := 0
	for origin, group := range byOrigin {
		for _, op := range group {
			switch {
			case op.Seq <= d.vector[origin]:
				// 已整合過，冪等忽略
			case op.Seq == d.vector[origin]+1:
				d.integrate(op)
				applied++
			default:
				d.buffer(op)
			}
		}
		// 前驅補齊後，pending 中可能有可整合的後繼
		applied += d.drainPending(origin)
	}
	return applied
}

// integrate 將下一筆連續操作納入權威狀態。
func (d *Document) integrate(op Op) {
	d.log[op.Origin] = append(d.log[op.Origin], op)
	d.vector[op.Origin] = op.Seq
	if op.Lamport > d.clock {
		d.clock = op.Lamport
	}

	cur, exists := d.blocks[op.BlockID]
	if !exists || cur.wins(op.Lamport, op.Origin) {
		d.blocks[op.BlockID] = blockState{
			content:  op.Content,
			position: op.Position,
			deleted:  op.Deleted,
			lamport:  op.Lamport,
			origin:   op.Origin,
		}
	}
}

// buffer 暫存出現序號間隙的操作（去重後按 Seq 插入）。
func (d *Document) buffer(op Op) {
	queue := d.pending[op.Origin]
	i := sort.Search(len(queue), func(i int) bool { return queue[i].Seq >= op.Seq })
	if i < len(queue) && queue[i].Seq == op.Seq {
		return
	}
	queue = append(queue, Op{})
	copy(queue[i+1:], queue[i:])
	queue[i] = op
	d.pending[op.Origin] = queue
}

// drainPending 嘗試整合 pending 中已可連續銜接的操作。
func (d *Document) drainPending(origin string) int {
	queue := d.pending[origin]
	applied := 0
	for len(queue) > 0 {
		next := queue[0]
		if next.Seq <= d.vector[origin] {
			queue = queue[1:] // 遲到的重複
			continue
		}
		if next.Seq != d.vector[origin]+1 {
			break
		}
		d.integrate(next)
		applied++
		queue = queue[1:]
	}
	if len(queue) == 0 {
		delete(d.pending, origin)
	} else {
		d.pending[origin] = queue
	}
	return applied
}

// SetBlock 以本地身份寫入區塊，返回可廣播的編碼更新。
// 主要由測試與嵌入式客戶端使用；服務端房間只做合併。
func (d *Document) SetBlock(origin, blockID string, position float64, content string) []byte {
	op := Op{
		Origin:   origin,
		Seq:      d.vector[origin] + 1,
		Lamport:  d.clock + 1,
		BlockID:  blockID,
		Position: position,
		Content:  content,
	}
	d.integrate(op)
	return EncodeUpdate(Update{Ops: []Op{op}})
}

// DeleteBlock 以本地身份刪除區塊（寫入墓碑）。
func (d *Document) DeleteBlock(origin, blockID string) []byte {
	op := Op{
		Origin:  origin,
		Seq:     d.vector[origin] + 1,
		Lamport: d.clock + 1,
		BlockID: blockID,
		Deleted: true,
	}
	d.integrate(op)
	return EncodeUpdate(Update{Ops: []Op{op}})
}

// StateVector 返回狀態向量的副本。
// 向量條目單調不減：整合只會推進序號，永不回退。
func (d *Document) StateVector() map[string]uint64 {
	sv := make(map[string]uint64, len(d.vector))
	for origin, seq := range d.vector {
		sv[origin] = seq
	}
	return sv
}

// DiffSince 計算補差更新：對方缺少的所有已整合操作。
//
// 這是初始同步的核心：
//
//	client ──攜帶自身狀態向量──▶ server
//	server ──DiffSince(向量)──▶ client（最小差異）
func (d *Document) DiffSince(remote map[string]uint64) []byte {
	var ops []Op
	origins := make([]string, 0, len(d.log))
	for origin := range d.log {
		origins = append(origins, origin)
	}
	sort.Strings(origins) // 輸出確定性（便於測試與快照比對）

	for _, origin := range origins {
		known := remote[origin]
		for _, op := range d.log[origin] {
			if op.Seq > known {
				ops = append(ops, op)
			}
		}
	}
	return EncodeUpdate(Update{Ops: ops})
}

// Snapshot 返回完整狀態的編碼更新（等價於對空向量補差）。
func (d *Document) Snapshot() []byte {
	return d.DiffSince(nil)
}

// Content 物化當前文檔內容：按位置排序的存活區塊。
func (d *Document) Content() []Block {
	blocks := make([]Block, 0, len(d.blocks))
	for id, st := range d.blocks {
		if st.deleted {
			continue
		}
		blocks = append(blocks, Block{ID: id, Position: st.position, Content: st.content})
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Position != blocks[j].Position {
			return blocks[i].Position < blocks[j].Position
		}
		return blocks[i].ID < blocks[j].ID
	})
	return blocks
}

// PendingCount 返回等待前驅的操作數（監控用）。
func (d *Document) PendingCount() int {
	n := 0
	for _, queue := range d.pending {
		n += len(queue)
	}
	return n
}
