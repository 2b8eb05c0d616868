// Package protocol 定義協作服務的 WebSocket 線上協議。
//
// 系統設計問題：
//
//	如何讓客戶端與服務端共享一套穩定的事件與錯誤契約？
//
// 核心挑戰：
//  1. 動態負載：事件的 data 欄位在線上是不定型的 JSON
//  2. 封閉類型：內部邏輯不允許動態類型流竄（需在邊界完成驗證）
//  3. 穩定編碼：錯誤碼是對外契約的一部分，永遠不能變動
//
// 設計方案：
//
//	✅ 信封格式 {event, data} + 邊界解碼為封閉的 tagged union
//	✅ 錯誤碼單一真相表（handshake 關閉碼與會話內錯誤事件共用）
//	✅ 二進制更新以 base64 編碼傳輸
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 客戶端 → 服務端事件
const (
	EventNoteJoin     = "note:join"
	EventNoteLeave    = "note:leave"
	EventYjsUpdate    = "yjs:update"
	EventCursorUpdate = "cursor:update"
)

// 服務端 → 客戶端事件
const (
	EventYjsSync            = "yjs:sync"
	EventPresenceJoin       = "presence:join"
	EventPresenceLeave      = "presence:leave"
	EventPresenceList       = "presence:list"
	EventCursorBroadcast    = "cursor:update"
	EventCollaborationLimit = "collaboration:limit"
	EventError              = "error"
)

// 解析錯誤
var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope 線上信封格式：{"event": "...", "data": {...}}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NoteJoinPayload 加入筆記協作會話
type NoteJoinPayload struct {
	NoteID string `json:"noteId"`
	// StateVector 是客戶端已知狀態的 base64 編碼，可選。
	// 提供時服務端只回傳差異，不提供時回傳完整狀態。
	StateVector string `json:"stateVector,omitempty"`
}

// NoteLeavePayload 離開筆記協作會話
type NoteLeavePayload struct {
	NoteID string `json:"noteId"`
}

// UpdatePayload CRDT 增量更新（base64 編碼的二進制差異）
type UpdatePayload struct {
	NoteID string `json:"noteId"`
	Update string `json:"update"`
}

// CursorPosition 游標位置（以區塊為定位單位）
type CursorPosition struct {
	BlockID string `json:"blockId"`
	Offset  int    `json:"offset"`
}

// SelectionRange 選取範圍
type SelectionRange struct {
	StartBlockID string `json:"startBlockId"`
	StartOffset  int    `json:"startOffset"`
	EndBlockID   string `json:"endBlockId"`
	EndOffset    int    `json:"endOffset"`
}

// CursorPayload 游標與選取更新
type CursorPayload struct {
	NoteID    string          `json:"noteId"`
	Position  *CursorPosition `json:"position,omitempty"`
	Selection *SelectionRange `json:"selection,omitempty"`
}

// ClientMessage 是客戶端事件的封閉聯集。
//
// 設計考量：
//   - 線上契約的 data 欄位是不定型 JSON，但業務邏輯只接受
//     封閉、已驗證的類型
//   - 恰好一個欄位非 nil（由 ParseClientMessage 保證）
type ClientMessage struct {
	Join   *NoteJoinPayload
	Leave  *NoteLeavePayload
	Update *UpdatePayload
	Cursor *CursorPayload
}

// ParseClientMessage 在邊界解碼並驗證客戶端消息。
//
// 驗證規則：
//   - 事件名稱必須是已知的四種之一（否則 ErrUnknownEvent）
//   - data 必須符合對應負載結構且 noteId 非空（否則 ErrInvalidPayload）
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch env.Event {
	case EventNoteJoin:
		var p NoteJoinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.NoteID == "" {
			return ClientMessage{}, fmt.Errorf("%w: note:join requires noteId", ErrInvalidPayload)
		}
		return ClientMessage{Join: &p}, nil

	case EventNoteLeave:
		var p NoteLeavePayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.NoteID == "" {
			return ClientMessage{}, fmt.Errorf("%w: note:leave requires noteId", ErrInvalidPayload)
		}
		return ClientMessage{Leave: &p}, nil

	case EventYjsUpdate:
		var p UpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.NoteID == "" || p.Update == "" {
			return ClientMessage{}, fmt.Errorf("%w: yjs:update requires noteId and update", ErrInvalidPayload)
		}
		return ClientMessage{Update: &p}, nil

	case EventCursorUpdate:
		var p CursorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.NoteID == "" {
			return ClientMessage{}, fmt.Errorf("%w: cursor:update requires noteId", ErrInvalidPayload)
		}
		return ClientMessage{Cursor: &p}, nil

	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// SyncPayload 初始同步回應（yjs:sync）
type SyncPayload struct {
	NoteID      string `json:"noteId"`
	Update      string `json:"update"`      // base64
	StateVector string `json:"stateVector"` // base64
}

// Collaborator 協作者在線狀態（presence:join / presence:list）
type Collaborator struct {
	UserID      string          `json:"userId"`
	Username    string          `json:"username"`
	Avatar      string          `json:"avatar,omitempty"`
	Color       string          `json:"color"`
	Position    *CursorPosition `json:"cursorPosition,omitempty"`
	Selection   *SelectionRange `json:"selection,omitempty"`
	ConnectedAt time.Time       `json:"connectedAt"`
}

// PresenceLeavePayload 協作者離開（presence:leave）
type PresenceLeavePayload struct {
	UserID string `json:"userId"`
}

// CursorBroadcast 游標廣播（附帶來源用戶）
type CursorBroadcast struct {
	NoteID    string          `json:"noteId"`
	UserID    string          `json:"userId"`
	Position  *CursorPosition `json:"position,omitempty"`
	Selection *SelectionRange `json:"selection,omitempty"`
}

// LimitPayload 並發編輯上限回應（collaboration:limit）
type LimitPayload struct {
	Error          string `json:"error"`
	CurrentEditors int    `json:"currentEditors"`
	MaxEditors     int    `json:"maxEditors"`
}

// MarshalServerEvent 編碼服務端事件為線上信封。
func MarshalServerEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
