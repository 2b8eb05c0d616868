package protocol

import (
	"time"
)

// ErrorCode 線上錯誤碼。
//
// 這些數值同時用於兩個場景：
//   - handshake 失敗時作為 WebSocket 關閉碼（4xxx 落在自定義範圍）
//   - 會話內失敗時作為 error 事件的 code 欄位
//
// 數值是對外契約，永遠不能變動。
type ErrorCode int

const (
	// 認證錯誤（401x）
	CodeAuthTokenMissing ErrorCode = 4010
	CodeAuthTokenInvalid ErrorCode = 4011
	CodeAuthTokenExpired ErrorCode = 4012

	// 權限與准入錯誤（403x）
	CodePermissionDenied       ErrorCode = 4030
	CodeRateLimitExceeded      ErrorCode = 4031
	CodeConcurrentLimitReached ErrorCode = 4032

	// 協議與業務錯誤（422x）
	CodeInvalidPayload  ErrorCode = 4220
	CodeNoteNotFound    ErrorCode = 4221
	CodeSessionNotFound ErrorCode = 4222

	// 服務端錯誤（500x）
	CodeInternalError ErrorCode = 5000
	CodeDatabaseError ErrorCode = 5001
	CodeSyncFailed    ErrorCode = 5002
)

// Category 錯誤分類（封閉集合）
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryPermission Category = "permission"
	CategoryAdmission  Category = "admission"
	CategoryRateLimit  Category = "ratelimit"
	CategoryProtocol   Category = "protocol"
	CategorySync       Category = "sync"
	CategoryServer     Category = "server"
)

// codeEntry 錯誤碼表的一行
type codeEntry struct {
	category Category
	message  string
	fatal    bool // 致命錯誤在送達後關閉連接；可恢復錯誤保持連接
}

// codeTable 單一真相表。
//
// 致命性判定：
//   - 認證 / 權限 / 准入失敗：連接沒有繼續存在的意義 → 關閉
//   - 速率超限（4031）：丟棄超量事件即可 → 保持連接
//   - 協議錯誤（422x）：客戶端修正後重送 → 保持連接
//   - 同步失敗（5002）：只影響該筆更新，客戶端重新請求初始同步 → 保持連接
//   - 內部 / 資料庫錯誤（5000/5001）：狀態不可信 → 關閉
var codeTable = map[ErrorCode]codeEntry{
	CodeAuthTokenMissing: {CategoryAuth, "No authentication token provided", true},
	CodeAuthTokenInvalid: {CategoryAuth, "Invalid authentication token", true},
	CodeAuthTokenExpired: {CategoryAuth, "Authentication token expired", true},

	CodePermissionDenied:       {CategoryPermission, "No edit permission for this note", true},
	CodeRateLimitExceeded:      {CategoryRateLimit, "Too many events, slow down", false},
	CodeConcurrentLimitReached: {CategoryAdmission, "Maximum concurrent editors reached", true},

	CodeInvalidPayload:  {CategoryProtocol, "Invalid payload", false},
	CodeNoteNotFound:    {CategoryProtocol, "Note not found", false},
	CodeSessionNotFound: {CategoryProtocol, "Session not found", false},

	CodeInternalError: {CategoryServer, "An unexpected error occurred", true},
	CodeDatabaseError: {CategoryServer, "Database operation failed", true},
	CodeSyncFailed:    {CategorySync, "Failed to apply update, request a fresh sync", false},
}

// Category 返回錯誤碼的分類。未知碼視為服務端錯誤。
func (c ErrorCode) Category() Category {
	if e, ok := codeTable[c]; ok {
		return e.category
	}
	return CategoryServer
}

// Message 返回錯誤碼的標準訊息。
//
// 內部錯誤文字永遠不會原樣轉發給客戶端，
// 客戶端只會看到這張表裡的訊息。
func (c ErrorCode) Message() string {
	if e, ok := codeTable[c]; ok {
		return e.message
	}
	return "An unexpected error occurred"
}

// Fatal 判斷錯誤是否在送達後關閉連接。
func (c ErrorCode) Fatal() bool {
	if e, ok := codeTable[c]; ok {
		return e.fatal
	}
	return true
}

// ErrorEvent 統一錯誤事件（不可變值，按需生成）
type ErrorEvent struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Category  Category       `json:"category"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// NewErrorEvent 依錯誤碼表生成錯誤事件。
func NewErrorEvent(code ErrorCode, details map[string]any) ErrorEvent {
	return ErrorEvent{
		Code:      code,
		Message:   code.Message(),
		Category:  code.Category(),
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
