// Package audit 對外發布在線狀態與錯誤的審計事件流。
//
// 系統設計問題：
//
//	誰加入了哪份筆記、遇到了什麼錯誤，下游（監控、稽核）如何消費？
//
// 設計方案：
//
//	✅ NATS JetStream：持久化事件流，下游可回放
//	✅ 異步發布（PublishAsync）：審計永遠不阻塞房間的轉發路徑
//	✅ 未配置 NATS 時退化為 Nop 實現，核心功能不依賴審計
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// 審計事件主題
const (
	subjectPresenceJoin  = "collab.presence.join"
	subjectPresenceLeave = "collab.presence.leave"
	subjectError         = "collab.error"

	streamName = "COLLAB_AUDIT"
)

// Event 審計事件
type Event struct {
	NoteID    string         `json:"noteId"`
	UserID    string         `json:"userId,omitempty"`
	Code      int            `json:"code,omitempty"`
	Category  string         `json:"category,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher 審計事件發布者。
// 所有方法都是 fire-and-forget：失敗只記錄，不回傳給呼叫路徑。
type Publisher interface {
	PresenceJoined(noteID, userID string)
	PresenceLeft(noteID, userID string)
	ErrorOccurred(noteID, userID string, code int, category string)
	Close()
}

// NopPublisher 未配置審計流時的空實現。
type NopPublisher struct{}

func (NopPublisher) PresenceJoined(string, string)             {}
func (NopPublisher) PresenceLeft(string, string)               {}
func (NopPublisher) ErrorOccurred(string, string, int, string) {}

func (NopPublisher) Close() {}

// NatsPublisher 基於 NATS JetStream 的審計發布者。
type NatsPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// NewNatsPublisher 連接 NATS 並確保審計 Stream 存在。
func NewNatsPublisher(url string, logger *slog.Logger) (*NatsPublisher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	// 冪等建立 Stream：已存在時不報錯
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{"collab.>"},
		MaxAge:   7 * 24 * time.Hour,
		Storage:  nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("ensure audit stream: %w", err)
	}

	return &NatsPublisher{conn: conn, js: js, logger: logger}, nil
}

// PresenceJoined 實現 Publisher。
func (p *NatsPublisher) PresenceJoined(noteID, userID string) {
	p.publish(subjectPresenceJoin, Event{NoteID: noteID, UserID: userID, Timestamp: time.Now()})
}

// PresenceLeft 實現 Publisher。
func (p *NatsPublisher) PresenceLeft(noteID, userID string) {
	p.publish(subjectPresenceLeave, Event{NoteID: noteID, UserID: userID, Timestamp: time.Now()})
}

// ErrorOccurred 實現 Publisher。
func (p *NatsPublisher) ErrorOccurred(noteID, userID string, code int, category string) {
	p.publish(subjectError, Event{
		NoteID:    noteID,
		UserID:    userID,
		Code:      code,
		Category:  category,
		Timestamp: time.Now(),
	})
}

// publish 異步發布，失敗只記錄。
func (p *NatsPublisher) publish(subject string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal audit event failed", "subject", subject, "error", err)
		return
	}
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		p.logger.Warn("publish audit event failed", "subject", subject, "error", err)
	}
}

// Close 排空發送佇列後關閉連接。
func (p *NatsPublisher) Close() {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
	}
	p.conn.Close()
}
