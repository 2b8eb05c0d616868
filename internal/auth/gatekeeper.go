// Package auth 實現連接守門人：在 WebSocket 升級完成前驗證身份。
//
// 系統設計問題：
//
//	身份簽發由外部服務負責，協作服務如何安全地消費它？
//
// 核心挑戰：
//  1. 外部呼叫必須有界：身份服務無回應時要快速失敗（fail closed）
//  2. 失敗分類：缺失 / 無效 / 過期 對應不同的關閉碼（4010/4011/4012）
//  3. handshake 是本組件唯一的掛起點
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-collaborative-editing/internal/protocol"
)

// 驗證失敗的哨兵錯誤
var (
	ErrTokenMissing = errors.New("auth token missing")
	ErrTokenInvalid = errors.New("auth token invalid")
	ErrTokenExpired = errors.New("auth token expired")
	// ErrNoteNotFound 權限服務回報筆記不存在
	ErrNoteNotFound = errors.New("note not found")
)

// Identity 驗證成功後的用戶身份
type Identity struct {
	UserID   string
	Username string
	Avatar   string
}

// IdentityService 外部身份協作者：token → 用戶身份。
type IdentityService interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// NoteAccessService 外部筆記權限協作者：(userID, noteID) → 能否編輯。
type NoteAccessService interface {
	CanEdit(ctx context.Context, userID, noteID string) (bool, error)
}

// Gatekeeper 連接守門人。
//
// 設計考量：
//   - 驗證逾時可配置，預設 5 秒
//   - 逾時 / 外部服務異常一律視為無效 token（fail closed），
//     絕不讓未經驗證的連接通過
type Gatekeeper struct {
	identity IdentityService
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGatekeeper 建立守門人。timeout ≤ 0 時使用預設值。
func NewGatekeeper(identity IdentityService, timeout time.Duration, logger *slog.Logger) *Gatekeeper {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gatekeeper{
		identity: identity,
		timeout:  timeout,
		logger:   logger,
	}
}

// Authenticate 驗證 handshake token。
//
// 這是守門人唯一的掛起點：外部呼叫被 timeout 限制，
// 無論外部服務多慢，handshake 都會在有界時間內結束。
func (g *Gatekeeper) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrTokenMissing
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	identity, err := g.identity.Verify(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			return Identity{}, err
		case errors.Is(err, ErrTokenInvalid):
			return Identity{}, err
		case errors.Is(err, context.DeadlineExceeded):
			// 外部檢查逾時：fail closed
			g.logger.Warn("identity verification timed out", "timeout", g.timeout)
			return Identity{}, fmt.Errorf("%w: verification timed out", ErrTokenInvalid)
		default:
			g.logger.Error("identity verification failed", "error", err)
			return Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}

	if identity.UserID == "" {
		return Identity{}, fmt.Errorf("%w: identity has no user id", ErrTokenInvalid)
	}
	return identity, nil
}

// CloseCode 將驗證錯誤映射為線上關閉碼。
func CloseCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return protocol.CodeAuthTokenMissing
	case errors.Is(err, ErrTokenExpired):
		return protocol.CodeAuthTokenExpired
	default:
		return protocol.CodeAuthTokenInvalid
	}
}
