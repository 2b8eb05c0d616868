package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPIdentityService 透過 HTTP 呼叫外部身份服務。
//
// 協議約定：
//
//	POST {base}/v1/verify  body: {"token": "..."}
//	200 → {"userId": "...", "username": "...", "avatar": "..."}
//	401 → {"reason": "invalid" | "expired"}
type HTTPIdentityService struct {
	baseURL string
	client  *http.Client
}

// NewHTTPIdentityService 建立 HTTP 身份服務客戶端。
func NewHTTPIdentityService(baseURL string) *HTTPIdentityService {
	return &HTTPIdentityService{
		baseURL: baseURL,
		// 客戶端自身也設逾時，避免連接洩漏；
		// 實際的 handshake 上界由 Gatekeeper 的 context 控制
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Reason   string `json:"reason"`
}

// Verify 實現 IdentityService。
func (s *HTTPIdentityService) Verify(ctx context.Context, token string) (Identity, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return Identity{}, fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/verify", bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("call identity service: %w", err)
	}
	defer resp.Body.Close()

	var parsed verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Identity{}, fmt.Errorf("decode verify response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return Identity{UserID: parsed.UserID, Username: parsed.Username, Avatar: parsed.Avatar}, nil
	case http.StatusUnauthorized:
		if parsed.Reason == "expired" {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrTokenInvalid
	default:
		return Identity{}, fmt.Errorf("identity service returned %d", resp.StatusCode)
	}
}

// HTTPNoteAccessService 透過 HTTP 呼叫外部筆記權限服務。
//
// 協議約定：
//
//	GET {base}/v1/notes/{noteId}/access?userId={userId}
//	200 → {"canEdit": true|false}
type HTTPNoteAccessService struct {
	baseURL string
	client  *http.Client
}

// NewHTTPNoteAccessService 建立 HTTP 權限服務客戶端。
func NewHTTPNoteAccessService(baseURL string) *HTTPNoteAccessService {
	return &HTTPNoteAccessService{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type accessResponse struct {
	CanEdit bool `json:"canEdit"`
}

// CanEdit 實現 NoteAccessService。
func (s *HTTPNoteAccessService) CanEdit(ctx context.Context, userID, noteID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/notes/%s/access?userId=%s",
		s.baseURL, url.PathEscape(noteID), url.QueryEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build access request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("call note access service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, fmt.Errorf("note %s: %w", noteID, ErrNoteNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("note access service returned %d", resp.StatusCode)
	}

	var parsed accessResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("decode access response: %w", err)
	}
	return parsed.CanEdit, nil
}
