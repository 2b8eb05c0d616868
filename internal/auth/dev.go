package auth

import "context"

// PassthroughIdentityService 本地開發用身份服務：
// token 直接作為用戶 ID，不做任何驗證。
// 只在未配置外部身份服務時使用，啟動時會記錄警告。
type PassthroughIdentityService struct{}

func (PassthroughIdentityService) Verify(_ context.Context, token string) (Identity, error) {
	return Identity{UserID: token, Username: token}, nil
}

// AllowAllAccessService 本地開發用權限服務：所有人可編輯所有筆記。
type AllowAllAccessService struct{}

func (AllowAllAccessService) CanEdit(context.Context, string, string) (bool, error) {
	return true, nil
}
