package carnet

import (
	"time"
)

const (
	// 有效期哨兵值，表示令牌被显式作废，只有重新登录才能恢复
	validityInvalid = -1

	// 过期按服务端声明寿命的 80% 计算，留出刷新余量
	validityMargin = 0.8

	// 服务端未声明寿命时的缺省值（秒）
	defaultValiditySec = 3600
)

// 认证方式
const (
	AuthBearer   = "bearer"
	AuthSecurity = "security"
)

// Token 单个凭证（access/id/security），带有效期窗口
// 登录或刷新成功后整体替换，创建后不做逐字段修改
type Token struct {
	IDToken       string `json:"id_token,omitempty"`
	AccessToken   string `json:"access_token,omitempty"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	SecurityToken string `json:"security_token,omitempty"`
	AuthType      string `json:"auth_type,omitempty"`
	Service       string `json:"service,omitempty"`

	ValiditySec int64     `json:"validity_sec"`
	IssuedAt    time.Time `json:"issued_at"`
}

// IsValid 令牌是否可用：至少有一个凭证字段非空且未被作废
func (t *Token) IsValid() bool {
	if t.AccessToken == "" && t.IDToken == "" && t.SecurityToken == "" {
		return false
	}
	return t.ValiditySec != validityInvalid
}

// IsExpired 令牌是否过期；不可用的令牌按已过期处理
func (t *Token) IsExpired() bool {
	if !t.IsValid() {
		return true
	}
	return time.Since(t.IssuedAt) > time.Duration(t.ValiditySec)*time.Second
}

// SetValidity 记录签发时间并按安全系数折算有效期
// 服务端声明 0 等异常值会让令牌立即作废
func (t *Token) SetValidity(serverSeconds int) {
	t.IssuedAt = time.Now()
	t.ValiditySec = int64(float64(serverSeconds) * validityMargin)
	if t.IsExpired() {
		t.Invalidate()
	}
}

// Invalidate 显式作废，强制下次走完整登录；幂等
func (t *Token) Invalidate() {
	t.ValiditySec = validityInvalid
}

// TokenSet 一个账号及其关联车辆共享的凭证组
type TokenSet struct {
	AccessToken Token  `json:"access_token"`
	IDToken     Token  `json:"id_token"`
	CSRF        string `json:"csrf"`
}
