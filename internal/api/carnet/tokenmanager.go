package carnet

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 登录跳转 URL 里可能出现的错误标记
const (
	markerConsentRequired = "error=consent_required"
	markerBadPassword     = "login.error.password_invalid"
	markerThrottled       = "login.error.throttled"
	markerDataPrivacy     = "updated=dataprivacy"
)

// TokenManager 编排登录流程、凭证组和提权令牌缓存
// 共享同一 tokenSetID 的账号和车辆会从不同线程并发调用，所有操作内部加锁
type TokenManager struct {
	logger *zap.Logger
	http   Transport
	store  *TokenStore

	mu       sync.Mutex
	security map[string]*SecurityTokenCache
}

// NewTokenManager 创建 TokenManager
func NewTokenManager(logger *zap.Logger, http Transport, store *TokenStore) *TokenManager {
	return &TokenManager{
		logger:   logger,
		http:     http,
		store:    store,
		security: make(map[string]*SecurityTokenCache),
	}
}

// Store 返回底层凭证库
func (m *TokenManager) Store() *TokenStore {
	return m.store
}

// securityCache 取 tokenSetID 对应的提权令牌缓存，不存在则创建
func (m *TokenManager) securityCache(tokenSetID string) *SecurityTokenCache {
	m.mu.Lock()
	defer m.mu.Unlock()

	cache, ok := m.security[tokenSetID]
	if !ok {
		cache = &SecurityTokenCache{}
		m.security[tokenSetID] = cache
	}
	return cache
}

// CreateAccessToken 返回可用的访问令牌
// 优先用缓存，其次静默刷新，最后才走完整登录
func (m *TokenManager) CreateAccessToken(ctx context.Context, cfg Config) (string, error) {
	set, err := m.store.Get(cfg.TokenSetID)
	if err != nil {
		return "", err
	}

	if set.AccessToken.IsValid() && !set.AccessToken.IsExpired() {
		return set.AccessToken.AccessToken, nil
	}

	if ok, _ := m.refreshToken(ctx, cfg, set.AccessToken); ok {
		if set, err = m.store.Get(cfg.TokenSetID); err == nil && set.AccessToken.IsValid() {
			return set.AccessToken.AccessToken, nil
		}
	}

	m.logger.Info("Access token unavailable, performing full login", zap.String("user", cfg.User))
	newSet, err := m.login(ctx, cfg)
	if err != nil {
		return "", err
	}
	if err := m.store.Replace(cfg.TokenSetID, newSet); err != nil {
		return "", err
	}
	return newSet.AccessToken.AccessToken, nil
}

// CreateIDToken 确保 id token 可用并返回
// 失效时先作废访问令牌再走完整登录
func (m *TokenManager) CreateIDToken(ctx context.Context, cfg Config) (string, error) {
	set, err := m.store.Get(cfg.TokenSetID)
	if err != nil {
		return "", err
	}

	if set.IDToken.IsValid() && !set.IDToken.IsExpired() {
		return set.IDToken.IDToken, nil
	}

	invalidated := *set
	invalidated.AccessToken.Invalidate()
	if err := m.store.Replace(cfg.TokenSetID, &invalidated); err != nil {
		return "", err
	}

	if _, err := m.CreateAccessToken(ctx, cfg); err != nil {
		return "", err
	}
	set, err = m.store.Get(cfg.TokenSetID)
	if err != nil {
		return "", err
	}
	if !set.IDToken.IsValid() {
		return "", securityError("login did not yield an id token")
	}
	return set.IDToken.IDToken, nil
}

// CreateProfileToken 返回访问用户档案接口所需的令牌
func (m *TokenManager) CreateProfileToken(ctx context.Context, cfg Config) (string, error) {
	return m.CreateIDToken(ctx, cfg)
}

// UserIdentity 从 id token 的 sub 声明里取用户身份标识
func (m *TokenManager) UserIdentity(ctx context.Context, cfg Config) (string, error) {
	idToken, err := m.CreateIDToken(ctx, cfg)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{}
	// 不校验签名，只解包声明；身份真伪由后续 API 调用裁决
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return "", protocolError("decode id token: %v", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", protocolError("id token has no subject claim")
	}
	return sub, nil
}

// CreateSecurityToken 获取特权操作所需的提权令牌
// 同一服务命中缓存直接复用，否则走 S-PIN 挑战/应答
func (m *TokenManager) CreateSecurityToken(ctx context.Context, cfg Config, service, action string) (string, error) {
	if cfg.SPin == "" {
		return "", securityError("action %s.%s requires the S-PIN, but it is not configured", service, action)
	}

	cache := m.securityCache(cfg.TokenSetID)
	if tok, ok := cache.Get(service); ok {
		return tok.SecurityToken, nil
	}

	accessToken, err := m.CreateAccessToken(ctx, cfg)
	if err != nil {
		return "", err
	}
	headers := map[string]string{
		"Authorization": "Bearer " + accessToken,
		"Accept":        "application/json",
		"User-Agent":    userAgent,
	}

	challengeURL := fmt.Sprintf(
		"%s/rolesrights/authorization/v2/vehicles/%s/services/%s/operations/%s/security-pin-auth-requested",
		cfg.SecurityURL, cfg.VIN, service, action)
	res, err := m.http.Get(ctx, challengeURL, headers)
	if err != nil {
		return "", transientError("security token challenge: %v", err)
	}
	if res.Status != 200 {
		return "", securityError("security token challenge rejected with status %d", res.Status)
	}

	var info securityPinAuthInfo
	if err := json.Unmarshal([]byte(res.Body), &info); err != nil {
		return "", protocolError("decode pin challenge: %v", err)
	}
	challenge := info.SecurityPinAuthInfo.SecurityPinTransmission.Challenge
	if challenge == "" {
		return "", protocolError("pin challenge response carries no challenge")
	}

	hash, err := securityPinHash(cfg.SPin, challenge)
	if err != nil {
		return "", err
	}

	payload := map[string]interface{}{
		"securityPinAuthentication": map[string]interface{}{
			"securityPin": map[string]string{
				"challenge":       challenge,
				"securityPinHash": hash,
			},
			"securityToken": info.SecurityPinAuthInfo.SecurityToken,
		},
	}
	body, _ := json.Marshal(payload)
	headers["Content-Type"] = "application/json"
	res, err = m.http.Post(ctx, cfg.SecurityURL+"/rolesrights/authorization/v2/security-pin-auth-completed", headers, string(body))
	if err != nil {
		return "", transientError("security token exchange: %v", err)
	}

	var tokenRes securityTokenResponse
	if err := json.Unmarshal([]byte(res.Body), &tokenRes); err != nil {
		return "", protocolError("decode security token: %v", err)
	}
	if tokenRes.Token == "" {
		return "", securityError("pin challenge exchange yielded no token")
	}

	tok := Token{
		SecurityToken: tokenRes.Token,
		AuthType:      AuthSecurity,
		Service:       service,
	}
	expires := tokenRes.ExpiresIn
	if expires == 0 {
		expires = defaultValiditySec
	}
	tok.SetValidity(expires)
	cache.Add(tok)

	m.logger.Debug("Created security token",
		zap.String("vin", cfg.VIN),
		zap.String("service", service),
		zap.String("action", action))
	return tok.SecurityToken, nil
}

// RefreshTokens 刷新访问令牌和全部提权令牌
// 单个提权令牌刷新失败只把它移出缓存，不影响整体结果
func (m *TokenManager) RefreshTokens(ctx context.Context, cfg Config) bool {
	set, err := m.store.Get(cfg.TokenSetID)
	if err != nil {
		m.logger.Warn("Refresh skipped, unknown token set", zap.String("token_set_id", cfg.TokenSetID))
		return false
	}

	ok, err := m.refreshToken(ctx, cfg, set.AccessToken)
	if err != nil {
		m.logger.Debug("Access token refresh failed", zap.Error(err))
	}

	cache := m.securityCache(cfg.TokenSetID)
	for _, tok := range cache.Snapshot() {
		if !tok.IsExpired() {
			continue
		}
		// 提权令牌没有刷新凭据，过期即丢弃，下次按需重新换取
		m.logger.Debug("Dropping expired security token", zap.String("service", tok.Service))
		cache.Remove(tok.Service)
	}
	return ok
}

// refreshToken 尝试静默刷新
// 已显式作废或没有刷新凭据时不做任何事；
// 刷新失败只在令牌本就过期时才作废，未过期的令牌在自身超时前仍然可用
func (m *TokenManager) refreshToken(ctx context.Context, cfg Config, tok Token) (bool, error) {
	if !tok.IsValid() || tok.RefreshToken == "" {
		return false, nil
	}
	if !tok.IsExpired() {
		return true, nil
	}

	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", tok.RefreshToken)
	values.Set("scope", "sc2:fal")
	headers := map[string]string{
		"Content-Type":  "application/x-www-form-urlencoded",
		"User-Agent":    userAgent,
		"X-App-Name":    cfg.XAppName,
		"X-App-Version": cfg.XAppVersion,
	}

	refreshURL := cfg.RefreshURL
	if refreshURL == "" {
		refreshURL = cfg.TokenURL
	}
	res, err := m.http.Post(ctx, refreshURL, headers, values.Encode())
	if err != nil || res.Status != 200 {
		m.expireFailedRefresh(cfg, tok)
		if err != nil {
			return false, transientError("token refresh: %v", err)
		}
		return false, transientError("token refresh rejected with status %d", res.Status)
	}

	var tr tokenResponse
	if err := json.Unmarshal([]byte(res.Body), &tr); err != nil {
		m.expireFailedRefresh(cfg, tok)
		return false, protocolError("decode refresh response: %v", err)
	}
	if tr.AccessToken == "" {
		m.expireFailedRefresh(cfg, tok)
		return false, protocolError("refresh response carries no access token")
	}

	set, err := m.store.Get(cfg.TokenSetID)
	if err != nil {
		return false, err
	}
	updated := *set
	refreshed := Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tok.RefreshToken,
		AuthType:     AuthBearer,
	}
	if tr.RefreshToken != "" {
		refreshed.RefreshToken = tr.RefreshToken
	}
	refreshed.SetValidity(tr.ExpiresIn)
	updated.AccessToken = refreshed
	if err := m.store.Replace(cfg.TokenSetID, &updated); err != nil {
		return false, err
	}

	m.logger.Debug("Refreshed access token", zap.String("token_set_id", cfg.TokenSetID))
	return true, nil
}

// expireFailedRefresh 刷新失败后，只作废已过期的令牌
func (m *TokenManager) expireFailedRefresh(cfg Config, tok Token) {
	if !tok.IsExpired() {
		return
	}
	set, err := m.store.Get(cfg.TokenSetID)
	if err != nil {
		return
	}
	updated := *set
	updated.AccessToken.Invalidate()
	if err := m.store.Replace(cfg.TokenSetID, &updated); err != nil {
		m.logger.Debug("Unable to invalidate token after failed refresh", zap.Error(err))
	}
}

// login 执行完整的多步网页登录并换取访问令牌
func (m *TokenManager) login(ctx context.Context, cfg Config) (*TokenSet, error) {
	flow := NewOAuthFlow(m.logger, m.http)
	flow.Header("User-Agent", userAgent).
		Header("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	// 第 1 步：请求 authorize 端点，换取去身份源的跳转
	authURL := fmt.Sprintf("%s?client_id=%s&scope=%s&response_type=%s&redirect_uri=%s&state=%s&nonce=%s",
		cfg.AuthorizeURL,
		url.QueryEscape(cfg.ClientID),
		url.QueryEscape(cfg.Scope),
		url.QueryEscape(cfg.ResponseType),
		url.QueryEscape(cfg.RedirectURI),
		uuid.NewString(), uuid.NewString())
	authURL, err := flow.AddCodeChallenge(authURL)
	if err != nil {
		return nil, err
	}
	if _, err := flow.Get(ctx, authURL); err != nil {
		return nil, err
	}
	if err := checkLoginError(flow.Location); err != nil {
		return nil, err
	}

	// 第 2/3 步：进入登录页，提取 csrf/relayState/hmac
	if _, err := flow.Follow(ctx); err != nil {
		return nil, err
	}
	if flow.CSRF == "" || flow.RelayState == "" || flow.HMAC == "" {
		return nil, protocolError("sign-in page is missing csrf/relayState/hmac markers")
	}

	// 第 4 步：提交邮箱
	flow.ClearData().
		Data("_csrf", flow.CSRF).
		Data("relayState", flow.RelayState).
		Data("hmac", flow.HMAC).
		Data("email", cfg.User)
	if _, err := flow.Post(ctx, identifierURL(cfg), false); err != nil {
		return nil, err
	}
	if flow.Location == "" {
		return nil, protocolError("no redirect after submitting identifier")
	}

	// 第 5 步：进入密码页，重取标记后提交密码
	if _, err := flow.Follow(ctx); err != nil {
		return nil, err
	}
	if flow.CSRF == "" || flow.RelayState == "" || flow.HMAC == "" {
		return nil, protocolError("password page is missing csrf/relayState/hmac markers")
	}
	flow.ClearData().
		Data("_csrf", flow.CSRF).
		Data("relayState", flow.RelayState).
		Data("hmac", flow.HMAC).
		Data("email", cfg.User).
		Data("password", cfg.Password)
	if _, err := flow.Post(ctx, authenticateURL(cfg), false); err != nil {
		return nil, err
	}
	if err := checkLoginError(flow.Location); err != nil {
		return nil, err
	}

	// 第 6 步：继续跟随跳转，沿途收集 token，最多 maxLoginRedirects 跳
	// 捕获 Location 时其携带的 query/fragment 参数已被提取，
	// 到达应用回调地址即可停下
	for i := 0; flow.AccessToken == "" && !strings.HasPrefix(flow.Location, cfg.RedirectURI); i++ {
		if i >= maxLoginRedirects {
			return nil, protocolError("login walk exhausted %d redirects without token", maxLoginRedirects)
		}
		if flow.Location == "" {
			return nil, protocolError("login walk stalled without redirect after %d hops", i)
		}
		if _, err := flow.Follow(ctx); err != nil {
			return nil, err
		}
		if err := checkLoginError(flow.Location); err != nil {
			return nil, err
		}
	}
	if flow.IDToken == "" && flow.AccessToken == "" {
		return nil, protocolError("login walk finished without harvesting a token")
	}

	// 第 7 步：用收集到的 id token 换取厂商访问令牌
	access, err := m.exchangeToken(ctx, cfg, flow)
	if err != nil {
		return nil, err
	}

	set := &TokenSet{CSRF: flow.CSRF}
	set.AccessToken = access

	idTok := Token{IDToken: flow.IDToken, AuthType: AuthBearer}
	expires := flow.ExpiresIn
	if expires == 0 {
		expires = defaultValiditySec
	}
	idTok.SetValidity(expires)
	set.IDToken = idTok

	m.logger.Info("Login walk completed", zap.String("user", cfg.User))
	return set, nil
}

// exchangeToken 两种交换协议之一：token 端点 grant_type=id_token，或厂商登录 POST
func (m *TokenManager) exchangeToken(ctx context.Context, cfg Config, flow *OAuthFlow) (Token, error) {
	if flow.IDToken == "" && flow.AccessToken == "" {
		return Token{}, securityError("login yielded neither id token nor access token")
	}

	headers := map[string]string{
		"User-Agent":    userAgent,
		"X-App-Name":    cfg.XAppName,
		"X-App-Version": cfg.XAppVersion,
		"Accept":        "application/json",
	}

	var body string
	switch cfg.Exchange {
	case ExchangeLogin:
		values := url.Values{}
		values.Set("state", flow.State)
		values.Set("id_token", flow.IDToken)
		values.Set("access_token", flow.AccessToken)
		values.Set("authorizationCode", flow.Code)
		body = values.Encode()
	default:
		values := url.Values{}
		values.Set("grant_type", "id_token")
		values.Set("token", flow.IDToken)
		values.Set("scope", "sc2:fal")
		if flow.CodeVerifier != "" {
			values.Set("code_verifier", flow.CodeVerifier)
		}
		body = values.Encode()
	}
	headers["Content-Type"] = "application/x-www-form-urlencoded"

	res, err := m.http.Post(ctx, cfg.TokenURL, headers, body)
	if err != nil {
		return Token{}, transientError("token exchange: %v", err)
	}
	if res.Status != 200 {
		return Token{}, securityError("token exchange rejected with status %d", res.Status)
	}

	var tr tokenResponse
	if err := json.Unmarshal([]byte(res.Body), &tr); err != nil {
		return Token{}, protocolError("decode exchange response: %v", err)
	}
	if tr.AccessToken == "" {
		return Token{}, securityError("token exchange yielded no access token")
	}

	tok := Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		AuthType:     AuthBearer,
	}
	expires := tr.ExpiresIn
	if expires == 0 {
		expires = defaultValiditySec
	}
	tok.SetValidity(expires)
	return tok, nil
}

// checkLoginError 把跳转地址里的已知错误标记翻译成安全类错误
// 这些错误都是终态，流程自身不重试
func checkLoginError(location string) error {
	switch {
	case strings.Contains(location, markerConsentRequired):
		description := "consent required"
		if u, err := url.Parse(location); err == nil {
			if d := u.Query().Get("error_description"); d != "" {
				description = d
			}
		}
		return securityError("login requires consent: %s", description)
	case strings.Contains(location, markerBadPassword):
		return securityError("invalid password")
	case strings.Contains(location, markerThrottled):
		return securityError("account is throttled, too many login attempts")
	case strings.Contains(location, markerDataPrivacy):
		return securityError("data privacy terms must be accepted in the vendor portal")
	}
	return nil
}

// securityPinHash 计算 SHA-512(pin || challenge)，输入按十六进制解码
func securityPinHash(pin, challenge string) (string, error) {
	pinBytes, err := hex.DecodeString(pin)
	if err != nil {
		return "", securityError("S-PIN must be hexadecimal digits")
	}
	challengeBytes, err := hex.DecodeString(challenge)
	if err != nil {
		return "", protocolError("pin challenge is not hexadecimal")
	}
	sum := sha512.Sum512(append(pinBytes, challengeBytes...))
	return strings.ToUpper(hex.EncodeToString(sum[:])), nil
}

func identifierURL(cfg Config) string {
	return fmt.Sprintf("%s/signin-service/v1/%s/login/identifier", cfg.IssuerURL, cfg.ClientID)
}

func authenticateURL(cfg Config) string {
	return fmt.Sprintf("%s/signin-service/v1/%s/login/authenticate", cfg.IssuerURL, cfg.ClientID)
}
