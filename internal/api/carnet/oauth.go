package carnet

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/langchou/cargazer/internal/api/httpc"
)

// 登录跳转步数上限，超出仍未拿到 token 视为失败
const maxLoginRedirects = 10

// OAuthFlow 驱动多步跳转式网页登录
// 每次请求后从响应体和 Location 头里重新提取跟踪字段，
// 缺失的字段保留上一跳的值，跨步骤累积
type OAuthFlow struct {
	logger *zap.Logger
	http   Transport

	headers map[string]string
	data    map[string]string
	lastURL string

	Location      string
	RelayState    string
	CSRF          string
	HMAC          string
	State         string
	UserID        string
	IDToken       string
	AccessToken   string
	ExpiresIn     int
	Code          string
	CodeVerifier  string
	CodeChallenge string
	LastBody      string
}

// NewOAuthFlow 创建登录流程
func NewOAuthFlow(logger *zap.Logger, http Transport) *OAuthFlow {
	return &OAuthFlow{
		logger:  logger,
		http:    http,
		headers: make(map[string]string),
		data:    make(map[string]string),
	}
}

// Header 追加下一次请求的头
func (f *OAuthFlow) Header(key, value string) *OAuthFlow {
	f.headers[key] = value
	return f
}

// ClearHeader 清空已累积的请求头
func (f *OAuthFlow) ClearHeader() *OAuthFlow {
	f.headers = make(map[string]string)
	return f
}

// Data 追加下一次请求的表单字段
func (f *OAuthFlow) Data(key, value string) *OAuthFlow {
	f.data[key] = value
	return f
}

// ClearData 清空已累积的表单字段
func (f *OAuthFlow) ClearData() *OAuthFlow {
	f.data = make(map[string]string)
	return f
}

// Get 按当前累积的请求头执行 GET，然后重新扫描响应
func (f *OAuthFlow) Get(ctx context.Context, target string) (httpc.Response, error) {
	res, err := f.http.Get(ctx, target, f.headers)
	if err != nil {
		return res, transientError("oauth get %s: %v", target, err)
	}
	f.lastURL = target
	f.update(res)
	return res, nil
}

// Post 按当前累积的请求头和表单字段执行 POST，然后重新扫描响应
func (f *OAuthFlow) Post(ctx context.Context, target string, asJSON bool) (httpc.Response, error) {
	var body string
	if asJSON {
		raw, err := json.Marshal(f.data)
		if err != nil {
			return httpc.Response{}, protocolError("encode oauth payload: %v", err)
		}
		body = string(raw)
		f.headers["Content-Type"] = "application/json"
	} else {
		values := url.Values{}
		for k, v := range f.data {
			values.Set(k, v)
		}
		body = values.Encode()
		f.headers["Content-Type"] = "application/x-www-form-urlencoded"
	}

	res, err := f.http.Post(ctx, target, f.headers, body)
	if err != nil {
		return res, transientError("oauth post %s: %v", target, err)
	}
	f.lastURL = target
	f.update(res)
	return res, nil
}

// Follow 跟随上一跳捕获到的 Location
func (f *OAuthFlow) Follow(ctx context.Context) (httpc.Response, error) {
	if f.Location == "" {
		return httpc.Response{}, protocolError("no redirect location pending")
	}
	return f.Get(ctx, f.resolve(f.Location))
}

// resolve 相对 Location 按上一跳地址补全
func (f *OAuthFlow) resolve(location string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}
	base, err := url.Parse(f.lastURL)
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}

// AddCodeChallenge 当目标地址要求 PKCE 时生成 verifier/challenge 并附加
// verifier 留待 token 交换步骤使用
func (f *OAuthFlow) AddCodeChallenge(target string) (string, error) {
	if !strings.Contains(target, "code_challenge") {
		return target, nil
	}

	verifier := make([]byte, 32)
	if _, err := rand.Read(verifier); err != nil {
		return "", transientError("generate code verifier: %v", err)
	}
	f.CodeVerifier = base64.RawURLEncoding.EncodeToString(verifier)

	sum := sha256.Sum256([]byte(f.CodeVerifier))
	f.CodeChallenge = base64.RawURLEncoding.EncodeToString(sum[:])

	if strings.Contains(target, "{challenge}") {
		return strings.ReplaceAll(target, "{challenge}", f.CodeChallenge), nil
	}
	return target + "&code_challenge=" + f.CodeChallenge, nil
}

// update 每次请求后从响应体与 Location 头重取跟踪字段
// 页面格式脆弱，任何字段缺失都不覆盖已有值
func (f *OAuthFlow) update(res httpc.Response) {
	f.LastBody = res.Body

	if v := extractInputValue(res.Body, "_csrf"); v != "" {
		f.CSRF = v
	}
	if v := substrBetween(res.Body, "csrf_token: '", "'"); v != "" {
		f.CSRF = v
	}
	if v := extractInputValue(res.Body, "relayState"); v != "" {
		f.RelayState = v
	}
	if v := extractInputValue(res.Body, "hmac"); v != "" {
		f.HMAC = v
	}
	if v := extractFormAction(res.Body); v != "" {
		f.Location = v
	}

	loc := res.Location()
	if loc == "" {
		return
	}
	f.Location = loc

	u, err := url.Parse(loc)
	if err != nil {
		f.logger.Debug("Unparsable redirect location", zap.String("location", loc))
		return
	}
	q := u.Query()
	// 隐式授权会把 token/state 放在 # 片段里
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		for k, vs := range frag {
			if len(vs) > 0 && q.Get(k) == "" {
				q.Set(k, vs[0])
			}
		}
	}
	if v := q.Get("code"); v != "" {
		f.Code = v
	}
	if v := q.Get("userId"); v != "" {
		f.UserID = v
	}
	if v := q.Get("id_token"); v != "" {
		f.IDToken = v
	}
	if v := q.Get("access_token"); v != "" {
		f.AccessToken = v
	}
	if v := q.Get("expires_in"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			f.ExpiresIn = sec
		}
	}
	if v := q.Get("state"); v != "" {
		f.State = v
	}
}

// substrBetween 提取 from 与 to 之间的子串，找不到返回空串
func substrBetween(s, from, to string) string {
	start := strings.Index(s, from)
	if start < 0 {
		return ""
	}
	start += len(from)
	end := strings.Index(s[start:], to)
	if end < 0 {
		return ""
	}
	return s[start : start+end]
}

// extractInputValue 提取 HTML 表单隐藏域的值
// 只认 name="x" value="y" 这一种写法，格式变化时宁可失败也不猜默认值
func extractInputValue(body, name string) string {
	return substrBetween(body, `name="`+name+`" value="`, `"`)
}

// extractFormAction 提取第一个 form 的 action 属性
func extractFormAction(body string) string {
	form := strings.Index(body, "<form ")
	if form < 0 {
		return ""
	}
	return substrBetween(body[form:], `action="`, `"`)
}
