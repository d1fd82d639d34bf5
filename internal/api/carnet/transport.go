package carnet

import (
	"context"

	"github.com/langchou/cargazer/internal/api/httpc"
)

// Transport 抽象 HTTP 传输能力
// 实现方需要关闭自动重定向并暴露 Location 响应头
type Transport interface {
	Get(ctx context.Context, url string, headers map[string]string) (httpc.Response, error)
	Post(ctx context.Context, url string, headers map[string]string, body string) (httpc.Response, error)
}

// 令牌交换方式
const (
	// 直接调用 token 端点，grant_type=id_token
	ExchangeIDToken = "id_token"
	// 厂商专用登录 POST，携带 state/id_token/access_token/code
	ExchangeLogin = "login"
)

// Config 一次调用所需的完整上下文：账号凭据 + 品牌 OAuth 参数 + 共享键
// 按值传入各组件，调用期间不被修改
type Config struct {
	Brand   string
	Country string

	User     string
	Password string
	SPin     string

	// 品牌 OAuth 参数
	ClientID     string
	Scope        string
	ResponseType string
	RedirectURI  string
	AuthorizeURL string
	IssuerURL    string
	TokenURL     string
	RefreshURL   string
	Exchange     string

	// API 端点
	APIBase      string
	SecurityURL  string
	XAppName     string
	XAppVersion  string

	VIN        string
	TokenSetID string
}
