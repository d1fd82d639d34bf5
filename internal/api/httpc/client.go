// Package httpc 提供底层 HTTP 传输
// 重定向不自动跟随，由上层逐跳检查 Location
package httpc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Response 一次 HTTP 调用的结果
type Response struct {
	Status  int
	Body    string
	Headers http.Header
}

// Location 最近一次响应的 Location 头
func (r Response) Location() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Location")
}

// IsRedirect 是否为 3xx 重定向
func (r Response) IsRedirect() bool {
	return r.Status >= 300 && r.Status < 400
}

// Client HTTP 客户端
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// New 创建客户端
func New(logger *zap.Logger, timeout time.Duration) *Client {
	return &Client{
		logger: logger,
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Get 执行 GET
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (Response, error) {
	return c.do(ctx, http.MethodGet, url, headers, "")
}

// Post 执行 POST，body 为已编码好的请求体
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body string) (Response, error) {
	return c.do(ctx, http.MethodPost, url, headers, body)
}

func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, body string) (Response, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Response{}, fmt.Errorf("create %s request: %w", method, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug("HTTP call",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_len", len(data)))

	return Response{
		Status:  resp.StatusCode,
		Body:    string(data),
		Headers: resp.Header,
	}, nil
}
