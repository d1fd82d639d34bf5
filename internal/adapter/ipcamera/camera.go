// Package ipcamera 访问车库摄像头，给车辆事件配图
package ipcamera

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/langchou/cargazer/internal/api/httpc"
)

// Transport 底层 HTTP 传输
type Transport interface {
	Get(ctx context.Context, url string, headers map[string]string) (httpc.Response, error)
	Post(ctx context.Context, url string, headers map[string]string, body string) (httpc.Response, error)
}

// Status 摄像头运行状态
type Status struct {
	DeviceName string `json:"deviceName"`
	Firmware   string `json:"firmware"`
	Uptime     int64  `json:"uptime"`
	Recording  bool   `json:"recording"`
}

// Client 摄像头客户端
type Client struct {
	logger   *zap.Logger
	http     Transport
	baseURL  string
	user     string
	password string
}

// NewClient 创建摄像头客户端
func NewClient(logger *zap.Logger, http Transport, baseURL, user, password string) *Client {
	return &Client{
		logger:   logger,
		http:     http,
		baseURL:  baseURL,
		user:     user,
		password: password,
	}
}

func (c *Client) headers() map[string]string {
	h := map[string]string{"Accept": "*/*"}
	if c.user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(c.user + ":" + c.password))
		h["Authorization"] = "Basic " + cred
	}
	return h
}

// SnapshotURL 快照地址
func (c *Client) SnapshotURL() string {
	return c.baseURL + "/cgi-bin/snapshot.cgi"
}

// Snapshot 取一帧 JPEG 快照
func (c *Client) Snapshot(ctx context.Context) ([]byte, error) {
	res, err := c.http.Get(ctx, c.SnapshotURL(), c.headers())
	if err != nil {
		return nil, fmt.Errorf("camera snapshot: %w", err)
	}
	if res.Status != 200 {
		return nil, fmt.Errorf("camera snapshot: status %d", res.Status)
	}
	return []byte(res.Body), nil
}

// GetStatus 查询摄像头状态
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	res, err := c.http.Get(ctx, c.baseURL+"/cgi-bin/status.cgi", c.headers())
	if err != nil {
		return nil, fmt.Errorf("camera status: %w", err)
	}
	if res.Status != 200 {
		return nil, fmt.Errorf("camera status: status %d", res.Status)
	}

	var st Status
	if err := json.Unmarshal([]byte(res.Body), &st); err != nil {
		return nil, fmt.Errorf("decode camera status: %w", err)
	}
	return &st, nil
}

// Reboot 重启摄像头
func (c *Client) Reboot(ctx context.Context) error {
	res, err := c.http.Post(ctx, c.baseURL+"/cgi-bin/reboot.cgi", c.headers(), "")
	if err != nil {
		return fmt.Errorf("camera reboot: %w", err)
	}
	if res.Status != 200 && res.Status != 202 {
		return fmt.Errorf("camera reboot: status %d", res.Status)
	}

	c.logger.Info("Camera reboot requested", zap.String("camera", c.baseURL))
	return nil
}
