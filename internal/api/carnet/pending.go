package carnet

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 归一化后的请求状态
const (
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusInProgress = "in_progress"
	StatusQueued     = "queued"
	StatusTimeout    = "request_timeout"
	StatusRejected   = "request_rejected"
)

// 动作默认超时；个别服务在表里带倍率
const defaultActionTimeout = 3 * time.Minute

// statusVocabulary 远端状态词汇表
// 按数据维护而不是写进控制流，新服务只需补充词表
type statusVocabulary struct {
	success []string
	failure []string
	running []string
}

var defaultVocabulary = statusVocabulary{
	success: []string{"successful", "succeeded"},
	failure: []string{"failed", "fail", "request_not_found", "not_found", "general_error"},
	running: []string{"in_progress", "queued", "fetched", "started", "request_in_progress"},
}

func (v statusVocabulary) classify(status string) (terminal bool, normalized string, known bool) {
	for _, s := range v.success {
		if s == status {
			return true, StatusSuccessful, true
		}
	}
	for _, s := range v.failure {
		if s == status {
			return true, StatusFailed, true
		}
	}
	for _, s := range v.running {
		if s == status {
			return false, StatusInProgress, true
		}
	}
	return false, status, false
}

// serviceProfile 每个服务的轮询参数
// 模板占位符 {vin}/{id} 在入队时替换
type serviceProfile struct {
	checkURL      string
	timeoutFactor int
	vocabulary    *statusVocabulary
}

var serviceProfiles = map[string]serviceProfile{
	ServiceLockUnlock: {
		checkURL: "bs/rlu/v1/{brand}/{country}/vehicles/{vin}/requests/{id}/status",
	},
	ServiceClimatisation: {
		checkURL: "bs/climatisation/v1/{brand}/{country}/vehicles/{vin}/climater/actions/{id}",
	},
	ServiceHeating: {
		checkURL: "bs/rs/v1/{brand}/{country}/vehicles/{vin}/climater/actions/{id}",
	},
	ServiceHonkFlash: {
		checkURL:      "bs/rhf/v1/{brand}/{country}/vehicles/{vin}/honkAndFlash/{id}/status",
		timeoutFactor: 2,
	},
	ServiceBatteryCharge: {
		checkURL: "bs/batterycharge/v1/{brand}/{country}/vehicles/{vin}/charger/actions/{id}",
	},
	ServiceVehicleStatusReport: {
		checkURL:      "bs/vsr/v1/{brand}/{country}/vehicles/{vin}/requests/{id}/jobstatus",
		timeoutFactor: 5,
	},
}

// PendingAction 已被远端受理、尚未完成的控制命令
type PendingAction struct {
	VIN       string        `json:"vin"`
	Service   string        `json:"service"`
	Action    string        `json:"action"`
	RequestID string        `json:"request_id"`
	CheckURL  string        `json:"check_url"`
	Status    string        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Timeout   time.Duration `json:"timeout"`
}

// IsExpired 入队以来的时长是否超出该服务的超时
func (p *PendingAction) IsExpired() bool {
	return time.Since(p.CreatedAt) > p.Timeout
}

// HeaderFunc 轮询请求所需的认证头，由 façade 注入
type HeaderFunc func(ctx context.Context) (map[string]string, error)

// PendingTracker 以 requestId 为键跟踪在途命令
// 轮询由所属车辆的调度器按固定节奏驱动，tracker 自身不起定时器
type PendingTracker struct {
	logger  *zap.Logger
	http    Transport
	headers HeaderFunc

	mu       sync.Mutex
	requests map[string]*PendingAction
}

// NewPendingTracker 创建 tracker
func NewPendingTracker(logger *zap.Logger, http Transport, headers HeaderFunc) *PendingTracker {
	return &PendingTracker{
		logger:   logger,
		http:     http,
		headers:  headers,
		requests: make(map[string]*PendingAction),
	}
}

// Track 解析动作受理信封并登记在途命令
// 信封解析失败是致命的：requestId 都拿不到就没有可跟踪的东西
func (t *PendingTracker) Track(cfg Config, service, action, envelope string) (*PendingAction, error) {
	requestID, status, err := parseActionEnvelope(service, envelope)
	if err != nil {
		return nil, err
	}

	profile, ok := serviceProfiles[service]
	if !ok {
		return nil, invalidArgument("no tracking profile for service %q", service)
	}

	timeout := defaultActionTimeout
	if profile.timeoutFactor > 0 {
		timeout = defaultActionTimeout * time.Duration(profile.timeoutFactor)
	}

	p := &PendingAction{
		VIN:       cfg.VIN,
		Service:   service,
		Action:    action,
		RequestID: requestID,
		CheckURL:  expandCheckURL(profile.checkURL, cfg, requestID),
		Status:    status,
		CreatedAt: time.Now(),
		Timeout:   timeout,
	}

	t.mu.Lock()
	// 同 id 重复入队时替换旧条目
	t.requests[requestID] = p
	t.mu.Unlock()

	t.logger.Debug("Request queued for status updates",
		zap.String("vin", cfg.VIN),
		zap.String("service", service),
		zap.String("action", action),
		zap.String("request_id", requestID))
	return p, nil
}

// Get 按 requestId 查在途命令
func (t *PendingTracker) Get(requestID string) (*PendingAction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.requests[requestID]
	return p, ok
}

// All 返回当前全部在途命令的快照
func (t *PendingTracker) All() []*PendingAction {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*PendingAction, 0, len(t.requests))
	for _, p := range t.requests {
		out = append(out, p)
	}
	return out
}

// IsServicePending 该服务是否已有在途命令
func (t *PendingTracker) IsServicePending(service string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.requests {
		if p.Service == service {
			return true
		}
	}
	return false
}

// Poll 查询一次在途命令的状态
// 终态（成功/失败/超时）会把条目移出跟踪表，之后再查同一 id 会快速失败；
// 轮询期间的传输错误只记日志，条目留待下个周期重试
func (t *PendingTracker) Poll(ctx context.Context, requestID string) (string, error) {
	t.mu.Lock()
	p, ok := t.requests[requestID]
	var initial string
	if ok {
		// 受理响应里随附的状态只消费一次，之后都查状态端点
		initial = p.Status
		p.Status = ""
	}
	t.mu.Unlock()
	if !ok {
		return "", invalidArgument("unknown request id %q", requestID)
	}

	if p.IsExpired() {
		t.remove(requestID)
		t.logger.Info("Pending request timed out",
			zap.String("vin", p.VIN),
			zap.String("service", p.Service),
			zap.String("request_id", requestID))
		return StatusTimeout, nil
	}

	status := initial
	if status == "" {
		fetched, err := t.fetchStatus(ctx, p)
		if err != nil {
			t.logger.Debug("Unable to validate pending request, keeping it tracked",
				zap.String("request_id", requestID),
				zap.Error(err))
			return StatusInProgress, nil
		}
		status = fetched
	}

	// Honk&Flash 会返回大写状态
	status = strings.ToLower(status)

	vocab := defaultVocabulary
	if profile, ok := serviceProfiles[p.Service]; ok && profile.vocabulary != nil {
		vocab = *profile.vocabulary
	}
	terminal, normalized, known := vocab.classify(status)
	if !known {
		// 词汇表无法穷举，未知状态按非终态处理
		t.logger.Debug("Pending request has unknown status",
			zap.String("request_id", requestID),
			zap.String("status", status))
		return status, nil
	}
	if terminal {
		t.remove(requestID)
		if normalized == StatusFailed {
			t.logger.Warn("Remote action failed",
				zap.String("vin", p.VIN),
				zap.String("service", p.Service),
				zap.String("action", p.Action),
				zap.String("status", status))
		}
	}
	return normalized, nil
}

func (t *PendingTracker) remove(requestID string) {
	t.mu.Lock()
	delete(t.requests, requestID)
	t.mu.Unlock()
}

// fetchStatus 调用该服务的状态端点并解析三种可能的响应形态
func (t *PendingTracker) fetchStatus(ctx context.Context, p *PendingAction) (string, error) {
	headers, err := t.headers(ctx)
	if err != nil {
		return "", err
	}
	res, err := t.http.Get(ctx, p.CheckURL, headers)
	if err != nil {
		return "", transientError("poll %s: %v", p.RequestID, err)
	}
	if res.Status != 200 {
		return "", transientError("poll %s: status %d", p.RequestID, res.Status)
	}

	var rs requestStatusResponse
	if err := json.Unmarshal([]byte(res.Body), &rs); err != nil {
		return "", protocolError("decode request status: %v", err)
	}
	switch {
	case rs.RequestStatusResponse != nil:
		if rs.RequestStatusResponse.Error != nil {
			t.logger.Debug("Request status carries error code",
				zap.String("request_id", p.RequestID),
				zap.Int("error", *rs.RequestStatusResponse.Error))
		}
		return rs.RequestStatusResponse.Status, nil
	case rs.Action != nil:
		if rs.Action.ErrorCode != nil {
			t.logger.Debug("Action state carries error code",
				zap.String("request_id", p.RequestID),
				zap.Int("error", *rs.Action.ErrorCode))
		}
		return rs.Action.ActionState, nil
	case rs.Status != nil:
		return rs.Status.StatusCode, nil
	}
	return "", protocolError("request status response has no recognizable shape")
}

// parseActionEnvelope 从受理响应里取出 requestId（个别服务还带初始状态）
func parseActionEnvelope(service, envelope string) (requestID, status string, err error) {
	if service == ServiceHonkFlash {
		var hf honkFlashResponse
		if err := json.Unmarshal([]byte(envelope), &hf); err != nil {
			return "", "", protocolError("decode honk-and-flash response: %v", err)
		}
		if hf.HonkAndFlashRequest == nil || hf.HonkAndFlashRequest.ID.String() == "" {
			return "", "", protocolError("honk-and-flash response carries no request id")
		}
		if hf.HonkAndFlashRequest.Status != nil {
			status = hf.HonkAndFlashRequest.Status.StatusCode
		}
		return hf.HonkAndFlashRequest.ID.String(), status, nil
	}

	var ar actionResponse
	if err := json.Unmarshal([]byte(envelope), &ar); err != nil {
		return "", "", protocolError("decode action response: %v", err)
	}
	switch {
	case ar.RLUActionResponse != nil && ar.RLUActionResponse.RequestID != "":
		return ar.RLUActionResponse.RequestID, "", nil
	case ar.Action != nil && ar.Action.ActionID != "":
		return ar.Action.ActionID, ar.Action.ActionState, nil
	case ar.PerformActionResponse != nil && ar.PerformActionResponse.RequestID != "":
		return ar.PerformActionResponse.RequestID, "", nil
	case ar.CurrentVehicleDataResponse != nil && ar.CurrentVehicleDataResponse.RequestID != "":
		return ar.CurrentVehicleDataResponse.RequestID, "", nil
	}
	return "", "", protocolError("action response carries no request id")
}

// expandCheckURL 填充状态端点模板
func expandCheckURL(template string, cfg Config, requestID string) string {
	r := strings.NewReplacer(
		"{brand}", cfg.Brand,
		"{country}", cfg.Country,
		"{vin}", cfg.VIN,
		"{id}", requestID,
	)
	return cfg.APIBase + "/" + r.Replace(template)
}
