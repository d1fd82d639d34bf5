package carnet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const userAgent = "okhttp/3.7.0"

// 提权令牌所用的请求头
const (
	headerSecurityToken = "x-mbbSecToken"

	// 辅助/自动加热启动用的头名；厂商客户端原本还带一个前导空格，
	// net/http 不允许发送那样的头名，服务端按不区分大小写匹配也能认
	headerSecurityTokenAux = "X-securityToken"
)

// Client 车辆 API 门面
// 读操作直接携带访问令牌；控制操作按服务需要先取提权令牌，
// 受理后交给 PendingTracker 跟踪完成状态
type Client struct {
	logger  *zap.Logger
	http    Transport
	tokens  *TokenManager
	pending *PendingTracker
	cfg     Config

	mu  sync.Mutex
	ops *OperationList
}

// NewClient 创建门面
func NewClient(logger *zap.Logger, http Transport, tokens *TokenManager, cfg Config) *Client {
	c := &Client{
		logger: logger,
		http:   http,
		tokens: tokens,
		cfg:    cfg,
	}
	c.pending = NewPendingTracker(logger, http, c.appHeaders)
	return c
}

// Config 返回该门面绑定的调用上下文
func (c *Client) Config() Config {
	return c.cfg
}

// Pending 返回在途命令跟踪器
func (c *Client) Pending() *PendingTracker {
	return c.pending
}

// appHeaders 常规 API 调用的请求头
func (c *Client) appHeaders(ctx context.Context) (map[string]string, error) {
	token, err := c.tokens.CreateAccessToken(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"User-Agent":    userAgent,
		"X-App-Name":    c.cfg.XAppName,
		"X-App-Version": c.cfg.XAppVersion,
		"Authorization": "Bearer " + token,
		"Accept":        "application/json",
	}, nil
}

// expandURL 填充 {brand}/{country}/{vin} 占位
func (c *Client) expandURL(template string) string {
	r := strings.NewReplacer(
		"{brand}", c.cfg.Brand,
		"{country}", c.cfg.Country,
		"{vin}", c.cfg.VIN,
	)
	path := r.Replace(template)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.cfg.APIBase + "/" + path
}

// callAPI 执行一次带鉴权的 GET 并解码
func (c *Client) callAPI(ctx context.Context, template string, out interface{}) error {
	headers, err := c.appHeaders(ctx)
	if err != nil {
		return err
	}

	target := c.expandURL(template)
	res, err := c.http.Get(ctx, target, headers)
	if err != nil {
		return transientError("api call %s: %v", target, err)
	}
	switch {
	case res.Status == 401 || res.Status == 403:
		return securityError("api call %s rejected with status %d", target, res.Status)
	case res.IsRedirect():
		// 个别区域接口会先给一跳重定向
		loc := res.Location()
		c.logger.Debug("Handling API redirect", zap.String("vin", c.cfg.VIN), zap.String("location", loc))
		if res, err = c.http.Get(ctx, loc, headers); err != nil {
			return transientError("api redirect %s: %v", loc, err)
		}
		if res.Status != 200 {
			return transientError("api redirect %s: status %d", loc, res.Status)
		}
	case res.Status != 200:
		return transientError("api call %s: status %d", target, res.Status)
	}

	if err := json.Unmarshal([]byte(res.Body), out); err != nil {
		return protocolError("decode %s response: %v", target, err)
	}
	return nil
}

// GetVehicles 账号下的 VIN 清单
func (c *Client) GetVehicles(ctx context.Context) ([]string, error) {
	var list VehicleList
	if err := c.callAPI(ctx, "usermanagement/users/v1/{brand}/{country}/vehicles", &list); err != nil {
		return nil, err
	}
	return list.UserVehicles.Vehicle, nil
}

// GetVehicleStatus 车辆状态数据点
func (c *Client) GetVehicleStatus(ctx context.Context) (*VehicleStatus, error) {
	var status VehicleStatus
	if err := c.callAPI(ctx, "bs/vsr/v1/{brand}/{country}/vehicles/{vin}/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetPosition 当前位置
func (c *Client) GetPosition(ctx context.Context) (*Position, error) {
	var pos Position
	if err := c.callAPI(ctx, "bs/cf/v1/{brand}/{country}/vehicles/{vin}/position", &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

// GetChargerStatus 充电器状态
func (c *Client) GetChargerStatus(ctx context.Context) (*ChargerStatus, error) {
	var charger ChargerStatus
	if err := c.callAPI(ctx, "bs/batterycharge/v1/{brand}/{country}/vehicles/{vin}/charge", &charger); err != nil {
		return nil, err
	}
	return &charger, nil
}

// GetClimaterStatus 空调状态
func (c *Client) GetClimaterStatus(ctx context.Context) (*ClimaterStatus, error) {
	var climater ClimaterStatus
	if err := c.callAPI(ctx, "bs/climatisation/v1/{brand}/{country}/vehicles/{vin}/climater", &climater); err != nil {
		return nil, err
	}
	return &climater, nil
}

// GetOperationList 可用服务清单，取一次后缓存
func (c *Client) GetOperationList(ctx context.Context) (*OperationList, error) {
	c.mu.Lock()
	cached := c.ops
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var ol OperationList
	if err := c.callAPI(ctx, "rolesrights/operationlist/v3/vehicles/{vin}?scope=ALL", &ol); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ops = &ol
	c.mu.Unlock()
	return &ol, nil
}

// serviceDescriptor 在服务清单里查找描述，允许版本后缀不同
func (c *Client) serviceDescriptor(ctx context.Context, serviceID string) *ServiceInfo {
	ol, err := c.GetOperationList(ctx)
	if err != nil {
		c.logger.Debug("Operation list unavailable", zap.Error(err))
		return nil
	}
	base := serviceID
	if i := strings.Index(serviceID, "_v"); i > 0 {
		base = serviceID[:i]
	}
	for i := range ol.OperationList.ServiceInfo {
		si := &ol.OperationList.ServiceInfo[i]
		if strings.EqualFold(si.ServiceID, serviceID) || strings.HasPrefix(si.ServiceID, base) {
			return si
		}
	}
	return nil
}

// IsRemoteServiceAvailable 服务是否出现在清单里
// 每个服务单独判定，互不影响
func (c *Client) IsRemoteServiceAvailable(ctx context.Context, serviceID string) bool {
	return c.serviceDescriptor(ctx, serviceID) != nil
}

// IsRemoteActionAvailable 服务可用且包含指定操作
func (c *Client) IsRemoteActionAvailable(ctx context.Context, serviceID, actionID string) bool {
	si := c.serviceDescriptor(ctx, serviceID)
	if si == nil {
		return false
	}
	if !strings.EqualFold(si.ServiceStatus.Status, "Enabled") {
		return false
	}
	if si.LicenseRequired && !strings.EqualFold(si.CumulatedLicense.Status, "ACTIVATED") {
		return false
	}
	for _, op := range si.Operation {
		if strings.EqualFold(op.ID, actionID) {
			return true
		}
	}
	return false
}

// RefreshVehicleStatus 触发车辆上报一次状态，走在途命令跟踪
func (c *Client) RefreshVehicleStatus(ctx context.Context) (string, error) {
	return c.sendAction(ctx,
		"bs/vsr/v1/{brand}/{country}/vehicles/{vin}/requests",
		ServiceVehicleStatusReport, ActionStatusRefresh, false,
		"", "")
}

// ControlLock 上锁/解锁
func (c *Client) ControlLock(ctx context.Context, lock bool) (string, error) {
	action := ActionUnlock
	if lock {
		action = ActionLock
	}
	body := `<?xml version="1.0" encoding="UTF-8" ?>` +
		`<rluAction xmlns="http://audi.de/connect/rlu">` +
		`<action>` + strings.ToLower(action) + `</action></rluAction>`
	return c.sendAction(ctx,
		"bs/rlu/v1/{brand}/{country}/vehicles/{vin}/actions",
		ServiceLockUnlock, action, true,
		"application/vnd.vwg.mbb.RemoteLockUnlock_v1_0_0+xml", body)
}

// ControlClimater 启停空调
func (c *Client) ControlClimater(ctx context.Context, start bool, heaterSource string) (string, error) {
	var action, body, contentType string
	// 电加热不需要提权令牌，燃油加热需要
	secToken := start && heaterSource != "electric"
	if start {
		contentType = "application/vnd.vwg.mbb.ClimaterAction_v1_0_0+xml;charset=utf-8"
		body = `<?xml version="1.0" encoding="UTF-8" ?><action><type>startClimatisation</type></action>`
		if heaterSource == "electric" {
			action = ActionClimatisationStart
		} else {
			action = ActionClimatisationStartAuxOrAuto
		}
	} else {
		action = ActionClimatisationStop
		contentType = "application/vnd.vwg.mbb.ClimaterAction_v1_0_0+xml;charset=utf-8"
		body = `<action><type>stopClimatisation</type></action>`
	}
	return c.sendAction(ctx,
		"bs/climatisation/v1/{brand}/{country}/vehicles/{vin}/climater/actions",
		ServiceClimatisation, action, secToken, contentType, body)
}

// ControlPreHeating 启停驻车加热
func (c *Client) ControlPreHeating(ctx context.Context, start bool, duration int) (string, error) {
	action := ActionHeatingStop
	body := `{"performAction":{"quickstop":{"active":false}}}`
	if start {
		action = ActionHeatingStart
		body = fmt.Sprintf(`{"performAction":{"quickstart":{"startMode":"heating","active":true,"climatisationDuration":%d}}}`, duration)
	}
	return c.sendAction(ctx,
		"bs/rs/v1/{brand}/{country}/vehicles/{vin}/climater/actions",
		ServiceHeating, action, true,
		"application/vnd.vwg.mbb.RemoteStandheizung_v2_0_2+json", body)
}

// ControlVentilation 启停通风
func (c *Client) ControlVentilation(ctx context.Context, start bool, duration int) (string, error) {
	action := ActionHeatingStop
	body := `{"performAction":{"quickstop":{"active":false}}}`
	if start {
		action = ActionHeatingStart
		body = fmt.Sprintf(`{"performAction":{"quickstart":{"startMode":"ventilation","active":true,"climatisationDuration":%d}}}`, duration)
	}
	return c.sendAction(ctx,
		"bs/rs/v1/{brand}/{country}/vehicles/{vin}/climater/actions",
		ServiceHeating, action, true,
		"application/vnd.vwg.mbb.RemoteStandheizung_v2_0_2+json", body)
}

// ControlCharger 启停充电
func (c *Client) ControlCharger(ctx context.Context, start bool) (string, error) {
	action := ActionChargeStop
	if start {
		action = ActionChargeStart
	}
	body := `<?xml version="1.0" encoding="UTF-8" ?><action><type>` + strings.ToLower(action) + `</type></action>`
	return c.sendAction(ctx,
		"bs/batterycharge/v1/{brand}/{country}/vehicles/{vin}/charger/actions",
		ServiceBatteryCharge, action, false,
		"application/vnd.vwg.mbb.ChargerAction_v1_0_0+xml", body)
}

// ControlHonkFlash 鸣笛/闪灯
func (c *Client) ControlHonkFlash(ctx context.Context, honk bool, lat, lon float64, duration int) (string, error) {
	action := ActionFlash
	if honk {
		action = ActionHonkFlash
	}
	body := fmt.Sprintf(
		`{"honkAndFlashRequest":{"serviceOperationCode":"%s","serviceDuration":%d,"userPosition":{"latitude":%d,"longitude":%d}}}`,
		action, duration, int(lat*1000000.0), int(lon*1000000.0))
	return c.sendAction(ctx,
		"bs/rhf/v1/{brand}/{country}/vehicles/{vin}/honkAndFlash",
		ServiceHonkFlash, action, false,
		"application/json; charset=UTF-8", body)
}

// GetRequestStatus 轮询一次在途命令
func (c *Client) GetRequestStatus(ctx context.Context, requestID string) (string, error) {
	return c.pending.Poll(ctx, requestID)
}

// sendAction 发送控制命令
// 需要提权但未配置 S-PIN、或该服务已有在途命令时直接拒绝；
// 受理成功后登记到 tracker 并立刻查一次状态
func (c *Client) sendAction(ctx context.Context, template, service, action string, reqSecToken bool, contentType, body string) (string, error) {
	if reqSecToken && c.cfg.SPin == "" {
		c.logger.Warn("Action requires the S-PIN, but it is not configured",
			zap.String("service", service), zap.String("action", action))
		return StatusRejected, securityError("action %s.%s requires the S-PIN, but it is not configured", service, action)
	}
	if c.pending.IsServicePending(service) {
		c.logger.Info("Action rejected, service already has a pending request",
			zap.String("service", service), zap.String("action", action))
		return StatusRejected, nil
	}

	headers, err := c.appHeaders(ctx)
	if err != nil {
		return StatusRejected, err
	}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	if reqSecToken {
		secToken, err := c.tokens.CreateSecurityToken(ctx, c.cfg, service, action)
		if err != nil {
			return StatusRejected, err
		}
		secHeader := headerSecurityToken
		if action == ActionClimatisationStartAuxOrAuto {
			secHeader = headerSecurityTokenAux
		}
		headers[secHeader] = secToken
	}

	c.logger.Debug("Sending action request",
		zap.String("vin", c.cfg.VIN),
		zap.String("service", service),
		zap.String("action", action),
		zap.Bool("security_token", reqSecToken))

	res, err := c.http.Post(ctx, c.expandURL(template), headers, body)
	if err != nil {
		return StatusRejected, transientError("action %s.%s: %v", service, action, err)
	}
	if res.Status < 200 || res.Status >= 300 {
		return StatusRejected, transientError("action %s.%s: status %d", service, action, res.Status)
	}

	p, err := c.pending.Track(c.cfg, service, action, res.Body)
	if err != nil {
		return StatusRejected, err
	}
	return c.pending.Poll(ctx, p.RequestID)
}
