package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/langchou/cargazer/internal/api/carnet"
	"github.com/langchou/cargazer/pkg/ws"
)

// Lock 上锁/解锁
func (s *VehicleService) Lock(ctx context.Context, vin string, lock bool) (string, error) {
	action := carnet.ActionUnlock
	if lock {
		action = carnet.ActionLock
	}
	return s.control(ctx, vin, carnet.ServiceLockUnlock, action,
		func(c *carnet.Client) (string, error) { return c.ControlLock(ctx, lock) })
}

// Climatisation 启停空调
func (s *VehicleService) Climatisation(ctx context.Context, vin string, start bool, heaterSource string) (string, error) {
	action := carnet.ActionClimatisationStop
	if start {
		action = carnet.ActionClimatisationStart
	}
	return s.control(ctx, vin, carnet.ServiceClimatisation, action,
		func(c *carnet.Client) (string, error) { return c.ControlClimater(ctx, start, heaterSource) })
}

// PreHeating 启停驻车加热
func (s *VehicleService) PreHeating(ctx context.Context, vin string, start bool, duration int) (string, error) {
	action := carnet.ActionHeatingStop
	if start {
		action = carnet.ActionHeatingStart
	}
	return s.control(ctx, vin, carnet.ServiceHeating, action,
		func(c *carnet.Client) (string, error) { return c.ControlPreHeating(ctx, start, duration) })
}

// Ventilation 启停驻车通风
func (s *VehicleService) Ventilation(ctx context.Context, vin string, start bool, duration int) (string, error) {
	action := carnet.ActionHeatingStop
	if start {
		action = carnet.ActionHeatingStart
	}
	return s.control(ctx, vin, carnet.ServiceHeating, action,
		func(c *carnet.Client) (string, error) { return c.ControlVentilation(ctx, start, duration) })
}

// Charging 启停充电
func (s *VehicleService) Charging(ctx context.Context, vin string, start bool) (string, error) {
	action := carnet.ActionChargeStop
	if start {
		action = carnet.ActionChargeStart
	}
	return s.control(ctx, vin, carnet.ServiceBatteryCharge, action,
		func(c *carnet.Client) (string, error) { return c.ControlCharger(ctx, start) })
}

// HonkFlash 鸣笛/闪灯，坐标取车辆最近上报的位置
func (s *VehicleService) HonkFlash(ctx context.Context, vin string, honk bool, duration int) (string, error) {
	vs, ok := s.GetState(vin)
	if !ok {
		return "", fmt.Errorf("unknown vehicle %s", vin)
	}
	action := carnet.ActionFlash
	if honk {
		action = carnet.ActionHonkFlash
	}
	return s.control(ctx, vin, carnet.ServiceHonkFlash, action,
		func(c *carnet.Client) (string, error) {
			return c.ControlHonkFlash(ctx, honk, vs.Latitude, vs.Longitude, duration)
		})
}

// RefreshStatus 让车辆立即上报一次完整状态
func (s *VehicleService) RefreshStatus(ctx context.Context, vin string) (string, error) {
	return s.control(ctx, vin, carnet.ServiceVehicleStatusReport, carnet.ActionStatusRefresh,
		func(c *carnet.Client) (string, error) { return c.RefreshVehicleStatus(ctx) })
}

// RequestStatus 查询某次命令的当前状态
func (s *VehicleService) RequestStatus(ctx context.Context, vin, requestID string) (string, error) {
	client, ok := s.Client(vin)
	if !ok {
		return "", fmt.Errorf("unknown vehicle %s", vin)
	}
	return client.GetRequestStatus(ctx, requestID)
}

// control 执行一个远程命令并广播受理结果
func (s *VehicleService) control(ctx context.Context, vin, serviceID, action string, invoke func(*carnet.Client) (string, error)) (string, error) {
	client, ok := s.Client(vin)
	if !ok {
		return "", fmt.Errorf("unknown vehicle %s", vin)
	}

	status, err := invoke(client)
	if err != nil {
		s.logger.Warn("Remote action rejected",
			zap.String("vin", vin),
			zap.String("service", serviceID),
			zap.String("action", action),
			zap.Error(err))
		return status, err
	}

	s.logger.Info("Remote action accepted",
		zap.String("vin", vin),
		zap.String("service", serviceID),
		zap.String("action", action),
		zap.String("status", status))

	update := ws.ActionUpdate{VIN: vin, Service: serviceID, Action: action, Status: status}
	if actions := client.Pending().All(); len(actions) > 0 {
		for _, p := range actions {
			if p.Service == serviceID {
				update.RequestID = p.RequestID
			}
		}
	}
	s.wsHub.BroadcastActionUpdate(update)
	return status, nil
}
