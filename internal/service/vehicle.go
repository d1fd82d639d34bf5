package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/cargazer/internal/api/carnet"
	"github.com/langchou/cargazer/internal/config"
	"github.com/langchou/cargazer/internal/state"
	"github.com/langchou/cargazer/pkg/ws"
)

// VehicleService 车辆服务
// 每辆车持有一个 carnet 门面，共享同一账号的凭证组；
// 周期任务分三条：状态轮询、在途命令轮询、令牌刷新
type VehicleService struct {
	cfg       *config.Config
	logger    *zap.Logger
	transport carnet.Transport
	tokens    *carnet.TokenManager
	wsHub     *ws.Hub

	stateManager *state.Manager

	mu      sync.RWMutex
	clients map[string]*carnet.Client
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewVehicleService 创建车辆服务
func NewVehicleService(
	cfg *config.Config,
	logger *zap.Logger,
	transport carnet.Transport,
	tokens *carnet.TokenManager,
	wsHub *ws.Hub,
) *VehicleService {
	svc := &VehicleService{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		tokens:    tokens,
		wsHub:     wsHub,
		clients:   make(map[string]*carnet.Client),
		stopCh:    make(chan struct{}),
	}

	svc.stateManager = state.NewManager(svc.onStateChange)
	return svc
}

// Start 启动服务
func (s *VehicleService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Vehicle service already running, skipping start")
		return nil
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting vehicle service")

	if err := s.syncVehicles(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("sync vehicles: %w", err)
	}

	s.wg.Add(3)
	go s.statusLoop(ctx)
	go s.pendingLoop(ctx)
	go s.tokenLoop(ctx)

	s.logger.Info("Vehicle service started",
		zap.Int("vehicles", len(s.Vehicles())),
		zap.Duration("status_interval", s.cfg.PollIntervalStatus),
		zap.Duration("pending_interval", s.cfg.PollIntervalPending))
	return nil
}

// Stop 停止服务
func (s *VehicleService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping vehicle service")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Vehicle service stopped")
}

// Vehicles 受管车辆的 VIN 清单
func (s *VehicleService) Vehicles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vins := make([]string, 0, len(s.clients))
	for vin := range s.clients {
		vins = append(vins, vin)
	}
	return vins
}

// Client 指定车辆的 API 门面
func (s *VehicleService) Client(vin string) (*carnet.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[vin]
	return c, ok
}

// GetState 获取车辆状态
func (s *VehicleService) GetState(vin string) (*state.VehicleState, bool) {
	machine, ok := s.stateManager.Get(vin)
	if !ok {
		return nil, false
	}
	return machine.GetState(), true
}

// GetAllStates 获取所有车辆状态
func (s *VehicleService) GetAllStates() map[string]*state.VehicleState {
	return s.stateManager.GetAllStates()
}

// PendingActions 指定车辆的在途命令
func (s *VehicleService) PendingActions(vin string) []*carnet.PendingAction {
	client, ok := s.Client(vin)
	if !ok {
		return nil
	}
	return client.Pending().All()
}

// syncVehicles 建立账号凭证组并为每辆车创建门面
// 未显式配置 VIN 时从账号自动发现
func (s *VehicleService) syncVehicles(ctx context.Context) error {
	tokenSetID := s.tokens.Store().GenerateTokenSetID()

	vins := s.cfg.VINs
	if len(vins) == 0 {
		account := carnet.NewClient(s.logger, s.transport, s.tokens, s.cfg.CarNet("", tokenSetID))
		discovered, err := account.GetVehicles(ctx)
		if err != nil {
			return fmt.Errorf("discover vehicles: %w", err)
		}
		vins = discovered
	}
	if len(vins) == 0 {
		return fmt.Errorf("account has no vehicles")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vin := range vins {
		if _, ok := s.clients[vin]; ok {
			continue
		}
		s.clients[vin] = carnet.NewClient(s.logger, s.transport, s.tokens, s.cfg.CarNet(vin, tokenSetID))
		s.stateManager.GetOrCreate(vin, state.StateOffline)
		s.logger.Info("Managing vehicle", zap.String("vin", vin))
	}
	return nil
}

// statusLoop 状态轮询循环
func (s *VehicleService) statusLoop(ctx context.Context) {
	defer s.wg.Done()

	// 启动时立即执行一次轮询
	s.pollAllVehicles(ctx)

	ticker := time.NewTicker(s.cfg.PollIntervalStatus)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAllVehicles(ctx)
		}
	}
}

func (s *VehicleService) pollAllVehicles(ctx context.Context) {
	for _, vin := range s.Vehicles() {
		if err := s.pollVehicle(ctx, vin); err != nil {
			s.logger.Error("Failed to poll vehicle", zap.Error(err), zap.String("vin", vin))
		}
	}
}

// pollVehicle 拉取一辆车的全部数据点并驱动状态机
func (s *VehicleService) pollVehicle(ctx context.Context, vin string) error {
	client, ok := s.Client(vin)
	if !ok {
		return fmt.Errorf("unknown vehicle %s", vin)
	}
	machine := s.stateManager.GetOrCreate(vin, state.StateOffline)

	status, err := client.GetVehicleStatus(ctx)
	if err != nil {
		// 拉不到状态视为失联
		if machine.CanTransition(state.EventGoOffline) {
			_ = machine.Trigger(state.EventGoOffline)
		}
		return err
	}
	if machine.CanTransition(state.EventReachable) {
		_ = machine.Trigger(state.EventReachable)
	}

	var charger *carnet.ChargerStatus
	if client.IsRemoteServiceAvailable(ctx, carnet.ServiceBatteryCharge) {
		if charger, err = client.GetChargerStatus(ctx); err != nil {
			s.logger.Debug("Charger status unavailable", zap.String("vin", vin), zap.Error(err))
		}
	}

	var climater *carnet.ClimaterStatus
	if client.IsRemoteServiceAvailable(ctx, carnet.ServiceClimatisation) {
		if climater, err = client.GetClimaterStatus(ctx); err != nil {
			s.logger.Debug("Climater status unavailable", zap.String("vin", vin), zap.Error(err))
		}
	}

	var position *carnet.Position
	if position, err = client.GetPosition(ctx); err != nil {
		s.logger.Debug("Position unavailable", zap.String("vin", vin), zap.Error(err))
	}

	machine.UpdateState(func(vs *state.VehicleState) {
		if mileage, ok := status.FieldFloat(carnet.FieldMileage); ok {
			vs.Odometer = mileage
		}
		if soc, ok := status.FieldFloat(carnet.FieldStateOfCharge); ok {
			vs.BatteryLevel = int(soc)
		}
		if rng, ok := status.FieldFloat(carnet.FieldPrimaryRange); ok {
			vs.RangeKm = rng
		}
		if brake, ok := status.FieldValue(carnet.FieldParkingBrake); ok {
			vs.ParkingBrake = brake != "0"
		}
		if lock, ok := status.FieldValue(carnet.FieldDoorLockFront); ok {
			vs.Locked = lock == "2" || lock == "3"
		}
		if charger != nil {
			cs := charger.Charger.Status
			vs.ChargingState = cs.ChargingStatusData.ChargingState.Content
			vs.BatteryLevel = cs.BatteryStatusData.StateOfCharge.Content
		}
		if climater != nil {
			vs.ClimatisationState = climater.Climater.Status.ClimatisationStatusData.ClimatisationState.Content
		}
		if position != nil {
			coord := position.FindCarResponse.CarPosition.CarCoordinate
			vs.Latitude = coord.LatitudeDeg()
			vs.Longitude = coord.LongitudeDeg()
		}
	})

	s.applyActivityEvents(machine)
	s.wsHub.BroadcastStateUpdate(machine.GetState())
	return nil
}

// applyActivityEvents 由数据点推导充电/空调/行驶状态
func (s *VehicleService) applyActivityEvents(machine *state.Machine) {
	vs := machine.GetState()

	charging := strings.EqualFold(vs.ChargingState, "charging")
	climatising := vs.ClimatisationState != "" &&
		!strings.EqualFold(vs.ClimatisationState, "off") &&
		!strings.EqualFold(vs.ClimatisationState, "invalid")
	driving := !vs.ParkingBrake && vs.CurrentState != state.StateOffline

	switch {
	case charging && machine.CanTransition(state.EventStartCharging):
		_ = machine.Trigger(state.EventStartCharging)
	case !charging && machine.CurrentState() == state.StateCharging:
		_ = machine.Trigger(state.EventStopCharging)
	}

	switch {
	case climatising && machine.CanTransition(state.EventStartClimatisation):
		_ = machine.Trigger(state.EventStartClimatisation)
	case !climatising && machine.CurrentState() == state.StateClimatising:
		_ = machine.Trigger(state.EventStopClimatisation)
	}

	switch {
	case driving && machine.CanTransition(state.EventStartDriving):
		_ = machine.Trigger(state.EventStartDriving)
	case !driving && machine.CurrentState() == state.StateDriving:
		_ = machine.Trigger(state.EventStopDriving)
	}
}

// pendingLoop 在途命令轮询循环
func (s *VehicleService) pendingLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollIntervalPending)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollPendingActions(ctx)
		}
	}
}

func (s *VehicleService) pollPendingActions(ctx context.Context) {
	for _, vin := range s.Vehicles() {
		client, ok := s.Client(vin)
		if !ok {
			continue
		}
		for _, p := range client.Pending().All() {
			status, err := client.Pending().Poll(ctx, p.RequestID)
			if err != nil {
				s.logger.Warn("Pending poll failed",
					zap.String("vin", vin),
					zap.String("request_id", p.RequestID),
					zap.Error(err))
				continue
			}
			s.wsHub.BroadcastActionUpdate(ws.ActionUpdate{
				VIN:       vin,
				Service:   p.Service,
				Action:    p.Action,
				RequestID: p.RequestID,
				Status:    status,
			})
			// 命令完成后马上刷一次状态，让界面尽快反映结果
			if status == carnet.StatusSuccessful {
				if err := s.pollVehicle(ctx, vin); err != nil {
					s.logger.Debug("Post-action poll failed", zap.String("vin", vin), zap.Error(err))
				}
			}
		}
	}
}

// tokenLoop 令牌刷新循环
func (s *VehicleService) tokenLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TokenRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, vin := range s.Vehicles() {
				client, ok := s.Client(vin)
				if !ok {
					continue
				}
				s.tokens.RefreshTokens(ctx, client.Config())
			}
		}
	}
}

// onStateChange 状态机转换回调
func (s *VehicleService) onStateChange(vin, from, to string) {
	s.logger.Info("Vehicle state changed",
		zap.String("vin", vin),
		zap.String("from", from),
		zap.String("to", to))

	if machine, ok := s.stateManager.Get(vin); ok {
		s.wsHub.BroadcastStateUpdate(machine.GetState())
	}
}
