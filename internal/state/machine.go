package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 车辆状态常量
const (
	StateOnline      = "online"
	StateOffline     = "offline"
	StateDriving     = "driving"
	StateCharging    = "charging"
	StateClimatising = "climatising"
)

// 事件常量
const (
	EventReachable          = "reachable"
	EventGoOffline          = "go_offline"
	EventStartDriving       = "start_driving"
	EventStopDriving        = "stop_driving"
	EventStartCharging      = "start_charging"
	EventStopCharging       = "stop_charging"
	EventStartClimatisation = "start_climatisation"
	EventStopClimatisation  = "stop_climatisation"
)

// VehicleState 车辆状态
type VehicleState struct {
	VIN          string    `json:"vin"`
	CurrentState string    `json:"state"`
	Since        time.Time `json:"since"`

	BatteryLevel int     `json:"battery_level"`
	RangeKm      float64 `json:"range_km"`
	Odometer     float64 `json:"odometer_km"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`

	Locked        bool `json:"locked"`
	DoorsClosed   bool `json:"doors_closed"`
	WindowsClosed bool `json:"windows_closed"`
	ParkingBrake  bool `json:"parking_brake"`

	ChargingState      string  `json:"charging_state"`
	PlugState          string  `json:"plug_state"`
	ChargeRemainingMin int     `json:"charge_remaining_min"`
	ClimatisationState string  `json:"climatisation_state"`
	TargetTempC        float64 `json:"target_temp_c"`

	LastUpdated time.Time `json:"last_updated"`
}

// Machine 车辆状态机
type Machine struct {
	mu            sync.RWMutex
	vin           string
	fsm           *fsm.FSM
	state         *VehicleState
	onStateChange func(vin string, from, to string)
}

// NewMachine 创建状态机
func NewMachine(vin string, initialState string, onStateChange func(vin string, from, to string)) *Machine {
	if initialState == "" {
		initialState = StateOffline
	}

	m := &Machine{
		vin:           vin,
		onStateChange: onStateChange,
		state: &VehicleState{
			VIN:          vin,
			CurrentState: initialState,
			Since:        time.Now(),
		},
	}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			// 从 offline 状态
			{Name: EventReachable, Src: []string{StateOffline}, Dst: StateOnline},

			// 从 online 状态
			{Name: EventGoOffline, Src: []string{StateOnline, StateDriving, StateCharging, StateClimatising}, Dst: StateOffline},
			{Name: EventStartDriving, Src: []string{StateOnline, StateClimatising}, Dst: StateDriving},
			{Name: EventStartCharging, Src: []string{StateOnline, StateClimatising}, Dst: StateCharging},
			{Name: EventStartClimatisation, Src: []string{StateOnline}, Dst: StateClimatising},

			// 回到 online
			{Name: EventStopDriving, Src: []string{StateDriving}, Dst: StateOnline},
			{Name: EventStopCharging, Src: []string{StateCharging}, Dst: StateOnline},
			{Name: EventStopClimatisation, Src: []string{StateClimatising}, Dst: StateOnline},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.vin, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// GetState 获取完整状态
func (m *Machine) GetState() *VehicleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// 返回副本
	stateCopy := *m.state
	stateCopy.CurrentState = m.fsm.Current()
	return &stateCopy
}

// UpdateState 更新状态数据
func (m *Machine) UpdateState(update func(s *VehicleState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(m.state)
	m.state.LastUpdated = time.Now()
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.state.CurrentState = m.fsm.Current()
	m.state.Since = time.Now()
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// Manager 状态机管理器
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(vin string, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(vin string, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(vin string, initialState string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[vin]; ok {
		return machine
	}

	machine := NewMachine(vin, initialState, m.onChange)
	m.machines[vin] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(vin string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[vin]
	return machine, ok
}

// GetAllStates 获取所有车辆状态
func (m *Manager) GetAllStates() map[string]*VehicleState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]*VehicleState)
	for vin, machine := range m.machines {
		states[vin] = machine.GetState()
	}
	return states
}
