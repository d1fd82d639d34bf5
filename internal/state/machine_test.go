package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineTransitions(t *testing.T) {
	t.Parallel()

	m := NewMachine("WVWZZZ1KZAW000001", "", nil)
	assert.Equal(t, StateOffline, m.CurrentState())

	require.NoError(t, m.Trigger(EventReachable))
	assert.Equal(t, StateOnline, m.CurrentState())

	require.NoError(t, m.Trigger(EventStartCharging))
	assert.Equal(t, StateCharging, m.CurrentState())

	// 充电中不能直接开始空调
	assert.False(t, m.CanTransition(EventStartClimatisation))

	require.NoError(t, m.Trigger(EventStopCharging))
	require.NoError(t, m.Trigger(EventStartClimatisation))
	assert.Equal(t, StateClimatising, m.CurrentState())

	// 任何在线状态都可能失联
	require.NoError(t, m.Trigger(EventGoOffline))
	assert.Equal(t, StateOffline, m.CurrentState())
}

func TestMachineInvalidTransition(t *testing.T) {
	t.Parallel()

	m := NewMachine("WVWZZZ1KZAW000001", StateOffline, nil)
	assert.Error(t, m.Trigger(EventStartDriving))
}

func TestMachineStateChangeCallback(t *testing.T) {
	t.Parallel()

	type change struct{ vin, from, to string }
	var changes []change
	m := NewMachine("WVWZZZ1KZAW000001", "", func(vin, from, to string) {
		changes = append(changes, change{vin, from, to})
	})

	require.NoError(t, m.Trigger(EventReachable))
	require.Len(t, changes, 1)
	assert.Equal(t, change{"WVWZZZ1KZAW000001", StateOffline, StateOnline}, changes[0])
}

func TestMachineUpdateState(t *testing.T) {
	t.Parallel()

	m := NewMachine("WVWZZZ1KZAW000001", StateOnline, nil)
	m.UpdateState(func(s *VehicleState) {
		s.BatteryLevel = 72
		s.Locked = true
	})

	s := m.GetState()
	assert.Equal(t, 72, s.BatteryLevel)
	assert.True(t, s.Locked)
	assert.False(t, s.LastUpdated.IsZero())

	// GetState 返回副本
	s.BatteryLevel = 1
	assert.Equal(t, 72, m.GetState().BatteryLevel)
}

func TestManagerGetOrCreate(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil)
	m1 := mgr.GetOrCreate("WVWZZZ1KZAW000001", StateOnline)
	m2 := mgr.GetOrCreate("WVWZZZ1KZAW000001", StateOffline)
	assert.Same(t, m1, m2)

	mgr.GetOrCreate("WAUZZZ8V4KA000002", StateOffline)
	assert.Len(t, mgr.GetAllStates(), 2)
}
