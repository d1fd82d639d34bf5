package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/cargazer/internal/api/carnet"
	"github.com/langchou/cargazer/internal/api/httpc"
	"github.com/langchou/cargazer/internal/config"
	"github.com/langchou/cargazer/internal/state"
	"github.com/langchou/cargazer/pkg/ws"
)

const testVIN = "WVWZZZ1KZAW000001"

type scriptedTransport struct {
	handler func(method, url string, headers map[string]string, body string) (httpc.Response, error)
}

func (s *scriptedTransport) Get(ctx context.Context, url string, headers map[string]string) (httpc.Response, error) {
	return s.handler("GET", url, headers, "")
}

func (s *scriptedTransport) Post(ctx context.Context, url string, headers map[string]string, body string) (httpc.Response, error) {
	return s.handler("POST", url, headers, body)
}

func ok(body string) httpc.Response {
	return httpc.Response{Status: 200, Body: body}
}

var pollScript = func(method, url string, headers map[string]string, body string) (httpc.Response, error) {
	switch {
	case strings.Contains(url, "/vehicles/"+testVIN+"/status"):
		return ok(`{"StoredVehicleDataResponse":{"vin":"` + testVIN + `","vehicleData":{"data":[
			{"id":"0x0101010002","field":[{"id":"0x0101010002","value":"12345","unit":"km"}]},
			{"id":"0x030103FFFF","field":[
				{"id":"0x0301030001","value":"1"},
				{"id":"0x0301030002","value":"80","unit":"%"},
				{"id":"0x0301030005","value":"310","unit":"km"}]},
			{"id":"0x030104FFFF","field":[{"id":"0x0301040001","value":"2"}]}
		]}}}`), nil
	case strings.Contains(url, "rolesrights/operationlist"):
		return ok(`{"operationList":{"vin":"` + testVIN + `","serviceInfo":[
			{"serviceId":"rbatterycharge_v1","serviceStatus":{"status":"Enabled"}},
			{"serviceId":"rclima_v1","serviceStatus":{"status":"Enabled"}}
		]}}`), nil
	case strings.Contains(url, "/vehicles/"+testVIN+"/charge"):
		return ok(`{"charger":{"status":{
			"batteryStatusData":{"stateOfCharge":{"content":80}},
			"chargingStatusData":{"chargingState":{"content":"charging"}}}}}`), nil
	case strings.Contains(url, "/vehicles/"+testVIN+"/climater"):
		return ok(`{"climater":{"status":{"climatisationStatusData":{"climatisationState":{"content":"off"}}}}}`), nil
	case strings.Contains(url, "/vehicles/"+testVIN+"/position"):
		return ok(`{"findCarResponse":{"Position":{"carCoordinate":{"latitude":48123456,"longitude":11654321}}}}`), nil
	}
	return httpc.Response{Status: 404}, nil
}

func newTestService(t *testing.T, handler func(method, url string, headers map[string]string, body string) (httpc.Response, error)) *VehicleService {
	t.Helper()

	cfg := &config.Config{
		Brand:                "VW",
		Country:              "DE",
		User:                 "u@example.com",
		Password:             "pw",
		VINs:                 []string{testVIN},
		APIBase:              "https://msg.example.com/fs-car",
		PollIntervalStatus:   time.Minute,
		PollIntervalPending:  time.Second,
		TokenRefreshInterval: time.Minute,
	}

	logger := zap.NewNop()
	transport := &scriptedTransport{handler: handler}
	store := carnet.NewTokenStore(logger)
	tokens := carnet.NewTokenManager(logger, transport, store)
	svc := NewVehicleService(cfg, logger, transport, tokens, ws.NewHub(logger))

	require.NoError(t, svc.syncVehicles(context.Background()))

	// 预置可用的访问令牌，跳过登录流程
	client, ok := svc.Client(testVIN)
	require.True(t, ok)
	access := carnet.Token{AccessToken: "ACC", AuthType: carnet.AuthBearer}
	access.SetValidity(3600)
	require.NoError(t, store.Replace(client.Config().TokenSetID, &carnet.TokenSet{AccessToken: access}))

	return svc
}

func TestPollVehicleUpdatesState(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, pollScript)

	require.NoError(t, svc.pollVehicle(context.Background(), testVIN))

	vs, ok := svc.GetState(testVIN)
	require.True(t, ok)
	assert.Equal(t, state.StateCharging, vs.CurrentState)
	assert.Equal(t, 80, vs.BatteryLevel)
	assert.Equal(t, 12345.0, vs.Odometer)
	assert.Equal(t, 310.0, vs.RangeKm)
	assert.True(t, vs.ParkingBrake)
	assert.True(t, vs.Locked)
	assert.InDelta(t, 48.123456, vs.Latitude, 1e-9)
	assert.InDelta(t, 11.654321, vs.Longitude, 1e-9)
	assert.Equal(t, "charging", vs.ChargingState)
}

func TestPollVehicleUnreachableGoesOffline(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, pollScript)
	require.NoError(t, svc.pollVehicle(context.Background(), testVIN))

	// 切换到全部失败的脚本
	failing := func(method, url string, headers map[string]string, body string) (httpc.Response, error) {
		return httpc.Response{Status: 503}, nil
	}
	svc.mu.Lock()
	svc.transport.(*scriptedTransport).handler = failing
	svc.mu.Unlock()

	assert.Error(t, svc.pollVehicle(context.Background(), testVIN))

	vs, ok := svc.GetState(testVIN)
	require.True(t, ok)
	assert.Equal(t, state.StateOffline, vs.CurrentState)
}

func TestControlUnknownVehicle(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, pollScript)

	_, err := svc.Lock(context.Background(), "NOSUCHVIN", true)
	assert.Error(t, err)
}

func TestChargingControlBroadcasts(t *testing.T) {
	t.Parallel()

	accepted := false
	handler := func(method, url string, headers map[string]string, body string) (httpc.Response, error) {
		if method == "POST" && strings.Contains(url, "/charger/actions") {
			accepted = true
			return ok(`{"action":{"actionId":"42","actionState":"queued"}}`), nil
		}
		return pollScript(method, url, headers, body)
	}
	svc := newTestService(t, handler)

	status, err := svc.Charging(context.Background(), testVIN, true)
	require.NoError(t, err)
	assert.Equal(t, carnet.StatusInProgress, status)
	assert.True(t, accepted)

	actions := svc.PendingActions(testVIN)
	require.Len(t, actions, 1)
	assert.Equal(t, "42", actions[0].RequestID)
}
