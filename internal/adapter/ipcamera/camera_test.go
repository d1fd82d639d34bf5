package ipcamera

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/cargazer/internal/api/httpc"
)

type fakeTransport struct {
	handler func(method, url string, headers map[string]string, body string) (httpc.Response, error)
}

func (f *fakeTransport) Get(ctx context.Context, url string, headers map[string]string) (httpc.Response, error) {
	return f.handler("GET", url, headers, "")
}

func (f *fakeTransport) Post(ctx context.Context, url string, headers map[string]string, body string) (httpc.Response, error) {
	return f.handler("POST", url, headers, body)
}

func TestSnapshotSendsBasicAuth(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{handler: func(method, url string, headers map[string]string, body string) (httpc.Response, error) {
		assert.Equal(t, "GET", method)
		assert.Equal(t, "http://cam.local/cgi-bin/snapshot.cgi", url)
		// admin:secret
		assert.Equal(t, "Basic YWRtaW46c2VjcmV0", headers["Authorization"])
		return httpc.Response{Status: 200, Body: "\xff\xd8jpegdata"}, nil
	}}

	cam := NewClient(zap.NewNop(), ft, "http://cam.local", "admin", "secret")
	img, err := cam.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), img[0])
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{handler: func(method, url string, headers map[string]string, body string) (httpc.Response, error) {
		return httpc.Response{Status: 200, Body: `{"deviceName":"garage","firmware":"2.800","uptime":3600,"recording":true}`}, nil
	}}

	cam := NewClient(zap.NewNop(), ft, "http://cam.local", "", "")
	st, err := cam.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "garage", st.DeviceName)
	assert.True(t, st.Recording)
}

func TestRebootRejectedStatus(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{handler: func(method, url string, headers map[string]string, body string) (httpc.Response, error) {
		return httpc.Response{Status: 401}, nil
	}}

	cam := NewClient(zap.NewNop(), ft, "http://cam.local", "", "")
	assert.Error(t, cam.Reboot(context.Background()))
}
