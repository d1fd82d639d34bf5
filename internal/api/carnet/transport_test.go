package carnet

import (
	"context"
	"net/http"
	"sync"

	"github.com/langchou/cargazer/internal/api/httpc"
)

// fakeTransport 按 handler 脚本应答并记录全部调用
type fakeTransport struct {
	mu      sync.Mutex
	calls   []fakeCall
	handler func(method, url string, headers map[string]string, body string) (httpc.Response, error)
}

type fakeCall struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

func (f *fakeTransport) record(method, url string, headers map[string]string, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	f.calls = append(f.calls, fakeCall{Method: method, URL: url, Headers: copied, Body: body})
}

func (f *fakeTransport) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) Get(ctx context.Context, url string, headers map[string]string) (httpc.Response, error) {
	f.record("GET", url, headers, "")
	return f.handler("GET", url, headers, "")
}

func (f *fakeTransport) Post(ctx context.Context, url string, headers map[string]string, body string) (httpc.Response, error) {
	f.record("POST", url, headers, body)
	return f.handler("POST", url, headers, body)
}

func okResponse(body string) httpc.Response {
	return httpc.Response{Status: 200, Body: body, Headers: http.Header{}}
}

func redirectResponse(location string) httpc.Response {
	h := http.Header{}
	h.Set("Location", location)
	return httpc.Response{Status: 302, Headers: h}
}
