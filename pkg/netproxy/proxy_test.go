package netproxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwoglom/wearlink/pkg/event"
	"github.com/jwoglom/wearlink/pkg/profile"
)

const device = "AA:BB:CC:DD:EE:FF"

type recorder struct {
	mutex  sync.Mutex
	events []event.Event
}

func (r *recorder) Emit(e event.Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []event.Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]event.Event(nil), r.events...)
}

type response struct {
	status int
	body   []byte
}

func serve(t *testing.T, p *Proxy, rawURL string) response {
	t.Helper()
	ch := make(chan response, 1)
	p.ServeDeviceRequest(profile.HTTPRequest{Device: device, ID: 7, URL: rawURL}, func(status int, body []byte) {
		ch <- response{status, body}
	})
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
		return response{}
	}
}

func allowAll() Permission {
	return NewStaticPolicy(map[string][]string{KindNetwork: {"*"}})
}

func TestStaticPolicy(t *testing.T) {
	p := NewStaticPolicy(map[string][]string{KindNetwork: {"aa:bb:cc:dd:ee:ff"}})

	assert.True(t, p.IsPermitted(KindNetwork, device))
	assert.False(t, p.IsPermitted(KindNetwork, "11:22:33:44:55:66"))
	assert.False(t, p.IsPermitted("location", device))

	p.Revoke(KindNetwork, device)
	assert.False(t, p.IsPermitted(KindNetwork, device))

	p.Grant(KindNetwork, "*")
	assert.True(t, p.IsPermitted(KindNetwork, "11:22:33:44:55:66"))
}

func TestProxyFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"temp":21}`))
	}))
	defer srv.Close()

	rec := &recorder{}
	p := New(allowAll(), Options{Sink: func(string) event.Sink { return rec }})
	defer p.Close()

	r := serve(t, p, srv.URL+"/weather")
	assert.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, `{"temp":21}`, string(r.body))

	events := rec.all()
	require.Len(t, events, 1)
	proxied, ok := events[0].(event.HTTPProxied)
	require.True(t, ok)
	assert.Equal(t, uint32(7), proxied.RequestID)
	assert.Equal(t, 11, proxied.Bytes)
	assert.Equal(t, http.StatusOK, proxied.Status)
	assert.Equal(t, device, proxied.Meta().Device)
}

func TestProxyDenied(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	rec := &recorder{}
	p := New(NewStaticPolicy(nil), Options{Sink: func(string) event.Sink { return rec }})
	defer p.Close()

	r := serve(t, p, srv.URL)
	assert.Equal(t, http.StatusForbidden, r.status)
	assert.Zero(t, hits.Load())

	events := rec.all()
	require.Len(t, events, 1)
	denied, ok := events[0].(event.PermissionDenied)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, denied.Request)
	assert.Equal(t, srv.URL, denied.URL)
	assert.Equal(t, uint64(1), p.GetStats()["denied"])
}

func TestProxyNilPolicyDenies(t *testing.T) {
	p := New(nil, Options{})
	defer p.Close()
	assert.Equal(t, http.StatusForbidden, serve(t, p, "http://example.invalid/").status)
}

func TestProxyBadURL(t *testing.T) {
	p := New(allowAll(), Options{})
	defer p.Close()

	for _, u := range []string{"ftp://example.com/x", "not a url", "http://"} {
		assert.Equal(t, http.StatusBadRequest, serve(t, p, u).status, u)
	}
}

func TestProxyMaxBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 65)))
	}))
	defer srv.Close()

	rec := &recorder{}
	p := New(allowAll(), Options{MaxBody: 64, Sink: func(string) event.Sink { return rec }})
	defer p.Close()

	assert.Equal(t, http.StatusBadGateway, serve(t, p, srv.URL).status)
	assert.Empty(t, rec.all())
}

func TestProxyRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := New(allowAll(), Options{Rate: 0.001, Burst: 2})
	defer p.Close()

	assert.Equal(t, http.StatusOK, serve(t, p, srv.URL).status)
	assert.Equal(t, http.StatusOK, serve(t, p, srv.URL).status)
	assert.Equal(t, http.StatusTooManyRequests, serve(t, p, srv.URL).status)
	assert.Equal(t, uint64(1), p.GetStats()["limited"])
}

func TestProxyTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := New(allowAll(), Options{Timeout: 50 * time.Millisecond})
	defer p.Close()

	assert.Equal(t, http.StatusGatewayTimeout, serve(t, p, srv.URL).status)
}

func TestProxyBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL
	srv.Close()

	p := New(allowAll(), Options{Rate: 1000, Burst: 100, MaxFailures: 2, OpenTimeout: time.Minute})
	defer p.Close()

	assert.Equal(t, http.StatusBadGateway, serve(t, p, target).status)
	assert.Equal(t, http.StatusBadGateway, serve(t, p, target).status)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, p, target).status)
	assert.Equal(t, 1, p.GetStats()["open_breakers"])
}
