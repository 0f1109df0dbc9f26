package capsule

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type healthServer struct {
	*httptest.Server
	healthy atomic.Bool
	hits    atomic.Int32

	mu      sync.Mutex
	lastReq *http.Request
}

func newHealthServer(t *testing.T) *healthServer {
	t.Helper()
	h := &healthServer{}
	h.healthy.Store(true)
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		h.mu.Lock()
		h.lastReq = r.Clone(context.Background())
		h.mu.Unlock()
		if !h.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *healthServer) last() *http.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReq
}

func newTestConnectivity(h *healthServer) *ConnectivityService {
	return NewConnectivityService(ConnectivityConfig{
		HealthURL: h.URL + DefaultHealthPath,
		Logger:    quietLogger(),
	})
}

func TestConnectivityStartsOnline(t *testing.T) {
	c := NewConnectivityService(ConnectivityConfig{HealthURL: "http://127.0.0.1:1/api/health", Logger: quietLogger()})
	assert.Equal(t, ConnectionState{Online: true, Quality: QualityGood}, c.State())
	_, known := c.Link()
	assert.False(t, known)
}

func TestCheckNetworkStatus(t *testing.T) {
	h := newHealthServer(t)
	c := newTestConnectivity(h)
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		assert.True(t, c.CheckNetworkStatus(ctx))
		req := h.last()
		require.NotNil(t, req)
		assert.Equal(t, http.MethodHead, req.Method)
		assert.Equal(t, DefaultHealthPath, req.URL.Path)
		assert.NotEmpty(t, req.URL.Query().Get("_t"))
		assert.Equal(t, "no-cache", req.Header.Get("Cache-Control"))
		assert.Equal(t, "no-cache", req.Header.Get("Pragma"))
	})

	t.Run("non-2xx is offline", func(t *testing.T) {
		h.healthy.Store(false)
		assert.False(t, c.CheckNetworkStatus(ctx))
		assert.Equal(t, ConnectionState{Online: false, Quality: QualityOffline}, c.State())
	})

	t.Run("unreachable is offline", func(t *testing.T) {
		dead := NewConnectivityService(ConnectivityConfig{HealthURL: "http://127.0.0.1:1/api/health", Logger: quietLogger()})
		assert.False(t, dead.CheckNetworkStatus(ctx))
		assert.False(t, dead.IsOnline())
	})

	t.Run("probes bust caches", func(t *testing.T) {
		h.healthy.Store(true)
		c.CheckNetworkStatus(ctx)
		first := h.last().URL.Query().Get("_t")
		time.Sleep(time.Millisecond)
		c.CheckNetworkStatus(ctx)
		assert.NotEqual(t, first, h.last().URL.Query().Get("_t"))
	})
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := NewConnectivityService(ConnectivityConfig{
		HealthURL:    srv.URL + DefaultHealthPath,
		ProbeTimeout: 50 * time.Millisecond,
		Logger:       quietLogger(),
	})
	start := time.Now()
	assert.False(t, c.CheckNetworkStatus(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOnlineCallbacksFireOnTransitionsOnly(t *testing.T) {
	h := newHealthServer(t)
	c := newTestConnectivity(h)
	ctx := context.Background()

	var onlines, offlines atomic.Int32
	c.OnOnline(func() { onlines.Add(1) })
	c.OnOffline(func() { offlines.Add(1) })

	c.SetLinkInfo(LinkInfo{EffectiveType: "3g"})
	var qualityEvents atomic.Int32
	for _, ev := range []string{EventPoorConnection, EventMediumConnection, EventGoodConnection} {
		c.On(ev, func(string, any) { qualityEvents.Add(1) })
	}

	c.CheckNetworkStatus(ctx) // online -> online
	assert.Equal(t, int32(0), onlines.Load())
	assert.Equal(t, ConnectionState{Online: true, Quality: QualityMedium}, c.State(), "a confirming probe keeps the quality")
	assert.Equal(t, int32(0), qualityEvents.Load())

	h.healthy.Store(false)
	c.CheckNetworkStatus(ctx)
	c.CheckNetworkStatus(ctx)
	assert.Equal(t, int32(1), offlines.Load())

	h.healthy.Store(true)
	c.CheckNetworkStatus(ctx)
	c.CheckNetworkStatus(ctx)
	assert.Equal(t, int32(1), onlines.Load())

	c.SetOnline(false)
	c.SetOnline(true)
	assert.Equal(t, int32(2), onlines.Load())
	assert.Equal(t, int32(2), offlines.Load())
}

func TestClassifyLink(t *testing.T) {
	tests := []struct {
		name string
		info LinkInfo
		want Quality
	}{
		{"slow-2g", LinkInfo{EffectiveType: "slow-2g", Downlink: 5}, QualityPoor},
		{"2g", LinkInfo{EffectiveType: "2g"}, QualityPoor},
		{"very low downlink", LinkInfo{EffectiveType: "4g", Downlink: 0.3}, QualityPoor},
		{"3g", LinkInfo{EffectiveType: "3g", Downlink: 10}, QualityMedium},
		{"low downlink", LinkInfo{EffectiveType: "4g", Downlink: 1.5}, QualityMedium},
		{"4g", LinkInfo{EffectiveType: "4g", Downlink: 10}, QualityGood},
		{"unknown downlink", LinkInfo{EffectiveType: "4g"}, QualityGood},
		{"nothing known", LinkInfo{}, QualityGood},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyLink(tt.info))
		})
	}
}

func TestQualityEvents(t *testing.T) {
	c := NewConnectivityService(ConnectivityConfig{HealthURL: "http://127.0.0.1:1/api/health", Logger: quietLogger()})
	var got []string
	for _, ev := range []string{EventPoorConnection, EventMediumConnection, EventGoodConnection} {
		c.On(ev, func(event string, payload any) { got = append(got, event) })
	}

	c.SetLinkInfo(LinkInfo{EffectiveType: "2g"})
	c.SetLinkInfo(LinkInfo{EffectiveType: "2g", Downlink: 0.1}) // still poor
	c.SetLinkInfo(LinkInfo{EffectiveType: "3g"})
	c.SetLinkInfo(LinkInfo{EffectiveType: "4g", Downlink: 20})

	assert.Equal(t, []string{EventPoorConnection, EventMediumConnection, EventGoodConnection}, got)

	c.SetLinkInfo(LinkInfo{EffectiveType: "2g"})
	c.SetOnline(false)
	assert.Equal(t, QualityOffline, c.State().Quality)
	c.SetOnline(true)
	assert.Equal(t, QualityPoor, c.State().Quality, "quality is reclassified from the last link info")
}

func TestConnectivityPeriodicProbe(t *testing.T) {
	h := newHealthServer(t)
	c := NewConnectivityService(ConnectivityConfig{
		HealthURL:     h.URL + DefaultHealthPath,
		ProbeInterval: 10 * time.Millisecond,
		Logger:        quietLogger(),
	})
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	require.Eventually(t, func() bool { return h.hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	h.healthy.Store(false)
	require.Eventually(t, func() bool { return !c.IsOnline() }, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	time.Sleep(30 * time.Millisecond)
	n := h.hits.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, h.hits.Load())
}
