package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/herald/pkg/connection"
	"github.com/dyluth/herald/pkg/relay"
)

// fakeSupervisor reports a fixed state.
type fakeSupervisor struct {
	mu        sync.Mutex
	state     connection.State
	endpoints []relay.EndpointStatus
	ensureErr error
	ensures   atomic.Int32
}

func (f *fakeSupervisor) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSupervisor) Status() []relay.EndpointStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoints
}

func (f *fakeSupervisor) EnsureConnected(ctx context.Context) error {
	f.ensures.Add(1)
	return f.ensureErr
}

func getHealth(t *testing.T, hs *HealthServer) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec.Code, resp
}

func TestHealthz(t *testing.T) {
	live := []relay.EndpointStatus{{URL: "wss://a.example", Connected: true}}

	t.Run("healthy", func(t *testing.T) {
		sup := &fakeSupervisor{state: connection.Connected, endpoints: live}
		code, resp := getHealth(t, NewHealthServer(":0", sup, nil, zerolog.Nop()))

		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "connected", resp.State)
		assert.Len(t, resp.Relays, 1)
	})

	t.Run("disconnected", func(t *testing.T) {
		sup := &fakeSupervisor{state: connection.Disconnected}
		code, resp := getHealth(t, NewHealthServer(":0", sup, nil, zerolog.Nop()))

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "connection disconnected", resp.Error)
	})

	t.Run("every relay dropped", func(t *testing.T) {
		sup := &fakeSupervisor{state: connection.Connected, endpoints: []relay.EndpointStatus{{URL: "wss://a.example"}}}
		code, resp := getHealth(t, NewHealthServer(":0", sup, nil, zerolog.Nop()))

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, relay.ErrNoConnectedRelays.Error(), resp.Error)
	})

	t.Run("failing check", func(t *testing.T) {
		sup := &fakeSupervisor{state: connection.Connected, endpoints: live}
		checks := []Check{{Name: "redis", Run: func(ctx context.Context) error { return errors.New("connection refused") }}}
		code, resp := getHealth(t, NewHealthServer(":0", sup, checks, zerolog.Nop()))

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "redis check failed: connection refused", resp.Error)
	})
}

func TestHealthServerLifecycle(t *testing.T) {
	sup := &fakeSupervisor{state: connection.Connected, endpoints: []relay.EndpointStatus{{URL: "wss://a.example", Connected: true}}}
	hs := NewHealthServer("127.0.0.1:0", sup, nil, zerolog.Nop())
	require.NoError(t, hs.Start())

	resp, err := http.Get("http://" + hs.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, hs.Shutdown(ctx))
}

func TestMonitor(t *testing.T) {
	sup := &fakeSupervisor{}
	m := NewMonitor(sup, 10*time.Millisecond, zerolog.Nop())
	assert.Nil(t, m.LastCheck())

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return sup.ensures.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NotNil(t, m.LastCheck())
	assert.Empty(t, m.LastCheck().Error)

	m.Stop()
	m.Stop()
}

func TestHealthzReportsLastMonitorCheck(t *testing.T) {
	sup := &fakeSupervisor{state: connection.Disconnected, ensureErr: errors.New("failed to connect after 4 attempts")}
	m := NewMonitor(sup, 10*time.Millisecond, zerolog.Nop())
	hs := NewHealthServer(":0", sup, nil, zerolog.Nop())
	hs.SetMonitor(m)

	_, resp := getHealth(t, hs)
	assert.Nil(t, resp.LastCheck, "no check has run yet")

	m.Start()
	defer m.Stop()
	require.Eventually(t, func() bool { return m.LastCheck() != nil }, time.Second, 5*time.Millisecond)

	code, resp := getHealth(t, hs)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.NotNil(t, resp.LastCheck)
	assert.Equal(t, "failed to connect after 4 attempts", resp.LastCheck.Error)
	assert.False(t, resp.LastCheck.At.IsZero())
}
