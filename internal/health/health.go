// Package health exposes the state of a supervised relay connection over HTTP
// and keeps it connected in the background.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/herald/pkg/connection"
	"github.com/dyluth/herald/pkg/relay"
)

// Supervisor is the connection view the health server needs.
// *connection.Supervisor implements it.
type Supervisor interface {
	State() connection.State
	Status() []relay.EndpointStatus
	EnsureConnected(ctx context.Context) error
}

// Check is an additional dependency probe, e.g. a Redis ping.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// HealthServer provides an HTTP health check endpoint.
// The server runs in a background goroutine and can be gracefully shut down.
type HealthServer struct {
	server   *http.Server
	listener net.Listener
	sup      Supervisor
	checks   []Check
	monitor  *Monitor
	logger   zerolog.Logger
}

// HealthResponse represents the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status string                 `json:"status"`
	State  string                 `json:"state"`
	Error  string                 `json:"error,omitempty"`
	Relays []relay.EndpointStatus `json:"relays"`

	// LastCheck is the monitor's most recent reconnect check, when a
	// monitor is attached.
	LastCheck *CheckResult `json:"last_check,omitempty"`
}

// CheckResult is the outcome of one monitor check.
type CheckResult struct {
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// NewHealthServer creates a new health check HTTP server listening on addr.
func NewHealthServer(addr string, sup Supervisor, checks []Check, logger zerolog.Logger) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		sup:    sup,
		checks: checks,
		logger: logger,
	}

	mux.HandleFunc("/healthz", hs.handleHealthz)

	return hs
}

// SetMonitor attaches a monitor whose last check result is reported by
// /healthz. Call before Start.
func (hs *HealthServer) SetMonitor(m *Monitor) {
	hs.monitor = m
}

// Handler returns the HTTP handler, for embedding or tests.
func (hs *HealthServer) Handler() http.Handler {
	return hs.server.Handler
}

// Start binds the listener and serves in a background goroutine.
// Returns an error if the address cannot be bound (e.g., port already in use).
func (hs *HealthServer) Start() error {
	ln, err := net.Listen("tcp", hs.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", hs.server.Addr, err)
	}
	hs.listener = ln

	go func() {
		hs.logger.Debug().Str("addr", ln.Addr().String()).Msg("Health server starting")
		if err := hs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error().Err(err).Msg("Health server error")
		}
		hs.logger.Debug().Msg("Health server stopped")
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded.
func (hs *HealthServer) Addr() string {
	if hs.listener == nil {
		return hs.server.Addr
	}
	return hs.listener.Addr().String()
}

// Shutdown gracefully shuts down the HTTP server.
// The provided context controls the shutdown timeout.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.logger.Debug().Msg("Shutting down health server")
	return hs.server.Shutdown(ctx)
}

// handleHealthz handles HTTP GET requests to /healthz.
// Returns 200 OK when connected with at least one live relay and every
// check passes, 503 Service Unavailable otherwise.
func (hs *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	endpoints := hs.sup.Status()
	response := HealthResponse{
		Status: "healthy",
		State:  hs.sup.State().String(),
		Relays: endpoints,
	}

	if hs.monitor != nil {
		response.LastCheck = hs.monitor.LastCheck()
	}

	if err := hs.probe(ctx, endpoints); err != nil {
		response.Status = "unhealthy"
		response.Error = err.Error()
	}

	statusCode := http.StatusOK
	if response.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		hs.logger.Error().Err(err).Msg("Failed to encode health response")
	}
}

func (hs *HealthServer) probe(ctx context.Context, endpoints []relay.EndpointStatus) error {
	if state := hs.sup.State(); state != connection.Connected {
		return fmt.Errorf("connection %s", state)
	}

	live := 0
	for _, ep := range endpoints {
		if ep.Connected {
			live++
		}
	}
	if live == 0 {
		return relay.ErrNoConnectedRelays
	}

	for _, c := range hs.checks {
		if err := c.Run(ctx); err != nil {
			return fmt.Errorf("%s check failed: %w", c.Name, err)
		}
	}
	return nil
}

// Monitor keeps the supervisor connected by calling EnsureConnected
// periodically in a background goroutine.
type Monitor struct {
	sup          Supervisor
	interval     time.Duration
	logger       zerolog.Logger
	lastCheck    atomic.Pointer[CheckResult]
	checkRunning atomic.Bool
	stopChan     chan struct{}
	stopped      atomic.Bool
}

// NewMonitor creates a monitor. A non-positive interval means 30s.
func NewMonitor(sup Supervisor, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		sup:      sup,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	return m
}

// Start begins periodic checks in a background goroutine.
func (m *Monitor) Start() {
	ticker := time.NewTicker(m.interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runCheck()
			case <-m.stopChan:
				return
			}
		}
	}()

	m.logger.Info().Dur("interval", m.interval).Msg("Connection monitor started")
}

// Stop stops the background goroutine. Safe to call multiple times.
func (m *Monitor) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopChan)
	}
}

// runCheck reconnects if needed. Skips if a previous check is still running.
func (m *Monitor) runCheck() {
	if !m.checkRunning.CompareAndSwap(false, true) {
		m.logger.Warn().Msg("Skipping connection check - previous check still running")
		return
	}
	defer m.checkRunning.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*m.interval)
	defer cancel()

	err := m.sup.EnsureConnected(ctx)
	result := &CheckResult{At: time.Now().UTC()}
	if err != nil {
		result.Error = err.Error()
	}
	m.lastCheck.Store(result)

	if err != nil {
		m.logger.Warn().Err(err).Msg("Connection check failed")
	}
}

// LastCheck returns the most recent check result, or nil before the first.
func (m *Monitor) LastCheck() *CheckResult {
	return m.lastCheck.Load()
}
