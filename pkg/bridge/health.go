package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vox-deorum/strategos/pkg/models"
)

// Health monitor defaults.
const (
	HealthCheckInterval    = 15 * time.Second
	HealthFailureThreshold = 3
)

// Status is the monitor's view of the bridge.
type Status struct {
	Healthy   bool                 `json:"healthy"`
	LastCheck time.Time            `json:"last_check"`
	Error     string               `json:"error,omitempty"`
	Detail    *models.BridgeHealth `json:"detail,omitempty"`
}

// Monitor polls the bridge health endpoint in the background and exposes a
// process-level degraded flag. The flag flips unhealthy only after
// consecutive failures cross the threshold, so one dropped probe does not
// flap the status.
type Monitor struct {
	client        *Client
	checkInterval time.Duration
	threshold     int

	mu       sync.RWMutex
	status   Status
	failures int
	checked  bool

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewMonitor builds a monitor over the given client with default cadence.
func NewMonitor(client *Client) *Monitor {
	return &Monitor{
		client:        client,
		checkInterval: HealthCheckInterval,
		threshold:     HealthFailureThreshold,
		logger:        slog.Default().With("component", "bridge.health"),
	}
}

// Start launches the polling loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop terminates the polling loop and clears stale status so a subsequent
// Start begins with a clean slate.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	m.mu.Lock()
	m.status = Status{}
	m.failures = 0
	m.checked = false
	m.mu.Unlock()
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	m.check(ctx)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	health, err := m.client.Health(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	wasHealthy := m.status.Healthy
	m.checked = true
	m.status.LastCheck = time.Now()

	if err != nil {
		m.failures++
		m.status.Error = err.Error()
		m.status.Detail = nil
		if m.failures >= m.threshold {
			m.status.Healthy = false
			if wasHealthy {
				m.logger.Warn("Bridge degraded",
					"failures", m.failures, "error", err)
			}
		}
		return
	}

	m.failures = 0
	m.status.Error = ""
	m.status.Detail = health
	m.status.Healthy = health.BridgeUp && health.RemoteUp
	if m.status.Healthy && !wasHealthy {
		m.logger.Info("Bridge healthy",
			"version", health.Version, "uptime", health.Uptime)
	}
	if !m.status.Healthy && wasHealthy {
		m.logger.Warn("Bridge reports itself degraded",
			"bridgeUp", health.BridgeUp, "remoteUp", health.RemoteUp)
	}
}

// Healthy reports the degraded flag. False before the first check
// completes.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checked && m.status.Healthy
}

// Status returns a copy of the current status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
