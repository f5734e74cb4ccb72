package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	warren "github.com/nevindra/warren"
)

// WorkerState is a worker's position in its lifecycle.
type WorkerState int

const (
	StateAbsent WorkerState = iota
	StateProvisioning
	StateRunning
	StateUnhealthy
	StateRestarting
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateProvisioning:
		return "provisioning"
	case StateRunning:
		return "running"
	case StateUnhealthy:
		return "unhealthy"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// workerEntry is one user's published routing-table entry. Entries are
// constructed fully before publication and replaced wholesale on state
// change, so readers never observe a partial entry.
type workerEntry struct {
	state    WorkerState
	info     WorkerInfo
	baseURL  string
	lastUsed time.Time
}

// Manager owns the per-user worker lifecycle: on-demand provisioning with
// per-user single-flight, readiness gating, periodic health checks with
// restart, and idle teardown.
type Manager struct {
	runtime Runtime
	image   string
	port    int
	env     func(user string) []string
	client  *http.Client
	logger  *slog.Logger

	readyTimeout   time.Duration
	probeInterval  time.Duration
	healthInterval time.Duration
	idleTTL        time.Duration // 0 = never torn down

	group singleflight.Group

	mu      sync.RWMutex
	workers map[string]*workerEntry

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithReadyTimeout bounds the wait for a freshly provisioned worker to pass
// its readiness probe (default: 30s).
func WithReadyTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.readyTimeout = d }
}

// WithHealthInterval sets the periodic health check interval (default: 15s).
func WithHealthInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.healthInterval = d }
}

// WithIdleTTL enables teardown of workers idle for longer than d. Zero (the
// default) keeps workers running until shutdown.
func WithIdleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTTL = d }
}

// WithWorkerEnv sets the env injected into each worker container.
func WithWorkerEnv(fn func(user string) []string) ManagerOption {
	return func(m *Manager) { m.env = fn }
}

// WithManagerLogger sets a structured logger. If not set, no logs are emitted.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager that runs workers from image, listening on
// port inside the container. Call Start to begin health supervision and
// Stop on shutdown.
func NewManager(runtime Runtime, image string, port int, opts ...ManagerOption) *Manager {
	m := &Manager{
		runtime:        runtime,
		image:          image,
		port:           port,
		env:            func(string) []string { return nil },
		client:         &http.Client{Timeout: 5 * time.Second},
		logger:         warren.NopLogger(),
		readyTimeout:   30 * time.Second,
		probeInterval:  500 * time.Millisecond,
		healthInterval: 15 * time.Second,
		workers:        make(map[string]*workerEntry),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start ensures the worker network exists and begins the health loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.runtime.EnsureNetwork(ctx); err != nil {
		return err
	}
	m.started.Store(true)
	go m.healthLoop()
	return nil
}

// Stop halts supervision and stops all running workers. Safe to call even
// if Start never ran.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.started.Load() {
			<-m.done
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		for user, entry := range m.workers {
			if entry.state == StateRunning || entry.state == StateUnhealthy {
				if err := m.runtime.StopWorker(ctx, user); err != nil {
					m.logger.Warn("stopping worker failed", "user", user, "error", err)
				}
			}
			m.workers[user] = &workerEntry{state: StateStopped, info: entry.info}
		}
	})
}

// Endpoint returns the base URL of a healthy worker for the user,
// provisioning one if needed. Concurrent calls for the same user share one
// provisioning attempt; calls for different users proceed independently.
func (m *Manager) Endpoint(ctx context.Context, user string) (string, error) {
	// Fast path: published healthy worker.
	m.mu.RLock()
	entry, ok := m.workers[user]
	m.mu.RUnlock()
	if ok && entry.state == StateRunning {
		m.touch(user)
		return entry.baseURL, nil
	}

	v, err, _ := m.group.Do(user, func() (any, error) {
		return m.provision(ctx, user)
	})
	if err != nil {
		return "", err
	}
	m.touch(user)
	return v.(string), nil
}

// provision drives ABSENT/STOPPED -> PROVISIONING -> RUNNING for one user.
// Runs under the user's single-flight slot.
func (m *Manager) provision(ctx context.Context, user string) (string, error) {
	// A concurrent caller may have finished provisioning before our
	// single-flight slot ran.
	m.mu.RLock()
	if entry, ok := m.workers[user]; ok && entry.state == StateRunning {
		m.mu.RUnlock()
		return entry.baseURL, nil
	}
	m.mu.RUnlock()

	m.setState(user, &workerEntry{state: StateProvisioning})
	m.logger.Info("provisioning worker", "user", user)

	info, err := m.runtime.EnsureWorker(ctx, WorkerSpec{
		User:  user,
		Image: m.image,
		Env:   m.env(user),
		Port:  m.port,
	})
	if err != nil {
		m.setState(user, &workerEntry{state: StateAbsent})
		return "", &warren.ErrWorkerUnavailable{User: user, Reason: "provisioning failed: " + err.Error()}
	}

	baseURL := "http://" + info.Addr
	if err := m.awaitReady(ctx, baseURL); err != nil {
		m.setState(user, &workerEntry{state: StateAbsent, info: info})
		return "", &warren.ErrWorkerUnavailable{User: user, Reason: err.Error()}
	}

	// Publish the fully constructed entry.
	m.setState(user, &workerEntry{
		state:    StateRunning,
		info:     info,
		baseURL:  baseURL,
		lastUsed: time.Now(),
	})
	m.logger.Info("worker ready", "user", user, "addr", info.Addr)
	return baseURL, nil
}

// awaitReady polls the worker's health endpoint until it responds or the
// ready timeout elapses.
func (m *Manager) awaitReady(ctx context.Context, baseURL string) error {
	deadline := time.Now().Add(m.readyTimeout)
	for {
		if m.healthy(ctx, baseURL) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("readiness probe timed out after %s", m.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.probeInterval):
		}
	}
}

// healthy runs one readiness probe.
func (m *Manager) healthy(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// healthLoop periodically probes running workers, restarts unhealthy ones,
// and tears down idle ones past the TTL.
func (m *Manager) healthLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep runs one supervision pass.
func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.healthInterval)
	defer cancel()

	m.mu.RLock()
	running := make(map[string]*workerEntry, len(m.workers))
	for user, entry := range m.workers {
		if entry.state == StateRunning {
			running[user] = entry
		}
	}
	m.mu.RUnlock()

	for user, entry := range running {
		if m.idleTTL > 0 && time.Since(entry.lastUsed) > m.idleTTL {
			m.logger.Info("stopping idle worker", "user", user, "idle", time.Since(entry.lastUsed))
			if err := m.runtime.StopWorker(ctx, user); err != nil {
				m.logger.Warn("idle teardown failed", "user", user, "error", err)
				continue
			}
			m.setState(user, &workerEntry{state: StateStopped, info: entry.info})
			continue
		}

		if m.healthy(ctx, entry.baseURL) {
			continue
		}

		m.restart(user, entry)
	}
}

// restart drives UNHEALTHY -> RESTARTING -> RUNNING (or ABSENT on failure).
// While restarting, the entry is unpublished so requests re-provision or
// fail fast rather than hitting a dead worker. Readiness after a restart
// gets the full configured window, not the sweep's health-interval budget.
func (m *Manager) restart(user string, entry *workerEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), m.readyTimeout+m.probeInterval)
	defer cancel()

	m.logger.Warn("worker unhealthy, restarting", "user", user)
	m.setState(user, &workerEntry{state: StateRestarting, info: entry.info})
	if err := m.runtime.RestartWorker(ctx, user); err != nil {
		m.logger.Error("worker restart failed", "user", user, "error", err)
		m.setState(user, &workerEntry{state: StateAbsent, info: entry.info})
		return
	}
	if err := m.awaitReady(ctx, entry.baseURL); err != nil {
		m.logger.Error("worker not ready after restart", "user", user, "error", err)
		m.setState(user, &workerEntry{state: StateAbsent, info: entry.info})
		return
	}
	m.setState(user, &workerEntry{
		state:    StateRunning,
		info:     entry.info,
		baseURL:  entry.baseURL,
		lastUsed: entry.lastUsed,
	})
	m.logger.Info("worker recovered", "user", user)
}

// State reports the user's current lifecycle state.
func (m *Manager) State(user string) WorkerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.workers[user]; ok {
		return entry.state
	}
	return StateAbsent
}

func (m *Manager) setState(user string, entry *workerEntry) {
	m.mu.Lock()
	m.workers[user] = entry
	m.mu.Unlock()
}

// touch refreshes the user's idle clock.
func (m *Manager) touch(user string) {
	m.mu.Lock()
	if entry, ok := m.workers[user]; ok && entry.state == StateRunning {
		updated := *entry
		updated.lastUsed = time.Now()
		m.workers[user] = &updated
	}
	m.mu.Unlock()
}
