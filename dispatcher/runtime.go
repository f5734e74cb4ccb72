// Package dispatcher routes per-user chat requests to isolated worker
// containers, provisioning them on demand and supervising their health.
package dispatcher

import "context"

// WorkerSpec describes the container to run for one user.
type WorkerSpec struct {
	User  string
	Image string
	Env   []string // injected configuration: model ID, credentials, store endpoints
	Port  int      // container port the worker listens on
}

// WorkerInfo describes a provisioned worker.
type WorkerInfo struct {
	ID   string // container ID
	Addr string // host:port reachable from the dispatcher
}

// Runtime is the container runtime the lifecycle manager drives. The
// interface exists so the manager is testable without a daemon; the Docker
// implementation lives in this package.
type Runtime interface {
	// EnsureNetwork creates the worker network if it does not exist.
	EnsureNetwork(ctx context.Context) error
	// EnsureWorker makes the user's worker container exist and run: an
	// already-running container is reused, a stopped one is started, and
	// otherwise a new one is created.
	EnsureWorker(ctx context.Context, spec WorkerSpec) (WorkerInfo, error)
	// RestartWorker restarts the user's worker container.
	RestartWorker(ctx context.Context, user string) error
	// StopWorker stops the user's worker container. The container is kept
	// for later reuse, not removed.
	StopWorker(ctx context.Context, user string) error
	Close() error
}
