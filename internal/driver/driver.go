package driver

import (
	"context"
	"time"
)

// State represents the lifecycle state of a captured process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// ProcessInfo holds runtime information about a captured process.
type ProcessInfo struct {
	PID        int       `json:"pid,omitempty"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	Command    []string  `json:"command,omitempty"`
	WorkingDir string    `json:"working_dir,omitempty"`
	Attached   bool      `json:"attached,omitempty"`
}

// Driver is the interface for process capture.
// Spawned and attached processes both implement this. Output is written to
// the ring buffer the driver was configured with.
type Driver interface {
	// Start begins capturing and returns immediately.
	// The process runs in the background.
	Start(ctx context.Context) error

	// Stop sends a graceful shutdown signal, waits up to timeout,
	// then force-kills if still running. Readers are finished when it returns.
	Stop(ctx context.Context, timeout time.Duration) error

	// Info returns current process state and metadata.
	Info() ProcessInfo

	// Wait blocks until the process exits and returns the exit code.
	Wait() (int, error)

	// Done is closed once the process has exited and its readers have finished.
	Done() <-chan struct{}
}
