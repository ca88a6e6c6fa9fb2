package driver

import (
	"fmt"
	"strings"

	"github.com/benaskins/watchmin/internal/logbuf"
)

// SpawnError means a command could not be started (not found, permission denied).
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// AttachError means an existing process could not be attached to.
type AttachError struct {
	PID    int
	Reason string
	Err    error
}

func (e *AttachError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attaching to pid %d: %s: %v", e.PID, e.Reason, e.Err)
	}
	return fmt.Sprintf("attaching to pid %d: %s", e.PID, e.Reason)
}

func (e *AttachError) Unwrap() error { return e.Err }

// ReadError is a stream I/O failure. The process is treated as exited.
type ReadError struct {
	Stream logbuf.Stream
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Stream, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
