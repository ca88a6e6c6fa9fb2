package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benaskins/watchmin/internal/logbuf"
)

// AdoptedDriver captures an existing process by PID. The process is not our
// child, so exit is detected by polling and output comes from the files its
// stdout/stderr point at (plus any extra log files).
type AdoptedDriver struct {
	pid        int
	command    []string
	workingDir string
	startTime  int64
	channels   []outputChannel
	out        *logbuf.Ring
	poll       time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	started   bool
	done      chan struct{}
	stopCh    chan struct{} // signals monitor and tailers to stop
	stopOnce  sync.Once
	tails     sync.WaitGroup
}

// AdoptedConfig holds configuration for attaching to a process.
type AdoptedConfig struct {
	PID          int
	LogFiles     []string // extra files to tail in addition to stdout/stderr
	Output       *logbuf.Ring
	PollInterval time.Duration // liveness and tail polling, 0 for default
	Logger       *slog.Logger
}

// NewAdopted creates a driver for an already-running process.
// Returns an AttachError if the PID is not alive or has no readable output.
func NewAdopted(cfg AdoptedConfig) (*AdoptedDriver, error) {
	pid := cfg.PID
	if pid <= 0 {
		return nil, &AttachError{PID: pid, Reason: "invalid pid"}
	}

	// On Unix, FindProcess always succeeds. Use kill(pid, 0) to check liveness.
	if err := syscall.Kill(pid, 0); err != nil {
		if errors.Is(err, syscall.EPERM) {
			return nil, &AttachError{PID: pid, Reason: "process not accessible", Err: err}
		}
		return nil, &AttachError{PID: pid, Reason: "process not found", Err: err}
	}
	if isZombie(pid) {
		return nil, &AttachError{PID: pid, Reason: "process already exited"}
	}

	channels := outputChannels(pid)
	for _, path := range cfg.LogFiles {
		channels = append(channels, outputChannel{Path: path, Stream: logbuf.Stdout})
	}
	channels = dedupeChannels(channels)
	if len(channels) == 0 {
		return nil, &AttachError{PID: pid, Reason: "no readable output channel"}
	}

	out := cfg.Output
	if out == nil {
		out = logbuf.New(500)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.With("component", "driver")
	}

	d := &AdoptedDriver{
		pid:      pid,
		channels: channels,
		out:      out,
		poll:     poll,
		logger:   logger,
		state:    StateStarting,
		done:     make(chan struct{}),
		stopCh:   make(chan struct{}),
	}

	// Identity is best effort: it lets a later restart respawn the process
	// and guards Stop against signalling a recycled PID.
	d.command, _ = processCmdline(pid)
	d.workingDir, _ = processCwd(pid)
	d.startTime, _ = processStartTime(pid)

	return d, nil
}

// Start opens every output channel and begins monitoring the process.
func (d *AdoptedDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("process already attached")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var tailers []*tailer
	for _, ch := range d.channels {
		t, err := openTailer(ch, d.out, d.poll, d.logger)
		if err != nil {
			d.logger.Warn("output channel not readable", "path", ch.Path, "error", err)
			continue
		}
		tailers = append(tailers, t)
	}
	if len(tailers) == 0 {
		err := &AttachError{PID: d.pid, Reason: "no readable output channel"}
		d.state = StateFailed
		d.exitErr = err.Error()
		close(d.done)
		return err
	}

	d.started = true
	d.state = StateRunning
	d.startedAt = time.Now()

	for _, t := range tailers {
		d.tails.Add(1)
		go func(t *tailer) {
			defer d.tails.Done()
			if err := t.run(d.stopCh); err != nil {
				d.logger.Warn("log tail failed", "path", t.ch.Path, "error", err)
			}
		}(t)
	}

	go d.monitor()
	return nil
}

func (d *AdoptedDriver) monitor() {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !alive(d.pid) {
				d.markExited(1, "process exited")
				return
			}
		case <-d.stopCh:
			return
		}
	}
}

func (d *AdoptedDriver) stopTails() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.tails.Wait()
}

func (d *AdoptedDriver) markExited(code int, errMsg string) {
	d.mu.Lock()
	if d.state != StateRunning && d.state != StateStopping {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	// Tailers read what is left before the exit becomes visible.
	d.stopTails()

	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.done:
		return // lost the race with another exit path
	default:
	}

	if d.state == StateStopping {
		d.state = StateStopped
	} else {
		d.state = StateFailed
	}
	d.exitCode = code
	d.exitErr = errMsg
	close(d.done)
}

func (d *AdoptedDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	if d.state != StateRunning {
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.done
		}
		return nil
	}
	d.state = StateStopping
	d.mu.Unlock()

	// Never signal a PID that has been recycled for another process.
	if !VerifyProcess(d.pid, "", d.startTime) {
		d.markExited(0, "process already gone")
		return nil
	}

	// Send SIGTERM
	if err := syscall.Kill(d.pid, syscall.SIGTERM); err != nil {
		// Process already gone
		d.markExited(0, "")
		return nil
	}

	// Poll for death; wait() is unavailable to a non-parent.
	// After SIGTERM, poll aggressively; fall back to SIGKILL on timeout.
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !alive(d.pid) {
				d.markExited(0, "")
				return nil
			}
		case <-deadline:
			_ = syscall.Kill(d.pid, syscall.SIGKILL)
			// Give SIGKILL a moment
			time.Sleep(100 * time.Millisecond)
			d.markExited(137, "killed")
			return nil
		case <-ctx.Done():
			_ = syscall.Kill(d.pid, syscall.SIGKILL)
			time.Sleep(100 * time.Millisecond)
			d.markExited(137, "killed")
			return ctx.Err()
		}
	}
}

func (d *AdoptedDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	return ProcessInfo{
		PID:        d.pid,
		State:      d.state,
		StartedAt:  d.startedAt,
		ExitCode:   d.exitCode,
		Error:      d.exitErr,
		Command:    d.command,
		WorkingDir: d.workingDir,
		Attached:   true,
	}
}

func (d *AdoptedDriver) Wait() (int, error) {
	<-d.done
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *AdoptedDriver) Done() <-chan struct{} {
	return d.done
}

// Channels returns the files being tailed.
func (d *AdoptedDriver) Channels() []string {
	paths := make([]string, len(d.channels))
	for i, ch := range d.channels {
		paths[i] = ch.Path
	}
	return paths
}

func alive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// dedupeChannels drops repeated paths (2>&1 into one file) and anything that
// is not a regular file.
func dedupeChannels(in []outputChannel) []outputChannel {
	seen := make(map[string]bool)
	var out []outputChannel
	for _, ch := range in {
		path, err := filepath.Abs(ch.Path)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			path = resolved
		}
		if seen[path] {
			continue
		}
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		seen[path] = true
		out = append(out, outputChannel{Path: path, Stream: ch.Stream})
	}
	return out
}

// VerifyProcess checks whether the process at the given PID matches the expected
// command name and start time. This guards against PID reuse: if the OS recycled
// the PID for a different process, the command or start time won't match.
//
// expectedStartTime of 0 skips the start-time check. Returns true if all
// non-zero checks pass, or if both expectations are zero (best effort).
func VerifyProcess(pid int, expectedCommand string, expectedStartTime int64) bool {
	if expectedCommand == "" && expectedStartTime == 0 {
		return true // no identity recorded, best effort
	}

	// Start time first: the strongest signal against PID reuse.
	if expectedStartTime != 0 {
		actual, err := processStartTime(pid)
		if err != nil {
			return false
		}
		if actual != expectedStartTime {
			return false
		}
	}

	if expectedCommand == "" {
		return true // start time matched, no command to check
	}

	actual, err := processName(pid)
	if err != nil {
		return false
	}

	// Compare base names of the first word: "sleep 10" → "sleep".
	parts := strings.Fields(expectedCommand)
	if len(parts) == 0 {
		return true
	}

	return actual == filepath.Base(parts[0])
}

// ProcessStartTime returns the OS-reported start time for a process. The value
// is platform-specific (Unix epoch seconds on Darwin, clock ticks since boot on
// Linux) but is stable for the lifetime of the process and unique when combined
// with the PID.
func ProcessStartTime(pid int) (int64, error) {
	return processStartTime(pid)
}
