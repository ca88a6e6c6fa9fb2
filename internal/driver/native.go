package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/benaskins/watchmin/internal/logbuf"
)

const (
	// maxLineSize is the longest line a stream reader accepts before
	// reporting a ReadError.
	maxLineSize = 1 << 20

	// drainTimeout bounds how long readers may keep going after the process
	// exits (a backgrounded grandchild can hold the pipe open).
	drainTimeout = 2 * time.Second
)

// NativeDriver manages a spawned (fork/exec) process.
type NativeDriver struct {
	command    []string
	env        []string
	workingDir string
	out        *logbuf.Ring
	logger     *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	readErr   error
	pipes     []*os.File
	readers   sync.WaitGroup
	done      chan struct{}
}

// NativeConfig holds configuration for a spawned process.
type NativeConfig struct {
	Command    []string // argument vector, Command[0] is the executable
	Env        []string
	WorkingDir string
	Output     *logbuf.Ring // destination for captured lines
	BufSize    int          // ring size (lines) when Output is nil, 0 for default
	Logger     *slog.Logger
}

// NewNative creates a new spawn driver.
func NewNative(cfg NativeConfig) *NativeDriver {
	out := cfg.Output
	if out == nil {
		bufSize := cfg.BufSize
		if bufSize <= 0 {
			bufSize = 500
		}
		out = logbuf.New(bufSize)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.With("component", "driver")
	}

	return &NativeDriver{
		command:    cfg.Command,
		env:        cfg.Env,
		workingDir: cfg.WorkingDir,
		out:        out,
		logger:     logger,
		state:      StateStopped,
		done:       make(chan struct{}),
	}
}

func (d *NativeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateStopped || d.cmd != nil {
		return fmt.Errorf("process already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(d.command) == 0 {
		return d.spawnFailedLocked(errors.New("empty command"))
	}

	cmd := exec.Command(d.command[0], d.command[1:]...)
	cmd.Env = d.env
	if d.workingDir != "" {
		cmd.Dir = d.workingDir
	}

	// Set process group so we can kill the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Separate pipes per stream. Passing *os.File keeps exec from starting
	// its own copy goroutines, so Wait returns as soon as the process exits.
	outR, outW, err := os.Pipe()
	if err != nil {
		return d.spawnFailedLocked(err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return d.spawnFailedLocked(err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	d.state = StateStarting

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return d.spawnFailedLocked(err)
	}

	d.cmd = cmd
	d.pipes = []*os.File{outR, errR}
	d.state = StateRunning
	d.startedAt = time.Now()

	d.readers.Add(2)
	go d.read(outR, logbuf.Stdout)
	go d.read(errR, logbuf.Stderr)

	// Wait for process exit in background
	go d.wait()

	return nil
}

func (d *NativeDriver) spawnFailedLocked(err error) error {
	spawnErr := &SpawnError{Command: d.command, Err: err}
	d.failLocked(spawnErr)
	return spawnErr
}

func (d *NativeDriver) failLocked(err error) {
	d.state = StateFailed
	d.exitCode = -1
	d.exitErr = err.Error()
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

// read pushes lines from one stream into the ring until the stream closes.
func (d *NativeDriver) read(r *os.File, stream logbuf.Stream) {
	defer d.readers.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		d.out.Append(stream, sc.Text())
	}

	err := sc.Err()
	if err == nil || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return
	}

	readErr := &ReadError{Stream: stream, Err: err}
	d.logger.Warn("stream read failed, treating process as exited", "stream", stream, "error", err)

	d.mu.Lock()
	if d.readErr == nil {
		d.readErr = readErr
	}
	pid := 0
	if d.cmd != nil && d.cmd.Process != nil {
		pid = d.cmd.Process.Pid
	}
	d.mu.Unlock()

	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func (d *NativeDriver) wait() {
	err := d.cmd.Wait()

	// Give readers a moment to drain what the process wrote before exiting,
	// then force them off the pipes.
	drained := make(chan struct{})
	go func() {
		d.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		d.closePipes()
		<-drained
	}
	d.closePipes()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStopping {
		// Expected shutdown
		d.state = StateStopped
	} else {
		d.state = StateFailed
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			d.exitCode = exitErr.ExitCode()
		}
		d.exitErr = err.Error()
	} else {
		d.exitCode = 0
	}
	if d.readErr != nil {
		d.exitErr = d.readErr.Error()
	}

	close(d.done)
}

func (d *NativeDriver) closePipes() {
	d.mu.Lock()
	pipes := d.pipes
	d.pipes = nil
	d.mu.Unlock()
	for _, p := range pipes {
		p.Close()
	}
}

func (d *NativeDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()

	if d.state != StateRunning {
		d.mu.Unlock()
		// Already exiting or never started; wait for readers if it ran.
		if d.cmd != nil {
			<-d.done
		}
		return nil
	}

	d.state = StateStopping
	pid := d.cmd.Process.Pid
	d.mu.Unlock()

	// Send SIGTERM to the process group
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	// Wait for exit or timeout
	select {
	case <-d.done:
		return nil
	case <-time.After(timeout):
		// Force kill the process group
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-d.done
		return nil
	case <-ctx.Done():
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-d.done
		return ctx.Err()
	}
}

func (d *NativeDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := ProcessInfo{
		State:      d.state,
		StartedAt:  d.startedAt,
		ExitCode:   d.exitCode,
		Error:      d.exitErr,
		Command:    d.command,
		WorkingDir: d.workingDir,
	}

	if d.cmd != nil && d.cmd.Process != nil {
		info.PID = d.cmd.Process.Pid
	}

	return info
}

func (d *NativeDriver) Wait() (int, error) {
	d.mu.Lock()
	started := d.cmd != nil || d.state == StateFailed
	d.mu.Unlock()
	if !started {
		return -1, fmt.Errorf("process not started")
	}
	<-d.done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *NativeDriver) Done() <-chan struct{} {
	return d.done
}

// Output returns the ring buffer lines are captured into.
func (d *NativeDriver) Output() *logbuf.Ring {
	return d.out
}
