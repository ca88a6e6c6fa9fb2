package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benaskins/watchmin/internal/detect"
	"github.com/benaskins/watchmin/internal/driver"
	"github.com/benaskins/watchmin/internal/health"
	"github.com/benaskins/watchmin/internal/keychain"
	"github.com/benaskins/watchmin/internal/logbuf"
	"github.com/benaskins/watchmin/internal/metrics"
	"github.com/benaskins/watchmin/internal/repair"
	"github.com/benaskins/watchmin/internal/source"
	"github.com/benaskins/watchmin/internal/spec"
)

// State is the externally visible state of a watcher.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateDetecting  State = "detecting-repair"
	StateRepairing  State = "repairing"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Terminal reports whether the state machine has finished.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

const maxTransitions = 32

// Transition is one entry in a watcher's state history.
type Transition struct {
	From   State     `json:"from,omitempty"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// WatcherInfo is a consistent snapshot of a watcher.
type WatcherInfo struct {
	ID             string        `json:"id"`
	Name           string        `json:"name,omitempty"`
	Target         string        `json:"target"`
	State          State         `json:"state"`
	Attached       bool          `json:"attached,omitempty"`
	PID            int           `json:"pid,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	Health         health.Status `json:"health,omitempty"`
	RepairAttempts int           `json:"repair_attempts"`
	Repairs        int           `json:"repairs"`
	Restarts       int           `json:"restarts"`
	LastRepairAt   time.Time     `json:"last_repair_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	Evidence       []string      `json:"evidence,omitempty"`
	Transitions    []Transition  `json:"transitions,omitempty"`
}

// RestartError means the process could not be brought back after a repair.
type RestartError struct {
	Err error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("restart failed: %v", e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// Repairer runs one repair attempt. *repair.Pipeline implements it.
type Repairer interface {
	Attempt(ctx context.Context, req repair.Request) (*repair.Outcome, error)
}

// watcherConfig carries what the registry resolves for a new watcher.
type watcherConfig struct {
	bufferLines  int
	pollInterval time.Duration
	stopTimeout  time.Duration
	detect       spec.Detect
	rules        []detect.Rule // added to the spec's rules
	repair       spec.Repair
	repairer     Repairer // nil disables repair
	secrets      keychain.Store
	metrics      *metrics.Metrics
	logger       *slog.Logger
	onExit       func(*Watcher) // called once the loop ends in stopped
}

// Watcher supervises one process: capture, detect, repair and restart.
// A single goroutine drives every transition; Stop takes over once it exits.
type Watcher struct {
	id       string
	seq      uint64
	spec     *spec.WatcherSpec
	hash     string
	cfg      watcherConfig
	ring     *logbuf.Ring
	detector *detect.Detector
	budget   *Budget
	logger   *slog.Logger

	unhealthy chan health.Result

	mu             sync.Mutex
	state          State
	drv            driver.Driver
	monitor        *health.Monitor
	transitions    []Transition
	evidence       []string
	lastErr        string
	repairAttempts int
	failures       int // consecutive failed attempts
	repairs        int
	restarts       int
	lastRepairAt   time.Time
	afterRepair    bool
	respawn        []string // command line to restart an attached target
	respawnDir     string
	cancel         context.CancelFunc
	done           chan struct{}
	stopped        bool
}

func newWatcher(id string, s *spec.WatcherSpec, cfg watcherConfig) (*Watcher, error) {
	det, err := detect.FromConfig(detect.Config{
		Patterns: cfg.detect.Patterns,
		Regex:    cfg.detect.Regex,
		Expr:     cfg.detect.Expr,
		Ignore:   cfg.detect.Ignore,
	}, detect.WithRules(cfg.rules...))
	if err != nil {
		return nil, fmt.Errorf("detection rules: %w", err)
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = 250 * time.Millisecond
	}
	if cfg.stopTimeout <= 0 {
		cfg.stopTimeout = 10 * time.Second
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	w := &Watcher{
		id:        id,
		spec:      s,
		hash:      s.Hash(),
		cfg:       cfg,
		ring:      logbuf.New(cfg.bufferLines),
		detector:  det,
		budget:    NewBudget(cfg.repair.MaxAttempts, cfg.repair.Window.Duration),
		logger:    cfg.logger.With("watcher", id, "target", s.Target()),
		unhealthy: make(chan health.Result, 1),
		done:      make(chan struct{}),
	}
	w.ring.Observe(det.Observe)
	w.setState(StateStarting, "created")
	return w, nil
}

// ID returns the watcher's registry ID.
func (w *Watcher) ID() string { return w.id }

// Spec returns the definition the watcher was created from.
func (w *Watcher) Spec() *spec.WatcherSpec { return w.spec }

// Buffer returns the watcher's output buffer.
func (w *Watcher) Buffer() *logbuf.Ring { return w.ring }

// Done is closed when the state machine stops driving transitions.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Start launches the supervision loop.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	go w.run(ctx)
}

// Stop cancels whatever the watcher is doing, terminates the process within
// timeout and leaves the watcher stopped. It is valid in every state.
func (w *Watcher) Stop(timeout time.Duration) error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-w.done:
		case <-time.After(timeout + 5*time.Second):
			return fmt.Errorf("timed out waiting for watcher %s to stop", w.id)
		}
	}

	w.stopMonitor()

	w.mu.Lock()
	drv := w.drv
	alreadyStopped := w.stopped
	w.stopped = true
	w.mu.Unlock()

	var err error
	if drv != nil {
		ctx, cancelStop := context.WithTimeout(context.Background(), timeout+5*time.Second)
		err = drv.Stop(ctx, timeout)
		cancelStop()
	}

	if !alreadyStopped {
		w.mu.Lock()
		if w.state != StateStopped {
			w.setStateLocked(StateStopped, "stop requested")
		}
		w.mu.Unlock()
		w.logger.Info("watcher stopped")
	}
	return err
}

// Info returns a snapshot of the watcher.
func (w *Watcher) Info() WatcherInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	info := WatcherInfo{
		ID:             w.id,
		Name:           w.spec.Watcher.Name,
		Target:         w.spec.Target(),
		State:          w.state,
		Attached:       w.spec.Attached(),
		Health:         health.StatusUnknown,
		RepairAttempts: w.repairAttempts,
		Repairs:        w.repairs,
		Restarts:       w.restarts,
		LastRepairAt:   w.lastRepairAt,
		LastError:      w.lastErr,
		Evidence:       append([]string(nil), w.evidence...),
		Transitions:    append([]Transition(nil), w.transitions...),
	}
	if w.drv != nil && !w.stopped {
		pi := w.drv.Info()
		if pi.State == driver.StateRunning {
			info.PID = pi.PID
			info.StartedAt = pi.StartedAt
		}
	}
	if w.monitor != nil {
		info.Health = w.monitor.CurrentStatus()
	}
	return info
}

// State returns the current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Logs returns the last n captured records, all of them when n <= 0.
func (w *Watcher) Logs(n int) []logbuf.Record {
	recs := w.ring.Snapshot()
	if n > 0 && len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	return recs
}

func (w *Watcher) setState(to State, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setStateLocked(to, reason)
}

func (w *Watcher) setStateLocked(to State, reason string) {
	from := w.state
	w.state = to
	w.transitions = append(w.transitions, Transition{From: from, To: to, At: time.Now(), Reason: reason})
	if len(w.transitions) > maxTransitions {
		w.transitions = w.transitions[len(w.transitions)-maxTransitions:]
	}
	w.cfg.metrics.Transition(w.id, string(from), string(to))

	switch to {
	case StateFailed:
		w.logger.Error("watcher failed", "from", from, "reason", reason)
	default:
		w.logger.Info("state transition", "from", from, "to", to, "reason", reason)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer func() {
		close(w.done)
		if w.State() == StateStopped && w.cfg.onExit != nil {
			w.cfg.onExit(w)
		}
	}()

	state := StateStarting
	for !state.Terminal() {
		var next State
		var reason string
		switch state {
		case StateStarting:
			next, reason = w.handleStarting(ctx)
		case StateRunning:
			next, reason = w.handleRunning(ctx)
		case StateDetecting:
			next, reason = w.handleDetecting(ctx)
		case StateRepairing:
			next, reason = w.handleRepairing(ctx)
		case StateRestarting:
			next, reason = w.handleRestarting(ctx)
		}

		// A stop request owns the final transition.
		if ctx.Err() != nil {
			return
		}

		if next == StateFailed {
			w.mu.Lock()
			w.lastErr = reason
			w.mu.Unlock()
			w.stopMonitor()
		}
		if next == StateStopped {
			w.stopMonitor()
			w.mu.Lock()
			w.stopped = true
			w.mu.Unlock()
		}
		w.setState(next, reason)
		state = next
	}
}

// handleStarting spawns or attaches and begins capture.
func (w *Watcher) handleStarting(ctx context.Context) (State, string) {
	var drv driver.Driver
	if w.spec.Attached() {
		adopted, err := driver.NewAdopted(driver.AdoptedConfig{
			PID:          w.spec.Watcher.PID,
			LogFiles:     w.spec.Watcher.Logs,
			Output:       w.ring,
			PollInterval: w.cfg.pollInterval,
			Logger:       w.logger,
		})
		if err != nil {
			return StateFailed, err.Error()
		}
		drv = adopted
	} else {
		drv = w.nativeDriver(w.spec.Argv(), w.spec.Watcher.WorkingDir)
	}

	w.mu.Lock()
	w.drv = drv
	w.mu.Unlock()

	if err := drv.Start(ctx); err != nil {
		return StateFailed, err.Error()
	}

	info := drv.Info()
	w.mu.Lock()
	if info.Attached {
		w.respawn = info.Command
		w.respawnDir = info.WorkingDir
	}
	w.mu.Unlock()

	w.startMonitor(ctx)
	return StateRunning, fmt.Sprintf("pid %d", info.PID)
}

// handleRunning waits for a failure signature, a health failure or an exit.
func (w *Watcher) handleRunning(ctx context.Context) (State, string) {
	w.mu.Lock()
	drv := w.drv
	w.mu.Unlock()

	ticker := time.NewTicker(w.cfg.pollInterval)
	defer ticker.Stop()

	for {
		if next, reason, ok := w.scan(); ok {
			return next, reason
		}

		select {
		case <-ctx.Done():
			return StateStopped, "stop requested"
		case <-w.ring.Notify():
		case <-ticker.C:
		case res := <-w.unhealthy:
			return w.healthFailed(res)
		case <-drv.Done():
			w.stopMonitor()
			// Output drained before Done closed; look at it first.
			if next, reason, ok := w.scan(); ok {
				return next, reason
			}
			return w.handleExit(drv.Info())
		}
	}
}

// healthFailed enters detecting-repair for a failed health check. Output
// already captured takes precedence as evidence over the health record.
func (w *Watcher) healthFailed(res health.Result) (State, string) {
	if next, reason, ok := w.scan(); ok {
		return next, reason
	}
	rec := w.ring.Append(logbuf.System, "health check failed: "+res.Message)
	w.detector.Skip(rec.Seq)
	w.recordDetection([]string{rec.Line})
	return StateDetecting, "health check failed"
}

func (w *Watcher) scan() (State, string, bool) {
	res := w.detector.Scan(w.ring.Snapshot())
	if res.Missed > 0 {
		w.logger.Warn("output dropped before detection", "records", res.Missed)
	}
	if !res.Detected {
		return "", "", false
	}
	w.logger.Warn("failure detected", "rule", res.Rule, "evidence", res.Lines())
	w.recordDetection(res.Lines())
	return StateDetecting, "failure detected: " + res.Rule, true
}

func (w *Watcher) recordDetection(lines []string) {
	w.cfg.metrics.Detection(w.id)
	w.mu.Lock()
	w.evidence = lines
	w.mu.Unlock()
}

// handleExit decides what an exit without a detected failure means.
func (w *Watcher) handleExit(info driver.ProcessInfo) (State, string) {
	policy := "on-failure"
	if w.spec.Restart != nil {
		policy = w.spec.Restart.Policy
	}

	if info.ExitCode != 0 || info.Error != "" {
		line := fmt.Sprintf("process exited with status %d", info.ExitCode)
		if info.Error != "" && info.ExitCode <= 0 {
			line = "process exited: " + info.Error
		}
		rec := w.ring.Append(logbuf.System, line)
		w.detector.Skip(rec.Seq)
		w.logger.Warn("process exited", "exit_code", info.ExitCode, "error", info.Error, "policy", policy)

		if policy == "never" {
			return StateStopped, line
		}
		w.recordDetection([]string{line})
		return StateDetecting, line
	}

	w.logger.Info("process exited cleanly", "policy", policy)
	if policy == "always" {
		return StateRestarting, "clean exit, restart policy always"
	}
	return StateStopped, "process exited cleanly"
}

// handleDetecting spends one unit of the attempt budget or gives up.
func (w *Watcher) handleDetecting(ctx context.Context) (State, string) {
	w.mu.Lock()
	lastErr := w.lastErr
	failures := w.failures
	w.mu.Unlock()

	if w.cfg.repairer == nil {
		return StateFailed, "failure detected and no fixer is configured"
	}

	if !w.budget.Allow(time.Now()) {
		reason := fmt.Sprintf("repair budget exhausted (%d attempts", w.budget.Max)
		if w.budget.Window > 0 {
			reason += " in " + w.budget.Window.String()
		}
		reason += ")"
		if lastErr != "" {
			reason += ": " + lastErr
		}
		return StateFailed, reason
	}

	if delay := backoffDelay(w.cfg.repair, failures); failures > 0 && delay > 0 {
		w.logger.Info("waiting before next repair attempt", "delay", delay, "failures", failures)
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return StateStopped, "stop requested"
		}
	}

	w.mu.Lock()
	w.repairAttempts++
	n := w.repairAttempts
	w.mu.Unlock()
	return StateRepairing, fmt.Sprintf("attempt %d", n)
}

// handleRepairing runs the pipeline. Success hands over to restarting; the
// pipeline itself never touches the process.
func (w *Watcher) handleRepairing(ctx context.Context) (State, string) {
	w.mu.Lock()
	evidence := append([]string(nil), w.evidence...)
	attempt := w.repairAttempts
	dir := w.workingDirLocked()
	argv := w.commandLocked()
	w.mu.Unlock()

	recent := w.ring.Last(w.cfg.repair.ContextLines)
	refs := source.Locate(append(append([]string(nil), evidence...), recent...), dir)
	req := repair.Request{
		WatcherID:  w.id,
		Attempt:    attempt,
		Command:    argv,
		WorkingDir: dir,
		Evidence:   evidence,
		Recent:     recent,
		Sources:    source.NewSet(dir, w.spec.Sources, refs),
		Hint:       refs,
	}

	start := time.Now()
	outcome, err := w.cfg.repairer.Attempt(ctx, req)
	if ctx.Err() != nil {
		return StateStopped, "stop requested"
	}

	if err != nil {
		label := "error"
		var repairErr *repair.Error
		if errors.As(err, &repairErr) {
			label = string(repairErr.Stage)
		}
		w.cfg.metrics.Repair(w.id, label, time.Since(start).Seconds())

		w.mu.Lock()
		w.failures++
		w.lastErr = err.Error()
		w.mu.Unlock()
		return StateDetecting, err.Error()
	}

	w.cfg.metrics.Repair(w.id, "applied", outcome.Duration.Seconds())
	w.mu.Lock()
	w.failures = 0
	w.repairs++
	w.lastRepairAt = time.Now()
	w.lastErr = ""
	w.afterRepair = true
	w.mu.Unlock()

	reason := "patched " + strings.Join(outcome.Files, ", ")
	if outcome.Summary != "" {
		reason += ": " + outcome.Summary
	}
	return StateRestarting, reason
}

// handleRestarting replaces the process with a fresh one.
func (w *Watcher) handleRestarting(ctx context.Context) (State, string) {
	w.stopMonitor()

	w.mu.Lock()
	old := w.drv
	afterRepair := w.afterRepair
	w.afterRepair = false
	argv := w.commandLocked()
	dir := w.workingDirLocked()
	w.mu.Unlock()

	if old != nil {
		stopCtx, cancel := context.WithTimeout(ctx, w.cfg.stopTimeout+5*time.Second)
		err := old.Stop(stopCtx, w.cfg.stopTimeout)
		cancel()
		if ctx.Err() != nil {
			return StateStopped, "stop requested"
		}
		if err != nil {
			w.logger.Warn("error stopping process before restart", "error", err)
		}
	}

	if !afterRepair {
		if delay := w.cfg.repair.Delay.Duration; delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return StateStopped, "stop requested"
			}
		}
	}

	if len(argv) == 0 {
		err := &RestartError{Err: errors.New("no command line known for attached process")}
		return StateFailed, err.Error()
	}

	// Lines from the previous process must not be reported again.
	rec := w.ring.Append(logbuf.System, "restarting: "+strings.Join(argv, " "))
	w.detector.Skip(rec.Seq)

	drv := w.nativeDriver(argv, dir)
	w.mu.Lock()
	w.drv = drv
	w.mu.Unlock()

	if err := drv.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return StateStopped, "stop requested"
		}
		return StateFailed, (&RestartError{Err: err}).Error()
	}

	w.cfg.metrics.Restart(w.id)
	w.mu.Lock()
	w.restarts++
	w.mu.Unlock()

	w.startMonitor(ctx)
	return StateRunning, fmt.Sprintf("restarted as pid %d", drv.Info().PID)
}

func (w *Watcher) nativeDriver(argv []string, dir string) driver.Driver {
	return driver.NewNative(driver.NativeConfig{
		Command:    argv,
		Env:        w.buildEnv(),
		WorkingDir: dir,
		Output:     w.ring,
		Logger:     w.logger,
	})
}

// commandLocked is the argument vector used to (re)start the target.
func (w *Watcher) commandLocked() []string {
	if w.spec.Attached() {
		return w.respawn
	}
	return w.spec.Argv()
}

// workingDirLocked is where relative sources resolve and restarts run.
func (w *Watcher) workingDirLocked() string {
	if dir := w.spec.Watcher.WorkingDir; dir != "" {
		return dir
	}
	if w.respawnDir != "" {
		return w.respawnDir
	}
	dir, _ := os.Getwd()
	return dir
}

func (w *Watcher) buildEnv() []string {
	env := os.Environ()
	for k, v := range w.spec.Env {
		env = append(env, k+"="+v)
	}

	if w.cfg.secrets != nil {
		for envVar, key := range w.spec.Secrets {
			val, err := w.cfg.secrets.Get(key)
			if err != nil {
				w.logger.Warn("secret not found, skipping", "env_var", envVar, "key", key, "error", err)
				continue
			}
			env = append(env, envVar+"="+val)
		}
	}
	return env
}

func (w *Watcher) startMonitor(ctx context.Context) {
	if w.spec.Health == nil {
		return
	}
	m := health.NewMonitor(health.FromSpec(w.spec.Health, w.spec.Watcher.WorkingDir), w.logger, func(r health.Result) {
		select {
		case w.unhealthy <- r:
		default:
			// already signalled
		}
	})
	w.mu.Lock()
	w.monitor = m
	w.mu.Unlock()
	m.Start(ctx)
}

func (w *Watcher) stopMonitor() {
	w.mu.Lock()
	m := w.monitor
	w.mu.Unlock()
	if m != nil {
		m.Stop()
	}
	// Drop a signal from the monitor that just ended.
	select {
	case <-w.unhealthy:
	default:
	}
}
