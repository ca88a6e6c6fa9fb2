package daemon

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/benaskins/watchmin/internal/detect"
	"github.com/benaskins/watchmin/internal/fixer"
	"github.com/benaskins/watchmin/internal/health"
	"github.com/benaskins/watchmin/internal/keychain"
	"github.com/benaskins/watchmin/internal/logbuf"
	"github.com/benaskins/watchmin/internal/repair"
	"github.com/benaskins/watchmin/internal/spec"
	"go.uber.org/goleak"
)

type repairFunc func(ctx context.Context, req repair.Request) (*repair.Outcome, error)

func (f repairFunc) Attempt(ctx context.Context, req repair.Request) (*repair.Outcome, error) {
	return f(ctx, req)
}

func testWatcherConfig() watcherConfig {
	return watcherConfig{
		bufferLines:  100,
		pollInterval: 20 * time.Millisecond,
		stopTimeout:  2 * time.Second,
		detect:       spec.Detect{Patterns: detect.DefaultPatterns},
		repair: spec.Repair{
			MaxAttempts:  3,
			Window:       spec.Duration{Duration: 10 * time.Minute},
			Delay:        spec.Duration{Duration: 10 * time.Millisecond},
			Backoff:      "fixed",
			ContextLines: 10,
		},
	}
}

func shellSpec(script string) *spec.WatcherSpec {
	return &spec.WatcherSpec{Watcher: spec.Watcher{Command: script, Shell: true}}
}

func startTestWatcher(t *testing.T, s *spec.WatcherSpec, cfg watcherConfig) *Watcher {
	t.Helper()
	if err := s.Validate(); err != nil {
		t.Fatalf("invalid spec: %v", err)
	}
	w, err := newWatcher("w-test", s, cfg)
	if err != nil {
		t.Fatalf("newWatcher: %v", err)
	}
	w.Start(context.Background())
	t.Cleanup(func() { w.Stop(2 * time.Second) })
	return w
}

func waitForState(t *testing.T, w *Watcher, want State) WatcherInfo {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if info := w.Info(); info.State == want {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	info := w.Info()
	t.Fatalf("timed out waiting for %s, state %s, transitions %+v", want, info.State, info.Transitions)
	return info
}

func states(ts []Transition) []State {
	out := make([]State, len(ts))
	for i, tr := range ts {
		out[i] = tr.To
	}
	return out
}

func hasTransition(ts []Transition, from, to State) bool {
	for _, tr := range ts {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}

func TestWatcherDetectsTraceback(t *testing.T) {
	w := startTestWatcher(t, shellSpec(`echo "Traceback (most recent call last)" >&2; sleep 30`), testWatcherConfig())

	info := waitForState(t, w, StateFailed)

	got := states(info.Transitions)
	want := []State{StateStarting, StateRunning, StateDetecting, StateFailed}
	if len(got) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, got)
		}
	}
	if len(info.Evidence) != 1 || info.Evidence[0] != "Traceback (most recent call last)" {
		t.Errorf("expected the triggering line verbatim, got %q", info.Evidence)
	}
	if !strings.Contains(info.LastError, "no fixer") {
		t.Errorf("expected a no-fixer reason, got %q", info.LastError)
	}
}

func TestWatcherRepairsAndRestartsOnce(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, "app.sh")
	if err := os.WriteFile(app, []byte("echo \"Traceback (most recent call last)\" >&2\nsleep 30\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	f := fixer.Func(func(ctx context.Context, req fixer.Request) (*fixer.Patch, error) {
		calls.Add(1)
		return &fixer.Patch{
			Summary: "stop printing the traceback",
			Edits:   []fixer.Edit{{Path: "app.sh", LineStart: 0, LineEnd: 0, NewContent: "echo ok"}},
		}, nil
	})

	cfg := testWatcherConfig()
	cfg.repairer = repair.NewPipeline(f, repair.WithWorkspaceDir(t.TempDir()))

	s := &spec.WatcherSpec{
		Watcher: spec.Watcher{Command: "sh app.sh", WorkingDir: dir},
		Sources: []string{"app.sh"},
	}
	w := startTestWatcher(t, s, cfg)

	deadline := time.Now().Add(10 * time.Second)
	for w.Info().Restarts < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	waitForState(t, w, StateRunning)

	// Give a second restart the chance to happen if it were going to.
	time.Sleep(300 * time.Millisecond)

	info := w.Info()
	if info.State != StateRunning {
		t.Fatalf("expected running, got %s (%s)", info.State, info.LastError)
	}
	if info.Restarts != 1 || info.Repairs != 1 || calls.Load() != 1 {
		t.Errorf("expected exactly one repair and restart, got restarts=%d repairs=%d calls=%d",
			info.Restarts, info.Repairs, calls.Load())
	}
	if !hasTransition(info.Transitions, StateRepairing, StateRestarting) ||
		!hasTransition(info.Transitions, StateRestarting, StateRunning) {
		t.Errorf("expected repairing -> restarting -> running, got %v", states(info.Transitions))
	}

	data, _ := os.ReadFile(app)
	if string(data) != "echo ok\nsleep 30\n" {
		t.Errorf("unexpected patched source %q", data)
	}
	if info.LastRepairAt.IsZero() {
		t.Error("expected last repair time to be set")
	}
}

func TestWatcherFailsWhenBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	cfg := testWatcherConfig()
	cfg.repairer = repairFunc(func(ctx context.Context, req repair.Request) (*repair.Outcome, error) {
		calls.Add(1)
		return nil, &repair.Error{Stage: repair.StageFix, Reason: "fixer unavailable"}
	})

	w := startTestWatcher(t, shellSpec(`echo "fatal error: boom"; sleep 30`), cfg)
	info := waitForState(t, w, StateFailed)

	if calls.Load() != 3 {
		t.Errorf("expected 3 fixer calls, got %d", calls.Load())
	}
	if info.RepairAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", info.RepairAttempts)
	}
	if !strings.Contains(info.LastError, "repair budget exhausted") || !strings.Contains(info.LastError, "fixer unavailable") {
		t.Errorf("expected budget reason with last failure, got %q", info.LastError)
	}
}

func TestWatcherStopCancelsRepair(t *testing.T) {
	entered := make(chan struct{})
	var cancelled atomic.Bool
	cfg := testWatcherConfig()
	cfg.repairer = repairFunc(func(ctx context.Context, req repair.Request) (*repair.Outcome, error) {
		close(entered)
		<-ctx.Done()
		cancelled.Store(true)
		return nil, ctx.Err()
	})

	w := startTestWatcher(t, shellSpec(`echo "exception in handler"; sleep 30`), cfg)

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("repair never started")
	}
	info := waitForState(t, w, StateRepairing)
	pid := info.PID
	if pid <= 0 {
		t.Fatalf("expected a live pid while repairing, got %d", pid)
	}

	start := time.Now()
	if err := w.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("stop took %v", elapsed)
	}

	if !cancelled.Load() {
		t.Error("expected the in-flight repair to be cancelled")
	}
	if st := w.State(); st != StateStopped {
		t.Errorf("expected stopped, got %s", st)
	}
	if err := syscall.Kill(pid, 0); err == nil {
		t.Errorf("process %d still exists after stop", pid)
	}
	if w.Info().PID != 0 {
		t.Error("expected no pid after stop")
	}
}

func TestWatcherStopWhileRunningLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w, err := newWatcher("w-leak", shellSpec("sleep 30"), testWatcherConfig())
	if err != nil {
		t.Fatal(err)
	}
	w.Start(context.Background())
	waitForState(t, w, StateRunning)

	if err := w.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := w.State(); st != StateStopped {
		t.Errorf("expected stopped, got %s", st)
	}
}

func TestWatcherStopFromFailed(t *testing.T) {
	w := startTestWatcher(t, shellSpec(`echo error; sleep 30`), testWatcherConfig())
	waitForState(t, w, StateFailed)

	if err := w.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	info := w.Info()
	if info.State != StateStopped {
		t.Errorf("expected stopped, got %s", info.State)
	}
	if !hasTransition(info.Transitions, StateFailed, StateStopped) {
		t.Errorf("expected failed -> stopped, got %v", states(info.Transitions))
	}
}

func TestWatcherCleanExitStops(t *testing.T) {
	exited := make(chan struct{})
	cfg := testWatcherConfig()
	cfg.onExit = func(*Watcher) { close(exited) }

	w := startTestWatcher(t, shellSpec("echo hello"), cfg)

	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		t.Fatal("expected the watcher to stop by itself")
	}
	info := w.Info()
	if info.State != StateStopped {
		t.Errorf("expected stopped, got %s", info.State)
	}
	if lines := w.Buffer().Lines(); len(lines) == 0 || lines[0] != "hello" {
		t.Errorf("expected captured output, got %v", lines)
	}
}

func TestWatcherNonZeroExitIsFailureSignature(t *testing.T) {
	w := startTestWatcher(t, shellSpec("exit 3"), testWatcherConfig())
	info := waitForState(t, w, StateFailed)

	if len(info.Evidence) != 1 || info.Evidence[0] != "process exited with status 3" {
		t.Errorf("expected exit record as evidence, got %q", info.Evidence)
	}
	recs := w.Logs(0)
	if len(recs) == 0 || recs[len(recs)-1].Stream != "system" {
		t.Errorf("expected a system record, got %+v", recs)
	}
}

func TestWatcherNeverPolicyStopsOnExit(t *testing.T) {
	s := shellSpec("exit 3")
	s.Restart = &spec.RestartPolicy{Policy: "never"}
	w := startTestWatcher(t, s, testWatcherConfig())

	waitForState(t, w, StateStopped)
}

func TestWatcherAlwaysPolicyRestartsCleanExit(t *testing.T) {
	s := shellSpec("echo tick")
	s.Restart = &spec.RestartPolicy{Policy: "always"}
	w := startTestWatcher(t, s, testWatcherConfig())

	deadline := time.Now().Add(10 * time.Second)
	for w.Info().Restarts < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := w.Info().Restarts; n < 2 {
		t.Errorf("expected repeated restarts, got %d", n)
	}
	if w.Info().RepairAttempts != 0 {
		t.Error("a clean exit should not trigger repair")
	}
}

func TestWatcherSpawnError(t *testing.T) {
	s := &spec.WatcherSpec{Watcher: spec.Watcher{Command: "watchmin-no-such-command"}}
	w := startTestWatcher(t, s, testWatcherConfig())

	info := waitForState(t, w, StateFailed)
	if !strings.Contains(info.LastError, "spawning") {
		t.Errorf("expected spawn error, got %q", info.LastError)
	}
}

func TestWatcherAttachError(t *testing.T) {
	s := &spec.WatcherSpec{Watcher: spec.Watcher{PID: 99999999}}
	w := startTestWatcher(t, s, testWatcherConfig())

	info := waitForState(t, w, StateFailed)
	if !strings.Contains(info.LastError, "attaching to pid") {
		t.Errorf("expected attach error, got %q", info.LastError)
	}
}

func TestWatcherHealthFailureIsDetected(t *testing.T) {
	s := shellSpec("sleep 30")
	s.Health = &spec.HealthCheck{
		Type:               "exec",
		Command:            "false",
		Interval:           spec.Duration{Duration: 50 * time.Millisecond},
		Timeout:            spec.Duration{Duration: time.Second},
		UnhealthyThreshold: 1,
	}
	w := startTestWatcher(t, s, testWatcherConfig())

	info := waitForState(t, w, StateFailed)
	if len(info.Evidence) != 1 || !strings.HasPrefix(info.Evidence[0], "health check failed") {
		t.Errorf("expected health evidence, got %q", info.Evidence)
	}
}

func TestWatcherHealthFailurePrefersCapturedOutput(t *testing.T) {
	w, err := newWatcher("w-test", shellSpec("true"), testWatcherConfig())
	if err != nil {
		t.Fatal(err)
	}
	failed := health.Result{Status: health.StatusUnhealthy, Message: "connection refused"}

	w.ring.Append(logbuf.Stderr, "Traceback (most recent call last)")
	next, reason := w.healthFailed(failed)
	if next != StateDetecting || !strings.HasPrefix(reason, "failure detected") {
		t.Fatalf("expected output detection, got %s %q", next, reason)
	}
	if ev := w.Info().Evidence; len(ev) != 1 || ev[0] != "Traceback (most recent call last)" {
		t.Errorf("expected the captured line as evidence, got %q", ev)
	}

	next, reason = w.healthFailed(failed)
	if next != StateDetecting || reason != "health check failed" {
		t.Fatalf("expected health detection, got %s %q", next, reason)
	}
	if ev := w.Info().Evidence; len(ev) != 1 || ev[0] != "health check failed: connection refused" {
		t.Errorf("expected health evidence, got %q", ev)
	}
}

func TestWatcherDetectsFailureBeforeOutputBurst(t *testing.T) {
	cfg := testWatcherConfig()
	cfg.bufferLines = 50
	cfg.pollInterval = time.Second
	w := startTestWatcher(t, shellSpec(`echo "Traceback (most recent call last)"; seq 1 20000; sleep 5`), cfg)

	info := waitForState(t, w, StateFailed)
	if !hasTransition(info.Transitions, StateRunning, StateDetecting) {
		t.Fatalf("expected detection, got %v", states(info.Transitions))
	}
	if len(info.Evidence) == 0 || info.Evidence[0] != "Traceback (most recent call last)" {
		t.Errorf("expected the evicted line as evidence, got %q", info.Evidence)
	}
}

func TestWatcherCallerRuleTriggersDetection(t *testing.T) {
	cfg := testWatcherConfig()
	cfg.rules = []detect.Rule{detect.Predicate("address in use", func(rec logbuf.Record) bool {
		return strings.Contains(rec.Line, "EADDRINUSE")
	})}
	w := startTestWatcher(t, shellSpec(`echo "listen tcp :8080: bind: EADDRINUSE" >&2; sleep 30`), cfg)

	info := waitForState(t, w, StateFailed)
	var reason string
	for _, tr := range info.Transitions {
		if tr.To == StateDetecting {
			reason = tr.Reason
		}
	}
	if reason != "failure detected: address in use" {
		t.Errorf("expected the caller rule to fire, got %q", reason)
	}
}

func TestWatcherRestartFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := testWatcherConfig()
	cfg.repairer = repairFunc(func(ctx context.Context, req repair.Request) (*repair.Outcome, error) {
		// The repair "succeeds" but removes the working directory.
		os.RemoveAll(dir)
		return &repair.Outcome{Files: []string{"app.sh"}}, nil
	})

	s := &spec.WatcherSpec{Watcher: spec.Watcher{Command: `echo error; sleep 30`, Shell: true, WorkingDir: dir}}
	w := startTestWatcher(t, s, cfg)

	info := waitForState(t, w, StateFailed)
	if !strings.Contains(info.LastError, "restart failed") {
		t.Errorf("expected restart failure, got %q", info.LastError)
	}
	if !hasTransition(info.Transitions, StateRestarting, StateFailed) {
		t.Errorf("expected restarting -> failed, got %v", states(info.Transitions))
	}
}

func TestWatcherRespawnsAttachedTarget(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("command line recovery needs /proc")
	}

	logPath := filepath.Join(t.TempDir(), "app.log")
	f, err := os.Create(logPath)
	if err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("sh", "-c", "sleep 0.3; echo 'unhandled exception'; sleep 30")
	cmd.Stdout = f
	cmd.Stderr = f
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	go cmd.Wait()
	t.Cleanup(func() { cmd.Process.Kill() })

	cfg := testWatcherConfig()
	cfg.repairer = repairFunc(func(ctx context.Context, req repair.Request) (*repair.Outcome, error) {
		return &repair.Outcome{Files: []string{"app.py"}}, nil
	})

	s := &spec.WatcherSpec{Watcher: spec.Watcher{PID: cmd.Process.Pid, Logs: []string{logPath}}}
	w := startTestWatcher(t, s, cfg)

	deadline := time.Now().Add(10 * time.Second)
	for w.Info().Restarts < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	info := w.Info()
	if info.Restarts < 1 {
		t.Fatalf("expected a restart, got %+v", info)
	}
	if info.PID == cmd.Process.Pid {
		t.Error("expected a new process after restart")
	}
}

func TestWatcherInjectsSecrets(t *testing.T) {
	store := keychain.NewMemoryStore()
	store.Set("api-token", "s3cret")

	cfg := testWatcherConfig()
	cfg.secrets = store
	s := shellSpec("echo token=$API_TOKEN")
	s.Secrets = map[string]string{"API_TOKEN": "api-token"}
	s.Env = map[string]string{"PLAIN": "1"}
	w := startTestWatcher(t, s, cfg)

	waitForState(t, w, StateStopped)
	if lines := w.Buffer().Lines(); len(lines) == 0 || lines[0] != "token=s3cret" {
		t.Errorf("expected injected secret, got %v", lines)
	}
}

func TestWatcherTransitionHistoryIsBounded(t *testing.T) {
	w, err := newWatcher("w-hist", shellSpec("true"), testWatcherConfig())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		w.setState(StateRunning, "")
	}
	if n := len(w.Info().Transitions); n != maxTransitions {
		t.Errorf("expected %d transitions, got %d", maxTransitions, n)
	}
}

func TestWatcherRejectsBadDetectRules(t *testing.T) {
	cfg := testWatcherConfig()
	cfg.detect = spec.Detect{Regex: []string{"("}}
	if _, err := newWatcher("w-bad", shellSpec("true"), cfg); err == nil {
		t.Error("expected error for invalid regexp")
	}
}

func TestRestartErrorUnwraps(t *testing.T) {
	inner := errors.New("exec format error")
	err := error(&RestartError{Err: inner})
	if !errors.Is(err, inner) {
		t.Error("expected RestartError to unwrap")
	}
	if err.Error() != "restart failed: exec format error" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
