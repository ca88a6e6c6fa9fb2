// Package health runs periodic liveness checks against a supervised process.
// A transition to unhealthy is reported to the watcher, which treats it as a
// failure signature alongside what the process prints.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/benaskins/watchmin/internal/spec"
)

// Status represents the health state of a process.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config holds health check configuration for one watcher.
type Config struct {
	Type               string        // "http" | "tcp" | "exec"
	Path               string        // http only
	Port               int           // http and tcp
	Command            string        // exec only
	WorkingDir         string        // exec only
	Interval           time.Duration // time between checks
	Timeout            time.Duration // max time per check
	GracePeriod        time.Duration // delay before first check
	UnhealthyThreshold int           // consecutive failures before unhealthy
}

// FromSpec maps a watcher's health block onto a Config.
func FromSpec(h *spec.HealthCheck, workingDir string) Config {
	return Config{
		Type:               h.Type,
		Path:               h.Path,
		Port:               h.Port,
		Command:            h.Command,
		WorkingDir:         workingDir,
		Interval:           h.Interval.Duration,
		Timeout:            h.Timeout.Duration,
		GracePeriod:        h.GracePeriod.Duration,
		UnhealthyThreshold: h.UnhealthyThreshold,
	}
}

// Result is the outcome of a single health check.
type Result struct {
	Status    Status
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Monitor runs periodic health checks and tracks state.
type Monitor struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	mu               sync.Mutex
	status           Status
	last             *Result
	consecutiveFails int
	cancel           context.CancelFunc
	done             chan struct{}

	// onUnhealthy is called with the failing result when the process
	// transitions to unhealthy.
	onUnhealthy func(Result)
}

// NewMonitor creates a health check monitor.
func NewMonitor(cfg Config, logger *slog.Logger, onUnhealthy func(Result)) *Monitor {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if logger == nil {
		logger = slog.With("component", "health")
	}
	return &Monitor{
		cfg:         cfg,
		logger:      logger,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		status:      StatusUnknown,
		onUnhealthy: onUnhealthy,
	}
}

// Start begins periodic health checking.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the health check loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the current health status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastResult returns a copy of the most recent check, or nil before the first.
func (m *Monitor) LastResult() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	r := *m.last
	return &r
}

func (m *Monitor) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		close(m.done)
		m.mu.Unlock()
	}()

	// Grace period
	if m.cfg.GracePeriod > 0 {
		select {
		case <-time.After(m.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// Run first check immediately
	m.check(ctx)

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := runCheck(checkCtx, m.cfg, m.httpClient)

	// Results from a cancelled context mean the monitor is shutting down.
	if ctx.Err() != nil {
		return
	}

	result := Result{Status: StatusHealthy, Message: "ok", CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}

	m.mu.Lock()
	prevStatus := m.status
	m.last = &result

	if result.Status == StatusHealthy {
		m.consecutiveFails = 0
		m.status = StatusHealthy
	} else {
		m.consecutiveFails++
		if m.consecutiveFails >= m.cfg.UnhealthyThreshold {
			m.status = StatusUnhealthy
		}
	}

	newStatus := m.status
	consecutiveFails := m.consecutiveFails
	m.mu.Unlock()

	if result.Status != StatusHealthy {
		m.logger.Warn("health check failed",
			"error", result.Message,
			"consecutive_fails", consecutiveFails,
			"threshold", m.cfg.UnhealthyThreshold,
		)
	}

	// Fire callback on transition to unhealthy
	if prevStatus != StatusUnhealthy && newStatus == StatusUnhealthy {
		m.logger.Error("process is unhealthy", "consecutive_fails", consecutiveFails)
		if m.onUnhealthy != nil {
			m.onUnhealthy(result)
		}
	}
}

// SingleCheck runs one health check with the given config and returns nil if healthy.
// Unlike Monitor, it does not track state or run periodically.
func SingleCheck(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	return runCheck(ctx, cfg, &http.Client{Timeout: cfg.Timeout})
}

func runCheck(ctx context.Context, cfg Config, client *http.Client) error {
	switch cfg.Type {
	case "http":
		return checkHTTP(ctx, cfg, client)
	case "tcp":
		return checkTCP(ctx, cfg)
	case "exec":
		return checkExec(ctx, cfg)
	default:
		return fmt.Errorf("unknown health check type: %s", cfg.Type)
	}
}

func checkHTTP(ctx context.Context, cfg Config, client *http.Client) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.Port, cfg.Path)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func checkTCP(ctx context.Context, cfg Config) error {
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}

func checkExec(ctx context.Context, cfg Config) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	cmd.Dir = cfg.WorkingDir
	if out, err := cmd.CombinedOutput(); err != nil {
		if len(out) > 0 {
			return fmt.Errorf("command failed: %w: %s", err, trimOutput(out))
		}
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func trimOutput(out []byte) string {
	const max = 200
	s := string(out)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
