package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benaskins/watchmin/internal/spec"
)

func FuzzHealthCheckPath(f *testing.F) {
	f.Add("/health")
	f.Add("/")
	f.Add("/a/b/c?q=1")
	f.Add("/@redirect")
	f.Add("")
	f.Fuzz(func(t *testing.T, path string) {
		// Same construction as checkHTTP.
		parsed, err := neturl.Parse(fmt.Sprintf("http://127.0.0.1:%d%s", 8080, path))
		if err != nil {
			return
		}
		// A path without a leading slash can rewrite the authority; specs
		// are validated to start with one.
		if strings.HasPrefix(path, "/") && parsed.Hostname() != "127.0.0.1" {
			t.Errorf("health URL host changed to %q for path %q", parsed.Hostname(), path)
		}
	})
}

// serveHealth serves handler on a loopback port and returns the port.
func serveHealth(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func statusHandler(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }
}

// freePort returns a loopback port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// waitForStatus polls the monitor until it reports want.
func waitForStatus(t *testing.T, m *Monitor, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.CurrentStatus() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, have %s", want, m.CurrentStatus())
}

func startMonitor(t *testing.T, cfg Config, onUnhealthy func(Result)) *Monitor {
	t.Helper()
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	m := NewMonitor(cfg, nil, onUnhealthy)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func TestCheckTypes(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	tcpPort := listener.Addr().(*net.TCPAddr).Port

	tests := []struct {
		name string
		cfg  Config
		want Status
	}{
		{"http ok", Config{Type: "http", Path: "/health", Port: serveHealth(t, statusHandler(200))}, StatusHealthy},
		{"http 500", Config{Type: "http", Path: "/health", Port: serveHealth(t, statusHandler(500)), UnhealthyThreshold: 2}, StatusUnhealthy},
		{"tcp ok", Config{Type: "tcp", Port: tcpPort}, StatusHealthy},
		{"tcp refused", Config{Type: "tcp", Port: freePort(t), UnhealthyThreshold: 2}, StatusUnhealthy},
		{"exec ok", Config{Type: "exec", Command: "true"}, StatusHealthy},
		{"exec fails", Config{Type: "exec", Command: "false", UnhealthyThreshold: 2}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := startMonitor(t, tt.cfg, nil)
			waitForStatus(t, m, tt.want)

			result := m.LastResult()
			if result == nil {
				t.Fatal("expected a result")
			}
			if result.CheckedAt.IsZero() {
				t.Error("expected CheckedAt to be set")
			}
		})
	}
}

func TestUnhealthyReportedOncePerTransition(t *testing.T) {
	var healthy atomic.Bool
	port := serveHealth(t, func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(200)
			return
		}
		w.WriteHeader(503)
	})

	var mu sync.Mutex
	var reports []Result
	m := startMonitor(t, Config{Type: "http", Path: "/health", Port: port, UnhealthyThreshold: 2}, func(r Result) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	})

	waitForStatus(t, m, StatusUnhealthy)
	// More failing checks must not report again.
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	if reports[0].Status != StatusUnhealthy || !strings.Contains(reports[0].Message, "503") {
		t.Errorf("expected the failing result, got %+v", reports[0])
	}
	mu.Unlock()

	healthy.Store(true)
	waitForStatus(t, m, StatusHealthy)
	healthy.Store(false)
	waitForStatus(t, m, StatusUnhealthy)

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 2 {
		t.Errorf("expected a second report after recovery, got %d", len(reports))
	}
}

func TestUnhealthyThreshold(t *testing.T) {
	var checks atomic.Int32
	port := serveHealth(t, func(w http.ResponseWriter, r *http.Request) {
		if checks.Add(1) <= 2 {
			w.WriteHeader(200)
			return
		}
		w.WriteHeader(500)
	})

	m := startMonitor(t, Config{Type: "http", Path: "/", Port: port, Interval: 50 * time.Millisecond, UnhealthyThreshold: 3}, nil)
	waitForStatus(t, m, StatusHealthy)
	waitForStatus(t, m, StatusUnhealthy)

	// Two healthy checks, then three failures before the status flips.
	if n := checks.Load(); n < 5 {
		t.Errorf("expected at least 5 checks before unhealthy, got %d", n)
	}
}

func TestGracePeriod(t *testing.T) {
	m := startMonitor(t, Config{Type: "exec", Command: "true", GracePeriod: 200 * time.Millisecond}, nil)

	time.Sleep(100 * time.Millisecond)
	if m.CurrentStatus() != StatusUnknown {
		t.Errorf("expected unknown during grace period, got %v", m.CurrentStatus())
	}
	if m.LastResult() != nil {
		t.Error("expected no result during grace period")
	}

	waitForStatus(t, m, StatusHealthy)
}

func TestExecRunsInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Type: "exec", Command: "test -f ready", WorkingDir: dir, Timeout: time.Second}

	if err := SingleCheck(cfg); err == nil {
		t.Fatal("expected failure before the file exists")
	}
	if err := writeFile(dir + "/ready"); err != nil {
		t.Fatal(err)
	}
	if err := SingleCheck(cfg); err != nil {
		t.Errorf("expected success in working dir, got %v", err)
	}
}

func TestExecFailureIncludesOutput(t *testing.T) {
	err := SingleCheck(Config{Type: "exec", Command: "echo database down; exit 3", Timeout: time.Second})
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "database down") || strings.HasSuffix(err.Error(), "\n") {
		t.Errorf("expected trimmed output in error, got %q", err)
	}

	long := trimOutput([]byte(strings.Repeat("x", 500) + "\n"))
	if len(long) != 203 || !strings.HasSuffix(long, "...") {
		t.Errorf("expected truncated output, got %d bytes", len(long))
	}
}

func TestSingleCheckUnknownType(t *testing.T) {
	err := SingleCheck(Config{Type: "grpc", Timeout: time.Second})
	if err == nil || !strings.Contains(err.Error(), "unknown health check type") {
		t.Errorf("expected unknown type error, got %v", err)
	}
}

func TestFromSpec(t *testing.T) {
	cfg := FromSpec(&spec.HealthCheck{
		Type:               "http",
		Path:               "/healthz",
		Port:               8080,
		Interval:           spec.Duration{Duration: 5 * time.Second},
		Timeout:            spec.Duration{Duration: time.Second},
		GracePeriod:        spec.Duration{Duration: 10 * time.Second},
		UnhealthyThreshold: 4,
	}, "/srv/api")

	want := Config{
		Type: "http", Path: "/healthz", Port: 8080, WorkingDir: "/srv/api",
		Interval: 5 * time.Second, Timeout: time.Second, GracePeriod: 10 * time.Second,
		UnhealthyThreshold: 4,
	}
	if cfg != want {
		t.Errorf("FromSpec = %+v, want %+v", cfg, want)
	}
}

func TestResultDuration(t *testing.T) {
	m := startMonitor(t, Config{Type: "exec", Command: "sleep 0.05", Interval: 200 * time.Millisecond}, nil)
	waitForStatus(t, m, StatusHealthy)

	if d := m.LastResult().Duration; d < 40*time.Millisecond {
		t.Errorf("expected duration >= 40ms, got %v", d)
	}
}

func TestStopBeforeStart(t *testing.T) {
	m := NewMonitor(Config{Type: "exec", Command: "true", Interval: time.Second, Timeout: time.Second}, nil, nil)
	m.Stop()
	if m.CurrentStatus() != StatusUnknown {
		t.Errorf("expected unknown, got %v", m.CurrentStatus())
	}
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("ok\n"), 0644)
}
