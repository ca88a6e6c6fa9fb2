// Package spec defines watcher definitions as loaded from YAML.
package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var watcherNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// WatcherSpec is the top-level structure for a watcher definition.
type WatcherSpec struct {
	Watcher Watcher           `yaml:"watcher" json:"watcher"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Secrets map[string]string `yaml:"secrets,omitempty" json:"secrets,omitempty"` // env var -> secret store key
	Sources []string          `yaml:"sources,omitempty" json:"sources,omitempty"`
	Detect  *Detect           `yaml:"detect,omitempty" json:"detect,omitempty"`
	Repair  *Repair           `yaml:"repair,omitempty" json:"repair,omitempty"`
	Restart *RestartPolicy    `yaml:"restart,omitempty" json:"restart,omitempty"`
	Health  *HealthCheck      `yaml:"health,omitempty" json:"health,omitempty"`
}

// Watcher names the supervised target: a command to spawn or a PID to attach to.
type Watcher struct {
	Name       string   `yaml:"name,omitempty" json:"name,omitempty"`
	Command    string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args       []string `yaml:"args,omitempty" json:"args,omitempty"`
	Shell      bool     `yaml:"shell,omitempty" json:"shell,omitempty"` // run command through sh -c
	PID        int      `yaml:"pid,omitempty" json:"pid,omitempty"`
	WorkingDir string   `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Logs       []string `yaml:"logs,omitempty" json:"logs,omitempty"` // extra files to tail when attaching
}

// Detect configures failure signatures.
type Detect struct {
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"` // case-insensitive substrings
	Regex    []string `yaml:"regex,omitempty" json:"regex,omitempty"`
	Expr     []string `yaml:"expr,omitempty" json:"expr,omitempty"`
	Ignore   []string `yaml:"ignore,omitempty" json:"ignore,omitempty"`
}

// Repair configures the attempt budget and the pipeline.
type Repair struct {
	MaxAttempts  int      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Window       Duration `yaml:"window,omitempty" json:"window,omitempty"`
	Delay        Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	Backoff      string   `yaml:"backoff,omitempty" json:"backoff,omitempty"` // "fixed" | "exponential"
	MaxDelay     Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	ContextLines int      `yaml:"context_lines,omitempty" json:"context_lines,omitempty"`
	WorkspaceDir string   `yaml:"workspace_dir,omitempty" json:"workspace_dir,omitempty"`
	Validate     *bool    `yaml:"validate,omitempty" json:"validate,omitempty"`
}

// RestartPolicy decides what happens when the process exits without a
// detected failure.
type RestartPolicy struct {
	Policy string `yaml:"policy" json:"policy"` // "always" | "on-failure" | "never"
}

type HealthCheck struct {
	Type               string   `yaml:"type" json:"type"` // "http" | "tcp" | "exec"
	Path               string   `yaml:"path,omitempty" json:"path,omitempty"`
	Port               int      `yaml:"port,omitempty" json:"port,omitempty"`
	Command            string   `yaml:"command,omitempty" json:"command,omitempty"` // exec only
	Interval           Duration `yaml:"interval" json:"interval"`
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	GracePeriod        Duration `yaml:"grace_period,omitempty" json:"grace_period,omitempty"`
	UnhealthyThreshold int      `yaml:"unhealthy_threshold,omitempty" json:"unhealthy_threshold,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = parsed
	return nil
}

// Load reads and parses a watcher spec from a YAML file.
func Load(path string) (*WatcherSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec %s: %w", path, err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("spec %s: %w", path, err)
	}
	if s.Watcher.Name == "" {
		base := filepath.Base(path)
		s.Watcher.Name = strings.TrimSuffix(base, filepath.Ext(base))
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("spec %s: %w", path, err)
		}
	}
	return s, nil
}

// Parse decodes and validates a spec.
func Parse(data []byte) (*WatcherSpec, error) {
	var s WatcherSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating: %w", err)
	}
	return &s, nil
}

// LoadDir reads all YAML watcher specs from a directory, sorted by file name.
func LoadDir(dir string) ([]*WatcherSpec, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("listing specs in %s: %w", dir, err)
	}

	// Also match .yml
	ymlEntries, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("listing specs in %s: %w", dir, err)
	}
	entries = append(entries, ymlEntries...)
	sort.Strings(entries)

	var specs []*WatcherSpec
	for _, path := range entries {
		s, err := Load(path)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}

	return specs, nil
}

// Attached reports whether the spec targets an existing process.
func (s *WatcherSpec) Attached() bool {
	return s.Watcher.PID > 0
}

// Argv returns the argument vector to spawn, or nil for an attached target.
func (s *WatcherSpec) Argv() []string {
	w := s.Watcher
	if w.Command == "" {
		return nil
	}
	if w.Shell {
		line := w.Command
		for _, a := range w.Args {
			line += " " + shellQuote(a)
		}
		return []string{"sh", "-c", line}
	}
	return append(strings.Fields(w.Command), w.Args...)
}

// Target is a short display form of what is supervised.
func (s *WatcherSpec) Target() string {
	if s.Attached() {
		return fmt.Sprintf("pid %d", s.Watcher.PID)
	}
	return strings.Join(append([]string{s.Watcher.Command}, s.Watcher.Args...), " ")
}

// Hash returns a content hash used to detect changed specs on reload.
func (s *WatcherSpec) Hash() string {
	data, err := yaml.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks that a watcher spec is well-formed.
func (s *WatcherSpec) Validate() error {
	w := s.Watcher
	if w.Name != "" && !watcherNameRe.MatchString(w.Name) {
		return fmt.Errorf("watcher.name %q is invalid: must match ^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$", w.Name)
	}

	switch {
	case w.Command == "" && w.PID == 0:
		return fmt.Errorf("watcher.command or watcher.pid is required")
	case w.Command != "" && w.PID != 0:
		return fmt.Errorf("watcher.command and watcher.pid are mutually exclusive")
	case w.PID < 0:
		return fmt.Errorf("watcher.pid must be positive, got %d", w.PID)
	}
	if w.PID != 0 && (len(w.Args) > 0 || w.Shell) {
		return fmt.Errorf("watcher.args and watcher.shell are only valid with watcher.command")
	}
	if w.PID == 0 && len(w.Logs) > 0 {
		return fmt.Errorf("watcher.logs is only valid with watcher.pid")
	}

	for envVar, key := range s.Secrets {
		if envVar == "" || key == "" {
			return fmt.Errorf("secrets entries need both an env var and a key")
		}
	}

	for _, src := range s.Sources {
		if src == "" {
			return fmt.Errorf("sources entries must not be empty")
		}
	}

	if h := s.Health; h != nil {
		switch h.Type {
		case "http":
			if h.Path == "" {
				return fmt.Errorf("health.path is required for http health checks")
			}
			if h.Port == 0 {
				return fmt.Errorf("health.port is required for http health checks")
			}
		case "tcp":
			if h.Port == 0 {
				return fmt.Errorf("health.port is required for tcp health checks")
			}
		case "exec":
			if h.Command == "" {
				return fmt.Errorf("health.command is required for exec health checks")
			}
		default:
			return fmt.Errorf("health.type must be \"http\", \"tcp\", or \"exec\", got %q", h.Type)
		}

		if h.Interval.Duration <= 0 {
			return fmt.Errorf("health.interval must be positive")
		}
		if h.Timeout.Duration <= 0 {
			return fmt.Errorf("health.timeout must be positive")
		}
	}

	if r := s.Restart; r != nil {
		switch r.Policy {
		case "always", "on-failure", "never":
			// ok
		default:
			return fmt.Errorf("restart.policy must be \"always\", \"on-failure\", or \"never\", got %q", r.Policy)
		}
	}

	if r := s.Repair; r != nil {
		if err := r.check(); err != nil {
			return err
		}
	}

	return nil
}

func (r *Repair) check() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("repair.max_attempts must not be negative")
	}
	if r.Window.Duration < 0 || r.Delay.Duration < 0 || r.MaxDelay.Duration < 0 {
		return fmt.Errorf("repair durations must not be negative")
	}
	if r.Backoff != "" {
		switch r.Backoff {
		case "fixed", "exponential":
			// ok
		default:
			return fmt.Errorf("repair.backoff must be \"fixed\" or \"exponential\", got %q", r.Backoff)
		}
	}
	return nil
}

// Overlay returns r with every field that o sets replaced by o's value.
func (r Repair) Overlay(o *Repair) Repair {
	if o == nil {
		return r
	}
	if o.MaxAttempts != 0 {
		r.MaxAttempts = o.MaxAttempts
	}
	if o.Window.Duration != 0 {
		r.Window = o.Window
	}
	if o.Delay.Duration != 0 {
		r.Delay = o.Delay
	}
	if o.Backoff != "" {
		r.Backoff = o.Backoff
	}
	if o.MaxDelay.Duration != 0 {
		r.MaxDelay = o.MaxDelay
	}
	if o.ContextLines != 0 {
		r.ContextLines = o.ContextLines
	}
	if o.WorkspaceDir != "" {
		r.WorkspaceDir = o.WorkspaceDir
	}
	if o.Validate != nil {
		r.Validate = o.Validate
	}
	return r
}

// Overlay returns d with every rule list that o sets replaced by o's.
func (d Detect) Overlay(o *Detect) Detect {
	if o == nil {
		return d
	}
	if len(o.Patterns) > 0 || len(o.Regex) > 0 || len(o.Expr) > 0 {
		d.Patterns, d.Regex, d.Expr = o.Patterns, o.Regex, o.Expr
	}
	if len(o.Ignore) > 0 {
		d.Ignore = o.Ignore
	}
	return d
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]#~!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
