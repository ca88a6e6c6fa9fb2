package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benaskins/watchmin/internal/audit"
	"github.com/benaskins/watchmin/internal/config"
	"github.com/benaskins/watchmin/internal/detect"
	"github.com/benaskins/watchmin/internal/fixer"
	"github.com/benaskins/watchmin/internal/keychain"
	"github.com/benaskins/watchmin/internal/logbuf"
	"github.com/benaskins/watchmin/internal/metrics"
	"github.com/benaskins/watchmin/internal/repair"
	"github.com/benaskins/watchmin/internal/spec"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound is returned for an unknown watcher ID.
	ErrNotFound = errors.New("watcher not found")
	// ErrClosed is returned by Create once the registry is closed.
	ErrClosed = errors.New("registry closed")
)

// Registry is the process-wide table of watchers.
type Registry struct {
	cfg     *config.Config
	fixer   fixer.Fixer
	audit   audit.Recorder
	metrics *metrics.Metrics
	secrets keychain.Store
	specDir string
	rules   []detect.Rule
	logger  *slog.Logger

	ctx    context.Context // parent of every watcher loop
	cancel context.CancelFunc
	next   atomic.Uint64

	mu       sync.RWMutex
	closed   bool
	watchers map[string]*Watcher
	byName   map[string]string // spec-dir watcher name -> ID

	reloadMu sync.Mutex
}

// Option configures the registry.
type Option func(*Registry)

// WithFixer sets the fixer used for repairs. Without one, a detected failure
// leaves the watcher failed.
func WithFixer(f fixer.Fixer) Option {
	return func(r *Registry) { r.fixer = f }
}

// WithRules adds detection rules to every watcher, on top of its configured
// patterns. Rules are shared between watchers and must be safe for concurrent
// use.
func WithRules(rules ...detect.Rule) Option {
	return func(r *Registry) { r.rules = append(r.rules, rules...) }
}

// WithConfig sets daemon defaults.
func WithConfig(cfg *config.Config) Option {
	return func(r *Registry) { r.cfg = cfg }
}

// WithAudit records repair attempts.
func WithAudit(rec audit.Recorder) Option {
	return func(r *Registry) { r.audit = rec }
}

// WithMetrics records watcher activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithSecrets sets the store that watcher secrets are read from.
func WithSecrets(s keychain.Store) Option {
	return func(r *Registry) { r.secrets = s }
}

// WithSpecDir sets the directory of watcher definitions used by Load and Reload.
func WithSpecDir(dir string) Option {
	return func(r *Registry) { r.specDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		watchers: make(map[string]*Watcher),
		byName:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg == nil {
		r.cfg = config.Default()
	}
	if r.logger == nil {
		r.logger = slog.With("component", "registry")
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Create validates s, allocates an ID and starts the watcher.
func (r *Registry) Create(s *spec.WatcherSpec) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	seq := r.next.Add(1)
	id := "w-" + strconv.FormatUint(seq, 10)

	w, err := newWatcher(id, s, r.watcherConfig(s))
	if err != nil {
		return "", err
	}
	w.seq = seq

	r.mu.Lock()
	if r.closed || r.ctx.Err() != nil {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.watchers[id] = w
	r.mu.Unlock()

	w.Start(r.ctx)
	r.logger.Info("watcher created", "id", id, "target", s.Target())
	return id, nil
}

func (r *Registry) watcherConfig(s *spec.WatcherSpec) watcherConfig {
	rc := r.cfg.Repair.Overlay(s.Repair)
	logger := r.logger.With("component", "watcher")

	cfg := watcherConfig{
		bufferLines:  r.cfg.BufferLines,
		pollInterval: r.cfg.PollInterval.Duration,
		stopTimeout:  r.cfg.StopTimeout.Duration,
		detect:       r.cfg.Detect.Overlay(s.Detect),
		rules:        r.rules,
		repair:       rc,
		secrets:      r.secrets,
		metrics:      r.metrics,
		logger:       logger,
		onExit:       r.forget,
	}
	if r.fixer != nil {
		validate := rc.Validate == nil || *rc.Validate
		cfg.repairer = repair.NewPipeline(r.fixer,
			repair.WithWorkspaceDir(config.ExpandHome(rc.WorkspaceDir)),
			repair.WithValidation(validate),
			repair.WithAudit(r.audit),
			repair.WithLogger(logger),
		)
	}
	return cfg
}

// forget drops a watcher that reached stopped.
func (r *Registry) forget(w *Watcher) {
	r.mu.Lock()
	if r.watchers[w.id] == w {
		delete(r.watchers, w.id)
	}
	if name := w.spec.Watcher.Name; name != "" && r.byName[name] == w.id {
		delete(r.byName, name)
	}
	r.mu.Unlock()
	r.metrics.Forget(w.id)
}

// Stop stops a watcher and removes it once stopped.
func (r *Registry) Stop(id string, timeout time.Duration) error {
	w, err := r.Lookup(id)
	if err != nil {
		return err
	}
	err = w.Stop(timeout)
	r.forget(w)
	return err
}

// Lookup returns the watcher with the given ID.
func (r *Registry) Lookup(id string) (*Watcher, error) {
	r.mu.RLock()
	w, ok := r.watchers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w, nil
}

// Info returns a snapshot of one watcher.
func (r *Registry) Info(id string) (WatcherInfo, error) {
	w, err := r.Lookup(id)
	if err != nil {
		return WatcherInfo{}, err
	}
	return w.Info(), nil
}

// List returns a snapshot of every watcher ordered by creation.
func (r *Registry) List() []WatcherInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws := make([]*Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		ws = append(ws, w)
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].seq < ws[j].seq })

	infos := make([]WatcherInfo, len(ws))
	for i, w := range ws {
		infos[i] = w.Info()
	}
	return infos
}

// Logs returns the last n captured records of a watcher.
func (r *Registry) Logs(id string, n int) ([]logbuf.Record, error) {
	w, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	return w.Logs(n), nil
}

// StopAll stops every watcher in parallel.
func (r *Registry) StopAll(timeout time.Duration) error {
	r.mu.RLock()
	ws := make([]*Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		ws = append(ws, w)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, w := range ws {
		g.Go(func() error {
			err := w.Stop(timeout)
			r.forget(w)
			if err != nil {
				return fmt.Errorf("stopping %s: %w", w.id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info("all watchers stopped", "count", len(ws))
	return err
}

// Close stops every watcher and releases the registry.
func (r *Registry) Close(timeout time.Duration) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	err := r.StopAll(timeout)
	r.cancel()
	return err
}

// Load creates a watcher for each definition in the spec directory.
func (r *Registry) Load() error {
	if r.specDir == "" {
		return nil
	}
	specs, err := spec.LoadDir(r.specDir)
	if err != nil {
		return fmt.Errorf("loading specs: %w", err)
	}
	r.logger.Info("loaded watcher specs", "count", len(specs), "dir", r.specDir)

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	for _, s := range specs {
		if err := r.createNamed(s); err != nil {
			r.logger.Error("failed to create watcher", "name", s.Watcher.Name, "error", err)
		}
	}
	return nil
}

func (r *Registry) createNamed(s *spec.WatcherSpec) error {
	id, err := r.Create(s)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.byName[s.Watcher.Name] = id
	r.mu.Unlock()
	return nil
}

// ReloadResult summarizes what changed during a reload, by watcher name.
type ReloadResult struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Restarted []string `json:"restarted,omitempty"`
}

// Reload re-reads the spec directory and reconciles by name: create new
// watchers, stop removed ones and recreate those whose definition changed.
// Watchers created directly through Create are left alone.
func (r *Registry) Reload() (*ReloadResult, error) {
	if r.specDir == "" {
		return &ReloadResult{}, nil
	}
	specs, err := spec.LoadDir(r.specDir)
	if err != nil {
		return nil, fmt.Errorf("loading specs: %w", err)
	}

	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	wanted := make(map[string]*spec.WatcherSpec, len(specs))
	for _, s := range specs {
		wanted[s.Watcher.Name] = s
	}

	r.mu.RLock()
	current := make(map[string]*Watcher, len(r.byName))
	for name, id := range r.byName {
		if w, ok := r.watchers[id]; ok {
			current[name] = w
		}
	}
	r.mu.RUnlock()

	result := &ReloadResult{}
	timeout := r.cfg.StopTimeout.Duration

	for name, w := range current {
		next, ok := wanted[name]
		switch {
		case !ok:
			r.logger.Info("removing watcher", "name", name, "id", w.id)
			if err := r.Stop(w.id, timeout); err != nil {
				r.logger.Warn("error stopping removed watcher", "name", name, "error", err)
			}
			result.Removed = append(result.Removed, name)
		case next.Hash() != w.hash:
			r.logger.Info("recreating changed watcher", "name", name, "id", w.id)
			if err := r.Stop(w.id, timeout); err != nil {
				r.logger.Warn("error stopping changed watcher", "name", name, "error", err)
			}
			if err := r.createNamed(next); err != nil {
				r.logger.Error("failed to recreate watcher", "name", name, "error", err)
				continue
			}
			result.Restarted = append(result.Restarted, name)
		}
	}

	for name, s := range wanted {
		if _, ok := current[name]; ok {
			continue
		}
		r.logger.Info("adding watcher", "name", name)
		if err := r.createNamed(s); err != nil {
			r.logger.Error("failed to create watcher", "name", name, "error", err)
			continue
		}
		result.Added = append(result.Added, name)
	}

	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Restarted)
	return result, nil
}
