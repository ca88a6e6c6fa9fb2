// Package repair turns a detected failure into an applied source change.
//
// An attempt reads the allowed source files, asks the fixer for a patch,
// stages the result in a workspace unique to the attempt, validates it and
// applies every changed file or none of them. It never restarts anything;
// that is the caller's job once Attempt returns successfully.
package repair

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/benaskins/watchmin/internal/audit"
	"github.com/benaskins/watchmin/internal/fixer"
	"github.com/benaskins/watchmin/internal/source"
	"github.com/google/uuid"
)

// maxSourceSize caps each file handed to the fixer.
const maxSourceSize = 1 << 20

// Request describes one repair attempt.
type Request struct {
	WatcherID  string
	Attempt    int
	Command    []string
	WorkingDir string
	Evidence   []string
	Recent     []string
	Sources    *source.Set
	Hint       []source.Ref
}

// Outcome describes an applied repair.
type Outcome struct {
	AttemptID string        `json:"attempt_id"`
	Files     []string      `json:"files"`
	Summary   string        `json:"summary,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Pipeline runs repair attempts against a fixer.
type Pipeline struct {
	fixer        fixer.Fixer
	workspaceDir string
	validate     bool
	audit        audit.Recorder
	logger       *slog.Logger

	rename func(oldpath, newpath string) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkspaceDir sets where attempt workspaces are created. The default is
// the system temp directory.
func WithWorkspaceDir(dir string) Option {
	return func(p *Pipeline) { p.workspaceDir = dir }
}

// WithValidation turns syntax checks of staged files on or off.
func WithValidation(on bool) Option {
	return func(p *Pipeline) { p.validate = on }
}

// WithAudit records every attempt to r.
func WithAudit(r audit.Recorder) Option {
	return func(p *Pipeline) { p.audit = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline around f.
func NewPipeline(f fixer.Fixer, opts ...Option) *Pipeline {
	p := &Pipeline{
		fixer:    f,
		validate: true,
		rename:   os.Rename,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.With("component", "repair")
	}
	return p
}

type original struct {
	content []byte
	sum     [sha256.Size]byte
	mode    os.FileMode
}

// Attempt runs one repair. On failure it returns an *Error and the source is
// left exactly as it was.
func (p *Pipeline) Attempt(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	id := uuid.NewString()
	logger := p.logger.With("watcher", req.WatcherID, "attempt", req.Attempt, "attempt_id", id)

	p.record(audit.Entry{Action: audit.ActionRepairRequested, Watcher: req.WatcherID, AttemptID: id})

	outcome, err := p.attempt(ctx, req, id, logger)
	if err != nil {
		var repairErr *Error
		if !errors.As(err, &repairErr) {
			repairErr = &Error{Stage: StageApply, Reason: "unexpected failure", Err: err}
		}
		p.record(audit.Entry{
			Action:    audit.ActionRepairFailed,
			Watcher:   req.WatcherID,
			AttemptID: id,
			Stage:     string(repairErr.Stage),
			Error:     repairErr.Error(),
		})
		logger.Warn("repair attempt failed", "stage", repairErr.Stage, "error", repairErr)
		return nil, repairErr
	}

	outcome.Duration = time.Since(start)
	p.record(audit.Entry{
		Action:    audit.ActionRepairApplied,
		Watcher:   req.WatcherID,
		AttemptID: id,
		Files:     outcome.Files,
		Summary:   outcome.Summary,
	})
	logger.Info("repair applied", "files", outcome.Files, "summary", outcome.Summary, "duration", outcome.Duration)
	return outcome, nil
}

func (p *Pipeline) attempt(ctx context.Context, req Request, id string, logger *slog.Logger) (*Outcome, error) {
	// 1. Snapshot the files the fixer may touch.
	if req.Sources == nil || req.Sources.Len() == 0 {
		return nil, &Error{Stage: StageFix, Reason: "no source files to repair"}
	}
	originals := make(map[string]*original)
	var files []fixer.File
	for _, path := range req.Sources.Files() {
		orig, err := readOriginal(path)
		if err != nil {
			logger.Debug("skipping unreadable source", "path", path, "error", err)
			continue
		}
		originals[path] = orig
		files = append(files, fixer.File{Path: path, Content: string(orig.content)})
	}
	if len(files) == 0 {
		return nil, &Error{Stage: StageFix, Reason: "no readable source files"}
	}

	// 2. Ask for a patch.
	logger.Info("requesting fix", "files", len(files), "evidence", len(req.Evidence))
	patch, err := p.fixer.Fix(ctx, fixer.Request{
		WatcherID:  req.WatcherID,
		Attempt:    req.Attempt,
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Evidence:   req.Evidence,
		Recent:     req.Recent,
		Files:      files,
		Hint:       req.Hint,
	})
	if err != nil {
		return nil, &Error{Stage: StageFix, Reason: "fixer failed", Err: err}
	}
	if patch == nil || len(patch.Edits) == 0 {
		return nil, &Error{Stage: StageFix, Reason: "fixer returned an empty patch"}
	}

	// 3. Splice the edits in memory.
	staged := make(map[string]string)
	for _, e := range patch.Edits {
		path, ok := req.Sources.Resolve(e.Path)
		if !ok || originals[path] == nil {
			return nil, &Error{Stage: StageStage, Reason: fmt.Sprintf("edit to %s is outside the allowed files", e.Path)}
		}
		current, ok := staged[path]
		if !ok {
			current = string(originals[path].content)
		}
		updated, err := fixer.Splice(current, e)
		if err != nil {
			return nil, &Error{Stage: StageStage, Reason: "invalid edit to " + path, Err: err}
		}
		staged[path] = updated
	}

	var changed []string
	for path, content := range staged {
		if !bytes.Equal([]byte(content), originals[path].content) {
			changed = append(changed, path)
		}
	}
	if len(changed) == 0 {
		return nil, &Error{Stage: StageStage, Reason: "patch does not change anything"}
	}
	sort.Strings(changed)

	// 4. Lay the attempt out in its own workspace.
	ws, err := newWorkspace(p.workspaceDir, req.WatcherID, req.Attempt)
	if err != nil {
		return nil, &Error{Stage: StageStage, Reason: "creating workspace", Err: err}
	}
	defer ws.remove()

	for i, path := range changed {
		if err := ws.write(i, path, originals[path].content, []byte(staged[path])); err != nil {
			return nil, &Error{Stage: StageStage, Reason: "writing workspace", Err: err}
		}
	}

	// 5. Validate.
	if p.validate {
		for i, path := range changed {
			if err := validateFile(ctx, ws.stagedPath(i, path)); err != nil {
				return nil, &Error{Stage: StageValidate, Reason: "staged " + filepath.Base(path) + " does not parse", Err: err}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, &Error{Stage: StageApply, Reason: "cancelled before apply", Err: err}
	}

	// 6. Apply all or nothing.
	if err := p.apply(ws, changed, originals); err != nil {
		return nil, err
	}

	return &Outcome{AttemptID: id, Files: changed, Summary: patch.Summary}, nil
}

func (p *Pipeline) apply(ws *workspace, changed []string, originals map[string]*original) error {
	for _, path := range changed {
		current, err := os.ReadFile(path)
		if err != nil {
			return &Error{Stage: StageApply, Reason: "re-reading " + path, Err: err}
		}
		if sha256.Sum256(current) != originals[path].sum {
			return &Error{Stage: StageApply, Reason: path + " changed while the repair was in progress"}
		}
	}

	temps := make([]string, len(changed))
	cleanup := func() {
		for _, tmp := range temps {
			if tmp != "" {
				os.Remove(tmp)
			}
		}
	}
	for i, path := range changed {
		data, err := os.ReadFile(ws.stagedPath(i, path))
		if err != nil {
			cleanup()
			return &Error{Stage: StageApply, Reason: "reading staged " + path, Err: err}
		}
		tmp, err := writeSibling(path, data, originals[path].mode)
		if err != nil {
			cleanup()
			return &Error{Stage: StageApply, Reason: "writing " + path, Err: err}
		}
		temps[i] = tmp
	}

	for i, path := range changed {
		if err := p.rename(temps[i], path); err != nil {
			p.rollback(ws, changed[:i], originals)
			cleanup()
			return &Error{Stage: StageApply, Reason: "replacing " + path, Err: err}
		}
		temps[i] = ""
	}
	return nil
}

// rollback restores files that were already replaced, preferring the copies
// kept in the workspace.
func (p *Pipeline) rollback(ws *workspace, paths []string, originals map[string]*original) {
	for i, path := range paths {
		orig := originals[path]
		data, err := os.ReadFile(ws.originalPath(i, path))
		if err != nil {
			data = orig.content
		}
		tmp, err := writeSibling(path, data, orig.mode)
		if err == nil {
			err = os.Rename(tmp, path)
		}
		if err != nil {
			os.Remove(tmp)
			p.logger.Error("rollback failed, source left patched", "path", path, "error", err)
		}
	}
}

func (p *Pipeline) record(e audit.Entry) {
	if p.audit == nil {
		return
	}
	e.Actor = "daemon"
	if err := p.audit.Log(e); err != nil {
		p.logger.Warn("audit log write failed", "error", err)
	}
}

func readOriginal(path string) (*original, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	if fi.Size() > maxSourceSize {
		return nil, fmt.Errorf("%s is larger than %d bytes", path, maxSourceSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &original{content: data, sum: sha256.Sum256(data), mode: fi.Mode().Perm()}, nil
}

// writeSibling writes data to a uniquely named hidden file next to path and
// syncs it, ready to be renamed over path.
func writeSibling(path string, data []byte, mode os.FileMode) (string, error) {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".watchmin-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// workspace is the scratch directory of a single attempt.
type workspace struct {
	dir string
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func newWorkspace(base, watcherID string, attempt int) (*workspace, error) {
	name := unsafeName.ReplaceAllString(watcherID, "_")
	if name == "" {
		name = "watcher"
	}
	dir, err := os.MkdirTemp(base, "watchmin-"+name+"-"+strconv.Itoa(attempt)+"-*")
	if err != nil {
		return nil, err
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) originalPath(i int, path string) string {
	return filepath.Join(w.dir, "original", strconv.Itoa(i), filepath.Base(path))
}

func (w *workspace) stagedPath(i int, path string) string {
	return filepath.Join(w.dir, "staged", strconv.Itoa(i), filepath.Base(path))
}

func (w *workspace) write(i int, path string, orig, staged []byte) error {
	for _, f := range []struct {
		path string
		data []byte
	}{
		{w.originalPath(i, path), orig},
		{w.stagedPath(i, path), staged},
	} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
			return err
		}
		if err := os.WriteFile(f.path, f.data, 0600); err != nil {
			return err
		}
	}
	return nil
}

func (w *workspace) remove() {
	os.RemoveAll(w.dir)
}
