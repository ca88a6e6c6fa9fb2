package repair

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benaskins/watchmin/internal/audit"
	"github.com/benaskins/watchmin/internal/fixer"
	"github.com/benaskins/watchmin/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type project struct {
	root  string
	files map[string]string // name -> absolute path
}

func newProject(t *testing.T, files map[string]string) *project {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	p := &project{root: root, files: make(map[string]string)}
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		p.files[name] = path
	}
	return p
}

func (p *project) request(names ...string) Request {
	return Request{
		WatcherID:  "w-1",
		Attempt:    1,
		WorkingDir: p.root,
		Evidence:   []string{"Traceback (most recent call last):"},
		Sources:    source.NewSet(p.root, names, nil),
	}
}

func (p *project) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(p.files[name])
	require.NoError(t, err)
	return string(data)
}

// snapshot captures every file (including stray temp files) under the project root.
func (p *project) snapshot(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	entries, err := os.ReadDir(p.root)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(p.root, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(data)
	}
	return out
}

func patchWith(edits ...fixer.Edit) fixer.Fixer {
	return fixer.Func(func(ctx context.Context, req fixer.Request) (*fixer.Patch, error) {
		return &fixer.Patch{Summary: "test patch", Edits: edits}, nil
	})
}

func requireStage(t *testing.T, err error, stage Stage) {
	t.Helper()
	var repairErr *Error
	require.True(t, errors.As(err, &repairErr), "expected *Error, got %v", err)
	assert.Equal(t, stage, repairErr.Stage, "error: %v", err)
}

func TestAttemptAppliesPatch(t *testing.T) {
	p := newProject(t, map[string]string{"app.py": "a = 1\nprint(a / 0)\n"})
	rec := &audit.Memory{}
	workspaces := t.TempDir()

	var seen fixer.Request
	f := fixer.Func(func(ctx context.Context, req fixer.Request) (*fixer.Patch, error) {
		seen = req
		return &fixer.Patch{Summary: "divide by one", Edits: []fixer.Edit{
			{Path: "app.py", LineStart: 1, LineEnd: 1, NewContent: "print(a / 1)"},
		}}, nil
	})

	pipe := NewPipeline(f, WithAudit(rec), WithWorkspaceDir(workspaces))
	out, err := pipe.Attempt(context.Background(), p.request("app.py"))
	require.NoError(t, err)

	assert.Equal(t, "a = 1\nprint(a / 1)\n", p.read(t, "app.py"))
	assert.Equal(t, []string{p.files["app.py"]}, out.Files)
	assert.Equal(t, "divide by one", out.Summary)
	assert.NotEmpty(t, out.AttemptID)

	require.Len(t, seen.Files, 1)
	assert.Equal(t, "a = 1\nprint(a / 0)\n", seen.Files[0].Content)
	assert.Equal(t, "w-1", seen.WatcherID)

	// workspace is gone, no temp files left next to the source
	entries, err := os.ReadDir(workspaces)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Len(t, p.snapshot(t), 1)

	entries2 := rec.Entries()
	require.Len(t, entries2, 2)
	assert.Equal(t, audit.ActionRepairRequested, entries2[0].Action)
	assert.Equal(t, audit.ActionRepairApplied, entries2[1].Action)
	assert.Equal(t, out.AttemptID, entries2[1].AttemptID)
}

func TestAttemptKeepsFileMode(t *testing.T) {
	p := newProject(t, map[string]string{"run.sh": "#!/bin/sh\necho hi\n"})
	require.NoError(t, os.Chmod(p.files["run.sh"], 0755))

	pipe := NewPipeline(patchWith(fixer.Edit{Path: "run.sh", LineStart: 1, LineEnd: 1, NewContent: "echo fixed"}))
	_, err := pipe.Attempt(context.Background(), p.request("run.sh"))
	require.NoError(t, err)

	fi, err := os.Stat(p.files["run.sh"])
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), fi.Mode().Perm())
}

func TestAttemptMultipleFiles(t *testing.T) {
	p := newProject(t, map[string]string{
		"a.json": `{"port": 80}` + "\n",
		"b.yaml": "name: api\n",
	})

	pipe := NewPipeline(patchWith(
		fixer.Edit{Path: "a.json", LineStart: 0, LineEnd: 0, NewContent: `{"port": 8080}`},
		fixer.Edit{Path: "b.yaml", LineStart: 1, LineEnd: 0, NewContent: "port: 8080"},
	))
	out, err := pipe.Attempt(context.Background(), p.request("a.json", "b.yaml"))
	require.NoError(t, err)
	assert.Len(t, out.Files, 2)
	assert.Equal(t, `{"port": 8080}`+"\n", p.read(t, "a.json"))
	assert.Equal(t, "name: api\nport: 8080\n", p.read(t, "b.yaml"))
}

func TestAttemptFixerFailureLeavesSource(t *testing.T) {
	p := newProject(t, map[string]string{"app.py": "print(1/0)\n"})
	before := p.snapshot(t)
	rec := &audit.Memory{}

	pipe := NewPipeline(fixer.Func(func(ctx context.Context, req fixer.Request) (*fixer.Patch, error) {
		return nil, errors.New("service unavailable")
	}), WithAudit(rec))

	_, err := pipe.Attempt(context.Background(), p.request("app.py"))
	requireStage(t, err, StageFix)
	assert.Contains(t, err.Error(), "service unavailable")
	assert.Equal(t, before, p.snapshot(t))

	entries := rec.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionRepairFailed, entries[1].Action)
	assert.Equal(t, "fix", entries[1].Stage)
}

func TestAttemptNotFixable(t *testing.T) {
	p := newProject(t, map[string]string{"app.py": "x\n"})
	pipe := NewPipeline(fixer.Func(func(ctx context.Context, req fixer.Request) (*fixer.Patch, error) {
		return nil, fixer.ErrNotFixable
	}))

	_, err := pipe.Attempt(context.Background(), p.request("app.py"))
	requireStage(t, err, StageFix)
	assert.True(t, errors.Is(err, fixer.ErrNotFixable))
}

func TestAttemptRejectsEditsOutsideAllowedFiles(t *testing.T) {
	p := newProject(t, map[string]string{"app.py": "x\n", "secret.py": "token = 1\n"})
	before := p.snapshot(t)

	pipe := NewPipeline(patchWith(
		fixer.Edit{Path: "app.py", LineStart: 0, LineEnd: 0, NewContent: "y"},
		fixer.Edit{Path: "secret.py", LineStart: 0, LineEnd: 0, NewContent: "token = 2"},
	))
	_, err := pipe.Attempt(context.Background(), p.request("app.py"))
	requireStage(t, err, StageStage)
	assert.Contains(t, err.Error(), "outside the allowed files")
	assert.Equal(t, before, p.snapshot(t))
}

func TestAttemptRejectsBadRangesAndNoops(t *testing.T) {
	p := newProject(t, map[string]string{"app.py": "x\n"})

	_, err := NewPipeline(patchWith(fixer.Edit{Path: "app.py", LineStart: 9, LineEnd: 9})).
		Attempt(context.Background(), p.request("app.py"))
	requireStage(t, err, StageStage)

	_, err = NewPipeline(patchWith(fixer.Edit{Path: "app.py", LineStart: 0, LineEnd: 0, NewContent: "x"})).
		Attempt(context.Background(), p.request("app.py"))
	requireStage(t, err, StageStage)
	assert.Contains(t, err.Error(), "does not change anything")

	_, err = NewPipeline(patchWith()).Attempt(context.Background(), p.request("app.py"))
	requireStage(t, err, StageFix)
}

func TestAttemptValidationFailureLeavesSource(t *testing.T) {
	p := newProject(t, map[string]string{
		"main.go":     "package main\n\nfunc main() {}\n",
		"config.json": `{"ok": true}` + "\n",
	})
	before := p.snapshot(t)

	// The JSON edit is fine, the Go edit does not parse: nothing is applied.
	pipe := NewPipeline(patchWith(
		fixer.Edit{Path: "config.json", LineStart: 0, LineEnd: 0, NewContent: `{"ok": false}`},
		fixer.Edit{Path: "main.go", LineStart: 2, LineEnd: 2, NewContent: "func main() {"},
	))
	_, err := pipe.Attempt(context.Background(), p.request("main.go", "config.json"))
	requireStage(t, err, StageValidate)
	assert.Equal(t, before, p.snapshot(t))
}

func TestAttemptValidationCanBeDisabled(t *testing.T) {
	p := newProject(t, map[string]string{"config.json": "{}\n"})

	pipe := NewPipeline(patchWith(fixer.Edit{Path: "config.json", LineStart: 0, LineEnd: 0, NewContent: "{"}),
		WithValidation(false))
	_, err := pipe.Attempt(context.Background(), p.request("config.json"))
	require.NoError(t, err)
	assert.Equal(t, "{\n", p.read(t, "config.json"))
}

func TestAttemptDetectsConcurrentChange(t *testing.T) {
	p := newProject(t, map[string]string{"app.py": "x = 0\n"})

	f := fixer.Func(func(ctx context.Context, req fixer.Request) (*fixer.Patch, error) {
		// Someone edits the file while the fixer is thinking.
		require.NoError(t, os.WriteFile(p.files["app.py"], []byte("x = 2\n"), 0644))
		return &fixer.Patch{Edits: []fixer.Edit{{Path: "app.py", LineStart: 0, LineEnd: 0, NewContent: "x = 1"}}}, nil
	})

	_, err := NewPipeline(f).Attempt(context.Background(), p.request("app.py"))
	requireStage(t, err, StageApply)
	assert.Equal(t, "x = 2\n", p.read(t, "app.py"))
}

func TestAttemptRollsBackPartialApply(t *testing.T) {
	p := newProject(t, map[string]string{
		"a.txt": "one\n",
		"b.txt": "two\n",
		"c.txt": "three\n",
	})
	before := p.snapshot(t)

	pipe := NewPipeline(patchWith(
		fixer.Edit{Path: "a.txt", LineStart: 0, LineEnd: 0, NewContent: "ONE"},
		fixer.Edit{Path: "b.txt", LineStart: 0, LineEnd: 0, NewContent: "TWO"},
		fixer.Edit{Path: "c.txt", LineStart: 0, LineEnd: 0, NewContent: "THREE"},
	))
	calls := 0
	pipe.rename = func(oldpath, newpath string) error {
		calls++
		if calls == 2 {
			return errors.New("disk on fire")
		}
		return os.Rename(oldpath, newpath)
	}

	_, err := pipe.Attempt(context.Background(), p.request("a.txt", "b.txt", "c.txt"))
	requireStage(t, err, StageApply)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, before, p.snapshot(t))
}

func TestAttemptCancelled(t *testing.T) {
	p := newProject(t, map[string]string{"app.py": "x\n"})
	before := p.snapshot(t)

	ctx, cancel := context.WithCancel(context.Background())
	f := fixer.Func(func(ctx context.Context, req fixer.Request) (*fixer.Patch, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := NewPipeline(f).Attempt(ctx, p.request("app.py"))
	requireStage(t, err, StageFix)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, before, p.snapshot(t))
}

func TestAttemptNeedsSources(t *testing.T) {
	p := newProject(t, nil)

	_, err := NewPipeline(patchWith()).Attempt(context.Background(), Request{WatcherID: "w-1"})
	requireStage(t, err, StageFix)

	_, err = NewPipeline(patchWith()).Attempt(context.Background(), p.request("missing.py"))
	requireStage(t, err, StageFix)
}

func TestWorkspacesAreUnique(t *testing.T) {
	base := t.TempDir()
	a, err := newWorkspace(base, "w-1", 1)
	require.NoError(t, err)
	b, err := newWorkspace(base, "w-1", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.dir, b.dir)
	assert.True(t, strings.HasPrefix(filepath.Base(a.dir), "watchmin-w-1-1-"))

	c, err := newWorkspace(base, "../../etc", 2)
	require.NoError(t, err)
	assert.Equal(t, base, filepath.Dir(c.dir))
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	ctx := context.Background()
	assert.NoError(t, validateFile(ctx, write("ok.go", "package x\n")))
	assert.Error(t, validateFile(ctx, write("bad.go", "package x\nfunc {")))
	assert.NoError(t, validateFile(ctx, write("ok.json", `{"a": [1, 2]}`)))
	assert.Error(t, validateFile(ctx, write("bad.json", `{"a": `)))
	assert.NoError(t, validateFile(ctx, write("ok.yaml", "a: 1\n---\nb: 2\n")))
	assert.Error(t, validateFile(ctx, write("bad.yml", "a: [1, 2\n")))
	assert.NoError(t, validateFile(ctx, write("ok.sh", "echo hi\n")))
	assert.Error(t, validateFile(ctx, write("bad.sh", "if then fi (\n")))
	assert.NoError(t, validateFile(ctx, write("notes.txt", "anything {")))
}
