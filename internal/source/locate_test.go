package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return resolved
}

func TestLocatePythonTraceback(t *testing.T) {
	root := t.TempDir()
	app := writeFile(t, filepath.Join(root, "app.py"), "print(1/0)\n")

	lines := []string{
		"Traceback (most recent call last):",
		`  File "` + app + `", line 1, in <module>`,
		`  File "/usr/lib/python3.12/runpy.py", line 88, in _run_code`,
		"ZeroDivisionError: division by zero",
	}

	refs := Locate(lines, root)
	require.Len(t, refs, 1)
	assert.Equal(t, Ref{Path: app, Line: 1}, refs[0])
}

func TestLocateRelativeAndGoPanic(t *testing.T) {
	root := t.TempDir()
	main := writeFile(t, filepath.Join(root, "cmd", "main.go"), "package main\n")

	refs := Locate([]string{
		"panic: boom",
		"\tcmd/main.go:12 +0x1d",
		"\t/usr/local/go/src/runtime/proc.go:250",
	}, root)
	require.Len(t, refs, 1)
	assert.Equal(t, main, refs[0].Path)
	assert.Equal(t, 12, refs[0].Line)
}

func TestLocateNodeFrameAndDedupe(t *testing.T) {
	root := t.TempDir()
	idx := writeFile(t, filepath.Join(root, "index.js"), "throw new Error()\n")

	refs := Locate([]string{
		"    at handler (" + idx + ":10:5)",
		"    at other (" + idx + ":20:1)",
	}, root)
	require.Len(t, refs, 1)
	assert.Equal(t, 10, refs[0].Line)
}

func TestLocateRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	outside := writeFile(t, filepath.Join(t.TempDir(), "evil.py"), "")

	assert.Empty(t, Locate([]string{`File "../` + filepath.Base(outside) + `", line 1`}, root))
	assert.Empty(t, Locate([]string{`File "` + outside + `", line 1`}, root))
}

func TestSetResolve(t *testing.T) {
	root := t.TempDir()
	app := writeFile(t, filepath.Join(root, "app.py"), "")
	resolvedRoot := filepath.Dir(app)

	s := NewSet(resolvedRoot, []string{"app.py", "config.json"}, nil)
	assert.Equal(t, 2, s.Len())

	got, ok := s.Resolve("app.py")
	require.True(t, ok)
	assert.Equal(t, app, got)

	_, ok = s.Resolve("other.py")
	assert.False(t, ok)

	_, ok = s.Resolve("/etc/passwd")
	assert.False(t, ok)
}
