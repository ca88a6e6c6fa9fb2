// Package source works out which files a failure points at.
package source

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Ref is a file (and line, when known) referenced by a stack trace.
type Ref struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"` // 1-based, 0 if unknown
}

var refPatterns = []*regexp.Regexp{
	// Python: File "/srv/app/main.py", line 12, in <module>
	regexp.MustCompile(`File "([^"]+)", line (\d+)`),
	// Node: at handler (/srv/app/index.js:10:5)
	regexp.MustCompile(`\(([^()\s]+\.[A-Za-z0-9]+):(\d+):\d+\)`),
	// Go panics, compilers, most others: /srv/app/main.go:42 or main.go:42:7
	regexp.MustCompile(`((?:[A-Za-z]:)?[\w./\\-]+\.[A-Za-z0-9]+):(\d+)`),
}

// Locate extracts file references from lines, keeping only files that exist
// inside root. Interpreter and library frames live elsewhere and are dropped.
// Refs are returned in order of first appearance, one per file.
func Locate(lines []string, root string) []Ref {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	seen := make(map[string]bool)
	var refs []Ref
	for _, line := range lines {
		for _, re := range refPatterns {
			for _, m := range re.FindAllStringSubmatch(line, -1) {
				path, ok := within(m[1], absRoot)
				if !ok || seen[path] {
					continue
				}
				seen[path] = true
				n, _ := strconv.Atoi(m[2])
				refs = append(refs, Ref{Path: path, Line: n})
			}
		}
	}
	return refs
}

// within resolves p against root and reports whether it names a regular file
// under root.
func within(p, root string) (string, bool) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}

	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// Set is the collection of files a repair may read and modify.
type Set struct {
	root  string
	files map[string]bool
}

// NewSet builds a set from explicit paths (relative to root) and located refs.
// Explicit paths that do not exist are kept so a fixer can be told about them,
// but they never pass Contains for writing until created.
func NewSet(root string, explicit []string, refs []Ref) *Set {
	s := &Set{root: root, files: make(map[string]bool)}
	for _, p := range explicit {
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		s.files[filepath.Clean(p)] = true
	}
	for _, r := range refs {
		s.files[r.Path] = true
	}
	return s
}

// Resolve maps a path as a fixer wrote it onto a member of the set.
func (s *Set) Resolve(p string) (string, bool) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)
	if s.files[p] {
		return p, true
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil && s.files[resolved] {
		return resolved, true
	}
	return "", false
}

// Files returns the members in sorted order.
func (s *Set) Files() []string {
	files := make([]string, 0, len(s.files))
	for f := range s.files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Len returns the number of files.
func (s *Set) Len() int { return len(s.files) }

// Root returns the directory relative paths are resolved against.
func (s *Set) Root() string { return s.root }
