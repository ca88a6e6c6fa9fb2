// Package fixer defines the boundary to the external service that proposes
// code changes for a failing process, plus the implementations watchmin ships:
// an Anthropic tool-use loop and an external command speaking JSON.
package fixer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benaskins/watchmin/internal/source"
)

// ErrNotFixable is returned when the fixer looked at the failure and declined
// to propose a change.
var ErrNotFixable = errors.New("fixer declined: failure not fixable")

// Fixer turns failure context into a patch.
type Fixer interface {
	Fix(ctx context.Context, req Request) (*Patch, error)
}

// Func adapts a function to the Fixer interface.
type Func func(ctx context.Context, req Request) (*Patch, error)

func (f Func) Fix(ctx context.Context, req Request) (*Patch, error) { return f(ctx, req) }

// Request is everything a fixer gets to see.
type Request struct {
	WatcherID  string       `json:"watcher_id"`
	Attempt    int          `json:"attempt"`
	Command    []string     `json:"command,omitempty"`
	WorkingDir string       `json:"working_dir,omitempty"`
	Evidence   []string     `json:"evidence"`
	Recent     []string     `json:"recent,omitempty"`
	Files      []File       `json:"files"`
	Hint       []source.Ref `json:"hint,omitempty"`
}

// File is a source file the fixer may read and edit.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Patch is a proposed change, expressed as ordered line edits. Each edit's
// line numbers refer to the file as left by the edits before it.
type Patch struct {
	Summary string `json:"summary,omitempty"`
	Edits   []Edit `json:"edits"`
}

// Edit replaces lines LineStart..LineEnd (0-indexed, inclusive) of Path with
// NewContent. LineEnd -1 means the end of the file. LineEnd < LineStart
// inserts before LineStart without removing anything.
type Edit struct {
	Path       string `json:"path"`
	LineStart  int    `json:"line_start"`
	LineEnd    int    `json:"line_end"`
	NewContent string `json:"new_content"`
}

// Files returns the distinct paths the patch touches, in first-edit order.
func (p *Patch) Files() []string {
	seen := make(map[string]bool)
	var files []string
	for _, e := range p.Edits {
		if !seen[e.Path] {
			seen[e.Path] = true
			files = append(files, e.Path)
		}
	}
	return files
}

// Splice applies one edit to content.
func Splice(content string, e Edit) (string, error) {
	lines, trailing := splitLines(content)

	start, end := e.LineStart, e.LineEnd
	if end == -1 {
		end = len(lines) - 1
	}
	if start < 0 || start > len(lines) {
		return "", fmt.Errorf("line_start %d out of range (file has %d lines)", start, len(lines))
	}
	if end >= len(lines) {
		return "", fmt.Errorf("line_end %d out of range (file has %d lines)", e.LineEnd, len(lines))
	}
	if end < start-1 {
		end = start - 1
	}

	repl, _ := splitLines(e.NewContent)
	out := make([]string, 0, len(lines)-(end-start+1)+len(repl))
	out = append(out, lines[:start]...)
	out = append(out, repl...)
	out = append(out, lines[end+1:]...)

	if len(out) == 0 {
		return "", nil
	}
	result := strings.Join(out, "\n")
	if trailing || len(lines) == 0 {
		result += "\n"
	}
	return result, nil
}

// ReadLines returns lines start..end (inclusive, -1 for end of file) of content.
func ReadLines(content string, start, end int) ([]string, error) {
	lines, _ := splitLines(content)
	if end == -1 || end >= len(lines) {
		end = len(lines) - 1
	}
	if start < 0 {
		start = 0
	}
	if start > len(lines) {
		return nil, fmt.Errorf("line_start %d out of range (file has %d lines)", start, len(lines))
	}
	if end < start {
		return nil, nil
	}
	return lines[start : end+1], nil
}

func splitLines(s string) ([]string, bool) {
	if s == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n"), trailing
}
