package fixer

import (
	"fmt"
	"path/filepath"
	"strings"
)

// draft tracks in-memory edits during a fixer conversation. Nothing touches
// disk; the repair pipeline replays the recorded edits.
type draft struct {
	root  string
	files map[string]string
	order []string
	edits []Edit
}

func newDraft(req Request) *draft {
	d := &draft{root: req.WorkingDir, files: make(map[string]string)}
	for _, f := range req.Files {
		d.files[f.Path] = f.Content
		d.order = append(d.order, f.Path)
	}
	return d
}

// resolve maps a path as the model wrote it onto a request file.
func (d *draft) resolve(p string) (string, error) {
	if _, ok := d.files[p]; ok {
		return p, nil
	}
	if d.root != "" && !filepath.IsAbs(p) {
		joined := filepath.Join(d.root, p)
		if _, ok := d.files[joined]; ok {
			return joined, nil
		}
	}
	return "", fmt.Errorf("file %q is not available; available files: %s", p, strings.Join(d.order, ", "))
}

func (d *draft) read(p string, start, end int) (string, error) {
	path, err := d.resolve(p)
	if err != nil {
		return "", err
	}
	lines, err := ReadLines(d.files[path], start, end)
	if err != nil {
		return "", err
	}
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%d: %s\n", start+i, line)
	}
	return b.String(), nil
}

func (d *draft) edit(e Edit) error {
	path, err := d.resolve(e.Path)
	if err != nil {
		return err
	}
	e.Path = path
	updated, err := Splice(d.files[path], e)
	if err != nil {
		return err
	}
	d.files[path] = updated
	d.edits = append(d.edits, e)
	return nil
}

func (d *draft) patch(summary string) *Patch {
	return &Patch{Summary: summary, Edits: append([]Edit(nil), d.edits...)}
}
