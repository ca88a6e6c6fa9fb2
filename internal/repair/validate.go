package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"go/parser"
	"go/token"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// validateFile runs a syntax check chosen by extension. Files with no known
// checker pass.
func validateFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		_, err := parser.ParseFile(token.NewFileSet(), path, data, parser.AllErrors)
		return err
	case ".json":
		if !json.Valid(data) {
			var v any
			return json.Unmarshal(data, &v)
		}
		return nil
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for {
			var v any
			if err := dec.Decode(&v); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	case ".py":
		return runChecker(ctx, "python3", "-m", "py_compile", path)
	case ".sh":
		return runChecker(ctx, "sh", "-n", path)
	}
	return nil
}

// runChecker runs an external syntax checker if it is installed.
func runChecker(ctx context.Context, name string, args ...string) error {
	bin, err := exec.LookPath(name)
	if err != nil {
		return nil
	}
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return errors.New(msg)
		}
		return err
	}
	return nil
}
