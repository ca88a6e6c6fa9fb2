package fixer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Command is a Fixer that runs an external program. The program receives the
// Request as JSON on stdin and writes a JSON Patch to stdout. A response of
// {"fixed": false} declines the repair.
type Command struct {
	command string
	timeout time.Duration
	env     []string
}

// NewCommand creates a fixer that runs command through sh -c. A zero timeout
// means the caller's context is the only bound.
func NewCommand(command string, timeout time.Duration, env []string) *Command {
	return &Command{command: command, timeout: timeout, env: env}
}

type commandResponse struct {
	Fixed   *bool  `json:"fixed,omitempty"`
	Summary string `json:"summary"`
	Edits   []Edit `json:"edits"`
}

func (c *Command) Fix(ctx context.Context, req Request) (*Patch, error) {
	if c.command == "" {
		return nil, errors.New("no fixer command configured")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.command)
	cmd.Env = append(os.Environ(), c.env...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fixer command: %w", ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("fixer command: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("fixer command: %w", err)
	}

	var resp commandResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decoding fixer output: %w", err)
	}
	if resp.Fixed != nil && !*resp.Fixed {
		return nil, ErrNotFixable
	}
	if len(resp.Edits) == 0 {
		return nil, errors.New("fixer returned no edits")
	}
	return &Patch{Summary: resp.Summary, Edits: resp.Edits}, nil
}
