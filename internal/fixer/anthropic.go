package fixer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 2048
	DefaultMaxTurns  = 10

	DefaultPrompt = `You are fixing a program that is failing in production. You are given the
error output, the most recent log lines and the source files you are allowed to change.
Use read_file to inspect the files and edit_file to change them. Make the smallest change
that fixes the failure. When you are done call mark_as_fixed with fixed=true and a one-line
summary. If the failure cannot be fixed by editing these files, call mark_as_fixed with
fixed=false.`
)

// AnthropicConfig configures the Anthropic fixer.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	MaxTurns  int
	Prompt    string
	Options   []option.RequestOption // extra client options (base URL, retries)
	Logger    *slog.Logger
}

// Anthropic is a Fixer backed by a Claude tool-use conversation.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	maxTurns  int
	prompt    string
	logger    *slog.Logger
}

// NewAnthropic creates an Anthropic fixer. Zero config values take defaults.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	opts := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, cfg.Options...)

	a := &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		maxTurns:  cfg.MaxTurns,
		prompt:    cfg.Prompt,
		logger:    cfg.Logger,
	}
	if a.model == "" {
		a.model = DefaultModel
	}
	if a.maxTokens <= 0 {
		a.maxTokens = DefaultMaxTokens
	}
	if a.maxTurns <= 0 {
		a.maxTurns = DefaultMaxTurns
	}
	if a.prompt == "" {
		a.prompt = DefaultPrompt
	}
	if a.logger == nil {
		a.logger = slog.With("component", "fixer")
	}
	return a
}

type verdict struct {
	fixed   bool
	summary string
}

func (a *Anthropic) Fix(ctx context.Context, req Request) (*Patch, error) {
	if len(req.Files) == 0 {
		return nil, errors.New("no source files to work on")
	}

	d := newDraft(req)
	logger := a.logger.With("watcher", req.WatcherID, "attempt", req.Attempt)

	history := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(a.prompt + "\n\n---\n\n" + describe(req))),
	}

	for turn := 0; turn < a.maxTurns; turn++ {
		response, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: a.maxTokens,
			Messages:  history,
			Tools:     tools(),
		})
		if err != nil {
			return nil, fmt.Errorf("calling model: %w", err)
		}
		history = append(history, response.ToParam())

		var results []anthropic.ContentBlockParamUnion
		var v *verdict
		for _, block := range response.Content {
			toolUse, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			out, got, err := a.call(d, toolUse)
			if got != nil {
				v = got
			}
			if err != nil {
				logger.Debug("tool call failed", "tool", toolUse.Name, "error", err)
				results = append(results, anthropic.NewToolResultBlock(toolUse.ID, "Error: "+err.Error(), true))
				continue
			}
			logger.Debug("tool call", "tool", toolUse.Name)
			results = append(results, anthropic.NewToolResultBlock(toolUse.ID, out, false))
		}

		if v != nil {
			if !v.fixed {
				return nil, ErrNotFixable
			}
			if len(d.edits) == 0 {
				return nil, errors.New("marked as fixed without editing any file")
			}
			return d.patch(v.summary), nil
		}

		if len(results) == 0 {
			history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(
				"Call mark_as_fixed to report whether the failure is fixed.")))
			continue
		}
		history = append(history, anthropic.NewUserMessage(results...))
	}

	return nil, fmt.Errorf("no verdict after %d turns", a.maxTurns)
}

// call runs one tool. A non-nil verdict ends the conversation.
func (a *Anthropic) call(d *draft, toolUse anthropic.ToolUseBlock) (string, *verdict, error) {
	switch toolUse.Name {
	case "read_file":
		var in struct {
			FilePath  string `json:"file_path"`
			LineStart *int   `json:"line_start"`
			LineEnd   *int   `json:"line_end"`
		}
		if err := json.Unmarshal(toolUse.Input, &in); err != nil {
			return "", nil, fmt.Errorf("invalid input: %w", err)
		}
		start, end := 0, -1
		if in.LineStart != nil {
			start = *in.LineStart
		}
		if in.LineEnd != nil {
			end = *in.LineEnd
		}
		out, err := d.read(in.FilePath, start, end)
		return out, nil, err

	case "edit_file":
		var in struct {
			FilePath   string `json:"file_path"`
			LineStart  int    `json:"line_start"`
			LineEnd    int    `json:"line_end"`
			NewContent string `json:"new_content"`
		}
		if err := json.Unmarshal(toolUse.Input, &in); err != nil {
			return "", nil, fmt.Errorf("invalid input: %w", err)
		}
		err := d.edit(Edit{Path: in.FilePath, LineStart: in.LineStart, LineEnd: in.LineEnd, NewContent: in.NewContent})
		if err != nil {
			return "", nil, err
		}
		return "ok", nil, nil

	case "mark_as_fixed":
		var in struct {
			Fixed   bool   `json:"fixed"`
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal(toolUse.Input, &in); err != nil {
			return "", nil, fmt.Errorf("invalid input: %w", err)
		}
		return "ok", &verdict{fixed: in.Fixed, summary: in.Summary}, nil
	}
	return "", nil, fmt.Errorf("unknown tool %q", toolUse.Name)
}

func describe(req Request) string {
	var b strings.Builder
	if len(req.Command) > 0 {
		fmt.Fprintf(&b, "Command: %s\n", strings.Join(req.Command, " "))
	}
	if req.WorkingDir != "" {
		fmt.Fprintf(&b, "Working directory: %s\n", req.WorkingDir)
	}
	fmt.Fprintf(&b, "Repair attempt: %d\n\n", req.Attempt)

	b.WriteString("Error output:\n")
	for _, line := range req.Evidence {
		b.WriteString(line + "\n")
	}
	if len(req.Recent) > 0 {
		b.WriteString("\nRecent output:\n")
		for _, line := range req.Recent {
			b.WriteString(line + "\n")
		}
	}
	if len(req.Hint) > 0 {
		b.WriteString("\nReferenced locations:\n")
		for _, ref := range req.Hint {
			fmt.Fprintf(&b, "%s:%d\n", ref.Path, ref.Line)
		}
	}
	b.WriteString("\nFiles you may edit:\n")
	for _, f := range req.Files {
		b.WriteString(f.Path + "\n")
	}
	return b.String()
}

func tools() []anthropic.ToolUnionParam {
	toolParams := []anthropic.ToolParam{
		{
			Name:        "read_file",
			Description: anthropic.String("Read lines of a source file. Lines are 0-indexed and inclusive; line_end -1 reads to the end of the file. Output lines are prefixed with their index."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"file_path":  map[string]interface{}{"type": "string", "description": "Path of the file"},
					"line_start": map[string]interface{}{"type": "integer", "description": "First line to read (default 0)"},
					"line_end":   map[string]interface{}{"type": "integer", "description": "Last line to read, -1 for end of file (default -1)"},
				},
				Required: []string{"file_path"},
			},
		},
		{
			Name:        "edit_file",
			Description: anthropic.String("Replace lines line_start..line_end (0-indexed, inclusive) with new_content. line_end -1 means the end of the file; line_end < line_start inserts before line_start. Line numbers refer to the file after any previous edits."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"file_path":   map[string]interface{}{"type": "string", "description": "Path of the file"},
					"line_start":  map[string]interface{}{"type": "integer", "description": "First line to replace"},
					"line_end":    map[string]interface{}{"type": "integer", "description": "Last line to replace"},
					"new_content": map[string]interface{}{"type": "string", "description": "Replacement text, may span several lines"},
				},
				Required: []string{"file_path", "line_start", "line_end", "new_content"},
			},
		},
		{
			Name:        "mark_as_fixed",
			Description: anthropic.String("Finish the repair. fixed=true submits the edits made so far; fixed=false reports that the failure cannot be fixed by editing these files."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"fixed":   map[string]interface{}{"type": "boolean", "description": "Whether the failure is fixed"},
					"summary": map[string]interface{}{"type": "string", "description": "One-line description of the change"},
				},
				Required: []string{"fixed"},
			},
		},
	}

	tools := make([]anthropic.ToolUnionParam, len(toolParams))
	for i := range toolParams {
		tool := toolParams[i]
		tools[i] = anthropic.ToolUnionParam{OfTool: &tool}
	}
	return tools
}
