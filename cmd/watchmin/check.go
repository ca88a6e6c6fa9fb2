package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/benaskins/watchmin/internal/health"
	"github.com/benaskins/watchmin/internal/spec"
	"github.com/spf13/cobra"
)

type checkResult struct {
	Path   string `json:"path"`
	Name   string `json:"name,omitempty"`
	Target string `json:"target,omitempty"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
	Health string `json:"health,omitempty"`
	Detail string `json:"health_detail,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [file-or-dir]",
	Short: "Validate watcher spec files",
	Long:  "Parse and validate YAML watcher specs. Checks a specific file, a directory, or the default spec directory (~/.watchmin/watchers/).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "print JSON")
	checkCmd.Flags().Bool("health", false, "run each spec's health check once")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	runHealth, _ := cmd.Flags().GetBool("health")

	target := defaultSpecDir()
	if len(args) > 0 {
		target = args[0]
	}

	files, err := specFiles(target)
	if err != nil {
		return err
	}

	results := checkFiles(files, runHealth)
	var failed int
	for _, r := range results {
		if !r.Valid {
			failed++
		}
	}

	if jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Valid {
				fmt.Printf("%s  %s (%s, %s)\n", styleOK.Render("OK  "), r.Path, orDash(r.Name), r.Target)
				if r.Health != "" {
					fmt.Printf("      health: %s %s\n", healthStyle(health.Status(r.Health)).Render(r.Health), r.Detail)
				}
			} else {
				fmt.Fprintf(os.Stderr, "%s  %s\n      %v\n", styleBad.Render("FAIL"), r.Path, r.Error)
			}
		}
		if len(files) > 1 {
			fmt.Printf("\n%d/%d specs valid\n", len(files)-failed, len(files))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d spec(s) failed validation", failed)
	}
	return nil
}

func specFiles(target string) ([]string, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", target, err)
	}
	if !info.IsDir() {
		return []string{target}, nil
	}
	yamlFiles, _ := filepath.Glob(filepath.Join(target, "*.yaml"))
	ymlFiles, _ := filepath.Glob(filepath.Join(target, "*.yml"))
	files := append(yamlFiles, ymlFiles...)
	if len(files) == 0 {
		return nil, fmt.Errorf("no YAML files found in %s", target)
	}
	return files, nil
}

func checkFiles(files []string, runHealth bool) []checkResult {
	results := make([]checkResult, 0, len(files))
	for _, path := range files {
		s, err := spec.Load(path)
		if err != nil {
			results = append(results, checkResult{Path: path, Error: err.Error()})
			continue
		}
		r := checkResult{Path: path, Name: s.Watcher.Name, Target: s.Target(), Valid: true}
		if runHealth && s.Health != nil {
			r.Health = string(health.StatusHealthy)
			if err := health.SingleCheck(health.FromSpec(s.Health, s.Watcher.WorkingDir)); err != nil {
				r.Health = string(health.StatusUnhealthy)
				r.Detail = err.Error()
			}
		}
		results = append(results, r)
	}
	return results
}
