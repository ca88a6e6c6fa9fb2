package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benaskins/watchmin/internal/daemon"
	"github.com/benaskins/watchmin/internal/logbuf"
	"github.com/spf13/cobra"
)

func apiClient() *http.Client {
	socketPath := defaultSocketPath()
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func apiDo(method, path string, body, v any) error {
	var rd io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		rd = &buf
	}

	req, err := http.NewRequest(method, "http://watchmin"+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := apiClient().Do(req)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is watchmin daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, data)
	}

	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiGet(path string, v any) error {
	return apiDo(http.MethodGet, path, nil, v)
}

func apiPost(path string, body, v any) error {
	return apiDo(http.MethodPost, path, body, v)
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"status", "ls"},
	Short:   "List watchers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var infos []daemon.WatcherInfo
		if err := apiGet("/v1/watchers", &infos); err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(infos)
		}
		if len(infos) == 0 {
			fmt.Println("No watchers")
			return nil
		}
		printWatcherTable(os.Stdout, infos, time.Now())
		return nil
	},
}

func printWatcherTable(w io.Writer, infos []daemon.WatcherInfo, now time.Time) {
	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("%-8s %-16s %-18s %-10s %-8s %-8s %-8s %s",
		"ID", "NAME", "STATE", "HEALTH", "PID", "REPAIRS", "UPTIME", "TARGET")))
	for _, info := range infos {
		name := info.Name
		if name == "" {
			name = "-"
		}
		pid := "-"
		if info.PID > 0 {
			pid = strconv.Itoa(info.PID)
		}
		health := string(info.Health)
		if health == "" {
			health = "-"
		}
		uptime := "-"
		if !info.StartedAt.IsZero() && info.State == daemon.StateRunning {
			uptime = now.Sub(info.StartedAt).Truncate(time.Second).String()
		}
		fmt.Fprintf(w, "%-8s %-16s %s %s %-8s %-8s %-8s %s\n",
			info.ID, name,
			pad(stateStyle(info.State), string(info.State), 18),
			pad(healthStyle(info.Health), health, 10),
			pid, fmt.Sprintf("%d/%d", info.Repairs, info.RepairAttempts), uptime, info.Target)
	}

	for _, info := range infos {
		if info.State == daemon.StateFailed && info.LastError != "" {
			fmt.Fprintf(w, "\n%s: %s\n", info.ID, styleBad.Render(info.LastError))
		}
	}
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a watcher's state and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var info daemon.WatcherInfo
		if err := apiGet("/v1/watchers/"+args[0], &info); err != nil {
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return printJSON(info)
		}
		printWatcher(os.Stdout, info)
		return nil
	},
}

func printWatcher(w io.Writer, info daemon.WatcherInfo) {
	field := func(k, v string) {
		fmt.Fprintf(w, "%s %s\n", styleHeader.Render(fmt.Sprintf("%-12s", k+":")), v)
	}
	field("ID", info.ID)
	if info.Name != "" {
		field("Name", info.Name)
	}
	field("Target", info.Target)
	field("State", stateStyle(info.State).Render(string(info.State)))
	if info.PID > 0 {
		pid := strconv.Itoa(info.PID)
		if info.Attached {
			pid += " (attached)"
		}
		field("PID", pid)
	}
	if info.Health != "" {
		field("Health", healthStyle(info.Health).Render(string(info.Health)))
	}
	field("Repairs", fmt.Sprintf("%d applied, %d attempted", info.Repairs, info.RepairAttempts))
	field("Restarts", strconv.Itoa(info.Restarts))
	if info.LastError != "" {
		field("Last error", styleBad.Render(info.LastError))
	}
	if len(info.Evidence) > 0 {
		fmt.Fprintln(w, styleHeader.Render("Evidence:"))
		for _, line := range info.Evidence {
			fmt.Fprintln(w, "  "+line)
		}
	}
	if len(info.Transitions) > 0 {
		fmt.Fprintln(w, styleHeader.Render("History:"))
		for _, t := range info.Transitions {
			line := fmt.Sprintf("  %s  %s -> %s", t.At.Format(time.TimeOnly), orDash(string(t.From)), t.To)
			if t.Reason != "" {
				line += "  " + styleMuted.Render(t.Reason)
			}
			fmt.Fprintln(w, line)
		}
	}
}

var stopCmd = &cobra.Command{
	Use:   "stop <id...>",
	Short: "Stop watchers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var failed int
		for _, id := range args {
			if err := apiPost("/v1/watchers/"+id+"/stop", nil, nil); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
				failed++
				continue
			}
			fmt.Printf("%s: stopped\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d watcher(s) could not be stopped", failed)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Show recent captured output for a watcher",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var recs []logbuf.Record
		if err := apiGet(fmt.Sprintf("/v1/watchers/%s/logs?n=%d", args[0], n), &recs); err != nil {
			return err
		}
		for _, rec := range recs {
			fmt.Println(formatRecord(rec))
		}
		return nil
	},
}

func formatRecord(rec logbuf.Record) string {
	switch rec.Stream {
	case logbuf.Stderr:
		return styleBusy.Render(rec.Line)
	case logbuf.System:
		return styleMuted.Render("[watchmin] " + rec.Line)
	default:
		return rec.Line
	}
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload watcher specs",
	Long:  "Re-read spec files and reconcile: start new watchers, stop removed ones, recreate changed ones.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result daemon.ReloadResult
		if err := apiPost("/v1/reload", nil, &result); err != nil {
			return err
		}
		if len(result.Added)+len(result.Removed)+len(result.Restarted) == 0 {
			fmt.Println("No changes")
			return nil
		}
		if len(result.Added) > 0 {
			fmt.Printf("Added: %s\n", strings.Join(result.Added, ", "))
		}
		if len(result.Removed) > 0 {
			fmt.Printf("Removed: %s\n", strings.Join(result.Removed, ", "))
		}
		if len(result.Restarted) > 0 {
			fmt.Printf("Restarted: %s\n", strings.Join(result.Restarted, ", "))
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 50, "number of lines to show")
	listCmd.Flags().Bool("json", false, "print JSON")
	showCmd.Flags().Bool("json", false, "print JSON")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(reloadCmd)
}
