package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/benaskins/watchmin/internal/api"
	"github.com/benaskins/watchmin/internal/driver"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [flags] -- command [args...]",
	Short: "Spawn a command under a new watcher",
	Long: `Spawn a command and watch its output. When a failure is detected the daemon
asks the configured fixer for a patch to the source files, applies it and
restarts the command.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := watchRequest(cmd, args)
		if err != nil {
			return err
		}
		return createWatcher(req)
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <pid> | --find <substr>",
	Short: "Attach a watcher to a running process",
	Long: `Attach a watcher to a running process, given its PID or a substring of its
name or command line. A search that matches more than one process lists the
candidates and attaches to none.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := attachRequest(cmd, args)
		if err != nil {
			return err
		}
		return createWatcher(req)
	},
}

func createWatcher(req api.CreateRequest) error {
	var resp api.CreateResponse
	if err := apiPost("/v1/watchers", req, &resp); err != nil {
		return err
	}
	fmt.Printf("watching %s as %s\n", describeRequest(req), resp.ID)
	return nil
}

func describeRequest(req api.CreateRequest) string {
	if req.PID > 0 {
		return "pid " + strconv.Itoa(req.PID)
	}
	return strings.Join(append([]string{req.Command}, req.Args...), " ")
}

// watchRequest builds the create request for `watch`. With --shell the
// arguments are joined into one sh -c script.
func watchRequest(cmd *cobra.Command, args []string) (api.CreateRequest, error) {
	req, err := commonRequest(cmd)
	if err != nil {
		return req, err
	}
	req.Shell, _ = cmd.Flags().GetBool("shell")
	if req.Shell {
		req.Command = strings.Join(args, " ")
	} else {
		req.Command = args[0]
		req.Args = args[1:]
	}
	return req, nil
}

// findProcess is swapped out in tests.
var findProcess = driver.FindProcess

func attachRequest(cmd *cobra.Command, args []string) (api.CreateRequest, error) {
	pid, err := attachPID(cmd, args)
	if err != nil {
		return api.CreateRequest{}, err
	}
	req, err := commonRequest(cmd)
	if err != nil {
		return req, err
	}
	req.PID = pid
	logs, _ := cmd.Flags().GetStringArray("log")
	for _, l := range logs {
		abs, err := filepath.Abs(l)
		if err != nil {
			return req, err
		}
		req.Logs = append(req.Logs, abs)
	}
	return req, nil
}

func attachPID(cmd *cobra.Command, args []string) (int, error) {
	find, _ := cmd.Flags().GetString("find")
	switch {
	case find != "" && len(args) > 0:
		return 0, fmt.Errorf("give a pid or --find, not both")
	case find != "":
		p, err := findProcess(find)
		if err != nil {
			return 0, err
		}
		return p.PID, nil
	case len(args) == 0:
		return 0, fmt.Errorf("a pid or --find is required")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", args[0])
	}
	return pid, nil
}

func commonRequest(cmd *cobra.Command) (api.CreateRequest, error) {
	var req api.CreateRequest
	req.Name, _ = cmd.Flags().GetString("name")
	req.Sources, _ = cmd.Flags().GetStringArray("source")

	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return req, err
	}
	req.WorkingDir = abs

	env, _ := cmd.Flags().GetStringArray("env")
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return req, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		if req.Env == nil {
			req.Env = make(map[string]string)
		}
		req.Env[k] = v
	}
	return req, nil
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "watcher name")
	cmd.Flags().String("dir", "", "working directory (default current directory)")
	cmd.Flags().StringArray("source", nil, "source file the fixer may edit (repeatable)")
	cmd.Flags().StringArray("env", nil, "environment variable KEY=VALUE (repeatable)")
}

func init() {
	addCommonFlags(watchCmd)
	watchCmd.Flags().Bool("shell", false, "run the command through sh -c")

	addCommonFlags(attachCmd)
	attachCmd.Flags().StringArray("log", nil, "extra log file to tail (repeatable)")
	attachCmd.Flags().String("find", "", "attach to the one process whose name or command line contains this")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(attachCmd)
}
