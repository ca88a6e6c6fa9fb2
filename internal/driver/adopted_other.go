//go:build !darwin

package driver

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/benaskins/watchmin/internal/logbuf"
)

// listPIDs returns the numeric entries of /proc.
func listPIDs() ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, e := range entries {
		if pid, err := strconv.Atoi(e.Name()); err == nil && e.IsDir() {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// processName returns the executable name for a given PID by reading /proc.
func processName(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", fmt.Errorf("read /proc/%d/comm: %w", pid, err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", fmt.Errorf("empty process name for pid %d", pid)
	}
	return name, nil
}

// statFields returns the fields of /proc/<pid>/stat after the comm field.
// rest[0] is field 3 (state).
func statFields(pid int) ([]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, fmt.Errorf("read /proc/%d/stat: %w", pid, err)
	}

	// The comm field (field 2) is in parentheses and may contain spaces.
	// Find the closing paren to safely split the remaining fields.
	s := string(data)
	closeIdx := strings.LastIndex(s, ")")
	if closeIdx < 0 || closeIdx+2 > len(s) {
		return nil, fmt.Errorf("malformed /proc/%d/stat: no closing paren", pid)
	}
	return strings.Fields(s[closeIdx+2:]), nil
}

// processStartTime returns the process start time in clock ticks since boot
// (field 22 of /proc/<pid>/stat). Combined with PID, this uniquely identifies
// a process and guards against PID reuse.
func processStartTime(pid int) (int64, error) {
	rest, err := statFields(pid)
	if err != nil {
		return 0, err
	}
	// starttime is field 22 in the full stat, which is index 19 in rest
	const starttimeIdx = 19
	if len(rest) <= starttimeIdx {
		return 0, fmt.Errorf("malformed /proc/%d/stat: too few fields", pid)
	}
	starttime, err := strconv.ParseInt(rest[starttimeIdx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}
	return starttime, nil
}

// isZombie reports whether the process has exited but not been reaped.
func isZombie(pid int) bool {
	rest, err := statFields(pid)
	if err != nil || len(rest) == 0 {
		return false
	}
	return rest[0] == "Z" || rest[0] == "X"
}

// processCmdline returns the argument vector from /proc/<pid>/cmdline.
func processCmdline(pid int) ([]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, fmt.Errorf("read /proc/%d/cmdline: %w", pid, err)
	}
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return nil, fmt.Errorf("empty cmdline for pid %d", pid)
	}
	parts := bytes.Split(data, []byte{0})
	args := make([]string, len(parts))
	for i, p := range parts {
		args[i] = string(p)
	}
	return args, nil
}

func processCwd(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
}

// outputChannels returns the files behind the process's stdout and stderr.
// Pipes, sockets and terminals cannot be read without stealing data from
// their real consumer and are skipped.
func outputChannels(pid int) []outputChannel {
	var channels []outputChannel
	for fd, stream := range map[int]logbuf.Stream{1: logbuf.Stdout, 2: logbuf.Stderr} {
		target, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", pid, fd))
		if err != nil || !filepath.IsAbs(target) || strings.HasSuffix(target, " (deleted)") {
			continue
		}
		if strings.HasPrefix(target, "/dev/") {
			continue
		}
		channels = append(channels, outputChannel{Path: target, Stream: stream})
	}
	// stdout first so a shared 2>&1 file is tagged stdout after dedupe
	if len(channels) == 2 && channels[0].Stream == logbuf.Stderr {
		channels[0], channels[1] = channels[1], channels[0]
	}
	return channels
}
