package driver

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Process is a running process found by FindProcesses.
type Process struct {
	PID     int
	Name    string
	Command []string
}

// String returns the process as "<pid> <command line>".
func (p Process) String() string {
	cmdline := strings.Join(p.Command, " ")
	if cmdline == "" {
		cmdline = p.Name
	}
	return fmt.Sprintf("%d %s", p.PID, cmdline)
}

// FindProcesses returns live processes whose name or command line contains
// substr, ordered by PID. The caller and its parent are never returned, since
// their own command lines carry the search term.
func FindProcesses(substr string) ([]Process, error) {
	if substr == "" {
		return nil, errors.New("empty process search")
	}
	pids, err := listPIDs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	self, parent := os.Getpid(), os.Getppid()
	var found []Process
	for _, pid := range pids {
		if pid <= 0 || pid == self || pid == parent || isZombie(pid) {
			continue
		}
		name, err := processName(pid)
		if err != nil {
			continue // exited or not ours to inspect
		}
		args, _ := processCmdline(pid)
		if !strings.Contains(name, substr) && !strings.Contains(strings.Join(args, " "), substr) {
			continue
		}
		found = append(found, Process{PID: pid, Name: name, Command: args})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].PID < found[j].PID })
	return found, nil
}

// ErrAmbiguous is returned by FindProcess when more than one process matches.
var ErrAmbiguous = errors.New("more than one process matches")

// FindProcess resolves substr to exactly one running process.
func FindProcess(substr string) (Process, error) {
	found, err := FindProcesses(substr)
	if err != nil {
		return Process{}, err
	}
	switch len(found) {
	case 0:
		return Process{}, fmt.Errorf("no process matches %q", substr)
	case 1:
		return found[0], nil
	}
	lines := make([]string, len(found))
	for i, p := range found {
		lines[i] = "  " + p.String()
	}
	return Process{}, fmt.Errorf("%w %q:\n%s", ErrAmbiguous, substr, strings.Join(lines, "\n"))
}
