//go:build darwin

package driver

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// listPIDs returns every PID in the kern.proc.all table.
func listPIDs() ([]int, error) {
	procs, err := unix.SysctlKinfoProcSlice("kern.proc.all")
	if err != nil {
		return nil, fmt.Errorf("sysctl kern.proc.all: %w", err)
	}
	pids := make([]int, 0, len(procs))
	for _, kp := range procs {
		pids = append(pids, int(kp.Proc.P_pid))
	}
	return pids, nil
}

// processName returns the executable name for a given PID using sysctl,
// avoiding the need to fork a process and parse CLI output.
func processName(pid int) (string, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return "", fmt.Errorf("sysctl kern.proc.pid.%d: %w", pid, err)
	}

	// P_comm is a null-terminated [17]byte.
	name := unix.ByteSliceToString(kp.Proc.P_comm[:])
	if name == "" {
		return "", fmt.Errorf("empty process name for pid %d", pid)
	}
	return name, nil
}

// processStartTime returns the process start time in Unix epoch seconds.
func processStartTime(pid int) (int64, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return 0, fmt.Errorf("sysctl kern.proc.pid.%d: %w", pid, err)
	}
	return int64(kp.Proc.P_starttime.Sec), nil
}

// isZombie reports whether the process has exited but not been reaped.
func isZombie(pid int) bool {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return false
	}
	const szomb = 5 // SZOMB in sys/proc.h
	return kp.Proc.P_stat == szomb
}

// processCmdline parses kern.procargs2: argc, the exec path, NUL padding,
// then argc NUL-terminated arguments.
func processCmdline(pid int) ([]string, error) {
	buf, err := unix.SysctlRaw("kern.procargs2", pid)
	if err != nil {
		return nil, fmt.Errorf("sysctl kern.procargs2.%d: %w", pid, err)
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("short procargs for pid %d", pid)
	}
	argc := int(binary.LittleEndian.Uint32(buf[:4]))
	rest := buf[4:]

	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return nil, fmt.Errorf("malformed procargs for pid %d", pid)
	}
	rest = bytes.TrimLeft(rest[i:], "\x00")

	args := make([]string, 0, argc)
	for len(args) < argc && len(rest) > 0 {
		j := bytes.IndexByte(rest, 0)
		if j < 0 {
			args = append(args, string(rest))
			break
		}
		args = append(args, string(rest[:j]))
		rest = rest[j+1:]
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty cmdline for pid %d", pid)
	}
	return args, nil
}

// processCwd is not exposed by sysctl; restarts run in the daemon's directory.
func processCwd(pid int) (string, error) {
	return "", fmt.Errorf("cwd of pid %d not available on darwin", pid)
}

// outputChannels is empty on darwin: there is no /proc to resolve the
// process's stdout and stderr, so attach relies on explicit log files.
func outputChannels(pid int) []outputChannel {
	return nil
}
