package main

import (
	"os"
	"path/filepath"

	"github.com/benaskins/watchmin/internal/config"
)

// watchminHome returns the watchmin home directory (~/.watchmin).
func watchminHome() string {
	if dir := config.Dir(); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "watchmin")
}

func defaultSpecDir() string {
	return filepath.Join(watchminHome(), "watchers")
}

func defaultSocketPath() string {
	return filepath.Join(watchminHome(), "watchmin.sock")
}

func defaultAuditPath() string {
	return filepath.Join(watchminHome(), "audit.log")
}
