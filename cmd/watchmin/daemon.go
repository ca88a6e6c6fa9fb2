package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/benaskins/watchmin/internal/api"
	"github.com/benaskins/watchmin/internal/audit"
	"github.com/benaskins/watchmin/internal/config"
	"github.com/benaskins/watchmin/internal/daemon"
	"github.com/benaskins/watchmin/internal/fixer"
	"github.com/benaskins/watchmin/internal/keychain"
	"github.com/benaskins/watchmin/internal/logging"
	"github.com/benaskins/watchmin/internal/metrics"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the watchmin daemon",
	Long:  "Start the watcher daemon. Loads watcher specs, supervises their targets and repairs detected failures.",
	RunE:  runDaemon,
}

var (
	configPath string
	apiAddr    string
)

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.watchmin/config.yaml)")
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "optional TCP address for the API (e.g. 127.0.0.1:9191)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if apiAddr != "" {
		cfg.APIAddr = apiAddr
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	specDir := defaultSpecDir()
	if err := os.MkdirAll(specDir, 0755); err != nil {
		return fmt.Errorf("creating spec dir: %w", err)
	}

	auditLog, err := audit.NewLogger(defaultAuditPath())
	if err != nil {
		return err
	}
	defer auditLog.Close()

	secrets := keychain.NewAuditedStore(keychain.NewSystemStore(), auditLog, "daemon")

	fix, err := buildFixer(cfg, secrets)
	if err != nil {
		return err
	}

	m := metrics.New()
	opts := []daemon.Option{
		daemon.WithConfig(cfg),
		daemon.WithSpecDir(specDir),
		daemon.WithAudit(auditLog),
		daemon.WithMetrics(m),
		daemon.WithSecrets(secrets),
	}
	if fix != nil {
		opts = append(opts, daemon.WithFixer(fix))
	}
	reg := daemon.NewRegistry(opts...)

	slog.Info("watchmin daemon starting", "spec_dir", specDir, "fixer", cfg.Fixer.Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	if err := reg.Load(); err != nil {
		slog.Warn("loading watcher specs", "error", err)
	}
	go func() {
		if err := reg.WatchSpecs(ctx); err != nil {
			slog.Warn("spec directory watch stopped", "error", err)
		}
	}()

	socketPath := defaultSocketPath()
	os.Remove(socketPath)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	srv := api.NewServer(reg, m, cfg.StopTimeout.Duration)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath)
	}()
	if cfg.APIAddr != "" {
		go func() {
			if err := srv.ListenTCP(cfg.APIAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("TCP API error", "error", err)
			}
		}()
	}

	slog.Info("watchmin daemon ready", "socket", socketPath)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	srv.Shutdown(shutdownCtx)
	if err := reg.Close(cfg.StopTimeout.Duration); err != nil {
		slog.Warn("stopping watchers", "error", err)
	}
	os.Remove(socketPath)

	slog.Info("watchmin daemon stopped")
	return nil
}

// buildFixer returns the configured fixer wrapped in the global limits, or
// nil when repairs are disabled.
func buildFixer(cfg *config.Config, secrets keychain.Store) (fixer.Fixer, error) {
	fc := cfg.Fixer

	var f fixer.Fixer
	switch fc.Type {
	case "none":
		return nil, nil
	case "command":
		f = fixer.NewCommand(fc.Command, fc.Timeout.Duration, nil)
	case "anthropic":
		key, from, err := keychain.ResolveAPIKey(keychain.KeySources{
			Env:      []string{fc.APIKeyEnv, "WATCHMIN_API_KEY"},
			File:     config.ExpandHome(fc.APIKeyFile),
			Store:    secrets,
			StoreKey: fc.KeychainKey,
		})
		if errors.Is(err, keychain.ErrNoAPIKey) {
			slog.Warn("no API key found, repairs disabled", "env", fc.APIKeyEnv, "file", fc.APIKeyFile)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolving API key: %w", err)
		}
		slog.Info("using API key", "from", from)

		var reqOpts []option.RequestOption
		if fc.Timeout.Duration > 0 {
			reqOpts = append(reqOpts, option.WithRequestTimeout(fc.Timeout.Duration))
		}
		f = fixer.NewAnthropic(fixer.AnthropicConfig{
			APIKey:    key,
			Model:     fc.Model,
			MaxTokens: fc.MaxTokens,
			MaxTurns:  fc.MaxTurns,
			Prompt:    fc.Prompt,
			Options:   reqOpts,
		})
	default:
		return nil, fmt.Errorf("unknown fixer type %q", fc.Type)
	}

	return fixer.Limit(f, fc.MaxConcurrent, fc.RatePerMinute), nil
}
