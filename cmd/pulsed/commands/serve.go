package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/sym"
	"github.com/teranos/pulsed/version"
)

// ServeCmd runs a scheduler replica with its admin API
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   sym.Pulse + " Run the scheduler and admin API",
	Long: sym.Pulse + ` serve - Run a pulsed replica

Every replica serves the admin API and accepts job changes. Only the elected
leader arms timers; the others take over when its heartbeat expires.

Send SIGINT or SIGTERM to shut down. A second signal exits immediately.`,
	RunE: runServe,
}

var (
	serveBackend string
	servePort    int
)

func init() {
	ServeCmd.Flags().StringVar(&serveBackend, "backend", "", "Repository backend: memory, sql or redis (overrides config)")
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Admin API port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	if serveBackend != "" {
		cfg.Repository.Backend = serveBackend
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.Logger.Named("pulsed")
	info := version.Get()
	logger.PulseOpenInfow("pulsed starting", append(info.LogFields(), "backend", cfg.Repository.Backend)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg, log)
	if err != nil {
		return errors.Wrap(err, "failed to assemble pulsed")
	}
	if err := n.start(ctx); err != nil {
		_ = n.shutdown(context.Background())
		return errors.Wrap(err, "failed to start pulsed")
	}

	watcher := watchConfig(n, log)

	errChan := make(chan error, 1)
	go func() {
		errChan <- n.server.ListenAndServe()
	}()
	pterm.Success.Printf("pulsed listening on %s (%s backend)\n", n.server.Addr(), cfg.Repository.Backend)

	var serveErr error
	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = errors.Wrap(err, "admin API stopped")
		}
	case <-ctx.Done():
		pterm.Info.Println("Shutting down gracefully (signal again to force)...")
	}
	// restore default signal handling so a second signal kills the process
	stop()

	if watcher != nil {
		_ = watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timer.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := n.shutdown(shutdownCtx); err != nil {
		if serveErr != nil {
			return errors.WithSecondaryError(serveErr, err)
		}
		return errors.Wrap(err, "shutdown")
	}
	return serveErr
}

// watchConfig hot-reloads the retry policy and log verbosity. Other
// settings need a restart.
func watchConfig(n *node, log *zap.SugaredLogger) *am.ConfigWatcher {
	path := am.ActiveConfigPath()
	if path == "" {
		return nil
	}
	watcher, err := am.NewConfigWatcher(path, log)
	if err != nil {
		log.Warnw("Config hot reload disabled", "path", path, "error", err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		if err := cfg.Retry.Validate(); err != nil {
			return err
		}
		n.scheduler.SetRetryPolicy(cfg.Retry)
		if cfg.Log.Verbosity > 0 {
			logger.SetVerbosity(cfg.Log.Verbosity)
		}
		return nil
	})
	watcher.Start()
	return watcher
}
