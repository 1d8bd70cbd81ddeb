// Command buildatd runs the module host server: it resolves and loads the
// built-in module set, then ticks the event bus until a module requests
// shutdown or the process receives SIGINT.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildat-io/buildat"
	"github.com/buildat-io/buildat/modules/clientfile"
	"github.com/buildat-io/buildat/modules/loader"
	"github.com/buildat-io/buildat/modules/maincontext"
	"github.com/buildat-io/buildat/modules/network"
	"github.com/buildat-io/buildat/modules/scriptbridge"
)

func main() {
	cfg := buildat.DefaultConfig()
	if err := buildat.ParseFlags(&cfg, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	os.Exit(run(cfg, logger))
}

func run(cfg buildat.Config, logger buildat.Logger) int {
	host := buildat.NewHost(logger,
		buildat.WithModulesPath(cfg.ModulesPath),
		buildat.WithBuiltinModulesPath(cfg.SharePath),
	)

	required := []string{
		network.ModuleName,
		clientfile.ModuleName,
		scriptbridge.ModuleName,
		maincontext.ModuleName,
	}

	host.RegisterFactory(network.ModuleName, network.Meta(), network.New(cfg.ListenAddress))
	host.RegisterFactory(clientfile.ModuleName, clientfile.Meta(), clientfile.New())
	host.RegisterFactory(scriptbridge.ModuleName, scriptbridge.Meta(), scriptbridge.New())
	host.RegisterFactory(maincontext.ModuleName, maincontext.Meta(), maincontext.New())
	host.RegisterFactory(loader.ModuleName, loader.Meta(), loader.New(required))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ignoreSIGPIPE()

	if err := host.LoadModule(ctx, loader.ModuleName, cfg.SharePath); err != nil {
		logger.Error("startup: failed to load loader module", "error", err)
		return 1
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		host.HandleEvents(ctx)

		if signal := host.ShutdownRequested(); signal != nil {
			logger.Info("shutting down", "reason", signal.Reason, "exit_status", signal.ExitStatus)
			return signal.ExitStatus
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down", "reason", "interrupted")
			return 0
		case <-ticker.C:
		}
	}
}

func ignoreSIGPIPE() {
	signal.Ignore(syscall.SIGPIPE)
}

func buildLogger(cfg buildat.Config) (buildat.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", cfg.LogFile, err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return buildat.NewSlogLogger(slog.New(handler)), closeFn, nil
}
