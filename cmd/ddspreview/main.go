package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/go-hclog"

	"github.com/klippa-app/godds"
	"github.com/klippa-app/godds/gpu"
	"github.com/klippa-app/godds/internal/config"
	"github.com/klippa-app/godds/internal/server"
	"github.com/klippa-app/godds/internal/supervisor"
)

func initSentry(cfg *config.SentryConfig, release string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     release,
	})
}

// version is the module version, or the VCS revision for local builds.
func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}

	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return setting.Value
		}
	}

	return "devel"
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		hclog.Default().Error("could not load config", "error", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "ddspreview",
		Level:      hclog.LevelFromString(cfg.Log.Level),
		JSONFormat: cfg.Log.JSON,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("ddspreview stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger hclog.Logger) error {
	if err := initSentry(&cfg.Sentry, version()); err != nil {
		return err
	}

	// Flush buffered events before the program terminates.
	defer sentry.Flush(2 * time.Second)

	mode, err := supervisor.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	// A zero client timeout disables it.
	conversionTimeout := cfg.Client.Timeout
	if conversionTimeout == 0 {
		conversionTimeout = -1
	}

	host, err := godds.New(godds.Config{
		Worker: gpu.Config{
			Command: gpu.Command{
				BinPath:      cfg.Worker.BinPath,
				Args:         cfg.Worker.Args,
				StartTimeout: cfg.Worker.StartTimeout,
			},
		},
		Mode:              mode,
		ReadyTimeout:      cfg.Worker.ReadyTimeout,
		ConversionTimeout: conversionTimeout,
		Render:            cfg.Render.Options(),
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer host.Close()

	host.OnFailedToLoad(func(err error) {
		sentry.CaptureException(err)
	})
	host.OnClose(func() {
		logger.Info("worker closed")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loadCtx, cancel := ctx, context.CancelFunc(func() {})
	if limit := cfg.Worker.StartTimeout + cfg.Worker.ReadyTimeout; limit > 0 {
		loadCtx, cancel = context.WithTimeout(ctx, limit)
	}
	err = host.Load(loadCtx)
	cancel()
	if err != nil {
		// The server still reports the failed state on /healthz.
		logger.Error("worker failed to load", "error", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewRouter(server.New(host, cfg.Server.MaxBodyMB, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
