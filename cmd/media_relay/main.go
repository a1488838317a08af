package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/media_relay/internal/config"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/italolelis/media_relay/internal/telemetry"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

const serviceName = "media_relay"

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           serviceName,
	Short:         "Fetch media from remote sources and relay it to storage destinations",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "err", err)
		cancel()
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return ctx, nil, err
	}

	logger := newLogger(cfg, nil)
	slog.SetDefault(logger)

	return logctx.WithLogger(ctx, logger), cfg, nil
}

// newLogger writes JSON to stdout with trace correlation and, when OTLP log
// export is enabled, fans records out to the OpenTelemetry bridge.
func newLogger(cfg *config.Config, tel *telemetry.Telemetry) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})

	if otelHandler := tel.LogHandler(); otelHandler != nil {
		handler = slogmulti.Fanout(handler, otelHandler)
	}

	return slog.New(logctx.NewTraceHandler(handler)).With("service", serviceName)
}
