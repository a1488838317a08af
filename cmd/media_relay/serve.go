package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/media_relay/internal/artifact"
	"github.com/italolelis/media_relay/internal/config"
	"github.com/italolelis/media_relay/internal/fetch"
	"github.com/italolelis/media_relay/internal/fetch/ytdlp"
	"github.com/italolelis/media_relay/internal/http/rest"
	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/italolelis/media_relay/internal/notifier"
	"github.com/italolelis/media_relay/internal/orchestrator"
	"github.com/italolelis/media_relay/internal/scheduler"
	"github.com/italolelis/media_relay/internal/storage"
	"github.com/italolelis/media_relay/internal/storage/sqlstore"
	"github.com/italolelis/media_relay/internal/telemetry"
	"github.com/italolelis/media_relay/internal/transfer"
	"github.com/italolelis/media_relay/internal/transfer/local"
	"github.com/italolelis/media_relay/internal/transfer/putio"
	"github.com/italolelis/media_relay/internal/transfer/s3"
	"github.com/italolelis/media_relay/internal/usage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay: HTTP API, scheduler and staging sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}

		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func run(ctx context.Context, cfg *config.Config) error {
	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to shutdown telemetry", "err", err)
		}
	}()

	logger := newLogger(cfg, tel)
	ctx = logctx.WithLogger(ctx, logger)

	instanceID := storage.GenerateInstanceID()

	logger.InfoContext(ctx, "media relay starting...",
		"version", version,
		"instance_id", instanceID,
		"log_level", cfg.LogLevel,
	)

	// =========================================================================
	// Start Ledger
	store, err := sqlstore.Open(ctx, cfg.LedgerDriver, cfg.LedgerDSN, instanceID)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	ledger := sqlstore.NewInstrumentedStore(store, tel)
	defer ledger.Close()

	// =========================================================================
	// Start Staging
	staging, err := artifact.NewStaging(stagingDir(cfg))
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Destination
	dest, err := buildDestination(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build destination: %w", err)
	}

	// =========================================================================
	// Start Orchestrator
	fetchStage := fetch.NewStage(ytdlp.New(cfg.YtdlpPath, 0), staging, job.RetryPolicy{
		Budget:    cfg.FetchRetryBudget,
		BaseDelay: cfg.FetchBackoffBase,
		MaxDelay:  cfg.BackoffMax,
		Jitter:    0.1,
	}, tel)

	transferStage := transfer.NewStage(transfer.NewInstrumentedDestination(dest, tel), transfer.Config{
		ChunkSize:   int64(cfg.ChunkSizeBytes),
		Parallelism: cfg.ChunkUploadParallelism,
		Policy: job.RetryPolicy{
			Budget:    cfg.TransferRetryBudget,
			BaseDelay: cfg.TransferBackoffBase,
			MaxDelay:  cfg.BackoffMax,
			Jitter:    0.1,
		},
	}, tel)

	orch := orchestrator.New(orchestrator.Config{
		Scheduler: scheduler.Config{
			GlobalMaxConcurrency:    cfg.GlobalMaxConcurrency,
			PerUserMaxConcurrency:   cfg.PerUserMaxConcurrency,
			StarvationBoostInterval: cfg.BoostInterval(),
		},
		Plans:               cfg.PlanTable(),
		SubmitRatePerMinute: cfg.SubmitRatePerMinute,
		SubmitBurst:         cfg.SubmitBurst,
		StatusRetention:     cfg.StatusRetention,
		StagingRoot:         staging.Root(),
		StagingRetention:    cfg.StagingRetention,
	}, orchestrator.Deps{
		Ledger:    ledger,
		History:   ledger,
		Fetch:     fetchStage,
		Transfer:  transferStage,
		Usage:     usage.NewReporter(ledger, tel),
		Alerter:   buildAlerter(cfg),
		Telemetry: tel,
	})

	orchCtx, stopOrch := context.WithCancel(ctx)
	defer stopOrch()

	orchDone := make(chan error, 1)

	go func() {
		orchDone <- orch.Run(orchCtx)
	}()

	// =========================================================================
	// Start Notification
	if err := setupStatusPublisher(orchCtx, orch, cfg); err != nil {
		return err
	}

	// =========================================================================
	// Start Cleanup
	go orch.RunSweeper(orchCtx, cfg.SweepInterval)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, orch, ledger, tel, cfg)

	go func() {
		logger.InfoContext(ctx, "Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown
	select {
	case err := <-serverErrors:
		stopOrch()
		<-orchDone

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		stopOrch()

		return <-orchDone
	}
}

func stagingDir(cfg *config.Config) string {
	if cfg.StagingDir != "" {
		return cfg.StagingDir
	}

	return filepath.Join(os.TempDir(), serviceName)
}

// This is an abstract factory for the transfer destination.
func buildDestination(ctx context.Context, cfg *config.Config) (transfer.Destination, error) {
	switch cfg.Destination {
	case "local":
		return local.New(cfg.DestinationDir)
	case "s3":
		return s3.New(s3.Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			Prefix:       cfg.S3.Prefix,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	case "putio":
		dest, err := putio.New(cfg.PutioToken, cfg.PutioFolder, cfg.PutioBaseURL)
		if err != nil {
			return nil, err
		}

		if err := dest.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authentication error: %w", err)
		}

		return dest, nil
	}

	return nil, fmt.Errorf("invalid destination: %s", cfg.Destination)
}

func buildAlerter(cfg *config.Config) notifier.Alerter {
	if cfg.DiscordWebhookURL == "" {
		return notifier.LogAlerter{}
	}

	return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
}

// setupStatusPublisher forwards every job status to Redis when configured.
func setupStatusPublisher(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config) error {
	if cfg.RedisURL == "" {
		return nil
	}

	publisher, client, err := notifier.NewRedisPublisher(ctx, cfg.RedisURL, cfg.RedisChannel)
	if err != nil {
		return err
	}

	statuses, unsubscribe := orch.Subscribe(256)

	go func() {
		defer client.Close()
		defer unsubscribe()

		publisher.Run(ctx, statuses)
	}()

	return nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	orch *orchestrator.Orchestrator,
	plans storage.PlanRepository,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	jobs := rest.NewJobsHandler(cfg.API.Username, cfg.API.PasswordHash, orch, plans, cfg.PlanTable())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(jobs, tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
