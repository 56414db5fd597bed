// vidproc/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vidproc/api"
	"vidproc/config"
	"vidproc/ffmpeg"
	"vidproc/notify"
	"vidproc/processor"
	"vidproc/queue"
	"vidproc/storage"
	"vidproc/store"
	"vidproc/task"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; the environment wins over it.
	envErr := godotenv.Load()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		hclog.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "vidproc",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		JSONFormat: cfg.LogJSON,
	})
	if envErr != nil {
		logger.Debug("no .env file found, relying on environment")
	}
	if cfg.ServiceToken == "" {
		logger.Warn("SERVICE_TOKEN is empty, internal endpoints are unauthenticated")
	}

	// 2. Persistence
	db, err := store.Open(cfg)
	if err != nil {
		logger.Error("failed to open database", "type", cfg.DatabaseType, "error", err)
		os.Exit(1)
	}
	flags, err := store.NewFlagStore(cfg.FlagStore, db, cfg.FlagTTL)
	if err != nil {
		logger.Error("failed to create flag store", "error", err)
		os.Exit(1)
	}

	// 3. Transcode engine
	registry := ffmpeg.NewRegistry(logger.Named("registry"))
	ffmpegRunner, err := ffmpeg.NewRunner(cfg, registry, logger.Named("ffmpeg"))
	if err != nil {
		logger.Error("failed to initialize ffmpeg runner", "error", err)
		os.Exit(1)
	}
	logger.Info("encoder selected", "encoder", ffmpegRunner.Encoder(), "hwaccel", cfg.HWAccelEnabled)

	// Create a context that can be canceled
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Queues
	var sqsClient *sqs.Client
	if cfg.JobQueueURL != "" || cfg.EventsQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		sqsClient = sqs.NewFromConfig(awsCfg)
	}

	var publisher notify.Publisher = notify.NewLogPublisher(logger.Named("events"))
	if cfg.EventsQueueURL != "" {
		publisher = notify.NewSQSPublisher(sqsClient, cfg.EventsQueueURL, logger.Named("events"))
	}

	// 5. Pipeline and worker
	transport := storage.NewClient(cfg, &http.Client{}, logger.Named("storage"))
	proc := processor.New(
		cfg,
		ffmpegRunner,
		transport,
		store.NewRepository(db),
		flags,
		notify.NewVideoManager(publisher, logger.Named("video-manager")),
		logger.Named("processor"),
	)

	taskManager, err := task.NewManager(cfg, proc, logger.Named("task"))
	if err != nil {
		logger.Error("failed to initialize task manager", "error", err)
		os.Exit(1)
	}
	taskManager.Start(ctx)

	if cfg.JobQueueURL != "" {
		consumer := queue.NewConsumer(sqsClient, cfg.JobQueueURL, cfg.QueueWaitSeconds, taskManager, proc, logger.Named("queue"))
		go consumer.Run(ctx)
	} else {
		logger.Warn("SQS_JOB_QUEUE_URL is empty, jobs are accepted over HTTP only")
	}

	// 6. Set up router and server
	router := api.SetupRouter(taskManager, proc, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			stop()
		}
	}()

	// 7. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Running attempts see the canceled context and stop their ffmpeg processes.
	taskManager.Wait()
	if n := registry.KillPrefix("v-"); n > 0 {
		logger.Warn("killed leftover ffmpeg processes", "count", n)
	}

	logger.Info("server exiting")
}
