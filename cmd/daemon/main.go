// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/draftwire/draftwire/internal/admission"
	"github.com/draftwire/draftwire/internal/api"
	"github.com/draftwire/draftwire/internal/buffer"
	"github.com/draftwire/draftwire/internal/config"
	"github.com/draftwire/draftwire/internal/health"
	dwlog "github.com/draftwire/draftwire/internal/log"
	"github.com/draftwire/draftwire/internal/pipeline"
	"github.com/draftwire/draftwire/internal/resumetoken"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	dwlog.Configure(dwlog.Config{Service: "draftwire"})
	logger := dwlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}

	codec, err := resumetoken.New(cfg.ResumeSecret, cfg.SharedSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("resume token codec")
	}

	// Redis is optional: without it the daemon serves permanently degraded
	// streams (no resume) on the in-process buffer.
	var client *redis.Client
	if cfg.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = client.Close() }()
	} else {
		logger.Warn().Msg("no durable store configured, resume is disabled")
	}

	bufOpts := buffer.Options{
		MaxEvents:   cfg.BufferMaxEvents,
		TTL:         cfg.BufferTTL,
		TerminalTTL: cfg.BufferTerminalTTL,
	}
	var durable buffer.Store
	if client != nil {
		durable = buffer.NewRedisStore(client, bufOpts, dwlog.WithComponent("buffer"))
	}
	fallback := buffer.NewMemoryStore(bufOpts)
	stopSweeper := fallback.StartSweeper(time.Minute)
	defer stopSweeper()

	detector := buffer.NewDetector(client, cfg.ProbeBudget, cfg.ProbeCacheTTL, dwlog.WithComponent("detector"))

	limits := admission.BucketLimits{
		StandardRPM:  cfg.StandardRPM,
		StreamingRPM: cfg.StreamingRPM,
		IdleTTL:      cfg.BucketIdleTTL,
	}
	var durableBucket admission.Bucket
	if client != nil {
		durableBucket = admission.NewRedisBucket(client, limits)
	}
	controller := admission.NewController(admission.ControllerConfig{
		GlobalRPS:   cfg.GlobalRPS,
		GlobalBurst: cfg.GlobalBurst,
		Buckets:     limits,
		Quotas: admission.QuotaLimits{
			Burst:   cfg.QuotaBurst,
			Hourly:  cfg.QuotaHourly,
			Daily:   cfg.QuotaDaily,
			Monthly: cfg.QuotaMonthly,
		},
	}, durableBucket, dwlog.WithComponent("admission"))
	stopBucketCleanup := controller.Fallback().StartCleanup(time.Minute, cfg.BucketIdleTTL)
	defer stopBucketCleanup()
	stopQuotaCleanup := controller.Quota().StartCleanup(time.Hour)
	defer stopQuotaCleanup()

	manager := health.NewManager(version)
	manager.RegisterChecker(&health.RedisChecker{Client: client})

	server := api.NewServer(api.Config{
		Controller: controller,
		Detector:   detector,
		Durable:    durable,
		Fallback:   fallback,
		Codec:      codec,
		Pipeline:   &pipeline.Scripted{StageDelay: cfg.StageDelay},
		Health:     manager,

		TokenTTL:          cfg.TokenTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PipelineTimeout:   cfg.PipelineTimeout,
		LivePollInterval:  cfg.LivePollInterval,
		CoarseRPM:         cfg.CoarseRPM,

		Logger: dwlog.WithComponent("api"),
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		// No write timeout: SSE responses stay open for the stream's lifetime.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited")
	}
	logger.Info().Msg("daemon stopped")
}
