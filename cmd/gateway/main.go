package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"repochat/internal/compute"
	"repochat/internal/computeclient"
	"repochat/internal/config"
	"repochat/internal/events"
	"repochat/internal/ingest"
	"repochat/internal/proxy"
	"repochat/internal/retrieval"
	"repochat/internal/server"
	"repochat/internal/servicetoken"
	"repochat/internal/snapshot"
	"repochat/internal/util"
	"repochat/pkg/queue"
	"repochat/pkg/storage"
	"repochat/pkg/store"
)

const computeAudience = "compute"

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeOpts := []store.GormStoreOption{}
	if cfg.EmbeddingDim > 0 {
		storeOpts = append(storeOpts, store.WithEmbeddingDim(cfg.EmbeddingDim))
	}
	st, err := store.NewGormStore(cfg.DatabaseURL, storeOpts...)
	if err != nil {
		logger.Error("failed to init store", "err", err)
		os.Exit(1)
	}

	publisher := events.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()

	machine := ingest.NewMachine(st, publisher, logger)

	sweeper := ingest.NewSweeper(machine,
		config.ParseDurationOr(cfg.StaleProcessingAfter, ingest.DefaultStaleAfter),
		config.ParseDurationOr(cfg.SweepInterval, ingest.DefaultSweepInterval),
		logger,
	)
	go sweeper.Run(ctx)

	signer := servicetoken.NewSigner(cfg.InternalTokenSecret, "gateway",
		config.ParseDurationOr(cfg.InternalTokenTTL, servicetoken.DefaultTokenTTL))

	supervisor := compute.NewSupervisor(compute.Config{
		Command:  cfg.ComputeCommand,
		Args:     cfg.ComputeArgs,
		WorkDir:  cfg.ComputeWorkDir,
		ExtraEnv: cfg.ComputeExtraEnv,
		BaseURL:  cfg.ComputeServiceURL,
		Logger:   logger,
	})
	if err := supervisor.Start(ctx); err != nil {
		logger.Error("compute supervisor start failed, continuing degraded", "err", err)
	} else {
		defer supervisor.Stop()
		go func() {
			readyCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()
			backoffCap := config.ParseDurationOr(cfg.ReadyBackoffLimit, 5*time.Second)
			if err := supervisor.WaitReady(readyCtx, backoffCap); err != nil {
				logger.Warn("compute service readiness probe gave up", "err", err)
			}
		}()
	}

	proxyTimeout := config.ParseDurationOr(cfg.ProxyTimeout, 15*time.Second)
	processTimeout := config.ParseDurationOr(cfg.ProcessTimeout, time.Minute)
	chatTimeout := config.ParseDurationOr(cfg.ChatTimeout, 2*time.Minute)

	forwarder, err := proxy.NewForwarder(proxy.Config{
		UpstreamURL: cfg.ComputeServiceURL,
		Routes: []proxy.Route{
			{Prefix: "/api/github", RewritePrefix: "/github", Timeout: proxyTimeout},
			{Prefix: "/api/chat", RewritePrefix: "/chat", Timeout: chatTimeout},
		},
		Signer:   signer,
		Audience: computeAudience,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to init forwarder", "err", err)
		os.Exit(1)
	}

	computeClient := computeclient.New(cfg.ComputeServiceURL, 0, signer, computeAudience)

	queueStream := cfg.QueueName
	if queueStream == "" {
		queueStream = "repochat:embed"
	}
	maxRetries := cfg.QueueMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     queueStream,
		Group:      cfg.QueueGroup,
		MaxRetries: maxRetries,
		RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		logger.Error("failed to init embed queue", "err", err)
		os.Exit(1)
	}

	worker := ingest.NewEmbedWorker(machine, st, computeClient, logger)
	jobQueue.Start(ctx, cfg.QueueConcurrency, func(jobCtx context.Context, job queue.JobStatus) error {
		err := worker.Handle(jobCtx, job)
		if err != nil && job.Attempts >= maxRetries {
			worker.HandleExhausted(jobCtx, job, err.Error())
		}
		return err
	})

	var archiver *snapshot.Archiver
	if cfg.MinioEndpoint != "" {
		objectStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			logger.Error("failed to init object store, snapshots disabled", "err", err)
		} else {
			archiver = snapshot.NewArchiver(objectStore, logger)
		}
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		logger.Error("invalid trusted proxy configuration", "err", err)
		os.Exit(1)
	}

	httpServer, err := server.New(server.Config{
		Store:                     st,
		Machine:                   machine,
		Assembler:                 retrieval.NewAssembler(st, cfg.ContextMaxBytes, logger),
		Forwarder:                 forwarder,
		Compute:                   computeClient,
		Queue:                     jobQueue,
		Archiver:                  archiver,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		ProcessRateLimitPerMinute: cfg.ProcessRateLimitPerMinute,
		TrustedProxies:            trusted,
		ProcessTimeout:            processTimeout,
		ChatTimeout:               chatTimeout,
		Logger:                    logger,
	})
	if err != nil {
		logger.Error("failed to init server", "err", err)
		os.Exit(1)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: chatTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway listening", "addr", addr, "compute_url", cfg.ComputeServiceURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

func configPath() string {
	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		return path
	}
	return config.ConfigPath
}
