package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"PromptProof-Chain/internal/api"
	"PromptProof-Chain/internal/config"
	"PromptProof-Chain/internal/credential"
	"PromptProof-Chain/internal/ledger"
	"PromptProof-Chain/internal/ledger/cache"
	"PromptProof-Chain/internal/ledger/provider"
	"PromptProof-Chain/internal/observability/alerting"
	"PromptProof-Chain/internal/observability/metrics"
	"PromptProof-Chain/internal/proofs"
	"PromptProof-Chain/internal/provenance"
	"PromptProof-Chain/internal/reconcile"
	"PromptProof-Chain/internal/storage"
	"PromptProof-Chain/internal/storage/mysql"
	redisstore "PromptProof-Chain/internal/storage/redis"
	"PromptProof-Chain/internal/verifier"
	"PromptProof-Chain/pkg/logger"
)

// main 是证明服务守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("proofd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("proofd")

	shutdownMetrics, err := metrics.Setup(ctx, metrics.Config{
		Endpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure: cfg.Telemetry.Insecure,
		Interval: time.Duration(cfg.Telemetry.IntervalSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()
	recorder := metrics.Default()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				lg.Warn("关闭资源失败", slog.Any("error", err))
			}
		}
	}()

	receipts, err := openReceiptStore(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, receipts)

	registry, err := openLedgers(ctx, cfg, recorder, &closers)
	if err != nil {
		return err
	}
	closers = append(closers, registry)

	alerts := alerting.NewFanout(&alerting.AuditNotifier{})
	if cfg.Alerting.WebhookURL != "" {
		alerts = alerting.NewFanout(&alerting.AuditNotifier{},
			alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second))
	}

	normalization, err := proofs.ParseNormalization(cfg.Hashing.Normalization)
	if err != nil {
		return err
	}
	hasher, err := proofs.NewHasher(normalization)
	if err != nil {
		return err
	}

	svcOpts := []provenance.Option{
		provenance.WithBuilder(proofs.NewBuilder(proofs.WithHasher(hasher))),
		provenance.WithReceiptStore(receipts),
		provenance.WithDefaultMetadata(provenance.DefaultMetadata(cfg.Metadata)),
		provenance.WithCommitOptions(ledger.CommitOptions{
			WaitForConfirmation: cfg.Commit.WaitForConfirmation,
			Timeout:             cfg.Commit.Timeout(),
			PollInterval:        cfg.Commit.PollInterval(),
		}),
		provenance.WithVerifierOptions(
			verifier.WithMetrics(recorder),
			verifier.WithAlerts(alerts),
		),
	}

	var processor *reconcile.Processor
	if cfg.Reconcile.Enabled {
		queue, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		closers = append(closers, queue)
		lookup := func(name string) (reconcile.StatusChecker, bool) {
			client, ok := registry.Client(name)
			if !ok {
				return nil, false
			}
			return client, true
		}
		processor = reconcile.NewProcessor(receipts, lookup, queue,
			reconcile.WithWorkerCount(cfg.Reconcile.Workers),
			reconcile.WithInterval(time.Duration(cfg.Reconcile.IntervalSeconds)*time.Second),
			reconcile.WithMaxAge(time.Duration(cfg.Reconcile.MaxAgeSeconds)*time.Second),
			reconcile.WithAlertDispatcher(alerts),
		)
		svcOpts = append(svcOpts, provenance.WithReconciler(processor))
	}

	svc, err := provenance.NewService(registry, svcOpts...)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, svc,
		api.WithMetrics(recorder),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
		),
	)

	lg.Info("proofd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("default_ledger", registry.DefaultName()),
		slog.Any("ledgers", registry.Ledgers()),
		slog.Bool("reconcile", processor != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	if processor != nil {
		g.Go(func() error { return processor.Start(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openReceiptStore(ctx context.Context, cfg *config.Config) (storage.ReceiptRepository, error) {
	switch cfg.Storage.Receipts.Driver {
	case "memory":
		return storage.NewMemoryReceiptRepository(cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewSQLReceiptRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.Receipts.DSN,
			MaxOpenConns:    cfg.Storage.Receipts.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Receipts.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.Receipts.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("不支持的回执存储驱动 %s", cfg.Storage.Receipts.Driver)
	}
}

func openLedgers(ctx context.Context, cfg *config.Config, recorder *metrics.Recorder, closers *[]io.Closer) (*provider.Registry, error) {
	defs, err := ledger.LoadDefinitions(cfg.Ledger.Definitions)
	if err != nil {
		return nil, err
	}

	opts := provider.Options{
		CacheTTL: time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		ClientOptions: []ledger.Option{
			ledger.WithMetrics(recorder),
			ledger.WithRetryPolicy(ledger.RetryPolicy{
				MaxAttempts:    cfg.Retry.MaxAttempts,
				InitialBackoff: cfg.Retry.InitialBackoff(),
				MaxBackoff:     cfg.Retry.MaxBackoff(),
				Multiplier:     cfg.Retry.Multiplier,
				Jitter:         cfg.Retry.Jitter,
			}),
			ledger.WithCommitDefaults(ledger.CommitOptions{
				Timeout:      cfg.Commit.Timeout(),
				PollInterval: cfg.Commit.PollInterval(),
			}),
		},
	}

	signer, err := credential.Load(credential.Source{KeyEnv: cfg.Credential.KeyEnv, KeyFile: cfg.Credential.KeyFile})
	switch {
	case err == nil:
		opts.Signer = signer
	case errors.Is(err, credential.ErrNoCredential):
		logger.Named("proofd").Info("未配置签名凭据，仅支持无需签名的账本")
	default:
		return nil, err
	}

	switch cfg.Cache.Driver {
	case "memory":
		opts.Cache = cache.NewMemoryStore()
	case "redis":
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		store := redisstore.NewStore(client)
		*closers = append(*closers, store)
		opts.Cache = store
	}

	return provider.NewRegistry(ctx, defs, cfg.Ledger.Default, opts)
}

func openQueue(ctx context.Context, cfg *config.Config) (reconcile.Queue, error) {
	switch cfg.Reconcile.Queue {
	case "memory":
		return reconcile.NewMemoryQueue(1024), nil
	case "redis":
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Reconcile.Redis.Address,
			Password: cfg.Reconcile.Redis.Password,
			DB:       cfg.Reconcile.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return reconcile.NewRedisQueue(client, reconcile.RedisQueueConfig{Queue: cfg.Reconcile.QueueName})
	case "rabbitmq":
		return reconcile.NewRabbitMQQueue(reconcile.RabbitMQConfig{
			URL:     cfg.Reconcile.RabbitMQ.URL,
			Queue:   cfg.Reconcile.QueueName,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("不支持的对账队列 %s", cfg.Reconcile.Queue)
	}
}
