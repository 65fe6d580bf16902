package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"BioProof-Chain/internal/anchor"
	"BioProof-Chain/internal/api"
	"BioProof-Chain/internal/config"
	"BioProof-Chain/internal/consent"
	"BioProof-Chain/internal/constraint"
	"BioProof-Chain/internal/environment"
	"BioProof-Chain/internal/ledger/provider"
	"BioProof-Chain/internal/observability/alerting"
	"BioProof-Chain/internal/observability/metrics"
	"BioProof-Chain/internal/pipeline"
	"BioProof-Chain/internal/plausibility"
	"BioProof-Chain/internal/proofs"
	"BioProof-Chain/internal/proofs/circuit"
	"BioProof-Chain/internal/proofs/hashfallback"
	"BioProof-Chain/internal/risk"
	"BioProof-Chain/internal/storage/mysql"
	"BioProof-Chain/internal/verification"
	"BioProof-Chain/pkg/logger"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and job workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

// stores 汇总各领域的持久化实现。
type stores struct {
	proofs    proofs.Store
	anchors   anchor.Store
	overrides constraint.OverrideStore
	requests  verification.Store
	jobs      pipeline.Store
	close     func() error
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:   cfg.Logging.AuditPath != "",
			Path:      cfg.Logging.AuditPath,
			MaxSizeMB: cfg.Logging.AuditMaxMB,
			Compress:  true,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("bioproofd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	m := metrics.New()
	alerts := newAlertDispatcher(cfg.Alerting)

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.close()

	cache, err := newConstraintCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer cache.Close()

	resolver := constraint.NewResolver(st.overrides,
		constraint.WithCache(cache),
		constraint.WithPolicy(constraint.PolicyFromConfig(cfg.Constraints)))

	registry, err := provider.NewRegistry(ctx, cfg.Ledger, cfg.Anchor)
	if err != nil {
		return err
	}
	defer registry.Close()

	content := anchor.NewContentStore(nil)
	defer content.Close()
	anchors := anchor.NewService(anchor.ConfigFrom(cfg.Anchor, cfg.Ledger), registry, st.proofs, st.anchors,
		anchor.WithContentStore(content),
		anchor.WithAlerts(alerts),
		anchor.WithMetrics(m))

	secret := []byte(strings.TrimSpace(os.Getenv(cfg.Proofs.SecretEnv)))
	fallback, err := hashfallback.New(secret)
	if err != nil {
		return err
	}
	primary := circuit.New(cfg.Proofs.ArtifactDir, cfg.Proofs.CircuitID)
	if !primary.Available() {
		log.Warn("电路工件不可用，将使用哈希承诺后端，可运行 circuit-setup 生成工件",
			slog.String("dir", cfg.Proofs.ArtifactDir))
	}

	validator, err := newPlausibilityValidator(cfg.Plausibility)
	if err != nil {
		return err
	}

	consents := consent.NewMemoryManager()
	gate := newConsentGate(cfg.Proofs, consents, log)

	generator, err := proofs.NewGenerator(proofs.Config{
		ValidityPeriod: time.Duration(cfg.Proofs.ValidityHours) * time.Hour,
		BucketWindow:   time.Duration(cfg.Proofs.BucketMinutes) * time.Minute,
		Timeout:        time.Duration(cfg.Proofs.TimeoutSeconds) * time.Second,
		Secret:         secret,
	}, st.proofs, resolver,
		proofs.WithPrimaryBackend(primary),
		proofs.WithFallbackBackend(fallback),
		proofs.WithConsent(gate),
		proofs.WithPlausibility(validator),
		proofs.WithMetrics(m))
	if err != nil {
		return err
	}

	verifierOpts := []proofs.VerifierOption{proofs.WithVerifierMetrics(m)}
	if cfg.Proofs.RequireAnchored {
		verifierOpts = append(verifierOpts, proofs.WithAnchorRequirement(anchors))
	}
	verifier := proofs.NewVerifier(st.proofs, []proofs.Backend{primary, fallback}, verifierOpts...)

	broker := verification.NewBroker(st.requests, risk.NewRuleScorer(cfg.Verification), st.proofs, verifier,
		verification.WithExpiration(time.Duration(cfg.Verification.ExpirationHours)*time.Hour),
		verification.WithMetrics(m))
	go broker.RunSweeper(ctx, time.Duration(cfg.Verification.SweepIntervalSeconds)*time.Second)

	var envProvider environment.Provider
	if cfg.Environment.Provider != "none" {
		envProvider = environment.NewFallbackProvider(environment.NewOpenMeteoClient(environment.Config{
			BaseURL: cfg.Environment.BaseURL,
			Timeout: time.Duration(cfg.Environment.TimeoutSeconds) * time.Second,
		}))
	}

	queue, err := newJobQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Error("关闭作业队列失败", slog.Any("error", err))
		}
	}()

	jobs := pipeline.NewService(st.jobs, queue, cfg.Queue.MaxRetries,
		pipeline.WithServiceMetrics(m),
		pipeline.WithBatchConfig(pipeline.BatchConfig{
			Window: cfg.Queue.BatchWindow,
			Delay:  time.Duration(cfg.Queue.BatchDelay) * time.Millisecond,
		}))
	processor := pipeline.NewProcessor(pipeline.NewJobExecutor(generator, anchors), st.jobs, queue, queue,
		pipeline.WithWorkerCount(cfg.Queue.Workers),
		pipeline.WithAlertDispatcher(alerts),
		pipeline.WithProcessorMetrics(m),
		pipeline.WithProcessorLogger(logger.Named("pipeline")))

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("作业处理器异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Generator:   generator,
		Verifier:    verifier,
		Anchors:     anchors,
		Constraints: resolver,
		Environment: envProvider,
		Broker:      broker,
		Consents:    consents,
		Jobs:        jobs,
		Metrics:     m,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	switch cfg.Driver {
	case "", "memory":
		return &stores{
			proofs:    proofs.NewMemoryStore(),
			anchors:   anchor.NewMemoryStore(),
			overrides: constraint.NewMemoryOverrideStore(),
			requests:  verification.NewMemoryStore(),
			jobs:      pipeline.NewMemoryStore(),
			close:     func() error { return nil },
		}, nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return &stores{
			proofs:    db.Proofs(),
			anchors:   db.Anchors(),
			overrides: db.Overrides(),
			requests:  db.Requests(),
			jobs:      db.Jobs(),
			close:     db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func newConstraintCache(ctx context.Context, cfg config.CacheConfig) (constraint.Cache, error) {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	switch cfg.Driver {
	case "", "memory":
		return constraint.NewMemoryCache(ctx, ttl)
	case "redis":
		return constraint.NewRedisCache(ctx, constraint.RedisCacheConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       ttl,
		})
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Driver)
	}
}

func newJobQueue(ctx context.Context, cfg config.QueueConfig) (pipeline.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return pipeline.NewMemoryQueue(1024), nil
	case "redis":
		return pipeline.NewRedisQueue(ctx, pipeline.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return pipeline.NewRabbitMQQueue(pipeline.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func newPlausibilityValidator(cfg config.PlausibilityConfig) (plausibility.Validator, error) {
	switch cfg.Provider {
	case "", "rules":
		return plausibility.RuleValidator{}, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.OpenAI.APIKey)
		if apiKey == "" && cfg.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI 合理性校验需要配置 api_key 或 api_key_env")
		}
		return plausibility.NewOpenAIValidator(plausibility.OpenAIConfig{
			APIKey:  apiKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout(),
		})
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("未知的合理性校验 provider: %s", cfg.Provider)
	}
}

// newConsentGate 默认使用授权登记表，只有显式设置 insecure_skip_consent 时才放行全部请求。
func newConsentGate(cfg config.ProofConfig, registry *consent.MemoryManager, log *slog.Logger) consent.Manager {
	if cfg.InsecureSkipConsent {
		log.Warn("授权校验已关闭，任何用户都可以生成证明，仅限开发环境使用")
		return consent.AllowAll{}
	}
	return registry
}
