package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/copilfi/copil/internal/api"
	"github.com/copilfi/copil/internal/chain"
	"github.com/copilfi/copil/internal/chain/fallback"
	"github.com/copilfi/copil/internal/chain/onebalance"
	"github.com/copilfi/copil/internal/config"
	"github.com/copilfi/copil/internal/dispatch"
	"github.com/copilfi/copil/internal/engine"
	"github.com/copilfi/copil/internal/execution"
	"github.com/copilfi/copil/internal/market"
	"github.com/copilfi/copil/internal/notify"
	"github.com/copilfi/copil/internal/signing"
	"github.com/copilfi/copil/internal/trigger"
	"github.com/copilfi/copil/internal/workflow"
	"github.com/copilfi/copil/pkg/logger"
)

// main 是 copild 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("copild 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("COPIL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "copil.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 存储层。工作流、执行记录与会话密钥共用一个驱动。
	var (
		workflowStore  workflow.Store
		executionStore execution.Store
		grantStore     signing.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		workflowStore = workflow.NewMemoryStore()
		executionStore = execution.NewMemoryStore()
		grantStore = signing.NewMemoryStore()
	case "mysql":
		wfStore, err := workflow.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		workflowStore = wfStore
		execStore, err := execution.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		executionStore = execStore
		sgStore, err := signing.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		grantStore = sgStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = workflowStore.Close()
		_ = executionStore.Close()
		_ = grantStore.Close()
	}()

	// 派发队列。
	var queue dispatch.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = dispatch.NewMemoryQueue(1024)
	case "redis":
		q, err := dispatch.NewRedisQueue(dispatch.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Key,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:     cfg.Queue.RabbitMQ.URL,
			Queue:   cfg.Queue.RabbitMQ.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Error("关闭派发队列失败", "error", err)
		}
	}()

	// 链上访问层：主服务商 + 直连降级，外面套熔断。
	defs, err := chain.LoadDefinitions(cfg.Chain.ChainsFile)
	if err != nil {
		return err
	}

	var providers []chain.Provider
	if cfg.Chain.OneBalance.BaseURL != "" {
		ob, err := onebalance.New(cfg.Chain.OneBalance.BaseURL, cfg.Chain.OneBalance.APIKey,
			cfg.Chain.OneBalance.Timeout.Std())
		if err != nil {
			return err
		}
		providers = append(providers, ob)
	}

	var direct *fallback.Adapter
	if len(defs.Chains) > 0 {
		var fallbackOpts []fallback.Option
		if keyHex := strings.TrimSpace(cfg.Signing.OperatorKeyHex); keyHex != "" {
			operatorKey, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
			if err != nil {
				return fmt.Errorf("解析操作员私钥失败: %w", err)
			}
			fallbackOpts = append(fallbackOpts, fallback.WithOperatorKey(operatorKey))
		}
		direct, err = fallback.New(ctx, defs, fallbackOpts...)
		if err != nil {
			return err
		}
		defer direct.Close()
		providers = append(providers, direct)
	}
	if len(providers) == 0 {
		return errors.New("至少需要配置一个链上服务商")
	}

	chainManager := chain.NewManager(cfg.Chain.Breaker.FailMax, cfg.Chain.Breaker.ResetTimeout.Std(), providers)

	// 会话密钥：本地 AES-GCM 保管库 + 授权解析。
	vault, err := signing.NewLocalVault(cfg.Signing.VaultKeyHex)
	if err != nil {
		return err
	}
	grantResolver := signing.NewResolver(grantStore, vault)

	// 价格源：CoinGecko 优先，链上喂价兜底。
	marketSources := []market.Source{
		market.NewCoinGecko(cfg.Market.CoinGeckoBaseURL, cfg.Market.Timeout.Std()),
	}
	if direct != nil && cfg.Market.FeedChain != "" {
		marketSources = append(marketSources,
			market.NewChainlink(direct, cfg.Market.FeedChain, cfg.Market.FeedPairs))
	}
	prices := market.NewManager(marketSources...)

	// 触发判定器。链高轮询只有在配置了直连链时可用。
	var blocks trigger.BlockSource
	if direct != nil {
		blocks = direct
	}
	evaluator := trigger.NewEvaluator(prices, blocks, trigger.NewHTTPFeedSource(cfg.Market.Timeout.Std()))

	notifier := notify.NewWebhookNotifier(10 * time.Second)
	eng := engine.New(executionStore, chainManager, grantResolver, notifier)

	dispatcher := dispatch.NewDispatcher(workflowStore, evaluator, queue,
		cfg.Scheduler.Interval.Std(), cfg.Scheduler.BatchSize)
	processor := dispatch.NewProcessor(workflowStore, eng, queue,
		dispatch.WithProcessorWorkers(cfg.Queue.Workers),
		dispatch.WithFailureWebhook(notifier, cfg.Notify.FailureWebhookURL),
	)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go func() {
		if err := dispatcher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("调度循环异常退出", "error", err)
		}
	}()
	go func() {
		if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("执行处理器异常退出", "error", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, workflowStore, executionStore,
		dispatcher, grantResolver, chainManager,
		api.WithRegistrar(chainManager))

	logger.L().Info("copild started",
		"address", cfg.Server.Address,
		"storage", cfg.Storage.Driver,
		"queue", cfg.Queue.Driver,
		"chains", len(defs.Chains))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
