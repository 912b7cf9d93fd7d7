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

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"AutoDCA-Chain/internal/api"
	"AutoDCA-Chain/internal/audit"
	"AutoDCA-Chain/internal/config"
	"AutoDCA-Chain/internal/decision"
	"AutoDCA-Chain/internal/grant"
	"AutoDCA-Chain/internal/llm"
	"AutoDCA-Chain/internal/llm/openai"
	"AutoDCA-Chain/internal/observability/metrics"
	"AutoDCA-Chain/internal/orchestrator"
	"AutoDCA-Chain/internal/storage"
	"AutoDCA-Chain/internal/trail"
	"AutoDCA-Chain/internal/web3/ethereum"
	"AutoDCA-Chain/internal/web3/provider"
	"AutoDCA-Chain/pkg/logger"
)

// main 是 AutoDCA 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("autodcad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// 本地开发时从 .env 读取私钥等敏感项，文件缺失不算错误。
	_ = godotenv.Load()

	configPath := os.Getenv("AUTODCA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "autodca.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Trail: logger.TrailConfig{
			Enabled: cfg.Logging.TrailPath != "",
			Path:    cfg.Logging.TrailPath,
		},
	}); err != nil {
		return err
	}

	store, err := createStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closer, ok := store.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3, cfg.Tokens)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	gateway, err := chainRegistry.DefaultGateway()
	if err != nil {
		return err
	}

	ownerKey := strings.TrimSpace(cfg.Grant.OwnerKey)
	if ownerKey == "" {
		return errors.New("缺少所有者私钥，请设置 AUTODCA_OWNER_KEY")
	}
	ownerSigner, err := ethereum.NewSigner(ownerKey)
	if err != nil {
		return err
	}
	executorSigner, err := ethereum.NewSigner(cfg.Web3.ExecutorKey)
	if err != nil {
		return fmt.Errorf("解析执行私钥失败: %w", err)
	}

	scope := make([]grant.ScopePair, 0, len(cfg.Grant.Scope))
	for _, pair := range cfg.Grant.Scope {
		scope = append(scope, grant.ScopePair{Target: pair.Target, Selector: pair.Selector})
	}
	grants := grant.NewManager(store, ownerSigner, scope,
		grant.WithTTL(time.Duration(cfg.Grant.TTLSeconds)*time.Second),
		grant.WithRevoker(revokerOf(gateway)),
	)

	native, stable := tokenSymbols(cfg.Tokens)
	engine := decision.New(decision.Config{
		Client:             llmClient,
		Store:              store,
		AllowedTargets:     cfg.Audit.AllowedTargets,
		StableSymbol:       stable,
		NativeSymbol:       native,
		MinIntervalSeconds: cfg.Schedule.MinIntervalSeconds,
		MaxIntervalSeconds: cfg.Schedule.MaxIntervalSeconds,
		WhaleAlertCount:    cfg.Audit.WhaleAlertCount,
		HistoryCap:         cfg.Audit.DecisionHistoryCap,
	})
	audits := audit.New(audit.WithHistoryCap(cfg.Audit.HistoryLimit))

	trailPublisher, err := createTrailPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if trailPublisher != nil {
			_ = trailPublisher.Close()
		}
	}()

	planner := &ethereum.CallPlanner{
		Router: common.HexToAddress(routerAddress(cfg)),
		Tokens: provider.TokenBindings(cfg.Tokens),
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Grantor:            ownerSigner.Address(),
		Executor:           executorSigner.Address(),
		MinIntervalSeconds: cfg.Schedule.MinIntervalSeconds,
		MaxIntervalSeconds: cfg.Schedule.MaxIntervalSeconds,
		Audit: orchestrator.AuditParams{
			MaxDailySpend:     cfg.Audit.MaxDailySpend,
			MaxTradePortfolio: cfg.Audit.MaxTradePortfolio,
			MaxSlippageBps:    cfg.Audit.MaxSlippageBps,
			AllowedTargets:    cfg.Audit.AllowedTargets,
			WhaleAlertCount:   cfg.Audit.WhaleAlertCount,
		},
	}, orchestrator.Deps{
		Grants:  grants,
		Engine:  engine,
		Audit:   audits,
		Gateway: gateway,
		Planner: planner,
		Trail:   trailPublisher,
	})
	if err != nil {
		return err
	}
	defer orch.Dispose()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Orchestrator: orch,
		Engine:       engine,
		Audits:       audits,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "redis":
		return storage.NewRedisStore(storage.RedisConfig{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
	case "mysql":
		return storage.NewMySQLStore(ctx, storage.MySQLConfig{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetime) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.OpenAI.OpenAITimeoutSeconds()) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的推理服务 provider: %s", cfg.LLM.Provider)
	}
}

func createTrailPublisher(cfg *config.Config) (trail.Publisher, error) {
	switch cfg.Trail.Driver {
	case "", "log":
		return trail.LogPublisher{}, nil
	case "rabbitmq":
		return trail.NewRabbitMQPublisher(trail.RabbitMQConfig{
			URL:     cfg.Trail.RabbitMQ.URL,
			Queue:   cfg.Trail.RabbitMQ.Queue,
			Durable: cfg.Trail.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的留痕驱动: %s", cfg.Trail.Driver)
	}
}

// revokerOf 在网关实现了链上撤销能力时返回对应的 Revoker。
func revokerOf(gw any) grant.Revoker {
	if revoker, ok := gw.(grant.Revoker); ok {
		return revoker
	}
	return nil
}

// routerAddress 返回兑换路由地址，未配置时退回作用域的第一个目标。
func routerAddress(cfg *config.Config) string {
	if cfg.Web3.SwapRouter != "" {
		return cfg.Web3.SwapRouter
	}
	if len(cfg.Grant.Scope) > 0 {
		return cfg.Grant.Scope[0].Target
	}
	return ""
}

func tokenSymbols(tokens []config.TokenConfig) (native, stable string) {
	for _, token := range tokens {
		if token.Native && native == "" {
			native = token.Symbol
		}
		if token.Stable && stable == "" {
			stable = token.Symbol
		}
	}
	return native, stable
}
