package main

import (
	"context"
	"flag"
	"log/slog"
	"time"

	"github.com/sirupsen/logrus"

	"teg/internal/api"
	"teg/internal/attestation"
	"teg/internal/auditor"
	"teg/internal/bridge"
	"teg/internal/config"
	"teg/internal/dispute"
	"teg/internal/events"
	"teg/internal/ledger"
	"teg/internal/logging"
	"teg/internal/reputation"
	"teg/internal/shutdown"
	"teg/internal/staking"
	"teg/internal/token"
	"teg/pkg/models"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口（覆盖配置文件）")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// 自动检测并加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("加载配置失败: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	// 审计日志：账本进程的生命周期事件单独落结构化日志
	auditLog, err := logging.NewStructuredLogger(cfg.Logging)
	if err != nil {
		logger.Fatalf("创建结构化日志器失败: %v", err)
	}
	auditLog = auditLog.ForComponent("teg-api")

	// 打开账本存储
	store, err := ledger.Open(cfg.Ledger.DBPath, logger)
	if err != nil {
		logger.Fatalf("打开账本失败: %v", err)
	}

	// 创建事件发布器
	publisher, err := events.NewPublisher(cfg.Events, logger)
	if err != nil {
		logger.Fatalf("创建事件发布器失败: %v", err)
	}

	// 经济参数
	transferFee, err := models.ParseAmount(cfg.Economy.TransferFee)
	if err != nil {
		logger.Fatalf("解析转账手续费失败: %v", err)
	}
	minTransfer, err := models.ParseAmount(cfg.Economy.MinTransfer)
	if err != nil {
		logger.Fatalf("解析最小转账金额失败: %v", err)
	}

	engine := token.NewEngine(store, publisher, transferFee, minTransfer, logger)

	deps, err := buildDeps(cfg, store, engine, publisher, logger)
	if err != nil {
		logger.Fatalf("初始化子系统失败: %v", err)
	}

	// 跨链桥按需启用
	var bridgeClient *bridge.Client
	if cfg.Bridge.Enabled {
		bridgeClient, err = bridge.NewClient(cfg.Bridge, logger)
		if err != nil {
			logger.Fatalf("创建跨链桥客户端失败: %v", err)
		}
		deps.Bridge = bridgeClient
	}

	server := api.NewServer(cfg, deps, logger)

	// 停机顺序：HTTP入口 -> 事件发布器 -> 外部连接 -> 账本
	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	gs.RegisterShutdownFunc("http_server", server.Stop, shutdown.OrderStopHTTP)
	gs.RegisterShutdownFunc("event_publisher", func(ctx context.Context) error {
		return publisher.Close()
	}, shutdown.OrderFlushEvents)
	if bridgeClient != nil {
		gs.RegisterShutdownFunc("bridge_client", func(ctx context.Context) error {
			bridgeClient.Close()
			return nil
		}, shutdown.OrderCloseExternal)
	}
	gs.RegisterShutdownFunc("ledger_store", func(ctx context.Context) error {
		return store.Close()
	}, shutdown.OrderCloseLedger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
		}
	}()

	auditLog.LogWithContext(context.Background(), slog.LevelInfo, "账本服务已启动", map[string]any{
		"port":      cfg.Server.Port,
		"db_path":   cfg.Ledger.DBPath,
		"events":    cfg.Events.Format,
		"bridge_on": cfg.Bridge.Enabled,
	})

	gs.WaitForShutdown()
	auditLog.Info("账本服务已关闭")
}

// buildDeps 组装账本各子系统
func buildDeps(cfg *config.Config, store *ledger.Store, engine *token.Engine,
	publisher events.Publisher, logger *logrus.Logger) (api.Deps, error) {
	rep, err := reputation.NewEngine(store, cfg.Reputation, logger)
	if err != nil {
		return api.Deps{}, err
	}
	attest, err := attestation.NewModule(store, engine, rep, publisher, cfg.Attestation, logger)
	if err != nil {
		return api.Deps{}, err
	}
	disputes, err := dispute.NewManager(store, engine, rep, publisher, cfg.Dispute, logger)
	if err != nil {
		return api.Deps{}, err
	}
	aud, err := auditor.NewEngine(store, rep, publisher, cfg.Auditor, logger)
	if err != nil {
		return api.Deps{}, err
	}

	return api.Deps{
		Store:       store,
		Engine:      engine,
		Staking:     staking.NewManager(store, engine, logger),
		Distributor: staking.NewDistributor(store, engine, publisher, logger),
		Reputation:  rep,
		Attestation: attest,
		Disputes:    disputes,
		Auditor:     aud,
	}, nil
}
