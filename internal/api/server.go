package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"teg/internal/attestation"
	"teg/internal/auditor"
	"teg/internal/bridge"
	"teg/internal/config"
	"teg/internal/dispute"
	tegerrors "teg/internal/errors"
	"teg/internal/ledger"
	"teg/internal/reputation"
	"teg/internal/staking"
	"teg/internal/token"
	"teg/pkg/models"
)

// Server API服务器
type Server struct {
	cfg         *config.Config
	store       *ledger.Store
	engine      *token.Engine
	staking     *staking.Manager
	distributor *staking.Distributor
	reputation  *reputation.Engine
	attestation *attestation.Module
	disputes    *dispute.Manager
	auditor     *auditor.Engine
	bridge      bridge.Verifier
	logger      *logrus.Logger
	logManager  *LogManager
	errHandler  *tegerrors.Handler
	server      *http.Server

	sweepCancel context.CancelFunc
}

// Deps 服务器依赖
type Deps struct {
	Store       *ledger.Store
	Engine      *token.Engine
	Staking     *staking.Manager
	Distributor *staking.Distributor
	Reputation  *reputation.Engine
	Attestation *attestation.Module
	Disputes    *dispute.Manager
	Auditor     *auditor.Engine
	Bridge      bridge.Verifier
}

// NewServer 创建API服务器
// 交易提交后的声誉重算和审计评估通过交易引擎的回调挂接
func NewServer(cfg *config.Config, deps Deps, logger *logrus.Logger) *Server {
	logManager := NewLogManager(1000) // 最多保存1000条日志
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		engine:      deps.Engine,
		staking:     deps.Staking,
		distributor: deps.Distributor,
		reputation:  deps.Reputation,
		attestation: deps.Attestation,
		disputes:    deps.Disputes,
		auditor:     deps.Auditor,
		bridge:      deps.Bridge,
		logger:      logger,
		logManager:  logManager,
		errHandler:  tegerrors.NewHandler(logger),
	}

	deps.Engine.AddPostCommitHook(func(tx *models.Transaction) {
		if tx.SenderDID != "" {
			if _, err := deps.Reputation.Recompute(tx.SenderDID); err != nil {
				logger.Warnf("交易后重算发送方声誉失败: %v", err)
			}
		}
		if _, err := deps.Reputation.Recompute(tx.ReceiverDID); err != nil {
			logger.Warnf("交易后重算接收方声誉失败: %v", err)
		}
		deps.Auditor.ObserveTransaction(tx)
	})

	return s
}

// Start 启动API服务器
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	s.setupRoutes(router)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler: router,
	}

	// 争议超时清扫后台任务
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.sweepLoop(sweepCtx)

	s.logger.Infof("API服务器启动在端口 %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// sweepLoop 每小时清扫一次超时争议
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.disputes.SweepAbandoned(now); err != nil {
				s.logger.Errorf("争议超时清扫失败: %v", err)
			}
		}
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	api.Use(s.authMiddleware())
	{
		// 代币
		api.GET("/token/balance", s.getBalance)
		api.POST("/token/transfer", s.transfer)

		// 质押
		api.POST("/staking/stake", s.stake)
		api.POST("/staking/unstake", s.unstake)
		api.POST("/staking/delegate", s.delegate)
		api.GET("/staking/balance", s.stakingBalance)
		api.GET("/staking/status", s.stakingStatus)

		// 存证与声誉
		api.POST("/teg/attestations/submit", s.submitAttestation)
		api.GET("/teg/agents/:agent_did/reputation", s.getReputation)
		api.GET("/teg/fees/config", s.getFeeConfig)

		// 跨链桥出站
		api.POST("/bridge/lock", s.bridgeLock)

		// 争议
		api.POST("/disputes", s.openDispute)
		api.GET("/disputes/:id", s.getDispute)
		api.POST("/disputes/:id/evidence", s.addEvidence)
		api.GET("/disputes/agent/:agent_did", s.listDisputes)
	}

	admin := router.Group("/api/v1")
	admin.Use(s.authMiddleware(), s.adminMiddleware())
	{
		admin.POST("/admin/credit", s.adminCredit)
		admin.POST("/admin/burn", s.adminBurn)
		admin.POST("/admin/rewards/distribute", s.adminDistribute)
		admin.POST("/admin/bridge/mint", s.adminBridgeMint)
		admin.GET("/admin/agents/:agent_did/flags", s.adminGetFlags)
		admin.POST("/admin/flags/:id/resolve", s.adminResolveFlag)
		admin.GET("/admin/logs", s.getLogs)
		admin.DELETE("/admin/logs", s.clearLogs)
		admin.GET("/admin/errors", s.getErrorStats)
		admin.DELETE("/admin/errors", s.clearErrorStats)
		admin.GET("/teg/treasury/balance", s.getTreasuryBalance)
		admin.POST("/disputes/:id/advance", s.advanceDispute)
		admin.POST("/disputes/:id/resolve", s.resolveDispute)
	}
}

// authMiddleware Bearer-DID认证
// 调用方在Authorization头携带自己的DID，联邦层负责真正的身份核验
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "缺少Bearer凭证",
				"code":  "UNAUTHORIZED",
			})
			return
		}
		c.Set("agent_did", auth[len(prefix):])
		c.Next()
	}
}

// adminMiddleware 管理端点校验
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.Server.AdminToken
		if token == "" || c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "管理凭证无效",
				"code":  "FORBIDDEN",
			})
			return
		}
		c.Next()
	}
}

// callerDID 当前请求的代理DID
func callerDID(c *gin.Context) string {
	return c.GetString("agent_did")
}

// httpStatus 类型化错误码到HTTP状态码的映射
func httpStatus(code string) int {
	switch code {
	case "UNKNOWN_AGENT", "STAKE_NOT_FOUND", "DISPUTE_NOT_FOUND", "FLAG_NOT_FOUND":
		return http.StatusNotFound
	case "DUPLICATE_SUBMISSION", "DISPUTE_INVALID_TRANSITION", "OVER_DELEGATED", "STAKE_NOT_ACTIVE":
		return http.StatusConflict
	case "ACCOUNT_FROZEN":
		return http.StatusForbidden
	case "INVALID_AMOUNT", "INVALID_REQUEST", "INSUFFICIENT_BALANCE", "BOND_REQUIRED",
		"UNKNOWN_POLICY_TYPE", "ZKP_VERIFICATION_FAILED":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError 按类型化错误返回响应
func (s *Server) writeError(c *gin.Context, err error) {
	s.errHandler.Handle(err)
	if te, ok := tegerrors.AsTEGError(err); ok {
		c.JSON(httpStatus(te.Code), gin.H{
			"error":   te.Message,
			"code":    te.Code,
			"context": te.Context,
		})
		return
	}
	s.logger.Errorf("未分类的处理错误: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "内部错误",
		"code":  "INTERNAL",
	})
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "teg-api",
	})
}
