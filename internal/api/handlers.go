package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"teg/pkg/models"
)

// ---- 代币 ----

// getBalance 余额查询
// 普通调用方查自己的余额，管理员可通过agent_did查询任意代理
func (s *Server) getBalance(c *gin.Context) {
	did := callerDID(c)
	if target := c.Query("agent_did"); target != "" && target != did {
		token := s.cfg.Server.AdminToken
		if token == "" || c.GetHeader("X-Admin-Token") != token {
			c.JSON(http.StatusForbidden, gin.H{"error": "查询他人余额需要管理凭证", "code": "FORBIDDEN"})
			return
		}
		did = target
	}

	info, err := s.engine.Balance(did)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type transferRequest struct {
	ReceiverAgentID string         `json:"receiver_agent_id" binding:"required"`
	Amount          models.Amount  `json:"amount"`
	Fee             *models.Amount `json:"fee,omitempty"`
	Message         string         `json:"message"`
	IdempotencyKey  string         `json:"idempotency_key"`
}

// transfer 转账
func (s *Server) transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}

	fee := s.engine.TransferFee()
	if req.Fee != nil {
		fee = *req.Fee
	}

	result, err := s.engine.Transfer(callerDID(c), req.ReceiverAgentID, req.Amount, fee,
		req.Message, req.IdempotencyKey)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": result.Transaction,
		"replayed":    result.Replayed,
	})
}

// getFeeConfig 手续费配置
func (s *Server) getFeeConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"transfer_fee": s.engine.TransferFee().String(),
		"min_transfer": s.cfg.Economy.MinTransfer,
		"dispute_bond": s.disputes.BondAmount().String(),
	})
}

// getTreasuryBalance 国库余额
func (s *Server) getTreasuryBalance(c *gin.Context) {
	info, err := s.engine.Balance(models.TreasuryDID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// ---- 质押 ----

type stakeRequest struct {
	Amount         models.Amount `json:"amount"`
	IdempotencyKey string        `json:"idempotency_key"`
}

func (s *Server) stake(c *gin.Context) {
	var req stakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	stake, err := s.staking.Stake(callerDID(c), req.Amount, req.IdempotencyKey)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stake)
}

type unstakeRequest struct {
	StakeID string `json:"stake_id" binding:"required"`
}

func (s *Server) unstake(c *gin.Context) {
	var req unstakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	stake, err := s.staking.Unstake(callerDID(c), req.StakeID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stake)
}

type delegateRequest struct {
	StakeID            string        `json:"stake_id" binding:"required"`
	ValidatorAgentID   string        `json:"validator_agent_id" binding:"required"`
	Amount             models.Amount `json:"amount"`
	RewardSharePercent models.Amount `json:"reward_share_percentage"`
}

func (s *Server) delegate(c *gin.Context) {
	var req delegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	delegation, err := s.staking.Delegate(callerDID(c), req.StakeID, req.ValidatorAgentID,
		req.Amount, req.RewardSharePercent)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, delegation)
}

func (s *Server) stakingBalance(c *gin.Context) {
	info, err := s.staking.AgentInfo(callerDID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) stakingStatus(c *gin.Context) {
	status, err := s.staking.Status()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ---- 存证与声誉 ----

type attestationRequest struct {
	AttestationType string `json:"attestation_type" binding:"required"`
	ContentHash     string `json:"content_hash" binding:"required"`
	StoragePointer  string `json:"storage_pointer"`
	ZKPReference    string `json:"zkp_reference"`
}

func (s *Server) submitAttestation(c *gin.Context) {
	var req attestationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	log, err := s.attestation.Submit(c.Request.Context(), callerDID(c),
		req.AttestationType, req.ContentHash, req.StoragePointer, req.ZKPReference)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.auditor.ObserveAttestation(log)
	c.JSON(http.StatusOK, log)
}

func (s *Server) getReputation(c *gin.Context) {
	view, err := s.reputation.Query(c.Param("agent_did"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ---- 跨链桥 ----

type bridgeLockRequest struct {
	Amount    models.Amount `json:"amount"`
	TargetRef string        `json:"target_ref" binding:"required"`
}

// bridgeLock 跨注册中心出站锁定
func (s *Server) bridgeLock(c *gin.Context) {
	var req bridgeLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	tx, err := s.engine.BridgeLock(callerDID(c), req.Amount, req.TargetRef)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type bridgeMintRequest struct {
	AgentDID string        `json:"agent_did" binding:"required"`
	Amount   models.Amount `json:"amount"`
	ProofRef string        `json:"proof_ref" binding:"required"`
}

// adminBridgeMint 验证对端锁定证明后入站铸造
func (s *Server) adminBridgeMint(c *gin.Context) {
	var req bridgeMintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	tx, err := s.engine.BridgeMint(c.Request.Context(), s.bridge, req.AgentDID, req.Amount, req.ProofRef)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// ---- 争议 ----

type openDisputeRequest struct {
	DefendantAgentID  string `json:"defendant_agent_id" binding:"required"`
	ReasonCode        string `json:"reason_code" binding:"required"`
	BriefDescription  string `json:"brief_description"`
	AVTPTransactionID string `json:"avtp_transaction_id"`
	EvidencePointer   string `json:"evidence_pointer"`
}

func (s *Server) openDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}

	d, err := s.disputes.Open(callerDID(c), req.DefendantAgentID, req.ReasonCode,
		req.BriefDescription, req.AVTPTransactionID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if req.EvidencePointer != "" {
		if updated, err := s.disputes.AddEvidence(d.DisputeID, callerDID(c), req.EvidencePointer); err == nil {
			d = updated
		}
	}
	s.auditor.ObserveDispute(d)
	c.JSON(http.StatusOK, d)
}

func (s *Server) getDispute(c *gin.Context) {
	d, err := s.disputes.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type evidenceRequest struct {
	EvidencePointer string `json:"evidence_pointer" binding:"required"`
}

func (s *Server) addEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	d, err := s.disputes.AddEvidence(c.Param("id"), callerDID(c), req.EvidencePointer)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type advanceRequest struct {
	ToState string `json:"to_state" binding:"required"`
}

func (s *Server) advanceDispute(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	d, err := s.disputes.Advance(c.Param("id"), req.ToState, callerDID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type resolveRequest struct {
	Outcome      string         `json:"outcome" binding:"required"`
	Compensation *models.Amount `json:"compensation,omitempty"`
}

func (s *Server) resolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	compensation := models.ZeroAmount()
	if req.Compensation != nil {
		compensation = *req.Compensation
	}
	d, err := s.disputes.Resolve(c.Param("id"), req.Outcome, callerDID(c), compensation)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) listDisputes(c *gin.Context) {
	disputes, err := s.disputes.ListByAgent(c.Param("agent_did"), c.Query("role"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"total":    len(disputes),
	})
}

// ---- 管理 ----

type creditRequest struct {
	AgentDID string        `json:"agent_did" binding:"required"`
	Amount   models.Amount `json:"amount"`
	Reason   string        `json:"reason"`
}

// adminCredit 管理员增发
func (s *Server) adminCredit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	tx, err := s.engine.Issue(req.AgentDID, req.Amount, req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// adminBurn 管理员销毁
func (s *Server) adminBurn(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	tx, err := s.engine.Burn(req.AgentDID, req.Amount, req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type distributeRequest struct {
	RewardPercentage models.Amount `json:"reward_percentage"`
}

// adminDistribute 触发奖励分配周期
func (s *Server) adminDistribute(c *gin.Context) {
	var req distributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	report, err := s.distributor.DistributeRewards(req.RewardPercentage)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// adminGetFlags 查询代理的审计标记
func (s *Server) adminGetFlags(c *gin.Context) {
	flags, err := s.auditor.FlagsForAgent(c.Param("agent_did"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"flags": flags,
		"total": len(flags),
	})
}

// adminResolveFlag 解除审计标记
func (s *Server) adminResolveFlag(c *gin.Context) {
	if err := s.auditor.ResolveFlag(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "标记已解除"})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

// getErrorStats 获取错误统计
func (s *Server) getErrorStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.errHandler.GetStats())
}

// clearErrorStats 清除错误统计
func (s *Server) clearErrorStats(c *gin.Context) {
	s.errHandler.ClearStats()
	c.JSON(http.StatusOK, gin.H{"message": "错误统计已清除"})
}
