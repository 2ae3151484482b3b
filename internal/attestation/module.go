package attestation

import (
	"context"
	"time"

	"teg/internal/config"
	tegerrors "teg/internal/errors"
	"teg/internal/events"
	"teg/internal/ledger"
	"teg/internal/reputation"
	"teg/internal/token"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
)

// Module 存证模块
// 按策略对存证发放国库奖励：同一代理对同一内容哈希的同类存证只奖励一次，
// 需要零知识证明的策略在任何账本变更前完成外部验证
type Module struct {
	store      *ledger.Store
	engine     *token.Engine
	reputation *reputation.Engine
	publisher  events.Publisher
	verifier   ZKPVerifier
	logger     *logrus.Logger

	policies map[string]*models.Policy
}

// NewModule 创建存证模块
// verifier为nil时所有RequireZKP策略的提交都会被拒绝
func NewModule(store *ledger.Store, engine *token.Engine, rep *reputation.Engine,
	publisher events.Publisher, cfg *config.AttestationConfig, logger *logrus.Logger) (*Module, error) {

	policies := make(map[string]*models.Policy)
	for _, pc := range cfg.Policies {
		reward, err := models.ParseAmount(pc.RewardAmount)
		if err != nil {
			return nil, tegerrors.NewTEGError(tegerrors.ErrorTypeConfig, tegerrors.SeverityHigh,
				"INVALID_CONFIG", "无效的策略奖励金额: "+pc.RewardAmount)
		}
		policies[pc.Code] = &models.Policy{
			Code:         pc.Code,
			RewardAmount: reward,
			RequireZKP:   pc.RequireZKP,
			Active:       pc.Active,
		}
	}

	var verifier ZKPVerifier
	if cfg.VerifierURL != "" {
		timeout, err := time.ParseDuration(cfg.VerifierTimeout)
		if err != nil {
			timeout = 5 * time.Second
		}
		verifier = NewHTTPVerifier(cfg.VerifierURL, timeout, logger)
	}

	return &Module{
		store:      store,
		engine:     engine,
		reputation: rep,
		publisher:  publisher,
		verifier:   verifier,
		logger:     logger,
		policies:   policies,
	}, nil
}

// SetVerifier 替换验证器（测试注入）
func (m *Module) SetVerifier(v ZKPVerifier) {
	m.verifier = v
}

// Policies 当前生效的策略表
func (m *Module) Policies() []*models.Policy {
	out := make([]*models.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	return out
}

// Submit 提交存证
// 校验顺序：策略存在且生效 → 零知识证明（如要求）→ 去重 → 发放奖励 → 追加记录
func (m *Module) Submit(ctx context.Context, agentDID, attType, contentHash, storagePointer, zkpRef string) (*models.AttestationLog, error) {
	if agentDID == "" || attType == "" || contentHash == "" {
		return nil, tegerrors.NewTEGError(tegerrors.ErrorTypeValidation, tegerrors.SeverityLow,
			"INVALID_REQUEST", "agent_did、attestation_type和content_hash不能为空")
	}

	policy, ok := m.policies[attType]
	if !ok || !policy.Active {
		return nil, tegerrors.ErrUnknownPolicyType.WithAgent(agentDID).
			WithContext("attestation_type", attType)
	}

	// 外部验证不持有任何账本锁
	if policy.RequireZKP {
		if m.verifier == nil {
			return nil, tegerrors.ErrZKPVerificationFailed.WithAgent(agentDID).
				WithContext("reason", "验证服务未配置")
		}
		if err := m.verifier.Verify(ctx, zkpRef); err != nil {
			return nil, err
		}
	}

	unlock := m.store.LockAgents(agentDID, models.TreasuryDID)
	defer unlock()

	// 去重、奖励发放和存证记录在同一个账本事务内提交：
	// 去重键与奖励转移同时落盘，不会出现奖励已发而去重键缺失的中间状态
	var log *models.AttestationLog
	var rewardTx *models.Transaction
	err := m.store.Update(func(tx *ledger.Tx) error {
		if tx.HasAttestationKey(agentDID, attType, contentHash) {
			return tegerrors.ErrDuplicateSubmission.WithAgent(agentDID).
				WithContext("attestation_type", attType).
				WithContext("content_hash", contentHash)
		}
		if tx.HasAgent(agentDID) {
			p, err := tx.Agent(agentDID)
			if err != nil {
				return err
			}
			if !p.CanMutate() {
				return tegerrors.ErrAccountFrozen.WithAgent(agentDID)
			}
		}

		var rewardTxID string
		if policy.RewardAmount.Sign() > 0 {
			var err error
			rewardTx, err = m.engine.MoveTx(tx, models.TreasuryDID, agentDID, policy.RewardAmount,
				models.TxTypeReward, "存证奖励 "+attType)
			if err != nil {
				return err
			}
			rewardTxID = rewardTx.TransactionID
		}

		id, err := tx.NextID(ledger.AttestationsBucket, "att")
		if err != nil {
			return err
		}
		log = &models.AttestationLog{
			AttestationID:  id,
			AgentDID:       agentDID,
			Type:           attType,
			ContentHash:    contentHash,
			StoragePointer: storagePointer,
			ZKPReference:   zkpRef,
			RewardAmount:   policy.RewardAmount,
			TransactionID:  rewardTxID,
			CreatedAt:      time.Now(),
		}
		if err := tx.PutAttestation(log); err != nil {
			return err
		}
		if err := tx.PutAttestationKey(agentDID, attType, contentHash, id); err != nil {
			return err
		}

		p, err := tx.EnsureAgent(agentDID, log.CreatedAt)
		if err != nil {
			return err
		}
		p.AttestationCount++
		p.LastActivityAt = log.CreatedAt
		return tx.PutAgent(p)
	})
	if err := m.engine.FinishMove(rewardTx, err); err != nil {
		return nil, err
	}

	if err := m.publisher.PublishAttestation(log); err != nil {
		m.logger.Errorf("发布存证事件失败: %v", err)
	}
	if _, err := m.reputation.Recompute(agentDID); err != nil {
		m.logger.Warnf("存证后重算声誉失败: %v", err)
	}

	m.logger.WithFields(logrus.Fields{
		"attestation_id": log.AttestationID,
		"agent":          agentDID,
		"type":           attType,
		"reward":         policy.RewardAmount.String(),
	}).Info("存证已记录")
	return log, nil
}
