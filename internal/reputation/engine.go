package reputation

import (
	"math"
	"math/big"

	"teg/internal/config"
	tegerrors "teg/internal/errors"
	"teg/internal/ledger"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
)

// Engine 声誉引擎
// 分数由账本中的行为计数器确定性推导，同样的账本状态永远算出同样的分数；
// 权重、质押加分上限和等级表全部来自配置注入
type Engine struct {
	store  *ledger.Store
	cfg    *config.ReputationConfig
	logger *logrus.Logger

	stakeCap models.Amount
}

// NewEngine 创建声誉引擎
func NewEngine(store *ledger.Store, cfg *config.ReputationConfig, logger *logrus.Logger) (*Engine, error) {
	stakeCap, err := models.ParseAmount(cfg.StakeCap)
	if err != nil {
		return nil, tegerrors.NewTEGError(tegerrors.ErrorTypeConfig, tegerrors.SeverityHigh,
			"INVALID_CONFIG", "无效的质押加分上限: "+cfg.StakeCap)
	}
	return &Engine{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		stakeCap: stakeCap,
	}, nil
}

// FactorBreakdown 声誉分数的因子明细
type FactorBreakdown struct {
	AttestationCount       int64   `json:"attestation_count"`
	SuccessfulTransactions int64   `json:"successful_transactions"`
	FailedTransactions     int64   `json:"failed_transactions"`
	StakedTokens           string  `json:"staked_tokens"`
	CriticalFlags          int64   `json:"critical_flags"`
	DisputesLost           int64   `json:"disputes_lost"`
	RawScore               float64 `json:"raw_score"`
}

// ReputationView 声誉查询结果
type ReputationView struct {
	AgentDID string          `json:"agent_did"`
	Score    int64           `json:"reputation_score"`
	Tier     string          `json:"tier"`
	Factors  FactorBreakdown `json:"factors"`
}

// score 按权重加权各因子，向下取整并压到下限
func (e *Engine) score(f *FactorBreakdown) int64 {
	raw := float64(f.AttestationCount)*e.cfg.WeightAttestation +
		float64(f.SuccessfulTransactions)*e.cfg.WeightSuccess -
		float64(f.FailedTransactions)*e.cfg.WeightFailure +
		e.stakedTokensFloat(f)*e.cfg.WeightStake -
		float64(f.CriticalFlags)*e.cfg.WeightFlag -
		float64(f.DisputesLost)*e.cfg.WeightDispute
	f.RawScore = raw

	score := int64(math.Floor(raw))
	if score < e.cfg.MinScore {
		score = e.cfg.MinScore
	}
	return score
}

// stakedTokensFloat 质押加分项的代币整数（受上限约束，分数精度在这里不重要）
func (e *Engine) stakedTokensFloat(f *FactorBreakdown) float64 {
	v, _ := new(big.Float).SetString(f.StakedTokens)
	if v == nil {
		return 0
	}
	out, _ := v.Float64()
	return out
}

// gatherFactors 在账本事务内收集全部因子
func (e *Engine) gatherFactors(tx *ledger.Tx, agentDID string) (*FactorBreakdown, error) {
	p, err := tx.Agent(agentDID)
	if err != nil {
		return nil, err
	}

	staked, err := tx.AgentStakedTotal(agentDID)
	if err != nil {
		return nil, err
	}
	if staked.Cmp(e.stakeCap) > 0 {
		staked = e.stakeCap
	}

	flags, err := tx.CriticalFlagCount(agentDID)
	if err != nil {
		return nil, err
	}

	return &FactorBreakdown{
		AttestationCount:       p.AttestationCount,
		SuccessfulTransactions: p.SuccessfulTransactions,
		FailedTransactions:     p.FailedTransactions,
		StakedTokens:           staked.String(),
		CriticalFlags:          flags,
		DisputesLost:           p.DisputesLost,
	}, nil
}

// Recompute 重算并持久化某代理的声誉分数
// 交易、存证、争议裁决和审计标记都会同步触发重算，读取方总能看到最新分数
func (e *Engine) Recompute(agentDID string) (int64, error) {
	if models.IsSystemAccount(agentDID) {
		return 0, nil
	}

	var score int64
	err := e.store.Update(func(tx *ledger.Tx) error {
		factors, err := e.gatherFactors(tx, agentDID)
		if err != nil {
			return err
		}
		score = e.score(factors)

		p, err := tx.Agent(agentDID)
		if err != nil {
			return err
		}
		if p.ReputationScore == score {
			return nil
		}
		p.ReputationScore = score
		return tx.PutAgent(p)
	})
	if err != nil {
		return 0, err
	}

	e.logger.WithFields(logrus.Fields{
		"agent": agentDID,
		"score": score,
	}).Debug("声誉分数已重算")
	return score, nil
}

// Query 查询声誉分数、等级和因子明细
func (e *Engine) Query(agentDID string) (*ReputationView, error) {
	view := &ReputationView{AgentDID: agentDID}
	err := e.store.View(func(tx *ledger.Tx) error {
		factors, err := e.gatherFactors(tx, agentDID)
		if err != nil {
			return err
		}
		view.Score = e.score(factors)
		view.Factors = *factors
		return nil
	})
	if err != nil {
		return nil, err
	}
	view.Tier = e.Tier(view.Score)
	return view, nil
}

// Tier 按升序等级表返回分数所属等级
func (e *Engine) Tier(score int64) string {
	name := ""
	for _, t := range e.cfg.Tiers {
		if score >= t.MinScore {
			name = t.Name
		}
	}
	return name
}
