package staking

import (
	"time"

	tegerrors "teg/internal/errors"
	"teg/internal/ledger"
	"teg/internal/token"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
)

// stakeKeyScope 质押幂等键前缀，与转账的幂等键共用同一存储桶
const stakeKeyScope = "stake:"

// Manager 质押管理器
// 质押的代币转入质押池系统账户，解押时原路退回；余额转移和质押记录
// 落在同一个账本事务内，变更期间持有涉及代理的锁
type Manager struct {
	store  *ledger.Store
	engine *token.Engine
	logger *logrus.Logger
}

// NewManager 创建质押管理器
func NewManager(store *ledger.Store, engine *token.Engine, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		engine: engine,
		logger: logger,
	}
}

// Stake 质押：代理余额转入质押池，创建活跃质押记录
// 余额转移和质押记录在同一个账本事务内提交；幂等键命中时原样返回首次创建的质押
func (m *Manager) Stake(agentDID string, amount models.Amount, idempotencyKey string) (*models.Stake, error) {
	if amount.Sign() <= 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(agentDID).WithContext("amount", amount.String())
	}

	unlock := m.store.LockAgents(agentDID, models.StakingPoolDID)
	defer unlock()

	var stake *models.Stake
	var moveTx *models.Transaction
	var replayed bool
	err := m.store.Update(func(tx *ledger.Tx) error {
		// 幂等键检查在锁内，并发重放只有一次生效
		if idempotencyKey != "" {
			prevID, err := tx.IdempotencyGet(stakeKeyScope + idempotencyKey)
			if err != nil {
				return err
			}
			if prevID != "" {
				prev, err := tx.GetStake(prevID)
				if err != nil {
					return err
				}
				stake = prev
				replayed = true
				return nil
			}
		}

		var err error
		moveTx, err = m.engine.MoveTx(tx, agentDID, models.StakingPoolDID, amount, models.TxTypeTransfer, "质押入池")
		if err != nil {
			return err
		}

		id, err := tx.NextID(ledger.StakesBucket, "stake")
		if err != nil {
			return err
		}
		stake = &models.Stake{
			StakeID:  id,
			AgentDID: agentDID,
			Amount:   amount,
			Active:   true,
			StakedAt: time.Now(),
		}
		if err := tx.PutStake(stake); err != nil {
			return err
		}
		if idempotencyKey != "" {
			return tx.IdempotencyPut(stakeKeyScope+idempotencyKey, id)
		}
		return nil
	})
	if err := m.engine.FinishMove(moveTx, err); err != nil {
		return nil, err
	}
	if replayed {
		return stake, nil
	}

	m.logger.WithFields(logrus.Fields{
		"stake_id": stake.StakeID,
		"agent":    agentDID,
		"amount":   amount.String(),
		"tx_id":    moveTx.TransactionID,
	}).Info("质押完成")
	return stake, nil
}

// Unstake 解押：质押池退回代理余额，质押置为非活跃
// 退款转移、质押失效和委托失效在同一个账本事务内提交，
// 事务失败时退款一并回滚，质押保持活跃可安全重试。
// 该质押上的活跃委托一并失效，失效的委托不再参与后续奖励周期
func (m *Manager) Unstake(agentDID, stakeID string) (*models.Stake, error) {
	unlock := m.store.LockAgents(agentDID, models.StakingPoolDID)
	defer unlock()

	now := time.Now()
	var stake *models.Stake
	var moveTx *models.Transaction
	err := m.store.Update(func(tx *ledger.Tx) error {
		s, err := tx.GetStake(stakeID)
		if err != nil {
			return err
		}
		if s.AgentDID != agentDID {
			return tegerrors.ErrStakeNotFound.WithAgent(agentDID).WithContext("stake_id", stakeID)
		}
		if !s.Active {
			return tegerrors.ErrStakeNotActive.WithAgent(agentDID).WithContext("stake_id", stakeID)
		}

		moveTx, err = m.engine.MoveTx(tx, models.StakingPoolDID, agentDID, s.Amount, models.TxTypeTransfer, "解押退回")
		if err != nil {
			return err
		}

		s.Active = false
		s.UnstakedAt = &now
		if err := tx.PutStake(s); err != nil {
			return err
		}
		stake = s

		return tx.ForEachDelegation(func(d *models.Delegation) error {
			if d.Active && d.StakeID == stakeID {
				d.Active = false
				d.DeactivatedAt = &now
				return tx.PutDelegation(d)
			}
			return nil
		})
	})
	if err := m.engine.FinishMove(moveTx, err); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"stake_id": stakeID,
		"agent":    agentDID,
		"amount":   stake.Amount.String(),
		"days":     stake.DurationDays(now),
	}).Info("解押完成")
	return stake, nil
}

// Delegate 在已有质押上建立委托
// 委托总额不得超过底层质押金额，验证者分成百分比限定在[0,100]
func (m *Manager) Delegate(delegatorDID, stakeID, validatorDID string, amount, sharePercent models.Amount) (*models.Delegation, error) {
	if amount.Sign() <= 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(delegatorDID).WithContext("amount", amount.String())
	}
	if sharePercent.Sign() < 0 || sharePercent.Cmp(models.AmountFromTokens(100)) > 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(delegatorDID).
			WithContext("reward_share_percentage", sharePercent.String())
	}
	if delegatorDID == validatorDID {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(delegatorDID).WithContext("reason", "不允许委托给自己")
	}

	var delegation *models.Delegation
	err := m.store.Update(func(tx *ledger.Tx) error {
		stake, err := tx.GetStake(stakeID)
		if err != nil {
			return err
		}
		if stake.AgentDID != delegatorDID {
			return tegerrors.ErrStakeNotFound.WithAgent(delegatorDID).WithContext("stake_id", stakeID)
		}
		if !stake.Active {
			return tegerrors.ErrStakeNotActive.WithAgent(delegatorDID).WithContext("stake_id", stakeID)
		}

		delegated, err := tx.DelegatedTotalForStake(stakeID)
		if err != nil {
			return err
		}
		if delegated.Add(amount).Cmp(stake.Amount) > 0 {
			return tegerrors.ErrOverDelegated.WithAgent(delegatorDID).
				WithContext("stake_amount", stake.Amount.String()).
				WithContext("already_delegated", delegated.String()).
				WithContext("requested", amount.String())
		}

		if !tx.HasAgent(validatorDID) {
			return tegerrors.ErrUnknownAgent.WithAgent(validatorDID)
		}

		id, err := tx.NextID(ledger.DelegationsBucket, "deleg")
		if err != nil {
			return err
		}
		delegation = &models.Delegation{
			DelegationID:       id,
			StakeID:            stakeID,
			DelegatorDID:       delegatorDID,
			ValidatorDID:       validatorDID,
			Amount:             amount,
			RewardSharePercent: sharePercent,
			Active:             true,
			CreatedAt:          time.Now(),
		}
		return tx.PutDelegation(delegation)
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"delegation_id": delegation.DelegationID,
		"stake_id":      stakeID,
		"delegator":     delegatorDID,
		"validator":     validatorDID,
		"amount":        amount.String(),
	}).Info("委托建立")
	return delegation, nil
}

// Status 全网质押概览
func (m *Manager) Status() (*models.StakingStatus, error) {
	status := &models.StakingStatus{TotalStaked: models.ZeroAmount()}
	err := m.store.View(func(tx *ledger.Tx) error {
		if err := tx.ForEachStake(func(s *models.Stake) error {
			if s.Active {
				status.TotalStaked = status.TotalStaked.Add(s.Amount)
				status.ActiveStakes++
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.ForEachDelegation(func(d *models.Delegation) error {
			if d.Active {
				status.ActiveDelegations++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// AgentStakingInfo 单个代理的质押明细
type AgentStakingInfo struct {
	AgentDID    string               `json:"agent_did"`
	TotalStaked models.Amount        `json:"total_staked"`
	Stakes      []*models.Stake      `json:"stakes"`
	Delegations []*models.Delegation `json:"delegations"`
}

// AgentInfo 查询代理的质押和委托（作为委托人或验证者的委托都包含）
func (m *Manager) AgentInfo(agentDID string) (*AgentStakingInfo, error) {
	info := &AgentStakingInfo{AgentDID: agentDID, TotalStaked: models.ZeroAmount()}
	err := m.store.View(func(tx *ledger.Tx) error {
		if !tx.HasAgent(agentDID) {
			return tegerrors.ErrUnknownAgent.WithAgent(agentDID)
		}
		if err := tx.ForEachStake(func(s *models.Stake) error {
			if s.AgentDID == agentDID {
				info.Stakes = append(info.Stakes, s)
				if s.Active {
					info.TotalStaked = info.TotalStaked.Add(s.Amount)
				}
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.ForEachDelegation(func(d *models.Delegation) error {
			if d.DelegatorDID == agentDID || d.ValidatorDID == agentDID {
				info.Delegations = append(info.Delegations, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
