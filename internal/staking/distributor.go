package staking

import (
	"fmt"
	"time"

	tegerrors "teg/internal/errors"
	"teg/internal/events"
	"teg/internal/ledger"
	"teg/internal/token"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
)

// Distributor 周期性奖励分配器
// 奖励从国库支付，按活跃质押金额等比例分配；比例计算在基础单位上向下取整，
// 取整余数留在国库，全网余额守恒不受分配影响
type Distributor struct {
	store     *ledger.Store
	engine    *token.Engine
	publisher events.Publisher
	logger    *logrus.Logger
}

// NewDistributor 创建奖励分配器
func NewDistributor(store *ledger.Store, engine *token.Engine, publisher events.Publisher, logger *logrus.Logger) *Distributor {
	return &Distributor{
		store:     store,
		engine:    engine,
		publisher: publisher,
		logger:    logger,
	}
}

// DistributeRewards 执行一个奖励周期
// 先在只读快照中按ID顺序固定参与的质押和委托，再逐个支付：
//   - 质押未委托部分的奖励归质押所有者
//   - 委托部分的奖励按分成百分比在验证者和委托人之间拆分，验证者取分成、委托人取剩余
//
// 单个实体的支付失败只记入报告的Failures，不中止整个周期
func (d *Distributor) DistributeRewards(rewardPercentage models.Amount) (*models.RewardCycleReport, error) {
	if rewardPercentage.Sign() <= 0 {
		return nil, tegerrors.ErrInvalidAmount.WithContext("reward_percentage", rewardPercentage.String())
	}

	started := time.Now()

	var stakes []*models.Stake
	delegations := make(map[string][]*models.Delegation)
	err := d.store.View(func(tx *ledger.Tx) error {
		if err := tx.ForEachStake(func(s *models.Stake) error {
			if s.Active {
				stakes = append(stakes, s)
			}
			return nil
		}); err != nil {
			return err
		}
		return tx.ForEachDelegation(func(dg *models.Delegation) error {
			if dg.Active {
				delegations[dg.StakeID] = append(delegations[dg.StakeID], dg)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	report := &models.RewardCycleReport{
		CycleID:          "cycle-" + started.UTC().Format("20060102T150405Z"),
		RewardPercentage: rewardPercentage,
		TotalStaked:      models.ZeroAmount(),
		TotalRewards:     models.ZeroAmount(),
		DistributedTotal: models.ZeroAmount(),
		StartedAt:        started,
	}
	for _, s := range stakes {
		report.TotalStaked = report.TotalStaked.Add(s.Amount)
	}
	report.TotalRewards = report.TotalStaked.MulPercent(rewardPercentage)

	var rewarded []string
	for _, s := range stakes {
		delegated := models.ZeroAmount()
		for _, dg := range delegations[s.StakeID] {
			delegated = delegated.Add(dg.Amount)
		}

		// 未委托部分归质押所有者
		ownerReward := s.Amount.Sub(delegated).MulPercent(rewardPercentage)
		ok := true
		if ownerReward.Sign() > 0 {
			if err := d.pay(s.AgentDID, ownerReward, "质押奖励 "+s.StakeID); err != nil {
				report.Failures = append(report.Failures, fmt.Sprintf("stake %s: %v", s.StakeID, err))
				ok = false
			} else {
				report.DistributedTotal = report.DistributedTotal.Add(ownerReward)
			}
		}
		if ok {
			report.StakesPaid++
			rewarded = append(rewarded, s.StakeID)
		}

		// 委托部分在验证者和委托人之间拆分
		for _, dg := range delegations[s.StakeID] {
			delegReward := dg.Amount.MulPercent(rewardPercentage)
			if delegReward.IsZero() {
				report.DelegationsPaid++
				continue
			}
			validatorShare := delegReward.MulPercent(dg.RewardSharePercent)
			delegatorShare := delegReward.Sub(validatorShare)

			paid := true
			if validatorShare.Sign() > 0 {
				if err := d.pay(dg.ValidatorDID, validatorShare, "委托分成 "+dg.DelegationID); err != nil {
					report.Failures = append(report.Failures, fmt.Sprintf("delegation %s validator: %v", dg.DelegationID, err))
					paid = false
				} else {
					report.DistributedTotal = report.DistributedTotal.Add(validatorShare)
				}
			}
			if delegatorShare.Sign() > 0 {
				if err := d.pay(dg.DelegatorDID, delegatorShare, "委托奖励 "+dg.DelegationID); err != nil {
					report.Failures = append(report.Failures, fmt.Sprintf("delegation %s delegator: %v", dg.DelegationID, err))
					paid = false
				} else {
					report.DistributedTotal = report.DistributedTotal.Add(delegatorShare)
				}
			}
			if paid {
				report.DelegationsPaid++
			}
		}
	}

	// 记录成功支付的质押的最近奖励时间
	if len(rewarded) > 0 {
		err = d.store.Update(func(tx *ledger.Tx) error {
			for _, id := range rewarded {
				s, err := tx.GetStake(id)
				if err != nil {
					return err
				}
				ts := started
				s.LastRewardAt = &ts
				if err := tx.PutStake(s); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("last_reward_at: %v", err))
		}
	}

	report.FinishedAt = time.Now()

	if err := d.publisher.PublishRewardCycle(report); err != nil {
		d.logger.Errorf("发布奖励周期报告失败: %v", err)
	}

	d.logger.WithFields(logrus.Fields{
		"cycle_id":         report.CycleID,
		"total_staked":     report.TotalStaked.String(),
		"distributed":      report.DistributedTotal.String(),
		"stakes_paid":      report.StakesPaid,
		"delegations_paid": report.DelegationsPaid,
		"failures":         len(report.Failures),
	}).Info("奖励周期完成")
	return report, nil
}

// pay 从国库支付一笔奖励
func (d *Distributor) pay(recipientDID string, amount models.Amount, memo string) error {
	_, err := d.engine.Move(models.TreasuryDID, recipientDID, amount, models.TxTypeReward, memo)
	return err
}
