package models

import "time"

// Stake 质押记录
type Stake struct {
	StakeID      string     `json:"stake_id"`
	AgentDID     string     `json:"agent_did"`
	Amount       Amount     `json:"amount"`
	Active       bool       `json:"active"`
	StakedAt     time.Time  `json:"staked_at"`
	UnstakedAt   *time.Time `json:"unstaked_at,omitempty"`
	LastRewardAt *time.Time `json:"last_reward_at,omitempty"`
}

// DurationDays 质押天数（未解押按当前时间计算）
func (s *Stake) DurationDays(now time.Time) int {
	end := now
	if s.UnstakedAt != nil {
		end = *s.UnstakedAt
	}
	return int(end.Sub(s.StakedAt).Hours() / 24)
}

// Delegation 委托记录
// 委托金额不得超过底层质押的未委托余额
type Delegation struct {
	DelegationID       string     `json:"delegation_id"`
	StakeID            string     `json:"stake_id"`
	DelegatorDID       string     `json:"delegator_did"`
	ValidatorDID       string     `json:"validator_did"`
	Amount             Amount     `json:"amount"`
	RewardSharePercent Amount     `json:"reward_share_percentage"` // 验证者分成百分比，如 "15"
	Active             bool       `json:"active"`
	CreatedAt          time.Time  `json:"created_at"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
}

// StakingStatus 全网质押概览
type StakingStatus struct {
	TotalStaked       Amount `json:"total_staked"`
	ActiveStakes      int    `json:"active_stakes"`
	ActiveDelegations int    `json:"active_delegations"`
}

// RewardCycleReport 奖励分配周期报告
// 单个实体的失败不会中止整个周期，失败明细收集在Failures中
type RewardCycleReport struct {
	CycleID          string    `json:"cycle_id"`
	RewardPercentage Amount    `json:"reward_percentage"`
	TotalStaked      Amount    `json:"total_staked"`
	TotalRewards     Amount    `json:"total_rewards"`
	DistributedTotal Amount    `json:"distributed_total"`
	StakesPaid       int       `json:"stakes_paid"`
	DelegationsPaid  int       `json:"delegations_paid"`
	Failures         []string  `json:"failures,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}
