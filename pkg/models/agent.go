package models

import "time"

// 账户状态
const (
	AgentStatusActive    = "active"
	AgentStatusSuspended = "suspended"
	AgentStatusFrozen    = "frozen"
)

// 系统内置账户DID
const (
	TreasuryDID    = "did:teg:treasury"
	StakingPoolDID = "did:teg:staking-pool"
	EscrowDID      = "did:teg:dispute-escrow"
	BridgeDID      = "did:teg:bridge-escrow"
)

// AgentProfile 代理账本档案
// 首次经济交互时创建，永不物理删除，只做状态标记
type AgentProfile struct {
	AgentDID        string    `json:"agent_did"`
	Balance         Amount    `json:"balance"`
	ReputationScore int64     `json:"reputation_score"`
	Status          string    `json:"status"`

	// 行为计数器（声誉引擎的输入）
	AttestationCount       int64 `json:"attestation_count"`
	SuccessfulTransactions int64 `json:"successful_transactions"`
	FailedTransactions     int64 `json:"failed_transactions"`
	DisputesWon            int64 `json:"disputes_won"`
	DisputesLost           int64 `json:"disputes_lost"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// IsSystemAccount 是否为系统内置账户
func IsSystemAccount(did string) bool {
	switch did {
	case TreasuryDID, StakingPoolDID, EscrowDID, BridgeDID:
		return true
	}
	return false
}

// CanMutate 账户是否允许余额变更
func (p *AgentProfile) CanMutate() bool {
	return p.Status == AgentStatusActive
}
