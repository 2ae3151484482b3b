package models

import "time"

// AttestationLog 存证记录，只追加不修改
type AttestationLog struct {
	AttestationID  string    `json:"attestation_id"`
	AgentDID       string    `json:"agent_did"`
	Type           string    `json:"attestation_type"`
	ContentHash    string    `json:"content_hash"`
	StoragePointer string    `json:"storage_pointer,omitempty"`
	ZKPReference   string    `json:"zkp_reference,omitempty"`
	RewardAmount   Amount    `json:"reward_amount"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Policy 存证奖励策略，由外部配置（YAML或数据库）提供
type Policy struct {
	Code         string            `json:"code"`
	RewardAmount Amount            `json:"reward_amount"`
	Params       map[string]string `json:"params,omitempty"`
	RequireZKP   bool              `json:"require_zkp"`
	Active       bool              `json:"active"`
}
