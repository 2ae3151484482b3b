package models

import "time"

// 交易类型
const (
	TxTypeTransfer   = "transfer"
	TxTypeIssuance   = "issuance"
	TxTypeBurn       = "burn"
	TxTypeReward     = "reward"
	TxTypeBridgeLock = "bridge_lock"
	TxTypeBridgeMint = "bridge_mint"
)

// 交易状态
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// Transaction 代币交易记录
// 仅由交易引擎创建，completed之后不可变
type Transaction struct {
	TransactionID  string `json:"transaction_id"`
	SenderDID      string `json:"sender_did,omitempty"` // 为空表示增发
	ReceiverDID    string `json:"receiver_did"`
	Amount         Amount `json:"amount"`
	FeeAmount      Amount `json:"fee_amount"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Memo           string `json:"memo,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransferResult 转账结果（幂等重放时Replayed为true）
type TransferResult struct {
	Transaction *Transaction `json:"transaction"`
	Replayed    bool         `json:"replayed"`
}
