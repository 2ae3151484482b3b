package models

import "time"

// 争议状态机状态
const (
	DisputeStateOpen                = "OPEN"
	DisputeStateUnderReview         = "UNDER_REVIEW"
	DisputeStateAwaitingArbitration = "AWAITING_ARBITRATION"
	DisputeStateResolved            = "RESOLVED"
	DisputeStateRejected            = "REJECTED"
	DisputeStateAbandoned           = "ABANDONED"
)

// 争议裁决结果
const (
	OutcomeDisputerWins   = "disputer_wins"
	OutcomeRespondentWins = "respondent_wins"
	OutcomeSplit          = "split"
)

// DisputeTransition 状态迁移审计记录
type DisputeTransition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// DisputeEvidence 证据引用
type DisputeEvidence struct {
	SubmitterDID string    `json:"submitter_did"`
	Pointer      string    `json:"evidence_pointer"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// Dispute 争议记录
// 开启争议必须缴纳保证金，败诉方保证金没收进国库
type Dispute struct {
	DisputeID        string              `json:"dispute_id"`
	DisputerDID      string              `json:"disputer_did"`
	RespondentDID    string              `json:"respondent_did"`
	ReasonCode       string              `json:"reason_code"`
	BriefDescription string              `json:"brief_description,omitempty"`
	TransactionRef   string              `json:"transaction_ref,omitempty"`
	BondAmount       Amount              `json:"bond_amount"`
	BondTxID         string              `json:"bond_transaction_id,omitempty"`
	State            string              `json:"state"`
	Outcome          string              `json:"outcome,omitempty"`
	Evidence         []DisputeEvidence   `json:"evidence,omitempty"`
	Transitions      []DisputeTransition `json:"transitions,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	ResolvedAt       *time.Time          `json:"resolved_at,omitempty"`
}

// IsTerminal 是否处于终态
func (d *Dispute) IsTerminal() bool {
	switch d.State {
	case DisputeStateResolved, DisputeStateRejected, DisputeStateAbandoned:
		return true
	}
	return false
}
