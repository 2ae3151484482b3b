package auditor

import (
	"fmt"
	"time"

	"teg/pkg/models"
)

// 活动事件种类
const (
	EventTransaction = "transaction"
	EventAttestation = "attestation"
	EventDispute     = "dispute"
)

// Event 单个代理的一条近期活动
type Event struct {
	Kind   string
	Amount models.Amount
	At     time.Time
}

// Rule 审计规则
// 规则是对单个代理近期活动窗口的纯谓词，规则之间相互独立，
// 新增规则不需要改动已有规则
type Rule interface {
	Code() string
	Severity() string
	Evaluate(window []Event) (bool, string)
}

// countKind 窗口内某类事件的数量
func countKind(window []Event, kind string) int {
	n := 0
	for _, e := range window {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// TxVelocityRule 交易频率规则：窗口内交易次数超过阈值
type TxVelocityRule struct {
	MaxTx int
}

func (r *TxVelocityRule) Code() string     { return "tx_velocity" }
func (r *TxVelocityRule) Severity() string { return models.FlagSeverityCritical }

func (r *TxVelocityRule) Evaluate(window []Event) (bool, string) {
	n := countKind(window, EventTransaction)
	if r.MaxTx > 0 && n > r.MaxTx {
		return true, fmt.Sprintf("窗口内交易%d次，超过阈值%d", n, r.MaxTx)
	}
	return false, ""
}

// LargeTransferRule 大额转账规则：单笔转账达到阈值
type LargeTransferRule struct {
	Threshold models.Amount
}

func (r *LargeTransferRule) Code() string     { return "large_transfer" }
func (r *LargeTransferRule) Severity() string { return models.FlagSeverityHigh }

func (r *LargeTransferRule) Evaluate(window []Event) (bool, string) {
	if r.Threshold.Sign() <= 0 || len(window) == 0 {
		return false, ""
	}
	latest := window[len(window)-1]
	if latest.Kind == EventTransaction && latest.Amount.Cmp(r.Threshold) >= 0 {
		return true, fmt.Sprintf("单笔转账%s达到大额阈值%s", latest.Amount.String(), r.Threshold.String())
	}
	return false, ""
}

// AttestationBurstRule 存证突发规则：窗口内存证次数超过阈值
type AttestationBurstRule struct {
	MaxAttestations int
}

func (r *AttestationBurstRule) Code() string     { return "attestation_burst" }
func (r *AttestationBurstRule) Severity() string { return models.FlagSeverityCritical }

func (r *AttestationBurstRule) Evaluate(window []Event) (bool, string) {
	n := countKind(window, EventAttestation)
	if r.MaxAttestations > 0 && n > r.MaxAttestations {
		return true, fmt.Sprintf("窗口内存证%d次，超过阈值%d", n, r.MaxAttestations)
	}
	return false, ""
}

// DisputeChurnRule 争议滥用规则：窗口内发起争议次数超过阈值
type DisputeChurnRule struct {
	MaxDisputes int
}

func (r *DisputeChurnRule) Code() string     { return "dispute_churn" }
func (r *DisputeChurnRule) Severity() string { return models.FlagSeverityCritical }

func (r *DisputeChurnRule) Evaluate(window []Event) (bool, string) {
	n := countKind(window, EventDispute)
	if r.MaxDisputes > 0 && n > r.MaxDisputes {
		return true, fmt.Sprintf("窗口内发起争议%d次，超过阈值%d", n, r.MaxDisputes)
	}
	return false, ""
}
