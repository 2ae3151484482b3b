package models

import "time"

// 审计标记严重级别
const (
	FlagSeverityLow      = "low"
	FlagSeverityMedium   = "medium"
	FlagSeverityHigh     = "high"
	FlagSeverityCritical = "critical"
)

// AuditorFlag 审计规则触发的标记
// critical级别的标记会进入声誉扣分项
type AuditorFlag struct {
	FlagID    string    `json:"flag_id"`
	AgentDID  string    `json:"agent_did"`
	RuleCode  string    `json:"rule_code"`
	Severity  string    `json:"severity"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	Resolved  bool      `json:"resolved"`
}
