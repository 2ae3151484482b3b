package errors

import (
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 校验相关错误
	ErrorTypeValidation ErrorType = iota
	ErrorTypeBalance
	ErrorTypeNotFound

	// 账本相关错误
	ErrorTypeLedger
	ErrorTypeIntegrity
	ErrorTypeIdempotency

	// 业务状态错误
	ErrorTypeStaking
	ErrorTypeAttestation
	ErrorTypeDispute

	// 系统相关错误
	ErrorTypeSystem
	ErrorTypeConfig
	ErrorTypeStorage

	// 外部服务错误
	ErrorTypeExternalAPI
	ErrorTypeZKPVerifier
	ErrorTypeBridge
	ErrorTypeKafka
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// TEGError 自定义错误类型
// 所有业务错误都以可恢复的类型化结果返回给调用方，不允许导致进程崩溃
type TEGError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   interface{}            `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	AgentDID  *string                `json:"agent_did,omitempty"`
	TxID      *string                `json:"transaction_id,omitempty"`
}

// Error 实现error接口
func (e *TEGError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *TEGError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试
func (e *TEGError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *TEGError) WithContext(key string, value interface{}) *TEGError {
	c := e.clone()
	if c.Context == nil {
		c.Context = make(map[string]interface{})
	}
	c.Context[key] = value
	return c
}

// WithAgent 添加代理DID
func (e *TEGError) WithAgent(agentDID string) *TEGError {
	c := e.clone()
	c.AgentDID = &agentDID
	return c
}

// WithTx 添加交易ID
func (e *TEGError) WithTx(txID string) *TEGError {
	c := e.clone()
	c.TxID = &txID
	return c
}

// clone 复制错误实例，避免污染预定义错误
func (e *TEGError) clone() *TEGError {
	c := *e
	if e.Context != nil {
		c.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	c.Timestamp = time.Now()
	return &c
}

// NewTEGError 创建新的错误
func NewTEGError(errorType ErrorType, severity ErrorSeverity, code, message string) *TEGError {
	return &TEGError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *TEGError {
	return &TEGError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断是否可重试
// 业务校验类错误重试没有意义，只有外部依赖类错误可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeExternalAPI, ErrorTypeZKPVerifier, ErrorTypeBridge, ErrorTypeKafka:
		return true
	case ErrorTypeStorage:
		return true
	default:
		return false
	}
}

// 预定义业务错误
var (
	ErrInvalidAmount = NewTEGError(
		ErrorTypeValidation,
		SeverityLow,
		"INVALID_AMOUNT",
		"金额必须为正数",
	)

	ErrInsufficientBalance = NewTEGError(
		ErrorTypeBalance,
		SeverityLow,
		"INSUFFICIENT_BALANCE",
		"余额不足",
	)

	ErrUnknownAgent = NewTEGError(
		ErrorTypeNotFound,
		SeverityLow,
		"UNKNOWN_AGENT",
		"代理账户不存在",
	)

	ErrUnknownPolicyType = NewTEGError(
		ErrorTypeAttestation,
		SeverityLow,
		"UNKNOWN_POLICY_TYPE",
		"没有匹配的有效存证策略",
	)

	ErrDuplicateSubmission = NewTEGError(
		ErrorTypeAttestation,
		SeverityLow,
		"DUPLICATE_SUBMISSION",
		"该内容哈希已被奖励过",
	)

	ErrOverDelegated = NewTEGError(
		ErrorTypeStaking,
		SeverityLow,
		"OVER_DELEGATED",
		"委托金额超过质押的未委托余额",
	)

	ErrStakeNotFound = NewTEGError(
		ErrorTypeNotFound,
		SeverityLow,
		"STAKE_NOT_FOUND",
		"质押记录不存在",
	)

	ErrStakeNotActive = NewTEGError(
		ErrorTypeStaking,
		SeverityLow,
		"STAKE_NOT_ACTIVE",
		"质押已关闭",
	)

	ErrDisputeInvalidTransition = NewTEGError(
		ErrorTypeDispute,
		SeverityLow,
		"DISPUTE_INVALID_TRANSITION",
		"非法的争议状态迁移",
	)

	ErrBondRequired = NewTEGError(
		ErrorTypeDispute,
		SeverityLow,
		"BOND_REQUIRED",
		"开启争议必须缴纳保证金",
	)

	ErrDisputeNotFound = NewTEGError(
		ErrorTypeNotFound,
		SeverityLow,
		"DISPUTE_NOT_FOUND",
		"争议记录不存在",
	)

	ErrAccountFrozen = NewTEGError(
		ErrorTypeIntegrity,
		SeverityCritical,
		"ACCOUNT_FROZEN",
		"账户已冻结，等待人工对账",
	)

	ErrIntegrityViolation = NewTEGError(
		ErrorTypeIntegrity,
		SeverityCritical,
		"INTEGRITY_VIOLATION",
		"检测到账本数据完整性违例",
	)

	ErrZKPVerificationFailed = NewTEGError(
		ErrorTypeZKPVerifier,
		SeverityMedium,
		"ZKP_VERIFICATION_FAILED",
		"零知识证明验证失败",
	)

	ErrBridgeCallFailed = NewTEGError(
		ErrorTypeBridge,
		SeverityHigh,
		"BRIDGE_CALL_FAILED",
		"跨链桥调用失败",
	)

	ErrKafkaProduceFailed = NewTEGError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeValidation:  "Validation",
	ErrorTypeBalance:     "Balance",
	ErrorTypeNotFound:    "NotFound",
	ErrorTypeLedger:      "Ledger",
	ErrorTypeIntegrity:   "Integrity",
	ErrorTypeIdempotency: "Idempotency",
	ErrorTypeStaking:     "Staking",
	ErrorTypeAttestation: "Attestation",
	ErrorTypeDispute:     "Dispute",
	ErrorTypeSystem:      "System",
	ErrorTypeConfig:      "Config",
	ErrorTypeStorage:     "Storage",
	ErrorTypeExternalAPI: "ExternalAPI",
	ErrorTypeZKPVerifier: "ZKPVerifier",
	ErrorTypeBridge:      "Bridge",
	ErrorTypeKafka:       "Kafka",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// AsTEGError 尝试把任意error还原为TEGError
func AsTEGError(err error) (*TEGError, bool) {
	te, ok := err.(*TEGError)
	return te, ok
}

// CodeOf 提取错误码，非TEGError返回空串
func CodeOf(err error) string {
	if te, ok := AsTEGError(err); ok {
		return te.Code
	}
	return ""
}
