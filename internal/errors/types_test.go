package errors

import (
	stderrors "errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestTEGError_ErrorString(t *testing.T) {
	err := NewTEGError(ErrorTypeValidation, SeverityLow, "INVALID_AMOUNT", "金额必须为正数")
	assert.Equal(t, "[INVALID_AMOUNT] 金额必须为正数", err.Error())

	wrapped := WrapError(stderrors.New("boom"), ErrorTypeStorage, SeverityHigh, "STORAGE_FAILED", "写入失败")
	assert.Contains(t, wrapped.Error(), "boom")
	assert.Equal(t, stderrors.Unwrap(wrapped).Error(), "boom")
}

func TestTEGError_Retryable(t *testing.T) {
	assert.False(t, ErrInvalidAmount.IsRetryable())
	assert.False(t, ErrInsufficientBalance.IsRetryable())
	assert.True(t, ErrBridgeCallFailed.IsRetryable())
	assert.True(t, ErrKafkaProduceFailed.IsRetryable())
}

func TestTEGError_WithContextDoesNotMutatePredefined(t *testing.T) {
	e := ErrInsufficientBalance.WithAgent("did:teg:alice").WithContext("needed", "100")

	assert.Nil(t, ErrInsufficientBalance.AgentDID)
	assert.Nil(t, ErrInsufficientBalance.Context)
	assert.Equal(t, "did:teg:alice", *e.AgentDID)
	assert.Equal(t, "100", e.Context["needed"])
	// 错误码保持不变
	assert.Equal(t, "INSUFFICIENT_BALANCE", e.Code)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "OVER_DELEGATED", CodeOf(ErrOverDelegated))
	assert.Equal(t, "", CodeOf(stderrors.New("plain")))
}

func TestHandler_RecordsStats(t *testing.T) {
	logger := logrus.New()
	h := NewHandler(logger)

	_ = h.Handle(ErrInvalidAmount)
	_ = h.Handle(ErrBridgeCallFailed)
	_ = h.Handle(stderrors.New("plain"))

	stats := h.GetStats()
	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByType[ErrorTypeValidation])
	assert.Equal(t, 1, stats.ErrorsByType[ErrorTypeBridge])
	assert.Equal(t, 1, stats.ErrorsByType[ErrorTypeSystem])
	assert.NotNil(t, stats.LastError)
}

func TestHandler_NilError(t *testing.T) {
	h := NewHandler(logrus.New())
	assert.NoError(t, h.Handle(nil))
	assert.Equal(t, 0, h.GetStats().TotalErrors)
}
