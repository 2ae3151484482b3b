package errors

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*TEGError           `json:"recent_errors"`
	LastError         *TEGError             `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*TEGError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *TEGError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// Handler 错误处理器
// 统一记录统计并按严重级别选择日志级别，业务错误原样返回给调用方
type Handler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误回调（告警等）
	callbacks []func(err *TEGError)
}

// NewHandler 创建错误处理器
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{
		logger:    logger,
		stats:     NewErrorStats(),
		callbacks: make([]func(err *TEGError), 0),
	}
}

// Handle 处理错误：记录统计、打日志、执行回调，然后原样返回
func (h *Handler) Handle(err error) error {
	if err == nil {
		return nil
	}

	tegErr, ok := AsTEGError(err)
	if !ok {
		tegErr = WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	h.mu.Lock()
	h.stats.RecordError(tegErr)
	callbacks := make([]func(err *TEGError), len(h.callbacks))
	copy(callbacks, h.callbacks)
	h.mu.Unlock()

	h.log(tegErr)

	for _, cb := range callbacks {
		go func(f func(err *TEGError)) {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			f(tegErr)
		}(cb)
	}

	return err
}

// log 根据严重级别选择日志级别
func (h *Handler) log(err *TEGError) {
	entry := h.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
		"agent_did":  err.AgentDID,
		"tx_id":      err.TxID,
		"context":    err.Context,
	})

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	case SeverityHigh:
		entry.Error(err.Message)
	case SeverityCritical:
		// 完整性违例不允许中止进程，只升级日志并交由账本冻结处理
		entry.Error(err.Message)
	}
}

// AddCallback 添加错误回调
func (h *Handler) AddCallback(callback func(err *TEGError)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, callback)
}

// GetStats 获取错误统计信息
func (h *Handler) GetStats() *ErrorStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// ClearStats 清除统计信息
func (h *Handler) ClearStats() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = NewErrorStats()
}
