package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tegerrors "teg/internal/errors"
	"teg/internal/retry"

	"github.com/sirupsen/logrus"
)

// ZKPVerifier 零知识证明验证接口
// 证明的密码学校验是外部验证服务的职责，这里只消费校验结论
type ZKPVerifier interface {
	Verify(ctx context.Context, zkpReference string) error
}

// HTTPVerifier 基于HTTP的外部验证服务客户端
type HTTPVerifier struct {
	url    string
	client *http.Client
	logger *logrus.Logger
}

// NewHTTPVerifier 创建验证服务客户端
func NewHTTPVerifier(url string, timeout time.Duration, logger *logrus.Logger) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type verifyRequest struct {
	ZKPReference string `json:"zkp_reference"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Verify 调用外部验证服务校验证明引用
// 网络瞬时故障带退避重试，服务明确拒绝的证明不重试
func (v *HTTPVerifier) Verify(ctx context.Context, zkpReference string) error {
	if zkpReference == "" {
		return tegerrors.ErrZKPVerificationFailed.WithContext("reason", "缺少证明引用")
	}

	return retry.RetryExternalCall(ctx, "zkp_verify", func() error {
		return v.verifyOnce(ctx, zkpReference)
	}, v.logger)
}

// verifyOnce 单次验证调用
func (v *HTTPVerifier) verifyOnce(ctx context.Context, zkpReference string) error {
	body, err := json.Marshal(&verifyRequest{ZKPReference: zkpReference})
	if err != nil {
		return fmt.Errorf("序列化验证请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造验证请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return tegerrors.WrapError(err, tegerrors.ErrorTypeZKPVerifier, tegerrors.SeverityMedium,
			"ZKP_VERIFICATION_FAILED", "验证服务调用失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tegerrors.ErrZKPVerificationFailed.
			WithContext("status", fmt.Sprintf("%d", resp.StatusCode))
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return tegerrors.WrapError(err, tegerrors.ErrorTypeZKPVerifier, tegerrors.SeverityMedium,
			"ZKP_VERIFICATION_FAILED", "解析验证响应失败")
	}
	if !result.Valid {
		// 明确的拒绝结论是终态，用校验类错误避免被重试器重放
		return tegerrors.NewTEGError(tegerrors.ErrorTypeValidation, tegerrors.SeverityMedium,
			"ZKP_VERIFICATION_FAILED", "零知识证明验证失败").
			WithContext("reason", result.Reason)
	}

	v.logger.WithFields(logrus.Fields{"zkp_reference": zkpReference}).Debug("证明验证通过")
	return nil
}
