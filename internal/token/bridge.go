package token

import (
	"context"

	"teg/internal/bridge"
	tegerrors "teg/internal/errors"
	"teg/pkg/models"
)

// BridgeLock 跨注册中心出站：把代币锁入桥托管账户
// targetRef记录对端注册中心/链上的接收方引用，由外部中继完成对端铸造
func (e *Engine) BridgeLock(agentDID string, amount models.Amount, targetRef string) (*models.Transaction, error) {
	return e.Move(agentDID, models.BridgeDID, amount, models.TxTypeBridgeLock, targetRef)
}

// BridgeMint 跨注册中心入站：验证对端锁定证明后在本账本增发
// 验证超时或失败时直接返回错误，借记/贷记不会被拆开跨越挂起点
func (e *Engine) BridgeMint(ctx context.Context, verifier bridge.Verifier, agentDID string, amount models.Amount, proofRef string) (*models.Transaction, error) {
	if verifier == nil {
		return nil, tegerrors.ErrBridgeCallFailed.WithContext("reason", "跨链桥未启用")
	}
	if amount.Sign() <= 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(agentDID).WithContext("amount", amount.String())
	}

	// 先验证后变更：验证阶段不持有任何账本状态
	if err := verifier.VerifyLockProof(ctx, proofRef); err != nil {
		return nil, err
	}

	return e.mint(agentDID, amount, models.TxTypeBridgeMint, proofRef)
}
