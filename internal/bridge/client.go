package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"teg/internal/config"
	tegerrors "teg/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Verifier 跨链桥证明验证接口
// bridge_mint必须先验证对端链上的锁定证明，验证是外部协作方的职责
type Verifier interface {
	VerifyLockProof(ctx context.Context, proofRef string) error
}

// Client 基于EVM节点的桥验证客户端
// 所有调用都带显式超时并可取消，超时后父操作干净失败，不产生部分账本变更
type Client struct {
	eth      *ethclient.Client
	contract common.Address
	timeout  time.Duration
	logger   *logrus.Logger
}

// NewClient 创建桥验证客户端
func NewClient(cfg *config.BridgeConfig, logger *logrus.Logger) (*Client, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("跨链桥未启用")
	}

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 15 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	eth, err := ethclient.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("连接EVM节点失败: %w", err)
	}

	if !common.IsHexAddress(cfg.Contract) {
		eth.Close()
		return nil, fmt.Errorf("无效的桥合约地址: %s", cfg.Contract)
	}

	logger.Infof("跨链桥客户端已连接: %s, 合约: %s", cfg.Endpoint, cfg.Contract)

	return &Client{
		eth:      eth,
		contract: common.HexToAddress(cfg.Contract),
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// VerifyLockProof 验证对端链的锁定证明
// proofRef是桥合约上锁定交易的哈希：回执必须存在、执行成功且目标为桥合约
func (c *Client) VerifyLockProof(ctx context.Context, proofRef string) error {
	if !strings.HasPrefix(proofRef, "0x") || len(proofRef) != 66 {
		return tegerrors.ErrBridgeCallFailed.WithContext("reason", "证明引用不是合法的交易哈希")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	txHash := common.HexToHash(proofRef)

	receipt, err := c.eth.TransactionReceipt(callCtx, txHash)
	if err != nil {
		return tegerrors.WrapError(err, tegerrors.ErrorTypeBridge, tegerrors.SeverityHigh,
			"BRIDGE_CALL_FAILED", "查询锁定交易回执失败")
	}
	if receipt.Status != 1 {
		return tegerrors.ErrBridgeCallFailed.WithContext("reason", "锁定交易执行失败").
			WithContext("proof_ref", proofRef)
	}

	tx, _, err := c.eth.TransactionByHash(callCtx, txHash)
	if err != nil {
		return tegerrors.WrapError(err, tegerrors.ErrorTypeBridge, tegerrors.SeverityHigh,
			"BRIDGE_CALL_FAILED", "查询锁定交易失败")
	}
	if tx.To() == nil || *tx.To() != c.contract {
		return tegerrors.ErrBridgeCallFailed.WithContext("reason", "锁定交易目标不是桥合约").
			WithContext("proof_ref", proofRef)
	}

	c.logger.WithFields(logrus.Fields{
		"proof_ref": proofRef,
		"block":     receipt.BlockNumber,
	}).Info("锁定证明验证通过")
	return nil
}

// Close 关闭EVM连接
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}
