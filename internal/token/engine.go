package token

import (
	"time"

	tegerrors "teg/internal/errors"
	"teg/internal/events"
	"teg/internal/ledger"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
)

// PostCommitHook 交易提交后的回调（声誉重算、审计规则评估）
type PostCommitHook func(tx *models.Transaction)

// Engine 交易引擎
// 所有余额变更的唯一入口：借记、贷记和交易记录追加在同一个账本事务内完成
type Engine struct {
	store     *ledger.Store
	publisher events.Publisher
	logger    *logrus.Logger

	transferFee models.Amount
	minTransfer models.Amount

	hooks []PostCommitHook
}

// NewEngine 创建交易引擎
func NewEngine(store *ledger.Store, publisher events.Publisher, transferFee, minTransfer models.Amount, logger *logrus.Logger) *Engine {
	return &Engine{
		store:       store,
		publisher:   publisher,
		logger:      logger,
		transferFee: transferFee,
		minTransfer: minTransfer,
	}
}

// AddPostCommitHook 注册提交后回调
func (e *Engine) AddPostCommitHook(hook PostCommitHook) {
	e.hooks = append(e.hooks, hook)
}

// TransferFee 当前转账手续费
func (e *Engine) TransferFee() models.Amount {
	return e.transferFee
}

// afterCommit 发布事件并执行回调
func (e *Engine) afterCommit(tx *models.Transaction) {
	if err := e.publisher.PublishTransaction(tx); err != nil {
		e.logger.Errorf("发布交易事件失败: %v", err)
	}
	for _, hook := range e.hooks {
		hook(tx)
	}
}

// checkIntegrity 读取时发现负余额属于致命的数据问题
// 这里只返回违例错误；冻结动作必须等当前账本事务回滚后由finishErr执行，
// bbolt同一时刻只允许一个写事务
func (e *Engine) checkIntegrity(p *models.AgentProfile) error {
	if p.Balance.Sign() < 0 {
		return tegerrors.ErrIntegrityViolation.WithAgent(p.AgentDID).
			WithContext("balance", p.Balance.String())
	}
	if !p.CanMutate() {
		return tegerrors.ErrAccountFrozen.WithAgent(p.AgentDID)
	}
	return nil
}

// finishErr 事务结束后的错误善后：完整性违例触发账户冻结
// 调用方此时仍持有涉及账户的锁，冻结不会与其它变更交错
func (e *Engine) finishErr(err error) error {
	if te, ok := tegerrors.AsTEGError(err); ok && te.Code == "INTEGRITY_VIOLATION" && te.AgentDID != nil {
		e.freeze(*te.AgentDID)
	}
	return err
}

// freeze 标记账户冻结（调用方已持有该账户的锁）
func (e *Engine) freeze(did string) {
	err := e.store.Update(func(tx *ledger.Tx) error {
		p, err := tx.Agent(did)
		if err != nil {
			return err
		}
		p.Status = models.AgentStatusFrozen
		return tx.PutAgent(p)
	})
	if err != nil {
		e.logger.Errorf("冻结账户 %s 失败: %v", did, err)
	} else {
		e.logger.WithFields(logrus.Fields{"agent_did": did}).Error("检测到完整性违例，账户已冻结")
	}
}

// Transfer 原子转账：借记发送方(amount+fee)、贷记接收方、手续费入国库、追加交易记录
// 幂等键命中时原样返回首次提交的结果，不重复生效
func (e *Engine) Transfer(senderDID, receiverDID string, amount, fee models.Amount, memo, idempotencyKey string) (*models.TransferResult, error) {
	if amount.Sign() <= 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(senderDID).WithContext("amount", amount.String())
	}
	if fee.Sign() < 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(senderDID).WithContext("fee", fee.String())
	}
	if !e.minTransfer.IsZero() && amount.Cmp(e.minTransfer) < 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(senderDID).
			WithContext("min_transfer", e.minTransfer.String())
	}
	if senderDID == receiverDID {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(senderDID).WithContext("reason", "不允许给自己转账")
	}

	unlock := e.store.LockAgents(senderDID, receiverDID, models.TreasuryDID)
	defer unlock()

	var record *models.Transaction
	var replayed bool
	var businessFailure bool

	err := e.store.Update(func(tx *ledger.Tx) error {
		// 幂等键检查必须在锁内，避免并发重放双重生效
		if idempotencyKey != "" {
			prevID, err := tx.IdempotencyGet(idempotencyKey)
			if err != nil {
				return err
			}
			if prevID != "" {
				prev, err := tx.GetTransaction(prevID)
				if err != nil {
					return err
				}
				record = prev
				replayed = true
				return nil
			}
		}

		now := time.Now()

		sender, err := tx.Agent(senderDID)
		if err != nil {
			return err
		}
		if err := e.checkIntegrity(sender); err != nil {
			return err
		}

		receiver, err := tx.EnsureAgent(receiverDID, now)
		if err != nil {
			return err
		}
		if !receiver.CanMutate() {
			return tegerrors.ErrAccountFrozen.WithAgent(receiverDID)
		}

		total := amount.Add(fee)
		if sender.Balance.Cmp(total) < 0 {
			businessFailure = true
			return tegerrors.ErrInsufficientBalance.WithAgent(senderDID).
				WithContext("balance", sender.Balance.String()).
				WithContext("required", total.String())
		}

		treasury, err := tx.EnsureAgent(models.TreasuryDID, now)
		if err != nil {
			return err
		}

		id, err := tx.NextID(ledger.TransactionsBucket, "tx")
		if err != nil {
			return err
		}

		sender.Balance = sender.Balance.Sub(total)
		sender.SuccessfulTransactions++
		sender.LastActivityAt = now

		receiver.Balance = receiver.Balance.Add(amount)
		receiver.SuccessfulTransactions++
		receiver.LastActivityAt = now

		if !fee.IsZero() {
			treasury.Balance = treasury.Balance.Add(fee)
			treasury.LastActivityAt = now
			if err := tx.PutAgent(treasury); err != nil {
				return err
			}
		}

		if err := tx.PutAgent(sender); err != nil {
			return err
		}
		if err := tx.PutAgent(receiver); err != nil {
			return err
		}

		completed := now
		record = &models.Transaction{
			TransactionID:  id,
			SenderDID:      senderDID,
			ReceiverDID:    receiverDID,
			Amount:         amount,
			FeeAmount:      fee,
			Type:           models.TxTypeTransfer,
			Status:         models.TxStatusCompleted,
			IdempotencyKey: idempotencyKey,
			Memo:           memo,
			CreatedAt:      now,
			CompletedAt:    &completed,
		}
		if err := tx.PutTransaction(record); err != nil {
			return err
		}
		if idempotencyKey != "" {
			if err := tx.IdempotencyPut(idempotencyKey, id); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		if businessFailure {
			e.recordFailure(senderDID)
		}
		return nil, e.finishErr(err)
	}

	if !replayed {
		e.logger.WithFields(logrus.Fields{
			"tx_id":    record.TransactionID,
			"sender":   senderDID,
			"receiver": receiverDID,
			"amount":   amount.String(),
			"fee":      fee.String(),
		}).Info("转账完成")
		e.afterCommit(record)
	}

	return &models.TransferResult{Transaction: record, Replayed: replayed}, nil
}

// recordFailure 业务失败计数（余额不足等），进入声誉扣分项
func (e *Engine) recordFailure(did string) {
	err := e.store.Update(func(tx *ledger.Tx) error {
		p, err := tx.Agent(did)
		if err != nil {
			return err
		}
		p.FailedTransactions++
		p.LastActivityAt = time.Now()
		return tx.PutAgent(p)
	})
	if err != nil {
		e.logger.Warnf("记录失败交易计数失败: %v", err)
	}
}

// Issue 增发：无发送方，绕过余额检查，但仍产生可审计的交易记录
func (e *Engine) Issue(receiverDID string, amount models.Amount, reason string) (*models.Transaction, error) {
	return e.mint(receiverDID, amount, models.TxTypeIssuance, reason)
}

// mint 增发的公共实现（issuance与bridge_mint共用）
func (e *Engine) mint(receiverDID string, amount models.Amount, txType, reason string) (*models.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(receiverDID).WithContext("amount", amount.String())
	}

	unlock := e.store.LockAgents(receiverDID)
	defer unlock()

	var record *models.Transaction
	err := e.store.Update(func(tx *ledger.Tx) error {
		now := time.Now()

		receiver, err := tx.EnsureAgent(receiverDID, now)
		if err != nil {
			return err
		}
		if !receiver.CanMutate() {
			return tegerrors.ErrAccountFrozen.WithAgent(receiverDID)
		}

		id, err := tx.NextID(ledger.TransactionsBucket, "tx")
		if err != nil {
			return err
		}

		receiver.Balance = receiver.Balance.Add(amount)
		receiver.LastActivityAt = now
		if err := tx.PutAgent(receiver); err != nil {
			return err
		}
		if err := tx.AddMetaAmount(ledger.TotalIssuedKey, amount); err != nil {
			return err
		}

		completed := now
		record = &models.Transaction{
			TransactionID: id,
			ReceiverDID:   receiverDID,
			Amount:        amount,
			FeeAmount:     models.ZeroAmount(),
			Type:          txType,
			Status:        models.TxStatusCompleted,
			Memo:          reason,
			CreatedAt:     now,
			CompletedAt:   &completed,
		}
		return tx.PutTransaction(record)
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"tx_id":    record.TransactionID,
		"receiver": receiverDID,
		"amount":   amount.String(),
		"type":     txType,
	}).Info("增发完成")
	e.afterCommit(record)
	return record, nil
}

// Burn 销毁：从代理余额中扣除并计入总销毁量
func (e *Engine) Burn(agentDID string, amount models.Amount, reason string) (*models.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(agentDID).WithContext("amount", amount.String())
	}

	unlock := e.store.LockAgents(agentDID)
	defer unlock()

	var record *models.Transaction
	err := e.store.Update(func(tx *ledger.Tx) error {
		now := time.Now()

		agent, err := tx.Agent(agentDID)
		if err != nil {
			return err
		}
		if err := e.checkIntegrity(agent); err != nil {
			return err
		}
		if agent.Balance.Cmp(amount) < 0 {
			return tegerrors.ErrInsufficientBalance.WithAgent(agentDID).
				WithContext("balance", agent.Balance.String())
		}

		id, err := tx.NextID(ledger.TransactionsBucket, "tx")
		if err != nil {
			return err
		}

		agent.Balance = agent.Balance.Sub(amount)
		agent.LastActivityAt = now
		if err := tx.PutAgent(agent); err != nil {
			return err
		}
		if err := tx.AddMetaAmount(ledger.TotalBurnedKey, amount); err != nil {
			return err
		}

		completed := now
		record = &models.Transaction{
			TransactionID: id,
			SenderDID:     agentDID,
			ReceiverDID:   agentDID,
			Amount:        amount,
			FeeAmount:     models.ZeroAmount(),
			Type:          models.TxTypeBurn,
			Status:        models.TxStatusCompleted,
			Memo:          reason,
			CreatedAt:     now,
			CompletedAt:   &completed,
		}
		return tx.PutTransaction(record)
	})
	if err != nil {
		return nil, e.finishErr(err)
	}

	e.logger.WithFields(logrus.Fields{
		"tx_id":  record.TransactionID,
		"agent":  agentDID,
		"amount": amount.String(),
	}).Info("销毁完成")
	e.afterCommit(record)
	return record, nil
}

// Move 内部原子转移（质押入池、保证金入托管、裁决清算），不收手续费不计成功计数
// txType决定记录类型，调用方负责传入正确的语义
func (e *Engine) Move(senderDID, receiverDID string, amount models.Amount, txType, memo string) (*models.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(senderDID).WithContext("amount", amount.String())
	}

	unlock := e.store.LockAgents(senderDID, receiverDID)
	defer unlock()

	return e.moveLocked(senderDID, receiverDID, amount, txType, memo)
}

// MoveLocked 与Move相同但不加锁，供已持有涉及账户锁的调用方使用（奖励分配循环）
func (e *Engine) MoveLocked(senderDID, receiverDID string, amount models.Amount, txType, memo string) (*models.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(senderDID).WithContext("amount", amount.String())
	}
	return e.moveLocked(senderDID, receiverDID, amount, txType, memo)
}

func (e *Engine) moveLocked(senderDID, receiverDID string, amount models.Amount, txType, memo string) (*models.Transaction, error) {
	var record *models.Transaction
	err := e.store.Update(func(tx *ledger.Tx) error {
		var err error
		record, err = e.MoveTx(tx, senderDID, receiverDID, amount, txType, memo)
		return err
	})
	if err := e.FinishMove(record, err); err != nil {
		return nil, err
	}
	return record, nil
}

// MoveTx 在调用方的账本事务内执行内部转移
// 余额变更、交易记录和调用方自己的域记录（质押、争议、存证）落在同一个提交点，
// 事务回滚时一并消失，不会出现转移已生效而域记录缺失的中间状态。
// 调用方负责持有涉及账户的锁，并在事务结束后调用FinishMove善后
func (e *Engine) MoveTx(tx *ledger.Tx, senderDID, receiverDID string, amount models.Amount, txType, memo string) (*models.Transaction, error) {
	if amount.Sign() <= 0 {
		return nil, tegerrors.ErrInvalidAmount.WithAgent(senderDID).WithContext("amount", amount.String())
	}

	now := time.Now()

	sender, err := tx.Agent(senderDID)
	if err != nil {
		return nil, err
	}
	// 系统账户（国库、质押池、托管）不参与冻结检查
	if !models.IsSystemAccount(senderDID) {
		if err := e.checkIntegrity(sender); err != nil {
			return nil, err
		}
	}
	if sender.Balance.Cmp(amount) < 0 {
		return nil, tegerrors.ErrInsufficientBalance.WithAgent(senderDID).
			WithContext("balance", sender.Balance.String()).
			WithContext("required", amount.String())
	}

	receiver, err := tx.EnsureAgent(receiverDID, now)
	if err != nil {
		return nil, err
	}

	id, err := tx.NextID(ledger.TransactionsBucket, "tx")
	if err != nil {
		return nil, err
	}

	sender.Balance = sender.Balance.Sub(amount)
	sender.LastActivityAt = now
	receiver.Balance = receiver.Balance.Add(amount)
	receiver.LastActivityAt = now

	if err := tx.PutAgent(sender); err != nil {
		return nil, err
	}
	if err := tx.PutAgent(receiver); err != nil {
		return nil, err
	}

	completed := now
	record := &models.Transaction{
		TransactionID: id,
		SenderDID:     senderDID,
		ReceiverDID:   receiverDID,
		Amount:        amount,
		FeeAmount:     models.ZeroAmount(),
		Type:          txType,
		Status:        models.TxStatusCompleted,
		Memo:          memo,
		CreatedAt:     now,
		CompletedAt:   &completed,
	}
	if err := tx.PutTransaction(record); err != nil {
		return nil, err
	}
	return record, nil
}

// FinishMove 外部事务结束后的善后
// 失败路径处理完整性冻结；成功路径发布事件并触发回调。
// record为nil（事务未执行转移）时成功路径不发布任何事件
func (e *Engine) FinishMove(record *models.Transaction, err error) error {
	if err != nil {
		return e.finishErr(err)
	}
	if record != nil {
		e.afterCommit(record)
	}
	return nil
}

// BalanceInfo 余额查询结果
type BalanceInfo struct {
	AgentDID  string        `json:"agent_did"`
	Balance   models.Amount `json:"balance"`
	Staked    models.Amount `json:"staked_amount"`
	Available models.Amount `json:"available_amount"`
}

// Balance 查询余额、质押额和可用额（快照读，不阻塞写入）
func (e *Engine) Balance(agentDID string) (*BalanceInfo, error) {
	info := &BalanceInfo{AgentDID: agentDID}
	err := e.store.View(func(tx *ledger.Tx) error {
		p, err := tx.Agent(agentDID)
		if err != nil {
			return err
		}
		staked, err := tx.AgentStakedTotal(agentDID)
		if err != nil {
			return err
		}
		info.Balance = p.Balance
		info.Staked = staked
		info.Available = p.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
