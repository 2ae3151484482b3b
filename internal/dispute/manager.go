package dispute

import (
	"math/big"
	"time"

	"teg/internal/config"
	tegerrors "teg/internal/errors"
	"teg/internal/events"
	"teg/internal/ledger"
	"teg/internal/reputation"
	"teg/internal/token"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
)

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
)

// transitions 状态机迁移表
// RESOLVED只能经由Resolve进入，超时路径到ABANDONED由SweepAbandoned走
var transitions = map[string][]string{
	models.DisputeStateOpen:                {models.DisputeStateUnderReview, models.DisputeStateRejected},
	models.DisputeStateUnderReview:         {models.DisputeStateAwaitingArbitration, models.DisputeStateRejected},
	models.DisputeStateAwaitingArbitration: {},
}

// canTransition 迁移是否合法
func canTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Manager 争议管理器
// 开启争议必须缴纳保证金并转入托管账户，裁决驱动保证金和补偿的清算：
// 败诉方保证金没收进国库，不退回
type Manager struct {
	store      *ledger.Store
	engine     *token.Engine
	reputation *reputation.Engine
	publisher  events.Publisher
	logger     *logrus.Logger

	bondAmount     models.Amount
	abandonTimeout time.Duration
}

// NewManager 创建争议管理器
func NewManager(store *ledger.Store, engine *token.Engine, rep *reputation.Engine,
	publisher events.Publisher, cfg *config.DisputeConfig, logger *logrus.Logger) (*Manager, error) {

	bond, err := models.ParseAmount(cfg.BondAmount)
	if err != nil || bond.Sign() <= 0 {
		return nil, tegerrors.NewTEGError(tegerrors.ErrorTypeConfig, tegerrors.SeverityHigh,
			"INVALID_CONFIG", "无效的争议保证金配置: "+cfg.BondAmount)
	}
	timeout, err := time.ParseDuration(cfg.AbandonTimeout)
	if err != nil || timeout <= 0 {
		timeout = 720 * time.Hour
	}

	return &Manager{
		store:          store,
		engine:         engine,
		reputation:     rep,
		publisher:      publisher,
		logger:         logger,
		bondAmount:     bond,
		abandonTimeout: timeout,
	}, nil
}

// BondAmount 当前保证金要求
func (m *Manager) BondAmount() models.Amount {
	return m.bondAmount
}

// Open 开启争议
// 保证金从发起方转入托管账户，余额不足时拒绝开启
func (m *Manager) Open(disputerDID, respondentDID, reasonCode, briefDescription, transactionRef string) (*models.Dispute, error) {
	if disputerDID == "" || respondentDID == "" || reasonCode == "" {
		return nil, tegerrors.NewTEGError(tegerrors.ErrorTypeValidation, tegerrors.SeverityLow,
			"INVALID_REQUEST", "disputer、respondent和reason_code不能为空")
	}
	if disputerDID == respondentDID {
		return nil, tegerrors.NewTEGError(tegerrors.ErrorTypeValidation, tegerrors.SeverityLow,
			"INVALID_REQUEST", "不允许对自己发起争议")
	}

	unlock := m.store.LockAgents(disputerDID, models.EscrowDID)
	defer unlock()

	// 保证金转移和争议记录在同一个账本事务内提交，
	// 不会出现保证金已入托管而争议记录缺失的中间状态
	now := time.Now()
	var dispute *models.Dispute
	var bondTx *models.Transaction
	err := m.store.Update(func(tx *ledger.Tx) error {
		var err error
		bondTx, err = m.engine.MoveTx(tx, disputerDID, models.EscrowDID, m.bondAmount, models.TxTypeTransfer, "争议保证金")
		if err != nil {
			return err
		}

		if _, err := tx.EnsureAgent(respondentDID, now); err != nil {
			return err
		}
		id, err := tx.NextID(ledger.DisputesBucket, "dispute")
		if err != nil {
			return err
		}
		dispute = &models.Dispute{
			DisputeID:        id,
			DisputerDID:      disputerDID,
			RespondentDID:    respondentDID,
			ReasonCode:       reasonCode,
			BriefDescription: briefDescription,
			TransactionRef:   transactionRef,
			BondAmount:       m.bondAmount,
			BondTxID:         bondTx.TransactionID,
			State:            models.DisputeStateOpen,
			Transitions: []models.DisputeTransition{
				{From: "", To: models.DisputeStateOpen, Actor: disputerDID, Timestamp: now},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.PutDispute(dispute)
	})
	if err := m.engine.FinishMove(bondTx, err); err != nil {
		if tegerrors.CodeOf(err) == "INSUFFICIENT_BALANCE" {
			return nil, tegerrors.ErrBondRequired.WithAgent(disputerDID).
				WithContext("bond_amount", m.bondAmount.String())
		}
		return nil, err
	}

	m.publish(dispute)
	m.logger.WithFields(logrus.Fields{
		"dispute_id": dispute.DisputeID,
		"disputer":   disputerDID,
		"respondent": respondentDID,
		"reason":     reasonCode,
		"bond":       m.bondAmount.String(),
	}).Info("争议已开启")
	return dispute, nil
}

// Get 读取争议
func (m *Manager) Get(disputeID string) (*models.Dispute, error) {
	var d *models.Dispute
	err := m.store.View(func(tx *ledger.Tx) error {
		got, err := tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		d = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Advance 推进争议状态（不含RESOLVED，裁决走Resolve）
// 迁移被拒绝时返回DisputeInvalidTransition，争议本身不变
func (m *Manager) Advance(disputeID, toState, actor string) (*models.Dispute, error) {
	var dispute *models.Dispute
	err := m.store.Update(func(tx *ledger.Tx) error {
		d, err := tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		if !canTransition(d.State, toState) {
			return tegerrors.ErrDisputeInvalidTransition.
				WithContext("dispute_id", disputeID).
				WithContext("from", d.State).
				WithContext("to", toState)
		}

		now := time.Now()
		d.Transitions = append(d.Transitions, models.DisputeTransition{
			From: d.State, To: toState, Actor: actor, Timestamp: now,
		})
		d.State = toState
		d.UpdatedAt = now
		dispute = d
		return tx.PutDispute(d)
	})
	if err != nil {
		return nil, err
	}

	// 被驳回的争议视为无效争议，保证金没收
	if dispute.State == models.DisputeStateRejected {
		if _, err := m.engine.Move(models.EscrowDID, models.TreasuryDID, dispute.BondAmount,
			models.TxTypeTransfer, "保证金没收 "+disputeID); err != nil {
			m.logger.Errorf("驳回争议 %s 的保证金没收失败: %v", disputeID, err)
		}
	}

	m.publish(dispute)
	m.logger.WithFields(logrus.Fields{
		"dispute_id": disputeID,
		"state":      dispute.State,
		"actor":      actor,
	}).Info("争议状态已推进")
	return dispute, nil
}

// Resolve 裁决争议
// 仅允许从UNDER_REVIEW或AWAITING_ARBITRATION进入RESOLVED：
//   - disputer_wins：保证金退回发起方，可附带从被诉方余额支付的补偿
//   - respondent_wins：保证金没收进国库
//   - split：保证金一半退回、一半没收
//
// 裁决后更新双方的胜诉/败诉计数并重算声誉
func (m *Manager) Resolve(disputeID, outcome, actor string, compensation models.Amount) (*models.Dispute, error) {
	switch outcome {
	case models.OutcomeDisputerWins, models.OutcomeRespondentWins, models.OutcomeSplit:
	default:
		return nil, tegerrors.NewTEGError(tegerrors.ErrorTypeValidation, tegerrors.SeverityLow,
			"INVALID_REQUEST", "无效的裁决结果: "+outcome)
	}
	if compensation.Sign() < 0 {
		return nil, tegerrors.ErrInvalidAmount.WithContext("compensation", compensation.String())
	}

	var dispute *models.Dispute
	err := m.store.Update(func(tx *ledger.Tx) error {
		d, err := tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		if d.State != models.DisputeStateUnderReview && d.State != models.DisputeStateAwaitingArbitration {
			return tegerrors.ErrDisputeInvalidTransition.
				WithContext("dispute_id", disputeID).
				WithContext("from", d.State).
				WithContext("to", models.DisputeStateResolved)
		}

		now := time.Now()
		d.Transitions = append(d.Transitions, models.DisputeTransition{
			From: d.State, To: models.DisputeStateResolved, Actor: actor, Timestamp: now,
		})
		d.State = models.DisputeStateResolved
		d.Outcome = outcome
		d.UpdatedAt = now
		d.ResolvedAt = &now
		dispute = d
		return tx.PutDispute(d)
	})
	if err != nil {
		return nil, err
	}

	m.settle(dispute, compensation)
	m.updateCounters(dispute)

	if _, err := m.reputation.Recompute(dispute.DisputerDID); err != nil {
		m.logger.Warnf("裁决后重算发起方声誉失败: %v", err)
	}
	if _, err := m.reputation.Recompute(dispute.RespondentDID); err != nil {
		m.logger.Warnf("裁决后重算被诉方声誉失败: %v", err)
	}

	m.publish(dispute)
	m.logger.WithFields(logrus.Fields{
		"dispute_id": disputeID,
		"outcome":    outcome,
		"actor":      actor,
	}).Info("争议已裁决")
	return dispute, nil
}

// settle 按裁决结果清算保证金和补偿
// 单笔清算失败记日志继续，不回滚已完成的裁决状态
func (m *Manager) settle(d *models.Dispute, compensation models.Amount) {
	move := func(from, to string, amount models.Amount, memo string) {
		if amount.Sign() <= 0 {
			return
		}
		if _, err := m.engine.Move(from, to, amount, models.TxTypeTransfer, memo); err != nil {
			m.logger.Errorf("争议 %s 清算失败 (%s -> %s): %v", d.DisputeID, from, to, err)
		}
	}

	switch d.Outcome {
	case models.OutcomeDisputerWins:
		move(models.EscrowDID, d.DisputerDID, d.BondAmount, "保证金退回 "+d.DisputeID)
		move(d.RespondentDID, d.DisputerDID, compensation, "争议补偿 "+d.DisputeID)
	case models.OutcomeRespondentWins:
		move(models.EscrowDID, models.TreasuryDID, d.BondAmount, "保证金没收 "+d.DisputeID)
	case models.OutcomeSplit:
		half := d.BondAmount.MulDiv(bigOne, bigTwo)
		move(models.EscrowDID, d.DisputerDID, half, "保证金部分退回 "+d.DisputeID)
		move(models.EscrowDID, models.TreasuryDID, d.BondAmount.Sub(half), "保证金部分没收 "+d.DisputeID)
	}
}

// updateCounters 更新双方胜诉/败诉计数（split不计胜负）
func (m *Manager) updateCounters(d *models.Dispute) {
	if d.Outcome == models.OutcomeSplit {
		return
	}
	winner, loser := d.DisputerDID, d.RespondentDID
	if d.Outcome == models.OutcomeRespondentWins {
		winner, loser = d.RespondentDID, d.DisputerDID
	}

	err := m.store.Update(func(tx *ledger.Tx) error {
		w, err := tx.Agent(winner)
		if err != nil {
			return err
		}
		w.DisputesWon++
		if err := tx.PutAgent(w); err != nil {
			return err
		}
		l, err := tx.Agent(loser)
		if err != nil {
			return err
		}
		l.DisputesLost++
		return tx.PutAgent(l)
	})
	if err != nil {
		m.logger.Errorf("更新争议 %s 的胜负计数失败: %v", d.DisputeID, err)
	}
}

// AddEvidence 追加证据引用，仅限争议双方、仅限非终态
func (m *Manager) AddEvidence(disputeID, submitterDID, pointer string) (*models.Dispute, error) {
	if pointer == "" {
		return nil, tegerrors.NewTEGError(tegerrors.ErrorTypeValidation, tegerrors.SeverityLow,
			"INVALID_REQUEST", "evidence_pointer不能为空")
	}

	var dispute *models.Dispute
	err := m.store.Update(func(tx *ledger.Tx) error {
		d, err := tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		if d.IsTerminal() {
			return tegerrors.ErrDisputeInvalidTransition.
				WithContext("dispute_id", disputeID).
				WithContext("from", d.State).
				WithContext("reason", "终态争议不接受证据")
		}
		if submitterDID != d.DisputerDID && submitterDID != d.RespondentDID {
			return tegerrors.NewTEGError(tegerrors.ErrorTypeValidation, tegerrors.SeverityLow,
				"INVALID_REQUEST", "仅争议双方可以提交证据")
		}

		now := time.Now()
		d.Evidence = append(d.Evidence, models.DisputeEvidence{
			SubmitterDID: submitterDID,
			Pointer:      pointer,
			SubmittedAt:  now,
		})
		d.UpdatedAt = now
		dispute = d
		return tx.PutDispute(d)
	})
	if err != nil {
		return nil, err
	}
	return dispute, nil
}

// SweepAbandoned 超时清扫
// 无活动超过配置时限的非终态争议置为ABANDONED，保证金没收进国库
func (m *Manager) SweepAbandoned(now time.Time) (int, error) {
	var expired []string
	err := m.store.View(func(tx *ledger.Tx) error {
		return tx.ForEachDispute(func(d *models.Dispute) error {
			if !d.IsTerminal() && now.Sub(d.UpdatedAt) > m.abandonTimeout {
				expired = append(expired, d.DisputeID)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, id := range expired {
		var dispute *models.Dispute
		err := m.store.Update(func(tx *ledger.Tx) error {
			d, err := tx.GetDispute(id)
			if err != nil {
				return err
			}
			if d.IsTerminal() {
				return nil
			}
			d.Transitions = append(d.Transitions, models.DisputeTransition{
				From: d.State, To: models.DisputeStateAbandoned, Actor: "system", Timestamp: now,
			})
			d.State = models.DisputeStateAbandoned
			d.UpdatedAt = now
			dispute = d
			return tx.PutDispute(d)
		})
		if err != nil {
			m.logger.Errorf("清扫争议 %s 失败: %v", id, err)
			continue
		}
		if dispute == nil {
			continue
		}
		if _, err := m.engine.Move(models.EscrowDID, models.TreasuryDID, dispute.BondAmount,
			models.TxTypeTransfer, "超时没收 "+id); err != nil {
			m.logger.Errorf("争议 %s 超时保证金没收失败: %v", id, err)
		}
		m.publish(dispute)
		swept++
	}

	if swept > 0 {
		m.logger.Infof("超时清扫完成，%d个争议置为ABANDONED", swept)
	}
	return swept, nil
}

// ListByAgent 按参与方查询争议，role为disputer/respondent/空（双向）
func (m *Manager) ListByAgent(agentDID, role string) ([]*models.Dispute, error) {
	var out []*models.Dispute
	err := m.store.View(func(tx *ledger.Tx) error {
		return tx.ForEachDispute(func(d *models.Dispute) error {
			switch role {
			case "disputer":
				if d.DisputerDID == agentDID {
					out = append(out, d)
				}
			case "respondent":
				if d.RespondentDID == agentDID {
					out = append(out, d)
				}
			default:
				if d.DisputerDID == agentDID || d.RespondentDID == agentDID {
					out = append(out, d)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) publish(d *models.Dispute) {
	if err := m.publisher.PublishDispute(d); err != nil {
		m.logger.Errorf("发布争议事件失败: %v", err)
	}
}
