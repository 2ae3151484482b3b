package auditor

import (
	"sync"
	"time"

	"teg/internal/config"
	tegerrors "teg/internal/errors"
	"teg/internal/events"
	"teg/internal/ledger"
	"teg/internal/reputation"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
)

// maxWindowEvents 单个代理活动窗口的事件数量上限
const maxWindowEvents = 1024

// Engine 审计规则引擎
// 维护每个代理的有界近期活动窗口，相关事件到达时对该代理跑全部规则；
// 命中critical规则会追加审计标记并同步重算声誉
type Engine struct {
	store      *ledger.Store
	reputation *reputation.Engine
	publisher  events.Publisher
	logger     *logrus.Logger

	window time.Duration
	rules  []Rule

	mu       sync.Mutex
	activity map[string][]Event
	lastFlag map[string]time.Time // agent|rule -> 最近一次标记时间
}

// NewEngine 创建审计引擎并注册内置规则
func NewEngine(store *ledger.Store, rep *reputation.Engine, publisher events.Publisher,
	cfg *config.AuditorConfig, logger *logrus.Logger) (*Engine, error) {

	window, err := time.ParseDuration(cfg.Window)
	if err != nil || window <= 0 {
		window = 10 * time.Minute
	}
	largeTransfer, err := models.ParseAmount(cfg.LargeTransferAmount)
	if err != nil {
		return nil, tegerrors.NewTEGError(tegerrors.ErrorTypeConfig, tegerrors.SeverityHigh,
			"INVALID_CONFIG", "无效的大额转账阈值: "+cfg.LargeTransferAmount)
	}

	e := &Engine{
		store:      store,
		reputation: rep,
		publisher:  publisher,
		logger:     logger,
		window:     window,
		activity:   make(map[string][]Event),
		lastFlag:   make(map[string]time.Time),
	}
	e.Register(&TxVelocityRule{MaxTx: cfg.MaxTxPerWindow})
	e.Register(&LargeTransferRule{Threshold: largeTransfer})
	e.Register(&AttestationBurstRule{MaxAttestations: cfg.MaxAttestPerWindow})
	e.Register(&DisputeChurnRule{MaxDisputes: cfg.MaxDisputesPerWindow})
	return e, nil
}

// Register 注册规则
func (e *Engine) Register(r Rule) {
	e.rules = append(e.rules, r)
	e.logger.Debugf("审计规则已注册: %s", r.Code())
}

// ObserveTransaction 交易提交后调用（发送方视角，系统账户和增发不计入）
func (e *Engine) ObserveTransaction(tx *models.Transaction) {
	if tx == nil || tx.SenderDID == "" || models.IsSystemAccount(tx.SenderDID) {
		return
	}
	e.observe(tx.SenderDID, Event{Kind: EventTransaction, Amount: tx.Amount, At: tx.CreatedAt})
}

// ObserveAttestation 存证记录后调用
func (e *Engine) ObserveAttestation(a *models.AttestationLog) {
	if a == nil {
		return
	}
	e.observe(a.AgentDID, Event{Kind: EventAttestation, At: a.CreatedAt})
}

// ObserveDispute 争议开启后调用（发起方视角）
func (e *Engine) ObserveDispute(d *models.Dispute) {
	if d == nil {
		return
	}
	e.observe(d.DisputerDID, Event{Kind: EventDispute, At: d.CreatedAt})
}

// observe 记录事件并评估全部规则
func (e *Engine) observe(agentDID string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	e.mu.Lock()
	window := append(e.activity[agentDID], ev)
	window = e.prune(window, ev.At)
	e.activity[agentDID] = window
	snapshot := make([]Event, len(window))
	copy(snapshot, window)
	e.mu.Unlock()

	for _, rule := range e.rules {
		violated, reason := rule.Evaluate(snapshot)
		if !violated {
			continue
		}
		e.flag(agentDID, rule, reason, ev.At)
	}
}

// prune 丢弃窗口外的事件并限制窗口长度
func (e *Engine) prune(window []Event, now time.Time) []Event {
	cutoff := now.Add(-e.window)
	start := 0
	for start < len(window) && window[start].At.Before(cutoff) {
		start++
	}
	window = window[start:]
	if len(window) > maxWindowEvents {
		window = window[len(window)-maxWindowEvents:]
	}
	return window
}

// flag 追加审计标记
// 同一代理同一规则在一个窗口期内只标记一次，避免标记风暴
func (e *Engine) flag(agentDID string, rule Rule, reason string, now time.Time) {
	key := agentDID + "|" + rule.Code()
	e.mu.Lock()
	if last, ok := e.lastFlag[key]; ok && now.Sub(last) < e.window {
		e.mu.Unlock()
		return
	}
	e.lastFlag[key] = now
	e.mu.Unlock()

	var flag *models.AuditorFlag
	err := e.store.Update(func(tx *ledger.Tx) error {
		id, err := tx.NextID(ledger.FlagsBucket, "flag")
		if err != nil {
			return err
		}
		flag = &models.AuditorFlag{
			FlagID:    id,
			AgentDID:  agentDID,
			RuleCode:  rule.Code(),
			Severity:  rule.Severity(),
			Reason:    reason,
			CreatedAt: now,
		}
		return tx.PutFlag(flag)
	})
	if err != nil {
		e.logger.Errorf("写入审计标记失败: %v", err)
		return
	}

	if err := e.publisher.PublishFlag(flag); err != nil {
		e.logger.Errorf("发布审计标记事件失败: %v", err)
	}
	if flag.Severity == models.FlagSeverityCritical {
		if _, err := e.reputation.Recompute(agentDID); err != nil {
			e.logger.Warnf("标记后重算声誉失败: %v", err)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"flag_id":  flag.FlagID,
		"agent":    agentDID,
		"rule":     rule.Code(),
		"severity": flag.Severity,
	}).Warn("审计规则命中")
}

// FlagsForAgent 查询某代理的审计标记
func (e *Engine) FlagsForAgent(agentDID string) ([]*models.AuditorFlag, error) {
	var flags []*models.AuditorFlag
	err := e.store.View(func(tx *ledger.Tx) error {
		got, err := tx.FlagsForAgent(agentDID)
		if err != nil {
			return err
		}
		flags = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flags, nil
}

// ResolveFlag 将标记置为已处理（critical扣分随之解除）
func (e *Engine) ResolveFlag(flagID string) error {
	var agentDID, severity string
	err := e.store.Update(func(tx *ledger.Tx) error {
		f, err := tx.GetFlag(flagID)
		if err != nil {
			return err
		}
		if f == nil {
			return tegerrors.NewTEGError(tegerrors.ErrorTypeNotFound, tegerrors.SeverityLow,
				"FLAG_NOT_FOUND", "审计标记不存在: "+flagID)
		}
		f.Resolved = true
		agentDID = f.AgentDID
		severity = f.Severity
		return tx.PutFlag(f)
	})
	if err != nil {
		return err
	}

	if severity == models.FlagSeverityCritical {
		if _, err := e.reputation.Recompute(agentDID); err != nil {
			e.logger.Warnf("标记解除后重算声誉失败: %v", err)
		}
	}
	e.logger.Infof("审计标记 %s 已解除", flagID)
	return nil
}
