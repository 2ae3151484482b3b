package reputation

import (
	"path/filepath"
	"testing"
	"time"

	"teg/internal/config"
	"teg/internal/ledger"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestEngine(t *testing.T) (*Engine, *ledger.Store) {
	t.Helper()
	logger := logrus.New()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	assert.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine, err := NewEngine(store, config.GetDefaultConfig().Reputation, logger)
	assert.NoError(t, err)
	return engine, store
}

func seedAgent(t *testing.T, store *ledger.Store, p *models.AgentProfile) {
	t.Helper()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Status = models.AgentStatusActive
	err := store.Update(func(tx *ledger.Tx) error {
		return tx.PutAgent(p)
	})
	assert.NoError(t, err)
}

func TestEngine_ScoreFromCounters(t *testing.T) {
	engine, store := newTestEngine(t)

	// 3次存证×10 + 20次成功×5 - 2次失败×3 = 124
	seedAgent(t, store, &models.AgentProfile{
		AgentDID:               "did:teg:alice",
		Balance:                models.ZeroAmount(),
		AttestationCount:       3,
		SuccessfulTransactions: 20,
		FailedTransactions:     2,
	})

	score, err := engine.Recompute("did:teg:alice")
	assert.NoError(t, err)
	assert.Equal(t, int64(124), score)

	view, err := engine.Query("did:teg:alice")
	assert.NoError(t, err)
	assert.Equal(t, int64(124), view.Score)
	assert.Equal(t, "Apprentice", view.Tier)

	p, err := store.GetAgent("did:teg:alice")
	assert.NoError(t, err)
	assert.Equal(t, int64(124), p.ReputationScore)
}

func TestEngine_ScoreNeverBelowFloor(t *testing.T) {
	engine, store := newTestEngine(t)

	seedAgent(t, store, &models.AgentProfile{
		AgentDID:           "did:teg:bad",
		Balance:            models.ZeroAmount(),
		FailedTransactions: 100,
		DisputesLost:       5,
	})

	score, err := engine.Recompute("did:teg:bad")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), score)

	view, err := engine.Query("did:teg:bad")
	assert.NoError(t, err)
	assert.Equal(t, "Novice", view.Tier)
	assert.Less(t, view.Factors.RawScore, float64(0))
}

func TestEngine_StakeBonusIsCapped(t *testing.T) {
	engine, store := newTestEngine(t)

	seedAgent(t, store, &models.AgentProfile{
		AgentDID: "did:teg:whale",
		Balance:  models.ZeroAmount(),
	})
	// 质押50000超过上限10000，加分按上限计算：10000×0.1 = 1000
	err := store.Update(func(tx *ledger.Tx) error {
		return tx.PutStake(&models.Stake{
			StakeID:  "stake-000000000001",
			AgentDID: "did:teg:whale",
			Amount:   models.AmountFromTokens(50000),
			Active:   true,
			StakedAt: time.Now(),
		})
	})
	assert.NoError(t, err)

	score, err := engine.Recompute("did:teg:whale")
	assert.NoError(t, err)
	assert.Equal(t, int64(1000), score)
}

func TestEngine_MonotonicInFactors(t *testing.T) {
	engine, store := newTestEngine(t)

	seedAgent(t, store, &models.AgentProfile{
		AgentDID:               "did:teg:alice",
		Balance:                models.ZeroAmount(),
		SuccessfulTransactions: 10,
	})
	before, err := engine.Recompute("did:teg:alice")
	assert.NoError(t, err)

	// 加分因子增加，分数不减
	seedAgent(t, store, &models.AgentProfile{
		AgentDID:               "did:teg:alice",
		Balance:                models.ZeroAmount(),
		SuccessfulTransactions: 10,
		AttestationCount:       1,
	})
	after, err := engine.Recompute("did:teg:alice")
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, after, before)

	// 扣分因子增加，分数不增
	seedAgent(t, store, &models.AgentProfile{
		AgentDID:               "did:teg:alice",
		Balance:                models.ZeroAmount(),
		SuccessfulTransactions: 10,
		AttestationCount:       1,
		DisputesLost:           1,
	})
	punished, err := engine.Recompute("did:teg:alice")
	assert.NoError(t, err)
	assert.LessOrEqual(t, punished, after)
}

func TestEngine_CriticalFlagPenalty(t *testing.T) {
	engine, store := newTestEngine(t)

	seedAgent(t, store, &models.AgentProfile{
		AgentDID:               "did:teg:alice",
		Balance:                models.ZeroAmount(),
		SuccessfulTransactions: 20, // 100分
	})
	err := store.Update(func(tx *ledger.Tx) error {
		return tx.PutFlag(&models.AuditorFlag{
			FlagID:    "flag-000000000001",
			AgentDID:  "did:teg:alice",
			RuleCode:  "tx_velocity",
			Severity:  models.FlagSeverityCritical,
			CreatedAt: time.Now(),
		})
	})
	assert.NoError(t, err)

	score, err := engine.Recompute("did:teg:alice")
	assert.NoError(t, err)
	assert.Equal(t, int64(50), score)
}

func TestEngine_SystemAccountsSkipped(t *testing.T) {
	engine, _ := newTestEngine(t)

	score, err := engine.Recompute(models.TreasuryDID)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), score)
}
