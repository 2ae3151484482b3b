package token

import (
	"path/filepath"
	"testing"

	tegerrors "teg/internal/errors"
	"teg/internal/events"
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

	engine := NewEngine(store, events.NewNopPublisher(), models.ZeroAmount(), models.ZeroAmount(), logger)
	return engine, store
}

func TestEngine_IssueAndTransfer(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Issue("did:teg:alice", models.AmountFromTokens(1000), "genesis grant")
	assert.NoError(t, err)

	result, err := engine.Transfer("did:teg:alice", "did:teg:bob",
		models.AmountFromTokens(100), models.ZeroAmount(), "首笔转账", "")
	assert.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, models.TxStatusCompleted, result.Transaction.Status)

	alice, err := engine.Balance("did:teg:alice")
	assert.NoError(t, err)
	assert.Equal(t, "900", alice.Balance.String())

	bob, err := engine.Balance("did:teg:bob")
	assert.NoError(t, err)
	assert.Equal(t, "100", bob.Balance.String())
}

func TestEngine_TransferFeeGoesToTreasury(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Issue("did:teg:alice", models.AmountFromTokens(100), "init")
	assert.NoError(t, err)

	_, err = engine.Transfer("did:teg:alice", "did:teg:bob",
		models.AmountFromTokens(10), models.MustParseAmount("0.5"), "", "")
	assert.NoError(t, err)

	alice, _ := engine.Balance("did:teg:alice")
	assert.Equal(t, "89.5", alice.Balance.String())

	treasury, err := engine.Balance(models.TreasuryDID)
	assert.NoError(t, err)
	assert.Equal(t, "0.5", treasury.Balance.String())
}

func TestEngine_InsufficientBalance(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Issue("did:teg:alice", models.AmountFromTokens(5), "init")
	assert.NoError(t, err)

	_, err = engine.Transfer("did:teg:alice", "did:teg:bob",
		models.AmountFromTokens(10), models.ZeroAmount(), "", "")
	assert.Error(t, err)
	assert.Equal(t, "INSUFFICIENT_BALANCE", tegerrors.CodeOf(err))

	// 余额不变，失败计数增加
	alice, _ := store.GetAgent("did:teg:alice")
	assert.Equal(t, "5", alice.Balance.String())
	assert.Equal(t, int64(1), alice.FailedTransactions)

	// 接收方档案不应因失败的转账被创建余额
	_, err = store.GetAgent("did:teg:bob")
	assert.Error(t, err)
}

func TestEngine_InvalidAmount(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Transfer("did:teg:alice", "did:teg:bob",
		models.ZeroAmount(), models.ZeroAmount(), "", "")
	assert.Equal(t, "INVALID_AMOUNT", tegerrors.CodeOf(err))

	_, err = engine.Transfer("did:teg:alice", "did:teg:bob",
		models.MustParseAmount("-1"), models.ZeroAmount(), "", "")
	assert.Equal(t, "INVALID_AMOUNT", tegerrors.CodeOf(err))

	// 给自己转账
	_, err = engine.Transfer("did:teg:alice", "did:teg:alice",
		models.AmountFromTokens(1), models.ZeroAmount(), "", "")
	assert.Equal(t, "INVALID_AMOUNT", tegerrors.CodeOf(err))
}

func TestEngine_UnknownSender(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Transfer("did:teg:ghost", "did:teg:bob",
		models.AmountFromTokens(1), models.ZeroAmount(), "", "")
	assert.Equal(t, "UNKNOWN_AGENT", tegerrors.CodeOf(err))
}

func TestEngine_IdempotentReplay(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Issue("did:teg:alice", models.AmountFromTokens(100), "init")
	assert.NoError(t, err)

	first, err := engine.Transfer("did:teg:alice", "did:teg:bob",
		models.AmountFromTokens(10), models.ZeroAmount(), "", "retry-key-1")
	assert.NoError(t, err)
	assert.False(t, first.Replayed)

	// 相同幂等键重放：返回原始结果，余额不再变化
	second, err := engine.Transfer("did:teg:alice", "did:teg:bob",
		models.AmountFromTokens(10), models.ZeroAmount(), "", "retry-key-1")
	assert.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.TransactionID, second.Transaction.TransactionID)

	alice, _ := engine.Balance("did:teg:alice")
	assert.Equal(t, "90", alice.Balance.String())
	bob, _ := engine.Balance("did:teg:bob")
	assert.Equal(t, "10", bob.Balance.String())
}

func TestEngine_BurnReducesSupply(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Issue("did:teg:alice", models.AmountFromTokens(100), "init")
	assert.NoError(t, err)
	_, err = engine.Burn("did:teg:alice", models.AmountFromTokens(40), "penalty")
	assert.NoError(t, err)

	alice, _ := engine.Balance("did:teg:alice")
	assert.Equal(t, "60", alice.Balance.String())

	sum, issued, burned, err := store.ConservationCheck()
	assert.NoError(t, err)
	assert.Equal(t, "100", issued.String())
	assert.Equal(t, "40", burned.String())
	assert.Equal(t, 0, sum.Cmp(issued.Sub(burned)))
}

func TestEngine_Conservation(t *testing.T) {
	engine, store := newTestEngine(t)

	// 一串增发/转账/销毁后守恒必须成立
	_, _ = engine.Issue("did:teg:a", models.AmountFromTokens(500), "init")
	_, _ = engine.Issue("did:teg:b", models.AmountFromTokens(300), "init")
	_, _ = engine.Transfer("did:teg:a", "did:teg:b", models.AmountFromTokens(120), models.MustParseAmount("1"), "", "")
	_, _ = engine.Transfer("did:teg:b", "did:teg:c", models.AmountFromTokens(77), models.MustParseAmount("1"), "", "")
	_, _ = engine.Burn("did:teg:c", models.AmountFromTokens(7), "burn")
	_, _ = engine.Move("did:teg:a", models.StakingPoolDID, models.AmountFromTokens(50), models.TxTypeTransfer, "stake")

	sum, issued, burned, err := store.ConservationCheck()
	assert.NoError(t, err)
	assert.Equal(t, 0, sum.Cmp(issued.Sub(burned)),
		"余额总和 %s 应等于 增发 %s - 销毁 %s", sum.String(), issued.String(), burned.String())
}

func TestEngine_FrozenAccountRejected(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Issue("did:teg:alice", models.AmountFromTokens(100), "init")
	assert.NoError(t, err)
	assert.NoError(t, store.FreezeAgent("did:teg:alice", "test"))

	_, err = engine.Transfer("did:teg:alice", "did:teg:bob",
		models.AmountFromTokens(1), models.ZeroAmount(), "", "")
	assert.Equal(t, "ACCOUNT_FROZEN", tegerrors.CodeOf(err))

	// 冻结账户仍可被查询
	info, err := engine.Balance("did:teg:alice")
	assert.NoError(t, err)
	assert.Equal(t, "100", info.Balance.String())
}

func TestEngine_PostCommitHookFires(t *testing.T) {
	engine, _ := newTestEngine(t)

	var seen []string
	engine.AddPostCommitHook(func(tx *models.Transaction) {
		seen = append(seen, tx.Type)
	})

	_, _ = engine.Issue("did:teg:alice", models.AmountFromTokens(10), "init")
	_, _ = engine.Transfer("did:teg:alice", "did:teg:bob", models.AmountFromTokens(1), models.ZeroAmount(), "", "")

	assert.Equal(t, []string{models.TxTypeIssuance, models.TxTypeTransfer}, seen)
}

func TestEngine_BridgeLockMovesToEscrow(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Issue("did:teg:alice", models.AmountFromTokens(100), "init")
	assert.NoError(t, err)

	tx, err := engine.BridgeLock("did:teg:alice", models.AmountFromTokens(30), "did:remote:bob")
	assert.NoError(t, err)
	assert.Equal(t, models.TxTypeBridgeLock, tx.Type)

	escrow, err := engine.Balance(models.BridgeDID)
	assert.NoError(t, err)
	assert.Equal(t, "30", escrow.Balance.String())
}
