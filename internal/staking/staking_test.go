package staking

import (
	"path/filepath"
	"testing"

	tegerrors "teg/internal/errors"
	"teg/internal/events"
	"teg/internal/ledger"
	"teg/internal/token"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type testEnv struct {
	store       *ledger.Store
	engine      *token.Engine
	manager     *Manager
	distributor *Distributor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	assert.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := token.NewEngine(store, events.NewNopPublisher(), models.ZeroAmount(), models.ZeroAmount(), logger)
	return &testEnv{
		store:       store,
		engine:      engine,
		manager:     NewManager(store, engine, logger),
		distributor: NewDistributor(store, engine, events.NewNopPublisher(), logger),
	}
}

func (e *testEnv) balance(t *testing.T, did string) string {
	t.Helper()
	info, err := e.engine.Balance(did)
	assert.NoError(t, err)
	return info.Balance.String()
}

func TestManager_StakeAndUnstake(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Issue("did:teg:alice", models.AmountFromTokens(500), "init")
	assert.NoError(t, err)

	stake, err := env.manager.Stake("did:teg:alice", models.AmountFromTokens(200), "")
	assert.NoError(t, err)
	assert.True(t, stake.Active)
	assert.Equal(t, "300", env.balance(t, "did:teg:alice"))
	assert.Equal(t, "200", env.balance(t, models.StakingPoolDID))

	info, err := env.engine.Balance("did:teg:alice")
	assert.NoError(t, err)
	assert.Equal(t, "200", info.Staked.String())

	got, err := env.manager.Unstake("did:teg:alice", stake.StakeID)
	assert.NoError(t, err)
	assert.False(t, got.Active)
	assert.NotNil(t, got.UnstakedAt)
	assert.Equal(t, "500", env.balance(t, "did:teg:alice"))
	assert.Equal(t, "0", env.balance(t, models.StakingPoolDID))
}

func TestManager_StakeInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Issue("did:teg:alice", models.AmountFromTokens(10), "init")
	assert.NoError(t, err)

	_, err = env.manager.Stake("did:teg:alice", models.AmountFromTokens(50), "")
	assert.Equal(t, "INSUFFICIENT_BALANCE", tegerrors.CodeOf(err))

	// 失败的质押不留下任何痕迹：余额不动，质押池账户未创建，没有质押记录
	assert.Equal(t, "10", env.balance(t, "did:teg:alice"))
	_, err = env.engine.Balance(models.StakingPoolDID)
	assert.Equal(t, "UNKNOWN_AGENT", tegerrors.CodeOf(err))
	status, err := env.manager.Status()
	assert.NoError(t, err)
	assert.Equal(t, 0, status.ActiveStakes)
}

func TestManager_StakeIdempotencyKeyReplay(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Issue("did:teg:alice", models.AmountFromTokens(500), "init")
	assert.NoError(t, err)

	first, err := env.manager.Stake("did:teg:alice", models.AmountFromTokens(200), "req-7f3a")
	assert.NoError(t, err)

	// 同一幂等键重放：返回首次创建的质押，不产生第二次转移
	second, err := env.manager.Stake("did:teg:alice", models.AmountFromTokens(200), "req-7f3a")
	assert.NoError(t, err)
	assert.Equal(t, first.StakeID, second.StakeID)
	assert.Equal(t, "300", env.balance(t, "did:teg:alice"))
	assert.Equal(t, "200", env.balance(t, models.StakingPoolDID))

	info, err := env.manager.AgentInfo("did:teg:alice")
	assert.NoError(t, err)
	assert.Len(t, info.Stakes, 1)

	// 不同的键正常创建新质押
	third, err := env.manager.Stake("did:teg:alice", models.AmountFromTokens(100), "req-9c01")
	assert.NoError(t, err)
	assert.NotEqual(t, first.StakeID, third.StakeID)
	assert.Equal(t, "300", env.balance(t, models.StakingPoolDID))
}

func TestManager_UnstakeWrongOwner(t *testing.T) {
	env := newTestEnv(t)

	_, _ = env.engine.Issue("did:teg:alice", models.AmountFromTokens(100), "init")
	stake, err := env.manager.Stake("did:teg:alice", models.AmountFromTokens(100), "")
	assert.NoError(t, err)

	_, err = env.manager.Unstake("did:teg:bob", stake.StakeID)
	assert.Equal(t, "STAKE_NOT_FOUND", tegerrors.CodeOf(err))

	// 重复解押
	_, err = env.manager.Unstake("did:teg:alice", stake.StakeID)
	assert.NoError(t, err)
	_, err = env.manager.Unstake("did:teg:alice", stake.StakeID)
	assert.Equal(t, "STAKE_NOT_ACTIVE", tegerrors.CodeOf(err))
}

func TestManager_DelegateOverDelegation(t *testing.T) {
	env := newTestEnv(t)

	_, _ = env.engine.Issue("did:teg:alice", models.AmountFromTokens(400), "init")
	_, _ = env.engine.Issue("did:teg:val", models.AmountFromTokens(1), "init")
	stake, err := env.manager.Stake("did:teg:alice", models.AmountFromTokens(400), "")
	assert.NoError(t, err)

	_, err = env.manager.Delegate("did:teg:alice", stake.StakeID, "did:teg:val",
		models.AmountFromTokens(300), models.AmountFromTokens(15))
	assert.NoError(t, err)

	// 累计委托超过质押金额
	_, err = env.manager.Delegate("did:teg:alice", stake.StakeID, "did:teg:val",
		models.AmountFromTokens(200), models.AmountFromTokens(15))
	assert.Equal(t, "OVER_DELEGATED", tegerrors.CodeOf(err))

	// 剩余额度内可以继续委托
	_, err = env.manager.Delegate("did:teg:alice", stake.StakeID, "did:teg:val",
		models.AmountFromTokens(100), models.AmountFromTokens(15))
	assert.NoError(t, err)
}

func TestManager_UnstakeDeactivatesDelegations(t *testing.T) {
	env := newTestEnv(t)

	_, _ = env.engine.Issue("did:teg:alice", models.AmountFromTokens(400), "init")
	_, _ = env.engine.Issue("did:teg:val", models.AmountFromTokens(1), "init")
	stake, _ := env.manager.Stake("did:teg:alice", models.AmountFromTokens(400), "")
	deleg, err := env.manager.Delegate("did:teg:alice", stake.StakeID, "did:teg:val",
		models.AmountFromTokens(200), models.AmountFromTokens(15))
	assert.NoError(t, err)

	_, err = env.manager.Unstake("did:teg:alice", stake.StakeID)
	assert.NoError(t, err)

	err = env.store.View(func(tx *ledger.Tx) error {
		d, err := tx.GetDelegation(deleg.DelegationID)
		assert.NoError(t, err)
		assert.False(t, d.Active)
		assert.NotNil(t, d.DeactivatedAt)
		return nil
	})
	assert.NoError(t, err)

	status, err := env.manager.Status()
	assert.NoError(t, err)
	assert.Equal(t, 0, status.ActiveStakes)
	assert.Equal(t, 0, status.ActiveDelegations)
}

func TestDistributor_ProportionalRewards(t *testing.T) {
	env := newTestEnv(t)

	_, _ = env.engine.Issue(models.TreasuryDID, models.AmountFromTokens(1000), "reward pool")
	_, _ = env.engine.Issue("did:teg:alice", models.AmountFromTokens(100), "init")
	_, _ = env.engine.Issue("did:teg:bob", models.AmountFromTokens(300), "init")

	_, err := env.manager.Stake("did:teg:alice", models.AmountFromTokens(100), "")
	assert.NoError(t, err)
	_, err = env.manager.Stake("did:teg:bob", models.AmountFromTokens(300), "")
	assert.NoError(t, err)

	// 25%的周期奖励按质押比例分配：100/400与300/400
	report, err := env.distributor.DistributeRewards(models.AmountFromTokens(25))
	assert.NoError(t, err)
	assert.Equal(t, "400", report.TotalStaked.String())
	assert.Equal(t, "100", report.TotalRewards.String())
	assert.Equal(t, "100", report.DistributedTotal.String())
	assert.Equal(t, 2, report.StakesPaid)
	assert.Empty(t, report.Failures)

	assert.Equal(t, "25", env.balance(t, "did:teg:alice"))
	assert.Equal(t, "75", env.balance(t, "did:teg:bob"))
	assert.Equal(t, "900", env.balance(t, models.TreasuryDID))

	// 守恒：分配只是国库到代理的内部转移
	sum, issued, burned, err := env.store.ConservationCheck()
	assert.NoError(t, err)
	assert.Equal(t, 0, sum.Cmp(issued.Sub(burned)))
}

func TestDistributor_DelegationSplit(t *testing.T) {
	env := newTestEnv(t)

	_, _ = env.engine.Issue(models.TreasuryDID, models.AmountFromTokens(1000), "reward pool")
	_, _ = env.engine.Issue("did:teg:alice", models.AmountFromTokens(400), "init")
	_, _ = env.engine.Issue("did:teg:val", models.AmountFromTokens(1), "init")

	stake, err := env.manager.Stake("did:teg:alice", models.AmountFromTokens(400), "")
	assert.NoError(t, err)
	_, err = env.manager.Delegate("did:teg:alice", stake.StakeID, "did:teg:val",
		models.AmountFromTokens(200), models.AmountFromTokens(15))
	assert.NoError(t, err)

	// 5%奖励：未委托200产出10归alice；委托200产出10，验证者分成15%即1.5，委托人得8.5
	report, err := env.distributor.DistributeRewards(models.AmountFromTokens(5))
	assert.NoError(t, err)
	assert.Equal(t, "20", report.DistributedTotal.String())
	assert.Equal(t, 1, report.StakesPaid)
	assert.Equal(t, 1, report.DelegationsPaid)
	assert.Empty(t, report.Failures)

	assert.Equal(t, "18.5", env.balance(t, "did:teg:alice"))
	assert.Equal(t, "2.5", env.balance(t, "did:teg:val"))
}

func TestDistributor_FailureIsolation(t *testing.T) {
	env := newTestEnv(t)

	// 国库只够支付部分奖励：先支付的质押成功，后面的记入失败明细
	_, _ = env.engine.Issue(models.TreasuryDID, models.AmountFromTokens(5), "reward pool")
	_, _ = env.engine.Issue("did:teg:alice", models.AmountFromTokens(100), "init")
	_, _ = env.engine.Issue("did:teg:bob", models.AmountFromTokens(100), "init")

	_, err := env.manager.Stake("did:teg:alice", models.AmountFromTokens(100), "")
	assert.NoError(t, err)
	_, err = env.manager.Stake("did:teg:bob", models.AmountFromTokens(100), "")
	assert.NoError(t, err)

	report, err := env.distributor.DistributeRewards(models.AmountFromTokens(5))
	assert.NoError(t, err)
	assert.Equal(t, 1, report.StakesPaid)
	assert.Len(t, report.Failures, 1)
	assert.Equal(t, "5", report.DistributedTotal.String())

	assert.Equal(t, "5", env.balance(t, "did:teg:alice"))
	assert.Equal(t, "0", env.balance(t, "did:teg:bob"))
}

func TestDistributor_FloorRoundingRemainderStaysInTreasury(t *testing.T) {
	env := newTestEnv(t)

	_, _ = env.engine.Issue(models.TreasuryDID, models.AmountFromTokens(10), "reward pool")
	// 1个基础单位的质押，任何百分比的奖励都取整为零
	_, _ = env.engine.Issue("did:teg:alice", models.MustParseAmount("0.000000000000000001"), "init")
	_, err := env.manager.Stake("did:teg:alice", models.MustParseAmount("0.000000000000000001"), "")
	assert.NoError(t, err)

	report, err := env.distributor.DistributeRewards(models.AmountFromTokens(5))
	assert.NoError(t, err)
	assert.Equal(t, "0", report.DistributedTotal.String())
	assert.Empty(t, report.Failures)
	assert.Equal(t, "10", env.balance(t, models.TreasuryDID))
}
