package ledger

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	tegerrors "teg/internal/errors"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	assert.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_EnsureAgentCreatesProfile(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	err := store.Update(func(tx *Tx) error {
		p, err := tx.EnsureAgent("did:teg:alice", now)
		assert.NoError(t, err)
		assert.Equal(t, models.AgentStatusActive, p.Status)
		assert.True(t, p.Balance.IsZero())
		return nil
	})
	assert.NoError(t, err)

	p, err := store.GetAgent("did:teg:alice")
	assert.NoError(t, err)
	assert.Equal(t, "did:teg:alice", p.AgentDID)
}

func TestStore_UnknownAgent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetAgent("did:teg:ghost")
	assert.Error(t, err)
	assert.Equal(t, "UNKNOWN_AGENT", tegerrors.CodeOf(err))
}

func TestStore_NextIDIsOrdered(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	err := store.Update(func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			id, err := tx.NextID(TransactionsBucket, "tx")
			assert.NoError(t, err)
			ids = append(ids, id)
		}
		return nil
	})
	assert.NoError(t, err)

	assert.Equal(t, "tx-000000000001", ids[0])
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])
}

func TestStore_IdempotencyMapping(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(tx *Tx) error {
		id, _ := tx.IdempotencyGet("key-1")
		assert.Equal(t, "", id)
		return tx.IdempotencyPut("key-1", "tx-000000000009")
	})
	assert.NoError(t, err)

	err = store.View(func(tx *Tx) error {
		id, err := tx.IdempotencyGet("key-1")
		assert.NoError(t, err)
		assert.Equal(t, "tx-000000000009", id)
		return nil
	})
	assert.NoError(t, err)
}

func TestStore_AttestationDedup(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(tx *Tx) error {
		assert.False(t, tx.HasAttestationKey("did:teg:a", "identity", "hash1"))
		assert.NoError(t, tx.PutAttestationKey("did:teg:a", "identity", "hash1", "att-1"))
		assert.True(t, tx.HasAttestationKey("did:teg:a", "identity", "hash1"))
		// 相同哈希不同类型不冲突
		assert.False(t, tx.HasAttestationKey("did:teg:a", "capability", "hash1"))
		return nil
	})
	assert.NoError(t, err)
}

func TestStore_MetaAmounts(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(tx *Tx) error {
		assert.NoError(t, tx.AddMetaAmount(TotalIssuedKey, models.AmountFromTokens(100)))
		assert.NoError(t, tx.AddMetaAmount(TotalIssuedKey, models.AmountFromTokens(50)))
		return nil
	})
	assert.NoError(t, err)

	err = store.View(func(tx *Tx) error {
		issued, err := tx.MetaAmount(TotalIssuedKey)
		assert.NoError(t, err)
		assert.Equal(t, "150", issued.String())

		burned, err := tx.MetaAmount(TotalBurnedKey)
		assert.NoError(t, err)
		assert.True(t, burned.IsZero())
		return nil
	})
	assert.NoError(t, err)
}

func TestStore_LockAgentsOrderedNoDeadlock(t *testing.T) {
	store := newTestStore(t)

	// 两个方向相反的双账户锁请求并发执行，固定加锁顺序保证不会死锁
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := store.LockAgents("did:teg:a", "did:teg:b")
			time.Sleep(time.Microsecond)
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := store.LockAgents("did:teg:b", "did:teg:a")
			time.Sleep(time.Microsecond)
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("加锁顺序出现死锁")
	}
}

func TestStore_FreezeAgent(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(tx *Tx) error {
		_, err := tx.EnsureAgent("did:teg:bad", time.Now())
		return err
	})
	assert.NoError(t, err)

	assert.NoError(t, store.FreezeAgent("did:teg:bad", "负余额"))

	p, err := store.GetAgent("did:teg:bad")
	assert.NoError(t, err)
	assert.Equal(t, models.AgentStatusFrozen, p.Status)
	assert.False(t, p.CanMutate())
}
