package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tegerrors "teg/internal/errors"
	"teg/pkg/models"

	bolt "go.etcd.io/bbolt"
)

// Tx 账本域事务
// 对bbolt事务的类型化封装，所有实体的读写都经过这里
type Tx struct {
	btx      *bolt.Tx
	writable bool
}

// get 读取并反序列化
func (t *Tx) get(bucket, key string, out interface{}) (bool, error) {
	b := t.btx.Bucket([]byte(bucket))
	if b == nil {
		return false, fmt.Errorf("存储桶 %s 不存在", bucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("反序列化 %s/%s 失败: %w", bucket, key, err)
	}
	return true, nil
}

// put 序列化并写入
func (t *Tx) put(bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化 %s/%s 失败: %w", bucket, key, err)
	}
	b := t.btx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("存储桶 %s 不存在", bucket)
	}
	return b.Put([]byte(key), data)
}

// NextID 生成带前缀的单调递增ID
// 零填充保证bbolt的字典序遍历即为创建顺序，奖励分配的确定性依赖这一点
func (t *Tx) NextID(bucket, prefix string) (string, error) {
	b := t.btx.Bucket([]byte(bucket))
	if b == nil {
		return "", fmt.Errorf("存储桶 %s 不存在", bucket)
	}
	seq, err := b.NextSequence()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%012d", prefix, seq), nil
}

// ---- 代理档案 ----

// Agent 读取代理档案，不存在时返回UnknownAgent
func (t *Tx) Agent(did string) (*models.AgentProfile, error) {
	var p models.AgentProfile
	found, err := t.get(AgentsBucket, did, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, tegerrors.ErrUnknownAgent.WithAgent(did)
	}
	return &p, nil
}

// HasAgent 代理是否存在
func (t *Tx) HasAgent(did string) bool {
	b := t.btx.Bucket([]byte(AgentsBucket))
	return b != nil && b.Get([]byte(did)) != nil
}

// EnsureAgent 读取或创建代理档案（首次经济交互时创建）
func (t *Tx) EnsureAgent(did string, now time.Time) (*models.AgentProfile, error) {
	var p models.AgentProfile
	found, err := t.get(AgentsBucket, did, &p)
	if err != nil {
		return nil, err
	}
	if found {
		return &p, nil
	}

	p = models.AgentProfile{
		AgentDID:       did,
		Balance:        models.ZeroAmount(),
		Status:         models.AgentStatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := t.put(AgentsBucket, did, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutAgent 写入代理档案
func (t *Tx) PutAgent(p *models.AgentProfile) error {
	return t.put(AgentsBucket, p.AgentDID, p)
}

// ForEachAgent 遍历所有代理档案
func (t *Tx) ForEachAgent(fn func(p *models.AgentProfile) error) error {
	b := t.btx.Bucket([]byte(AgentsBucket))
	return b.ForEach(func(k, v []byte) error {
		var p models.AgentProfile
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		return fn(&p)
	})
}

// ---- 交易记录 ----

// PutTransaction 写入交易记录
func (t *Tx) PutTransaction(tr *models.Transaction) error {
	return t.put(TransactionsBucket, tr.TransactionID, tr)
}

// GetTransaction 读取交易记录
func (t *Tx) GetTransaction(id string) (*models.Transaction, error) {
	var tr models.Transaction
	found, err := t.get(TransactionsBucket, id, &tr)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &tr, nil
}

// IdempotencyGet 幂等键查找，返回已提交的交易ID
func (t *Tx) IdempotencyGet(key string) (string, error) {
	b := t.btx.Bucket([]byte(IdempotencyBucket))
	if b == nil {
		return "", fmt.Errorf("存储桶 %s 不存在", IdempotencyBucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return "", nil
	}
	return string(data), nil
}

// IdempotencyPut 记录幂等键到交易ID的映射
func (t *Tx) IdempotencyPut(key, txID string) error {
	b := t.btx.Bucket([]byte(IdempotencyBucket))
	if b == nil {
		return fmt.Errorf("存储桶 %s 不存在", IdempotencyBucket)
	}
	return b.Put([]byte(key), []byte(txID))
}

// ---- 质押与委托 ----

// PutStake 写入质押记录
func (t *Tx) PutStake(s *models.Stake) error {
	return t.put(StakesBucket, s.StakeID, s)
}

// GetStake 读取质押记录
func (t *Tx) GetStake(id string) (*models.Stake, error) {
	var s models.Stake
	found, err := t.get(StakesBucket, id, &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, tegerrors.ErrStakeNotFound.WithContext("stake_id", id)
	}
	return &s, nil
}

// ForEachStake 按ID顺序遍历全部质押
func (t *Tx) ForEachStake(fn func(s *models.Stake) error) error {
	b := t.btx.Bucket([]byte(StakesBucket))
	return b.ForEach(func(k, v []byte) error {
		var s models.Stake
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		return fn(&s)
	})
}

// AgentStakedTotal 某代理当前活跃质押总额
func (t *Tx) AgentStakedTotal(did string) (models.Amount, error) {
	total := models.ZeroAmount()
	err := t.ForEachStake(func(s *models.Stake) error {
		if s.Active && s.AgentDID == did {
			total = total.Add(s.Amount)
		}
		return nil
	})
	return total, err
}

// PutDelegation 写入委托记录
func (t *Tx) PutDelegation(d *models.Delegation) error {
	return t.put(DelegationsBucket, d.DelegationID, d)
}

// GetDelegation 读取委托记录
func (t *Tx) GetDelegation(id string) (*models.Delegation, error) {
	var d models.Delegation
	found, err := t.get(DelegationsBucket, id, &d)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &d, nil
}

// ForEachDelegation 按ID顺序遍历全部委托
func (t *Tx) ForEachDelegation(fn func(d *models.Delegation) error) error {
	b := t.btx.Bucket([]byte(DelegationsBucket))
	return b.ForEach(func(k, v []byte) error {
		var d models.Delegation
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		return fn(&d)
	})
}

// DelegatedTotalForStake 某质押上的活跃委托总额
func (t *Tx) DelegatedTotalForStake(stakeID string) (models.Amount, error) {
	total := models.ZeroAmount()
	err := t.ForEachDelegation(func(d *models.Delegation) error {
		if d.Active && d.StakeID == stakeID {
			total = total.Add(d.Amount)
		}
		return nil
	})
	return total, err
}

// ---- 存证 ----

// PutAttestation 追加存证记录
func (t *Tx) PutAttestation(a *models.AttestationLog) error {
	return t.put(AttestationsBucket, a.AttestationID, a)
}

// attestationKey 代理+类型+内容哈希的去重键
func attestationKey(agentDID, attType, contentHash string) string {
	return strings.Join([]string{agentDID, attType, contentHash}, "|")
}

// HasAttestationKey 该内容哈希是否已被奖励过
func (t *Tx) HasAttestationKey(agentDID, attType, contentHash string) bool {
	b := t.btx.Bucket([]byte(AttestKeysBucket))
	return b != nil && b.Get([]byte(attestationKey(agentDID, attType, contentHash))) != nil
}

// PutAttestationKey 记录去重键
func (t *Tx) PutAttestationKey(agentDID, attType, contentHash, attestationID string) error {
	b := t.btx.Bucket([]byte(AttestKeysBucket))
	if b == nil {
		return fmt.Errorf("存储桶 %s 不存在", AttestKeysBucket)
	}
	return b.Put([]byte(attestationKey(agentDID, attType, contentHash)), []byte(attestationID))
}

// ---- 争议 ----

// PutDispute 写入争议记录
func (t *Tx) PutDispute(d *models.Dispute) error {
	return t.put(DisputesBucket, d.DisputeID, d)
}

// GetDispute 读取争议记录
func (t *Tx) GetDispute(id string) (*models.Dispute, error) {
	var d models.Dispute
	found, err := t.get(DisputesBucket, id, &d)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, tegerrors.ErrDisputeNotFound.WithContext("dispute_id", id)
	}
	return &d, nil
}

// ForEachDispute 按ID顺序遍历全部争议
func (t *Tx) ForEachDispute(fn func(d *models.Dispute) error) error {
	b := t.btx.Bucket([]byte(DisputesBucket))
	return b.ForEach(func(k, v []byte) error {
		var d models.Dispute
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		return fn(&d)
	})
}

// ---- 审计标记 ----

// PutFlag 写入审计标记
func (t *Tx) PutFlag(f *models.AuditorFlag) error {
	return t.put(FlagsBucket, f.FlagID, f)
}

// GetFlag 读取审计标记
func (t *Tx) GetFlag(id string) (*models.AuditorFlag, error) {
	var f models.AuditorFlag
	found, err := t.get(FlagsBucket, id, &f)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &f, nil
}

// CriticalFlagCount 某代理未解决的critical标记数（声誉扣分项）
func (t *Tx) CriticalFlagCount(did string) (int64, error) {
	var count int64
	b := t.btx.Bucket([]byte(FlagsBucket))
	err := b.ForEach(func(k, v []byte) error {
		var f models.AuditorFlag
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}
		if f.AgentDID == did && f.Severity == models.FlagSeverityCritical && !f.Resolved {
			count++
		}
		return nil
	})
	return count, err
}

// FlagsForAgent 某代理的全部审计标记
func (t *Tx) FlagsForAgent(did string) ([]*models.AuditorFlag, error) {
	var flags []*models.AuditorFlag
	b := t.btx.Bucket([]byte(FlagsBucket))
	err := b.ForEach(func(k, v []byte) error {
		var f models.AuditorFlag
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}
		if f.AgentDID == did {
			flags = append(flags, &f)
		}
		return nil
	})
	return flags, err
}

// ---- meta ----

// MetaAmount 读取meta金额（total_issued / total_burned）
func (t *Tx) MetaAmount(key string) (models.Amount, error) {
	b := t.btx.Bucket([]byte(MetaBucket))
	if b == nil {
		return models.Amount{}, fmt.Errorf("存储桶 %s 不存在", MetaBucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return models.ZeroAmount(), nil
	}
	return models.ParseAmount(string(data))
}

// SetMetaAmount 写入meta金额
func (t *Tx) SetMetaAmount(key string, a models.Amount) error {
	b := t.btx.Bucket([]byte(MetaBucket))
	if b == nil {
		return fmt.Errorf("存储桶 %s 不存在", MetaBucket)
	}
	return b.Put([]byte(key), []byte(a.String()))
}

// AddMetaAmount meta金额累加
func (t *Tx) AddMetaAmount(key string, delta models.Amount) error {
	cur, err := t.MetaAmount(key)
	if err != nil {
		return err
	}
	return t.SetMetaAmount(key, cur.Add(delta))
}
