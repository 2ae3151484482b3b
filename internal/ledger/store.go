package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"teg/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/ledger.db"

	// 存储桶名称
	AgentsBucket       = "agents"
	TransactionsBucket = "transactions"
	IdempotencyBucket  = "idempotency"
	StakesBucket       = "stakes"
	DelegationsBucket  = "delegations"
	AttestationsBucket = "attestations"
	AttestKeysBucket   = "attestation_keys"
	DisputesBucket     = "disputes"
	FlagsBucket        = "flags"
	MetaBucket         = "meta"

	// meta键
	TotalIssuedKey = "total_issued"
	TotalBurnedKey = "total_burned"
)

var allBuckets = []string{
	AgentsBucket, TransactionsBucket, IdempotencyBucket,
	StakesBucket, DelegationsBucket, AttestationsBucket, AttestKeysBucket,
	DisputesBucket, FlagsBucket, MetaBucket,
}

// Store 账本存储
// 以AgentProfile为互斥单元：余额变更前必须先按DID字典序获取涉及账户的锁，
// 再在单个bbolt事务内完成余额增减和交易记录追加
type Store struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string

	// 每个代理一把锁，锁表本身用mu保护
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open 打开账本数据库
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开账本数据库失败: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger,
		dbPath: dbPath,
		locks:  make(map[string]*sync.Mutex),
	}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化账本结构失败: %w", err)
	}

	logger.Infof("账本存储已初始化，数据库路径: %s", dbPath)
	return store, nil
}

// initBuckets 初始化存储桶
func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// agentLock 获取某个代理的锁对象
func (s *Store) agentLock(did string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, exists := s.locks[did]
	if !exists {
		l = &sync.Mutex{}
		s.locks[did] = l
	}
	return l
}

// LockAgents 按字典序锁定一组代理，返回解锁函数
// 固定的加锁顺序避免双账户操作（转账）之间的死锁
func (s *Store) LockAgents(dids ...string) func() {
	unique := make([]string, 0, len(dids))
	seen := make(map[string]bool, len(dids))
	for _, did := range dids {
		if did != "" && !seen[did] {
			seen[did] = true
			unique = append(unique, did)
		}
	}
	sort.Strings(unique)

	locked := make([]*sync.Mutex, 0, len(unique))
	for _, did := range unique {
		l := s.agentLock(did)
		l.Lock()
		locked = append(locked, l)
	}

	return func() {
		// 逆序解锁
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// Update 在单个写事务内执行域操作
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx, writable: true})
	})
}

// View 在快照读事务内执行域操作，不阻塞写入方以外的读取
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx, writable: false})
	})
}

// GetAgent 读取代理档案（快照读）
func (s *Store) GetAgent(did string) (*models.AgentProfile, error) {
	var profile *models.AgentProfile
	err := s.View(func(tx *Tx) error {
		p, err := tx.Agent(did)
		if err != nil {
			return err
		}
		profile = p
		return nil
	})
	return profile, err
}

// FreezeAgent 冻结账户（完整性违例时调用，停止该账户的后续变更）
func (s *Store) FreezeAgent(did, reason string) error {
	unlock := s.LockAgents(did)
	defer unlock()

	err := s.Update(func(tx *Tx) error {
		p, err := tx.Agent(did)
		if err != nil {
			return err
		}
		p.Status = models.AgentStatusFrozen
		return tx.PutAgent(p)
	})
	if err == nil {
		s.logger.WithFields(logrus.Fields{
			"agent_did": did,
			"reason":    reason,
		}).Error("账户已冻结，等待人工对账")
	}
	return err
}

// ConservationCheck 守恒校验：所有余额之和必须等于 总增发 - 总销毁
// 返回 (余额总和, 总增发, 总销毁)
func (s *Store) ConservationCheck() (models.Amount, models.Amount, models.Amount, error) {
	sum := models.ZeroAmount()
	issued := models.ZeroAmount()
	burned := models.ZeroAmount()

	err := s.View(func(tx *Tx) error {
		var err error
		if err = tx.ForEachAgent(func(p *models.AgentProfile) error {
			sum = sum.Add(p.Balance)
			return nil
		}); err != nil {
			return err
		}
		if issued, err = tx.MetaAmount(TotalIssuedKey); err != nil {
			return err
		}
		burned, err = tx.MetaAmount(TotalBurnedKey)
		return err
	})

	return sum, issued, burned, err
}
