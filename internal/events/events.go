package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"teg/internal/config"
	"teg/pkg/models"

	"github.com/sirupsen/logrus"
)

// Publisher 账本事件发布接口
// 交易完成、存证、争议和审计标记都会推送给下游（联邦层、风控、报表）
type Publisher interface {
	PublishTransaction(tx *models.Transaction) error
	PublishAttestation(a *models.AttestationLog) error
	PublishDispute(d *models.Dispute) error
	PublishFlag(f *models.AuditorFlag) error
	PublishRewardCycle(r *models.RewardCycleReport) error
	Close() error
}

// NewPublisher 根据配置创建事件发布器
func NewPublisher(cfg *config.EventsConfig, logger *logrus.Logger) (Publisher, error) {
	if cfg == nil {
		return NewNopPublisher(), nil
	}

	switch cfg.Format {
	case "kafka":
		brokers := cfg.Kafka.Brokers
		if env := os.Getenv("KAFKA_BROKERS"); env != "" {
			brokers = strings.Split(env, ",")
		}
		return NewKafkaPublisher(brokers, cfg.Kafka.Topics, logger)
	case "file":
		return NewFilePublisher(cfg.Directory, logger)
	case "none", "":
		return NewNopPublisher(), nil
	default:
		return nil, fmt.Errorf("不支持的事件输出格式: %s", cfg.Format)
	}
}

// NopPublisher 空发布器
type NopPublisher struct{}

// NewNopPublisher 创建空发布器
func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

func (n *NopPublisher) PublishTransaction(tx *models.Transaction) error { return nil }
func (n *NopPublisher) PublishAttestation(a *models.AttestationLog) error { return nil }
func (n *NopPublisher) PublishDispute(d *models.Dispute) error { return nil }
func (n *NopPublisher) PublishFlag(f *models.AuditorFlag) error { return nil }
func (n *NopPublisher) PublishRewardCycle(r *models.RewardCycleReport) error { return nil }
func (n *NopPublisher) Close() error { return nil }

// FilePublisher 文件发布器，每类事件一个JSONL文件
type FilePublisher struct {
	dir    string
	logger *logrus.Logger
	mu     sync.Mutex
	files  map[string]*os.File
}

// NewFilePublisher 创建文件发布器
func NewFilePublisher(dir string, logger *logrus.Logger) (*FilePublisher, error) {
	if dir == "" {
		dir = "./outputs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建事件输出目录失败: %w", err)
	}

	return &FilePublisher{
		dir:    dir,
		logger: logger,
		files:  make(map[string]*os.File),
	}, nil
}

// writeLine 追加一行JSON
func (f *FilePublisher) writeLine(kind string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, exists := f.files[kind]
	if !exists {
		path := filepath.Join(f.dir, fmt.Sprintf("%s_%s.jsonl", kind, time.Now().Format("20060102")))
		var err error
		file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("打开事件文件失败: %w", err)
		}
		f.files[kind] = file
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	_, err = file.Write(append(data, '\n'))
	return err
}

func (f *FilePublisher) PublishTransaction(tx *models.Transaction) error {
	return f.writeLine("transactions", tx)
}

func (f *FilePublisher) PublishAttestation(a *models.AttestationLog) error {
	return f.writeLine("attestations", a)
}

func (f *FilePublisher) PublishDispute(d *models.Dispute) error {
	return f.writeLine("disputes", d)
}

func (f *FilePublisher) PublishFlag(flag *models.AuditorFlag) error {
	return f.writeLine("flags", flag)
}

func (f *FilePublisher) PublishRewardCycle(r *models.RewardCycleReport) error {
	return f.writeLine("reward_cycles", r)
}

// Close 关闭所有事件文件
func (f *FilePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var lastErr error
	for kind, file := range f.files {
		if err := file.Close(); err != nil {
			f.logger.Errorf("关闭事件文件 %s 失败: %v", kind, err)
			lastErr = err
		}
	}
	f.files = make(map[string]*os.File)
	return lastErr
}
