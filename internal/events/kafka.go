package events

import (
	"encoding/json"
	"fmt"
	"time"

	tegerrors "teg/internal/errors"
	"teg/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaPublisher Kafka事件发布器
type KafkaPublisher struct {
	logger   *logrus.Logger
	topics   map[string]string // 事件类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaPublisher 创建Kafka事件发布器
func NewKafkaPublisher(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaPublisher, error) {
	logger.Infof("初始化Kafka事件发布器，brokers: %v", brokers)

	// 账本事件不允许丢失，等待所有副本确认
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Timeout = 5 * time.Second
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")

	return &KafkaPublisher{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}, nil
}

// send 发送事件到Kafka，key保证同一实体的事件落在同一分区
func (k *KafkaPublisher) send(kind, defaultTopic, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	topic, exists := k.topics[kind]
	if !exists {
		topic = defaultTopic
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return tegerrors.WrapError(err, tegerrors.ErrorTypeKafka, tegerrors.SeverityHigh,
			"KAFKA_PRODUCE_FAILED", "Kafka消息发送失败")
	}

	k.logger.Debugf("事件已发送到Kafka topic '%s' (partition: %d, offset: %d)", topic, partition, offset)
	return nil
}

func (k *KafkaPublisher) PublishTransaction(tx *models.Transaction) error {
	if tx == nil {
		return nil
	}
	return k.send("transactions", "teg_transactions", tx.ReceiverDID, tx)
}

func (k *KafkaPublisher) PublishAttestation(a *models.AttestationLog) error {
	if a == nil {
		return nil
	}
	return k.send("attestations", "teg_attestations", a.AgentDID, a)
}

func (k *KafkaPublisher) PublishDispute(d *models.Dispute) error {
	if d == nil {
		return nil
	}
	return k.send("disputes", "teg_disputes", d.DisputeID, d)
}

func (k *KafkaPublisher) PublishFlag(f *models.AuditorFlag) error {
	if f == nil {
		return nil
	}
	return k.send("flags", "teg_auditor_flags", f.AgentDID, f)
}

func (k *KafkaPublisher) PublishRewardCycle(r *models.RewardCycleReport) error {
	if r == nil {
		return nil
	}
	return k.send("reward_cycles", "teg_reward_cycles", r.CycleID, r)
}

// Close 关闭生产者
func (k *KafkaPublisher) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
