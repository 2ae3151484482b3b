package config

import (
	"fmt"
	"os"

	"teg/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Server      *ServerConfig      `mapstructure:"server"`
	Ledger      *LedgerConfig      `mapstructure:"ledger"`
	Economy     *EconomyConfig     `mapstructure:"economy"`
	Reputation  *ReputationConfig  `mapstructure:"reputation"`
	Dispute     *DisputeConfig     `mapstructure:"dispute"`
	Attestation *AttestationConfig `mapstructure:"attestation"`
	Auditor     *AuditorConfig     `mapstructure:"auditor"`
	Events      *EventsConfig      `mapstructure:"events"`
	Bridge      *BridgeConfig      `mapstructure:"bridge"`
	Logging     *logging.LogConfig `mapstructure:"logging"`
}

// ServerConfig API服务配置
type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

// LedgerConfig 账本存储配置
type LedgerConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// EconomyConfig 经济参数配置
// 金额一律用十进制字符串，加载方负责解析
type EconomyConfig struct {
	TransferFee string `mapstructure:"transfer_fee"` // 每笔转账的固定手续费
	MinTransfer string `mapstructure:"min_transfer"` // 最小转账金额
}

// ReputationConfig 声誉引擎配置
// 权重和上限是注入参数，策略调整不需要重新部署打分逻辑
type ReputationConfig struct {
	WeightAttestation float64       `mapstructure:"weight_attestation"`
	WeightSuccess     float64       `mapstructure:"weight_success"`
	WeightFailure     float64       `mapstructure:"weight_failure"`
	WeightStake       float64       `mapstructure:"weight_stake"`
	WeightFlag        float64       `mapstructure:"weight_flag"`
	WeightDispute     float64       `mapstructure:"weight_dispute"`
	StakeCap          string        `mapstructure:"stake_cap"` // 质押加分上限（代币数）
	MinScore          int64         `mapstructure:"min_score"` // 分数下限
	Tiers             []*TierConfig `mapstructure:"tiers"`
}

// TierConfig 声誉等级（升序表）
type TierConfig struct {
	MinScore int64  `mapstructure:"min_score"`
	Name     string `mapstructure:"name"`
}

// DisputeConfig 争议配置
type DisputeConfig struct {
	BondAmount     string `mapstructure:"bond_amount"`     // 开启争议的保证金
	AbandonTimeout string `mapstructure:"abandon_timeout"` // 无活动超时，如 "720h"
}

// AttestationConfig 存证配置
type AttestationConfig struct {
	VerifierURL     string          `mapstructure:"verifier_url"` // 外部ZKP验证服务
	VerifierTimeout string          `mapstructure:"verifier_timeout"`
	Policies        []*PolicyConfig `mapstructure:"policies"`
}

// PolicyConfig 存证奖励策略配置
type PolicyConfig struct {
	Code         string `mapstructure:"code"`
	RewardAmount string `mapstructure:"reward_amount"`
	RequireZKP   bool   `mapstructure:"require_zkp"`
	Active       bool   `mapstructure:"active"`
}

// AuditorConfig 审计规则配置
type AuditorConfig struct {
	Window               string `mapstructure:"window"`                 // 活动窗口，如 "10m"
	MaxTxPerWindow       int    `mapstructure:"max_tx_per_window"`      // 窗口内交易次数阈值
	LargeTransferAmount  string `mapstructure:"large_transfer_amount"`  // 大额转账阈值
	MaxAttestPerWindow   int    `mapstructure:"max_attest_per_window"`  // 窗口内存证次数阈值
	MaxDisputesPerWindow int    `mapstructure:"max_disputes_per_window"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// EventsConfig 事件发布配置
type EventsConfig struct {
	Format    string       `mapstructure:"format"` // file | kafka | none
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// BridgeConfig 跨链桥配置
type BridgeConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // EVM节点RPC地址
	Contract string `mapstructure:"contract"` // 桥合约地址
	Timeout  string `mapstructure:"timeout"`
}

// LoadConfig 加载配置（自动检测配置源）
// 设置了TEG_DB_DSN时优先从数据库加载策略和经济参数
func LoadConfig(configPath string) (*Config, error) {
	cfg, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	dbDSN := os.Getenv("TEG_DB_DSN")
	if dbDSN == "" {
		return cfg, nil
	}

	logger := logrus.New()
	dbConfig, err := NewDatabaseConfig(dbDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("连接配置数据库失败: %w", err)
	}
	defer dbConfig.Close()

	if err := dbConfig.Overlay(cfg); err != nil {
		return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
	}

	logger.Info("已从数据库加载经济参数和存证策略")
	return cfg, nil
}

// LoadConfigFromFile 从文件加载配置
func LoadConfigFromFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		// 配置文件不存在时使用默认配置
		return GetDefaultConfig(), nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			Port:       8100,
			AdminToken: "",
		},
		Ledger: &LedgerConfig{
			DBPath: "./data/ledger.db",
		},
		Economy: &EconomyConfig{
			TransferFee: "0",
			MinTransfer: "0",
		},
		Reputation: &ReputationConfig{
			WeightAttestation: 10,
			WeightSuccess:     5,
			WeightFailure:     3,
			WeightStake:       0.1,
			WeightFlag:        50,
			WeightDispute:     25,
			StakeCap:          "10000",
			MinScore:          0,
			Tiers: []*TierConfig{
				{MinScore: 0, Name: "Novice"},
				{MinScore: 100, Name: "Apprentice"},
				{MinScore: 500, Name: "Journeyman"},
				{MinScore: 1500, Name: "Expert"},
				{MinScore: 5000, Name: "Master"},
			},
		},
		Dispute: &DisputeConfig{
			BondAmount:     "10",
			AbandonTimeout: "720h",
		},
		Attestation: &AttestationConfig{
			VerifierURL:     "",
			VerifierTimeout: "5s",
			Policies: []*PolicyConfig{
				{Code: "identity_verification", RewardAmount: "5", RequireZKP: false, Active: true},
				{Code: "capability_proof", RewardAmount: "10", RequireZKP: true, Active: true},
			},
		},
		Auditor: &AuditorConfig{
			Window:               "10m",
			MaxTxPerWindow:       50,
			LargeTransferAmount:  "100000",
			MaxAttestPerWindow:   20,
			MaxDisputesPerWindow: 5,
		},
		Events: &EventsConfig{
			Format:    "file",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"transactions":  "teg_transactions",
					"attestations":  "teg_attestations",
					"disputes":      "teg_disputes",
					"flags":         "teg_auditor_flags",
					"reward_cycles": "teg_reward_cycles",
				},
			},
		},
		Bridge: &BridgeConfig{
			Enabled: false,
			Timeout: "15s",
		},
		Logging: &logging.LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			Rotation:   false,
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 3,
		},
	}
}
