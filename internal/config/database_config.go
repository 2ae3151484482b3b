package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器
// 经济参数和存证策略允许运维在线调整，存放在Postgres中
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// Overlay 把数据库中的配置叠加到已有配置上
func (dc *DatabaseConfig) Overlay(cfg *Config) error {
	if err := dc.loadEconomyParams(cfg); err != nil {
		return fmt.Errorf("加载经济参数失败: %w", err)
	}

	policies, err := dc.LoadPolicies()
	if err != nil {
		return fmt.Errorf("加载存证策略失败: %w", err)
	}
	if len(policies) > 0 {
		cfg.Attestation.Policies = policies
	}

	return nil
}

// loadEconomyParams 加载经济参数和声誉权重
func (dc *DatabaseConfig) loadEconomyParams(cfg *Config) error {
	query := `SELECT config_key, config_value FROM teg_config WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}

		switch key {
		case "transfer_fee":
			cfg.Economy.TransferFee = value
		case "min_transfer":
			cfg.Economy.MinTransfer = value
		case "dispute_bond_amount":
			cfg.Dispute.BondAmount = value
		case "stake_cap":
			cfg.Reputation.StakeCap = value
		case "min_score":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.Reputation.MinScore = v
			}
		case "weight_attestation":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.Reputation.WeightAttestation = v
			}
		case "weight_success":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.Reputation.WeightSuccess = v
			}
		case "weight_failure":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.Reputation.WeightFailure = v
			}
		case "weight_stake":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.Reputation.WeightStake = v
			}
		case "weight_flag":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.Reputation.WeightFlag = v
			}
		case "weight_dispute":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.Reputation.WeightDispute = v
			}
		default:
			dc.logger.Debugf("忽略未知配置项: %s", key)
		}
	}

	return rows.Err()
}

// LoadPolicies 从数据库加载存证奖励策略
func (dc *DatabaseConfig) LoadPolicies() ([]*PolicyConfig, error) {
	query := `SELECT code, reward_amount, params, require_zkp, is_active FROM attestation_policies ORDER BY code`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*PolicyConfig
	for rows.Next() {
		var p PolicyConfig
		var paramsRaw sql.NullString
		if err := rows.Scan(&p.Code, &p.RewardAmount, &paramsRaw, &p.RequireZKP, &p.Active); err != nil {
			return nil, err
		}

		// params列是schema-free的JSON键值对，目前只做合法性检查
		if paramsRaw.Valid && paramsRaw.String != "" {
			var params map[string]string
			if err := json.Unmarshal([]byte(paramsRaw.String), &params); err != nil {
				dc.logger.Warnf("策略 %s 的params不是合法JSON，已忽略: %v", p.Code, err)
			}
		}

		policies = append(policies, &p)
	}

	return policies, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	return dc.DB.Close()
}
