package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.NotNil(t, cfg.Server)
	assert.Equal(t, 8100, cfg.Server.Port)
	assert.NotNil(t, cfg.Reputation)
	assert.Equal(t, int64(0), cfg.Reputation.MinScore)
	assert.Equal(t, 5, len(cfg.Reputation.Tiers))
	// 等级表必须升序
	for i := 1; i < len(cfg.Reputation.Tiers); i++ {
		assert.Greater(t, cfg.Reputation.Tiers[i].MinScore, cfg.Reputation.Tiers[i-1].MinScore)
	}
	assert.NotNil(t, cfg.Dispute)
	assert.Equal(t, "10", cfg.Dispute.BondAmount)
	assert.NotEmpty(t, cfg.Attestation.Policies)
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	cfg, err := LoadConfigFromFile("/nonexistent/config.yaml")
	assert.NoError(t, err)
	assert.Equal(t, 8100, cfg.Server.Port)
}

func TestLoadConfigFromFile_Override(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9000
  admin_token: secret
economy:
  transfer_fee: "0.5"
dispute:
  bond_amount: "25"
reputation:
  min_score: -100
  weight_success: 7
`
	assert.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfigFromFile(path)
	assert.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Server.AdminToken)
	assert.Equal(t, "0.5", cfg.Economy.TransferFee)
	assert.Equal(t, "25", cfg.Dispute.BondAmount)
	assert.Equal(t, int64(-100), cfg.Reputation.MinScore)
	assert.Equal(t, float64(7), cfg.Reputation.WeightSuccess)
	// 未覆盖的字段保持默认值
	assert.Equal(t, float64(10), cfg.Reputation.WeightAttestation)
}
