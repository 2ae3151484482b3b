package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"teg/internal/attestation"
	"teg/internal/auditor"
	"teg/internal/config"
	"teg/internal/dispute"
	"teg/internal/events"
	"teg/internal/ledger"
	"teg/internal/reputation"
	"teg/internal/staking"
	"teg/internal/token"
	"teg/pkg/models"
)

const testAdminToken = "test-admin-token"

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()

	cfg := config.GetDefaultConfig()
	cfg.Server.AdminToken = testAdminToken

	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	assert.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	publisher := events.NewNopPublisher()
	engine := token.NewEngine(store, publisher, models.ZeroAmount(), models.ZeroAmount(), logger)
	rep, err := reputation.NewEngine(store, cfg.Reputation, logger)
	assert.NoError(t, err)
	attest, err := attestation.NewModule(store, engine, rep, publisher, cfg.Attestation, logger)
	assert.NoError(t, err)
	disputes, err := dispute.NewManager(store, engine, rep, publisher, cfg.Dispute, logger)
	assert.NoError(t, err)
	aud, err := auditor.NewEngine(store, rep, publisher, cfg.Auditor, logger)
	assert.NoError(t, err)

	server := NewServer(cfg, Deps{
		Store:       store,
		Engine:      engine,
		Staking:     staking.NewManager(store, engine, logger),
		Distributor: staking.NewDistributor(store, engine, publisher, logger),
		Reputation:  rep,
		Attestation: attest,
		Disputes:    disputes,
		Auditor:     aud,
	}, logger)

	router := gin.New()
	server.setupRoutes(router)

	_, err = engine.Issue(models.TreasuryDID, models.AmountFromTokens(1000), "reward pool")
	assert.NoError(t, err)
	_, err = engine.Issue("did:teg:alice", models.AmountFromTokens(100), "init")
	assert.NoError(t, err)
	return server, router
}

func doRequest(router *gin.Engine, method, path, callerDID string, admin bool, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if callerDID != "" {
		req.Header.Set("Authorization", "Bearer "+callerDID)
	}
	if admin {
		req.Header.Set("X-Admin-Token", testAdminToken)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	_, router := newTestServer(t)

	w := doRequest(router, http.MethodGet, "/health", "", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_AuthRequired(t *testing.T) {
	_, router := newTestServer(t)

	w := doRequest(router, http.MethodGet, "/api/v1/token/balance", "", false, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_BalanceAndTransfer(t *testing.T) {
	_, router := newTestServer(t)

	w := doRequest(router, http.MethodGet, "/api/v1/token/balance", "did:teg:alice", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var balance struct {
		Balance string `json:"balance"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, "100", balance.Balance)

	w = doRequest(router, http.MethodPost, "/api/v1/token/transfer", "did:teg:alice", false, gin.H{
		"receiver_agent_id": "did:teg:bob",
		"amount":            "30",
		"message":           "测试转账",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/token/balance", "did:teg:bob", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, "30", balance.Balance)
}

func TestServer_TransferErrorMapping(t *testing.T) {
	_, router := newTestServer(t)

	// 余额不足 -> 400
	w := doRequest(router, http.MethodPost, "/api/v1/token/transfer", "did:teg:alice", false, gin.H{
		"receiver_agent_id": "did:teg:bob",
		"amount":            "5000",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 未知发送方 -> 404
	w = doRequest(router, http.MethodPost, "/api/v1/token/transfer", "did:teg:ghost", false, gin.H{
		"receiver_agent_id": "did:teg:bob",
		"amount":            "1",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_AdminEndpointsRequireToken(t *testing.T) {
	_, router := newTestServer(t)

	w := doRequest(router, http.MethodPost, "/api/v1/admin/credit", "did:teg:admin", false, gin.H{
		"agent_did": "did:teg:carol",
		"amount":    "10",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/credit", "did:teg:admin", true, gin.H{
		"agent_did": "did:teg:carol",
		"amount":    "10",
		"reason":    "测试发放",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_StakingFlow(t *testing.T) {
	_, router := newTestServer(t)

	w := doRequest(router, http.MethodPost, "/api/v1/staking/stake", "did:teg:alice", false, gin.H{
		"amount": "60",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var stake models.Stake
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &stake))
	assert.True(t, stake.Active)

	w = doRequest(router, http.MethodGet, "/api/v1/staking/balance", "did:teg:alice", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var info struct {
		TotalStaked string `json:"total_staked"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "60", info.TotalStaked)

	// 管理员触发奖励分配
	w = doRequest(router, http.MethodPost, "/api/v1/admin/rewards/distribute", "did:teg:admin", true, gin.H{
		"reward_percentage": "5",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var report models.RewardCycleReport
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "3", report.DistributedTotal.String())

	w = doRequest(router, http.MethodPost, "/api/v1/staking/unstake", "did:teg:alice", false, gin.H{
		"stake_id": stake.StakeID,
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_AttestationAndReputation(t *testing.T) {
	_, router := newTestServer(t)

	w := doRequest(router, http.MethodPost, "/api/v1/teg/attestations/submit", "did:teg:alice", false, gin.H{
		"attestation_type": "identity_verification",
		"content_hash":     "hash-1",
		"storage_pointer":  "s3://bucket/obj",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// 重复提交 -> 409
	w = doRequest(router, http.MethodPost, "/api/v1/teg/attestations/submit", "did:teg:alice", false, gin.H{
		"attestation_type": "identity_verification",
		"content_hash":     "hash-1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/teg/agents/did:teg:alice/reputation", "did:teg:alice", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var view struct {
		Score int64  `json:"reputation_score"`
		Tier  string `json:"tier"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "Novice", view.Tier)
	assert.Greater(t, view.Score, int64(0))
}

func TestServer_DisputeFlow(t *testing.T) {
	_, router := newTestServer(t)

	w := doRequest(router, http.MethodPost, "/api/v1/disputes", "did:teg:alice", false, gin.H{
		"defendant_agent_id": "did:teg:bob",
		"reason_code":        "non_delivery",
		"brief_description":  "服务未交付",
		"evidence_pointer":   "ipfs://evidence-1",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var d models.Dispute
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, models.DisputeStateOpen, d.State)
	assert.Len(t, d.Evidence, 1)

	// 非法迁移 -> 409
	w = doRequest(router, http.MethodPost, "/api/v1/disputes/"+d.DisputeID+"/advance", "did:teg:mod", true, gin.H{
		"to_state": models.DisputeStateAwaitingArbitration,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/disputes/"+d.DisputeID+"/advance", "did:teg:mod", true, gin.H{
		"to_state": models.DisputeStateUnderReview,
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/disputes/"+d.DisputeID+"/resolve", "did:teg:arb", true, gin.H{
		"outcome": models.OutcomeRespondentWins,
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/disputes/agent/did:teg:alice?role=disputer", "did:teg:alice", false, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Total int `json:"total"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
}
