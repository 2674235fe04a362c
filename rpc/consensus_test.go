package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockforge-node/config"
	"blockforge-node/consensus"
	"blockforge-node/core"
)

func newTestBlockchain(t *testing.T) *core.Blockchain {
	t.Helper()
	cfg := &config.Config{
		DataDir:      t.TempDir(),
		ChainID:      1,
		BlockTxLimit: 16,
		Cache:        16,
		Handles:      16,
		Consensus: config.ConsensusConfig{
			Algorithm:          consensus.AlgorithmPoW,
			InitialDifficulty:  10,
			TargetBlockTimeMs:  30000,
			AdjustmentInterval: 5,
			MaxChangeFactor:    4.0,
			MinimumDifficulty:  1,
			Mining:             true,
		},
	}
	engine, err := consensus.NewEngine(cfg.Consensus.Algorithm, &cfg.Consensus)
	require.NoError(t, err)
	bc, err := core.NewBlockchain(cfg, engine)
	require.NoError(t, err)
	t.Cleanup(func() {
		bc.Close()
		engine.Terminate("test done")
	})
	return bc
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestConsensusInfoHandler(t *testing.T) {
	api := NewConsensusAPI(newTestBlockchain(t))

	rec := httptest.NewRecorder()
	api.InfoHandler(rec, httptest.NewRequest("GET", "/api/consensus/info", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "pow", body["algorithm"])
	assert.Equal(t, float64(10), body["difficulty"])
	assert.Equal(t, true, body["miningEnabled"])
}

func TestSetDifficultyHandler(t *testing.T) {
	api := NewConsensusAPI(newTestBlockchain(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/consensus/set-difficulty", strings.NewReader(`{"difficulty":50}`))
	api.SetDifficultyHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(50), body["difficulty"])

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/consensus/set-difficulty", strings.NewReader(`{"difficulty":0}`))
	api.SetDifficultyHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdjustHandler(t *testing.T) {
	api := NewConsensusAPI(newTestBlockchain(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/consensus/adjust", strings.NewReader(`{"window":5}`))
	api.AdjustHandler(rec, req)

	// A one-block chain has a degenerate window: success, difficulty unchanged.
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(10), body["difficulty"])
	assert.Equal(t, float64(1), body["window"])
}

func TestSwitchHandlerAppliesOverridesOverDefaults(t *testing.T) {
	bc := newTestBlockchain(t)
	api := NewConsensusAPI(bc)

	// Only the overridden fields differ from the defaults; the rest of the
	// consensus parameters must survive the partial body.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/consensus/switch",
		strings.NewReader(`{"algorithm":"pow","initial_difficulty":7,"mining":true}`))
	api.SwitchHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "pow", body["algorithm"])

	difficulty, err := bc.GetConsensusEngine().Difficulty()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), difficulty)
	assert.True(t, bc.GetConsensusEngine().CanProduceBlock())
}

func TestSwitchHandlerFailureLeavesEngineIntact(t *testing.T) {
	bc := newTestBlockchain(t)
	api := NewConsensusAPI(bc)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/consensus/switch",
		strings.NewReader(`{"algorithm":"does-not-exist"}`))
	api.SwitchHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/consensus/switch", strings.NewReader(`{}`))
	api.SwitchHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, "pow", bc.GetConsensusEngine().Algorithm())
	difficulty, err := bc.GetConsensusEngine().Difficulty()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), difficulty)
}
