package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"blockforge-node/core"
	"blockforge-node/logger"
	"blockforge-node/metrics"
)

type MiningAPI struct {
	blockchain *core.Blockchain
	miner      *core.Miner
	stats      *MiningStats
	mutex      sync.RWMutex
}

type MiningStats struct {
	IsActive    bool    `json:"isActive"`
	HashRate    float64 `json:"hashRate"`
	BlocksMined uint64  `json:"blocksMined"`
	StaleBlocks uint64  `json:"staleBlocks"`
	Difficulty  uint64  `json:"difficulty"`
	StartTime   int64   `json:"startTime"`
}

func NewMiningAPI(blockchain *core.Blockchain, miner *core.Miner) *MiningAPI {
	return &MiningAPI{
		blockchain: blockchain,
		miner:      miner,
		stats:      &MiningStats{},
	}
}

func (api *MiningAPI) StartHandler(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "POST")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.miner == nil {
		logger.Error("MiningAPI: miner not configured.")
		http.Error(w, "Miner not configured", http.StatusInternalServerError)
		return
	}
	if api.miner.IsRunning() {
		http.Error(w, "Mining already active", http.StatusConflict)
		return
	}
	if !api.blockchain.GetConsensusEngine().CanProduceBlock() {
		http.Error(w, "Consensus configuration does not allow block production on this node", http.StatusConflict)
		return
	}

	api.miner.Start()
	api.stats.IsActive = true
	api.stats.StartTime = time.Now().Unix()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Mining started successfully",
		"stats":   api.currentStats(),
	})
}

func (api *MiningAPI) StopHandler(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "POST")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	api.mutex.Lock()
	defer api.mutex.Unlock()

	if api.miner == nil || !api.miner.IsRunning() {
		http.Error(w, "Mining not active", http.StatusConflict)
		return
	}

	api.miner.Stop()
	api.stats.IsActive = false
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Mining stopped successfully",
	})
}

func (api *MiningAPI) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "GET")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	api.mutex.RLock()
	stats := api.currentStats()
	api.mutex.RUnlock()
	json.NewEncoder(w).Encode(stats)
}

func (api *MiningAPI) currentStats() MiningStats {
	stats := *api.stats
	if api.miner != nil {
		stats.IsActive = api.miner.IsRunning()
	}
	snapshot := metrics.GetMetrics().ToMap()
	stats.HashRate = metrics.GetMetrics().GetHashRate()
	if v, ok := snapshot["blocksMined"].(uint64); ok {
		stats.BlocksMined = v
	}
	if v, ok := snapshot["staleBlocks"].(uint64); ok {
		stats.StaleBlocks = v
	}
	if difficulty, err := api.blockchain.GetConsensusEngine().Difficulty(); err == nil {
		stats.Difficulty = difficulty
	}
	return stats
}
