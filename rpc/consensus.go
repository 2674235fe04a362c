package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"blockforge-node/config"
	consensuspkg "blockforge-node/consensus"
	"blockforge-node/core"
	"blockforge-node/logger"
)

// ConsensusAPI exposes the consensus engine over REST: inspection, manual
// difficulty control, retargeting, and algorithm hot-swap.
type ConsensusAPI struct {
	blockchain *core.Blockchain
}

func NewConsensusAPI(blockchain *core.Blockchain) *ConsensusAPI {
	return &ConsensusAPI{blockchain: blockchain}
}

func (api *ConsensusAPI) InfoHandler(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "GET")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	info, err := api.blockchain.GetConsensusEngine().Info()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(info)
}

func (api *ConsensusAPI) DifficultyHandler(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "GET")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	difficulty, err := api.blockchain.GetConsensusEngine().Difficulty()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"difficulty": difficulty,
	})
}

func (api *ConsensusAPI) SetDifficultyHandler(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "POST")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req struct {
		Difficulty uint64 `json:"difficulty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Difficulty == 0 {
		http.Error(w, "difficulty must be positive", http.StatusBadRequest)
		return
	}

	engine := api.blockchain.GetConsensusEngine()
	if err := engine.SetDifficulty(req.Difficulty); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	difficulty, _ := engine.Difficulty()
	logger.Infof("Difficulty manually set to %d via RPC", difficulty)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    true,
		"difficulty": difficulty,
	})
}

// AdjustHandler triggers a retarget from the most recent headers.
func (api *ConsensusAPI) AdjustHandler(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "POST")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req struct {
		Window int `json:"window"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Window <= 0 {
		req.Window = 10
	}

	headers := api.blockchain.RecentHeaders(req.Window)
	next, err := api.blockchain.GetConsensusEngine().AdjustDifficulty(headers)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    true,
		"difficulty": next,
		"window":     len(headers),
	})
}

// SwitchHandler hot-swaps the consensus algorithm. The request body carries
// the new algorithm name and any config overrides; omitted fields fall back
// to defaults. A failed switch leaves the active algorithm untouched and the
// error names the algorithm that could not be installed.
func (api *ConsensusAPI) SwitchHandler(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "POST")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	cfg := config.DefaultConfig.Consensus
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}
	if cfg.Algorithm == "" {
		http.Error(w, "algorithm is required", http.StatusBadRequest)
		return
	}

	engine := api.blockchain.GetConsensusEngine()
	if err := engine.SwitchConsensus(cfg.Algorithm, &cfg); err != nil {
		status := http.StatusInternalServerError
		var switchErr *consensuspkg.SwitchError
		if errors.As(err, &switchErr) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	info, _ := engine.Info()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"algorithm": engine.Algorithm(),
		"info":      info,
	})
}
