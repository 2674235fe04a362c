package health

import (
	"encoding/json"
	"net/http"
	"time"

	"blockforge-node/core"
	"blockforge-node/database"
)

// HealthChecker reports node liveness and readiness. Liveness only needs the
// process up; readiness additionally requires a chain head, a responsive
// database, and an active consensus engine.
type HealthChecker struct {
	blockchain *core.Blockchain
	db         database.Database
	startTime  time.Time
}

type status struct {
	Status    string            `json:"status"`
	UptimeSec int64             `json:"uptimeSec"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func NewHealthChecker(blockchain *core.Blockchain, db database.Database) *HealthChecker {
	return &HealthChecker{
		blockchain: blockchain,
		db:         db,
		startTime:  time.Now(),
	}
}

func (hc *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status{
		Status:    "ok",
		UptimeSec: int64(time.Since(hc.startTime).Seconds()),
	})
}

func (hc *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if hc.blockchain.GetCurrentBlock() == nil {
		checks["chain"] = "no chain head"
		ready = false
	} else {
		checks["chain"] = "ok"
	}

	if _, err := hc.db.Has([]byte("currentBlock")); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}

	if _, err := hc.blockchain.GetConsensusEngine().Info(); err != nil {
		checks["consensus"] = err.Error()
		ready = false
	} else {
		checks["consensus"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	result := status{
		Status:    "ready",
		UptimeSec: int64(time.Since(hc.startTime).Seconds()),
		Checks:    checks,
	}
	if !ready {
		result.Status = "not ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(result)
}
