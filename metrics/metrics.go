package metrics

import (
	"sync"
	"sync/atomic"
)

// Metrics collects process-wide counters exposed on the health server.
type Metrics struct {
	blockCount   uint64
	blocksMined  uint64
	staleBlocks  uint64
	txPoolSize   uint32
	hashRateMu   sync.RWMutex
	hashRate     float64
	peerCount    int32
	switchCount  uint64
	rejectedBlks uint64
}

var (
	instance *Metrics
	once     sync.Once
)

func GetMetrics() *Metrics {
	once.Do(func() {
		instance = &Metrics{}
	})
	return instance
}

func (m *Metrics) IncrementBlockCount()     { atomic.AddUint64(&m.blockCount, 1) }
func (m *Metrics) IncrementBlocksMined()    { atomic.AddUint64(&m.blocksMined, 1) }
func (m *Metrics) IncrementStaleBlocks()    { atomic.AddUint64(&m.staleBlocks, 1) }
func (m *Metrics) IncrementRejectedBlocks() { atomic.AddUint64(&m.rejectedBlks, 1) }
func (m *Metrics) IncrementSwitchCount()    { atomic.AddUint64(&m.switchCount, 1) }

func (m *Metrics) SetTransactionPoolSize(size uint32) {
	atomic.StoreUint32(&m.txPoolSize, size)
}

func (m *Metrics) SetPeerCount(count int32) {
	atomic.StoreInt32(&m.peerCount, count)
}

func (m *Metrics) SetHashRate(rate float64) {
	m.hashRateMu.Lock()
	m.hashRate = rate
	m.hashRateMu.Unlock()
}

func (m *Metrics) GetHashRate() float64 {
	m.hashRateMu.RLock()
	defer m.hashRateMu.RUnlock()
	return m.hashRate
}

// ToMap renders the current counters for the /metrics endpoint.
func (m *Metrics) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"blockCount":     atomic.LoadUint64(&m.blockCount),
		"blocksMined":    atomic.LoadUint64(&m.blocksMined),
		"staleBlocks":    atomic.LoadUint64(&m.staleBlocks),
		"rejectedBlocks": atomic.LoadUint64(&m.rejectedBlks),
		"consensusSwaps": atomic.LoadUint64(&m.switchCount),
		"txPoolSize":     atomic.LoadUint32(&m.txPoolSize),
		"peerCount":      atomic.LoadInt32(&m.peerCount),
		"hashRate":       m.GetHashRate(),
	}
}
