package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"blockforge-node/consensus"
	"blockforge-node/interfaces"
	"blockforge-node/logger"
	"blockforge-node/metrics"
)

// ChainBackend is the chain surface the mining coordinator needs. Satisfied
// by *Blockchain.
type ChainBackend interface {
	GetCurrentBlock() *Block
	AddBlock(block *Block) error
	SubscribeHead() <-chan *Block
	RecentHeaders(n int) []interfaces.BlockHeaderConsensusItf
	GetMempool() *Mempool
}

// ConsensusBackend is the engine surface the coordinator needs. Satisfied by
// *consensus.Engine.
type ConsensusBackend interface {
	CanProduceBlock() bool
	Difficulty() (uint64, error)
	MineBlock(ctx context.Context, block interfaces.BlockConsensusItf) error
	UpdateState(block interfaces.BlockConsensusItf) error
	AdjustDifficulty(window []interfaces.BlockHeaderConsensusItf) (uint64, error)
}

// Broadcaster announces committed blocks to peers. Nil-safe: a coordinator
// without a network still mines.
type Broadcaster interface {
	Announce(block *Block)
}

// Miner drives block production: it builds templates from the chain head and
// mempool, runs the engine's mining search, and commits the result. Mining
// against a head that moved is wasted work, so a head watcher cancels the
// in-flight search as soon as the parent goes stale, and a second check after
// the search catches the race where the head moved between solving and
// committing.
type Miner struct {
	chain       ChainBackend
	engine      ConsensusBackend
	broadcaster Broadcaster
	txLimit     int
	interval    uint64
	running     bool
	mu          sync.Mutex
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

func NewMiner(chain ChainBackend, engine ConsensusBackend, broadcaster Broadcaster, txLimit int, adjustmentInterval uint64) *Miner {
	return &Miner{
		chain:       chain,
		engine:      engine,
		broadcaster: broadcaster,
		txLimit:     txLimit,
		interval:    adjustmentInterval,
	}
}

func (m *Miner) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		logger.Info("Miner already running.")
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	logger.Info("Starting miner")

	headCh := m.chain.SubscribeHead()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-stop:
				logger.Info("Miner stopping work loop.")
				return
			default:
				if !m.mineOnce(stop, headCh) {
					select {
					case <-stop:
						return
					case <-time.After(500 * time.Millisecond):
					}
				}
			}
		}
	}()
}

func (m *Miner) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		logger.Info("Miner is not running.")
		return
	}
	logger.Info("Stopping miner...")
	close(m.stopChan)
	m.stopChan = nil
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	logger.Info("Miner stopped.")
}

func (m *Miner) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// mineOnce runs one template build / search / commit cycle. Returns false
// when the loop should back off before retrying.
func (m *Miner) mineOnce(stop <-chan struct{}, headCh <-chan *Block) bool {
	if !m.engine.CanProduceBlock() {
		return false
	}

	// Head events buffered while no search was running are older than the
	// head read below; replaying them into the watcher would cancel a search
	// against a perfectly fresh parent.
drain:
	for {
		select {
		case <-headCh:
		default:
			break drain
		}
	}

	parent := m.chain.GetCurrentBlock()
	if parent == nil {
		logger.Warning("Miner: no chain head, cannot mine.")
		return false
	}
	parentHash := parent.HeadHash()

	difficulty, err := m.engine.Difficulty()
	if err != nil {
		logger.Errorf("Miner: cannot read difficulty: %v", err)
		return false
	}

	pendingTxs := m.chain.GetMempool().PendingTransactions(m.txLimit)
	block := NewBlock(parentHash, parent.Header.Index+1, difficulty, pendingTxs)

	// Cancel the search as soon as the head moves off our parent or the
	// miner is stopped.
	ctx, cancel := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go func() {
		defer cancel()
		for {
			select {
			case <-watchDone:
				return
			case <-stop:
				return
			case head, ok := <-headCh:
				if !ok {
					return
				}
				if head != nil && head.HeadHash() != parentHash {
					logger.Debugf("Miner: head moved to %d while mining %d, cancelling search", head.Header.Index, block.Header.Index)
					return
				}
			}
		}
	}()

	logger.Infof("Miner: mining block %d with %d transactions at difficulty %d", block.Header.Index, len(block.Transactions), difficulty)
	startTime := time.Now()
	err = m.engine.MineBlock(ctx, block)
	close(watchDone)
	cancel()

	if err != nil {
		switch {
		case errors.Is(err, consensus.ErrMiningCancelled):
			metrics.GetMetrics().IncrementStaleBlocks()
			logger.Infof("Miner: search for block %d cancelled", block.Header.Index)
		case errors.Is(err, consensus.ErrNonceSpaceExhausted):
			logger.Warningf("Miner: nonce space exhausted for block %d, rebuilding template", block.Header.Index)
			return true
		default:
			logger.Errorf("Miner: failed to mine block %d: %v", block.Header.Index, err)
		}
		return false
	}

	duration := time.Since(startTime)
	if secs := duration.Seconds(); secs > 0 {
		metrics.GetMetrics().SetHashRate(float64(block.Header.Nonce) / secs)
	}
	logger.Infof("Miner: block %d mined in %v. Hash: %x", block.Header.Index, duration, block.Hash)

	// The head can move between solving and committing. A solution for a
	// stale parent is discarded, never submitted.
	if current := m.chain.GetCurrentBlock(); current != nil && current.HeadHash() != parentHash {
		metrics.GetMetrics().IncrementStaleBlocks()
		logger.Infof("Miner: discarding stale block %d, head moved to %d", block.Header.Index, current.Header.Index)
		return true
	}

	if err := m.chain.AddBlock(block); err != nil {
		if errors.Is(err, consensus.ErrStaleParent) {
			metrics.GetMetrics().IncrementStaleBlocks()
			logger.Infof("Miner: mined block %d lost the commit race: %v", block.Header.Index, err)
			return true
		}
		logger.Errorf("Miner: failed to add mined block %d: %v", block.Header.Index, err)
		return false
	}

	if err := m.engine.UpdateState(block); err != nil {
		logger.Warningf("Miner: failed to fold block %d into consensus state: %v", block.Header.Index, err)
	}
	metrics.GetMetrics().IncrementBlocksMined()

	if m.broadcaster != nil {
		m.broadcaster.Announce(block)
	}

	m.maybeRetarget(block)
	logger.Infof("Miner: successfully committed block %d.", block.Header.Index)
	return true
}

// maybeRetarget recomputes the difficulty at every adjustment boundary.
func (m *Miner) maybeRetarget(block *Block) {
	if m.interval < 2 || block.Header.Index == 0 || block.Header.Index%m.interval != 0 {
		return
	}
	window := m.chain.RecentHeaders(int(m.interval))
	if len(window) < 2 {
		return
	}
	next, err := m.engine.AdjustDifficulty(window)
	if err != nil {
		logger.Warningf("Miner: difficulty adjustment at block %d failed: %v", block.Header.Index, err)
		return
	}
	logger.Infof("Miner: difficulty retargeted to %d at block %d", next, block.Header.Index)
}
