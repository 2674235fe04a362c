package core

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockforge-node/consensus"
	"blockforge-node/interfaces"
)

type fakeChain struct {
	mu      sync.Mutex
	head    *Block
	headCh  chan *Block
	mempool *Mempool
	added   []*Block
	addErr  error
	headers []interfaces.BlockHeaderConsensusItf
	windows []int
}

func newFakeChain(head *Block) *fakeChain {
	return &fakeChain{
		head:    head,
		headCh:  make(chan *Block, 8),
		mempool: NewMempool(),
	}
}

func (c *fakeChain) GetCurrentBlock() *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

func (c *fakeChain) setHead(block *Block) {
	c.mu.Lock()
	c.head = block
	c.mu.Unlock()
}

func (c *fakeChain) AddBlock(block *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addErr != nil {
		return c.addErr
	}
	c.added = append(c.added, block)
	c.head = block
	return nil
}

func (c *fakeChain) SubscribeHead() <-chan *Block { return c.headCh }

func (c *fakeChain) RecentHeaders(n int) []interfaces.BlockHeaderConsensusItf {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows = append(c.windows, n)
	return c.headers
}

func (c *fakeChain) GetMempool() *Mempool { return c.mempool }

type fakeEngine struct {
	mu            sync.Mutex
	canProduce    bool
	difficulty    uint64
	diffErr       error
	mineErr       error
	onMine        func(*Block)
	respectCancel bool
	updated       []*Block
	adjusted      int
	adjustNext    uint64
}

func (e *fakeEngine) CanProduceBlock() bool { return e.canProduce }

func (e *fakeEngine) Difficulty() (uint64, error) { return e.difficulty, e.diffErr }

func (e *fakeEngine) MineBlock(ctx context.Context, block interfaces.BlockConsensusItf) error {
	b := block.(*Block)
	if e.onMine != nil {
		e.onMine(b)
	}
	if e.respectCancel {
		select {
		case <-ctx.Done():
			return consensus.ErrMiningCancelled
		case <-time.After(100 * time.Millisecond):
		}
	}
	if e.mineErr != nil {
		return e.mineErr
	}
	hash := b.CalculateHash()
	b.SetHash(hash[:])
	return nil
}

func (e *fakeEngine) UpdateState(block interfaces.BlockConsensusItf) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updated = append(e.updated, block.(*Block))
	return nil
}

func (e *fakeEngine) AdjustDifficulty(window []interfaces.BlockHeaderConsensusItf) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adjusted++
	return e.adjustNext, nil
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	announced []*Block
}

func (b *fakeBroadcaster) Announce(block *Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.announced = append(b.announced, block)
}

func minedGenesis() *Block {
	genesis := NewBlock([32]byte{}, 0, 1, nil)
	hash := genesis.CalculateHash()
	genesis.SetHash(hash[:])
	return genesis
}

func TestMineOnceCommitsAndBroadcasts(t *testing.T) {
	genesis := minedGenesis()
	chain := newFakeChain(genesis)
	engine := &fakeEngine{canProduce: true, difficulty: 7}
	broadcaster := &fakeBroadcaster{}
	miner := NewMiner(chain, engine, broadcaster, 10, 10)

	tx := NewTransaction(0, addr(1), nil, big.NewInt(1), nil)
	require.NoError(t, chain.mempool.AddTransaction(tx))

	ok := miner.mineOnce(make(chan struct{}), chain.headCh)
	require.True(t, ok)

	require.Len(t, chain.added, 1)
	block := chain.added[0]
	assert.Equal(t, uint64(1), block.Header.Index)
	assert.Equal(t, uint64(7), block.Header.Difficulty)
	assert.Equal(t, genesis.HeadHash(), block.Header.PreviousHash)
	require.Len(t, block.Transactions, 1)
	assert.Equal(t, tx.Hash, block.Transactions[0].Hash)

	assert.Equal(t, []*Block{block}, engine.updated)
	assert.Equal(t, []*Block{block}, broadcaster.announced)
}

func TestMineOnceRespectsProductionGate(t *testing.T) {
	chain := newFakeChain(minedGenesis())
	engine := &fakeEngine{canProduce: false, difficulty: 1}
	miner := NewMiner(chain, engine, nil, 10, 10)

	assert.False(t, miner.mineOnce(make(chan struct{}), chain.headCh))
	assert.Empty(t, chain.added)
}

func TestMineOnceWithoutChainHead(t *testing.T) {
	chain := newFakeChain(nil)
	engine := &fakeEngine{canProduce: true, difficulty: 1}
	miner := NewMiner(chain, engine, nil, 10, 10)

	assert.False(t, miner.mineOnce(make(chan struct{}), chain.headCh))
	assert.Empty(t, chain.added)
}

func TestMineOnceDiscardsStaleSolution(t *testing.T) {
	genesis := minedGenesis()
	chain := newFakeChain(genesis)
	engine := &fakeEngine{canProduce: true, difficulty: 1}
	broadcaster := &fakeBroadcaster{}

	// The head moves while the search runs. The solved block must be
	// discarded, not committed.
	rival := NewBlock(genesis.HeadHash(), 1, 1, nil)
	rivalHash := rival.CalculateHash()
	rival.SetHash(rivalHash[:])
	engine.onMine = func(*Block) { chain.setHead(rival) }

	miner := NewMiner(chain, engine, broadcaster, 10, 10)
	ok := miner.mineOnce(make(chan struct{}), chain.headCh)

	assert.True(t, ok, "a stale solve retries immediately with a fresh template")
	assert.Empty(t, chain.added)
	assert.Empty(t, engine.updated)
	assert.Empty(t, broadcaster.announced)
}

func TestMineOnceIgnoresBufferedHeadEvents(t *testing.T) {
	genesis := minedGenesis()
	chain := newFakeChain(genesis)

	// A head notification left over from before this search, pointing at a
	// head that is no longer current. It must not cancel a search built
	// against the live head.
	old := NewBlock([32]byte{0xde}, 0, 1, nil)
	oldHash := old.CalculateHash()
	old.SetHash(oldHash[:])
	chain.headCh <- old

	engine := &fakeEngine{canProduce: true, difficulty: 1, respectCancel: true}
	miner := NewMiner(chain, engine, nil, 10, 10)

	ok := miner.mineOnce(make(chan struct{}), chain.headCh)
	require.True(t, ok)
	require.Len(t, chain.added, 1)
	assert.Equal(t, genesis.HeadHash(), chain.added[0].Header.PreviousHash)
}

func TestMineOnceLosesCommitRace(t *testing.T) {
	chain := newFakeChain(minedGenesis())
	chain.addErr = fmt.Errorf("%w: head advanced", consensus.ErrStaleParent)
	engine := &fakeEngine{canProduce: true, difficulty: 1}
	broadcaster := &fakeBroadcaster{}
	miner := NewMiner(chain, engine, broadcaster, 10, 10)

	ok := miner.mineOnce(make(chan struct{}), chain.headCh)
	assert.True(t, ok)
	assert.Empty(t, engine.updated)
	assert.Empty(t, broadcaster.announced)
}

func TestMineOnceCancelledSearch(t *testing.T) {
	chain := newFakeChain(minedGenesis())
	engine := &fakeEngine{canProduce: true, difficulty: 1, mineErr: consensus.ErrMiningCancelled}
	miner := NewMiner(chain, engine, nil, 10, 10)

	assert.False(t, miner.mineOnce(make(chan struct{}), chain.headCh))
	assert.Empty(t, chain.added)
}

func TestMineOnceNonceSpaceExhausted(t *testing.T) {
	chain := newFakeChain(minedGenesis())
	engine := &fakeEngine{canProduce: true, difficulty: 1, mineErr: consensus.ErrNonceSpaceExhausted}
	miner := NewMiner(chain, engine, nil, 10, 10)

	// Exhaustion is recoverable: retry immediately with a rebuilt template.
	assert.True(t, miner.mineOnce(make(chan struct{}), chain.headCh))
	assert.Empty(t, chain.added)
}

func TestMaybeRetargetAtIntervalBoundary(t *testing.T) {
	chain := newFakeChain(minedGenesis())
	chain.headers = []interfaces.BlockHeaderConsensusItf{
		&BlockHeader{Index: 4, Timestamp: 100},
		&BlockHeader{Index: 5, Timestamp: 130},
		&BlockHeader{Index: 6, Timestamp: 160},
	}
	engine := &fakeEngine{canProduce: true, difficulty: 1, adjustNext: 2}
	miner := NewMiner(chain, engine, nil, 10, 3)

	miner.maybeRetarget(&Block{Header: &BlockHeader{Index: 5}})
	assert.Equal(t, 0, engine.adjusted, "off-boundary blocks never retarget")

	miner.maybeRetarget(&Block{Header: &BlockHeader{Index: 6}})
	assert.Equal(t, 1, engine.adjusted)
	assert.Equal(t, []int{3}, chain.windows)

	miner.maybeRetarget(&Block{Header: &BlockHeader{Index: 0}})
	assert.Equal(t, 1, engine.adjusted, "genesis never retargets")
}

func TestMinerStartStop(t *testing.T) {
	chain := newFakeChain(minedGenesis())
	engine := &fakeEngine{canProduce: false, difficulty: 1}
	miner := NewMiner(chain, engine, nil, 10, 10)

	assert.False(t, miner.IsRunning())
	miner.Start()
	assert.True(t, miner.IsRunning())

	// Idempotent start.
	miner.Start()
	assert.True(t, miner.IsRunning())

	miner.Stop()
	assert.False(t, miner.IsRunning())
	miner.Stop()
}
