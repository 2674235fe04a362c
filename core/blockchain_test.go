package core

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockforge-node/config"
	"blockforge-node/consensus"
)

const testMaxTargetHex = "0x8000000000000000000000000000000000000000000000000000000000000000"

func testChainConfig(dataDir string) *config.Config {
	return &config.Config{
		DataDir:      dataDir,
		ChainID:      1,
		BlockTxLimit: 16,
		Cache:        16,
		Handles:      16,
		Consensus: config.ConsensusConfig{
			Algorithm:          consensus.AlgorithmPoW,
			InitialDifficulty:  1,
			TargetBlockTimeMs:  30000,
			AdjustmentInterval: 5,
			MaxChangeFactor:    4.0,
			MinimumDifficulty:  1,
			MaxTarget:          testMaxTargetHex,
			Mining:             true,
		},
	}
}

func newTestChain(t *testing.T) *Blockchain {
	t.Helper()
	cfg := testChainConfig(t.TempDir())
	engine, err := consensus.NewEngine(cfg.Consensus.Algorithm, &cfg.Consensus)
	require.NoError(t, err)
	bc, err := NewBlockchain(cfg, engine)
	require.NoError(t, err)
	t.Cleanup(func() {
		bc.Close()
		engine.Terminate("test done")
	})
	return bc
}

// mineNext builds and mines a valid successor of the current head.
func mineNext(t *testing.T, bc *Blockchain, txs []*Transaction) *Block {
	t.Helper()
	parent := bc.GetCurrentBlock()
	require.NotNil(t, parent)
	difficulty, err := bc.GetConsensusEngine().Difficulty()
	require.NoError(t, err)
	block := NewBlock(parent.HeadHash(), parent.Header.Index+1, difficulty, txs)
	require.NoError(t, bc.GetConsensusEngine().MineBlock(context.Background(), block))
	return block
}

func TestGenesisInitialization(t *testing.T) {
	bc := newTestChain(t)

	genesis := bc.GetCurrentBlock()
	require.NotNil(t, genesis)
	assert.Equal(t, uint64(0), genesis.Header.Index)
	assert.Equal(t, [32]byte{}, genesis.Header.PreviousHash)
	assert.Len(t, genesis.Hash, 32)
	assert.Equal(t, big.NewInt(1), bc.GetTotalDifficulty())

	assert.Same(t, genesis, bc.GetBlockByNumber(0))
	assert.Same(t, genesis, bc.GetBlockByHash(genesis.HeadHash()))
}

func TestAddBlockExtendsChain(t *testing.T) {
	bc := newTestChain(t)

	for i := 0; i < 3; i++ {
		block := mineNext(t, bc, nil)
		require.NoError(t, bc.AddBlock(block))
	}

	assert.Equal(t, uint64(3), bc.CurrentHeight())
	assert.Equal(t, big.NewInt(4), bc.GetTotalDifficulty())

	head := bc.GetCurrentBlock()
	assert.Equal(t, head.HeadHash(), bc.HeadHash())
	assert.Same(t, head, bc.GetBlockByHash(head.HeadHash()))

	headers := bc.RecentHeaders(2)
	require.Len(t, headers, 2)
	assert.Equal(t, uint64(2), headers[0].GetIndex())
	assert.Equal(t, uint64(3), headers[1].GetIndex())

	// A window larger than the chain covers the whole chain.
	assert.Len(t, bc.RecentHeaders(10), 4)
}

func TestAddBlockRejectsStaleParent(t *testing.T) {
	bc := newTestChain(t)

	stale := mineNext(t, bc, nil)
	stale.Header.PreviousHash = [32]byte{0xff}
	hash := stale.CalculateHash()
	stale.SetHash(hash[:])

	err := bc.AddBlock(stale)
	require.ErrorIs(t, err, consensus.ErrStaleParent)
	assert.Equal(t, uint64(0), bc.CurrentHeight())
}

func TestAddBlockRejectsOutOfSequence(t *testing.T) {
	bc := newTestChain(t)

	gap := mineNext(t, bc, nil)
	gap.Header.Index = 5
	hash := gap.CalculateHash()
	gap.SetHash(hash[:])

	err := bc.AddBlock(gap)
	require.Error(t, err)
	assert.NotErrorIs(t, err, consensus.ErrStaleParent)
	assert.Equal(t, uint64(0), bc.CurrentHeight())
}

func TestAddBlockRejectsUnminedBlock(t *testing.T) {
	bc := newTestChain(t)

	parent := bc.GetCurrentBlock()
	template := NewBlock(parent.HeadHash(), 1, 1, nil)
	assert.ErrorIs(t, bc.AddBlock(template), consensus.ErrNoHash)
}

func TestAddBlockDrainsCommittedTransactions(t *testing.T) {
	bc := newTestChain(t)

	tx := NewTransaction(0, addr(1), nil, big.NewInt(10), nil)
	require.NoError(t, bc.AddTransaction(tx))
	require.Equal(t, 1, bc.GetMempool().Size())

	pending := bc.GetMempool().PendingTransactions(16)
	block := mineNext(t, bc, pending)
	require.NoError(t, bc.AddBlock(block))

	assert.Equal(t, 0, bc.GetMempool().Size())
	stored := bc.GetBlockByNumber(1)
	require.NotNil(t, stored)
	require.Len(t, stored.Transactions, 1)
	assert.Equal(t, tx.Hash, stored.Transactions[0].Hash)
}

func TestAddTransactionValidates(t *testing.T) {
	bc := newTestChain(t)

	bad := NewTransaction(0, [20]byte{}, nil, big.NewInt(1), nil)
	assert.Error(t, bc.AddTransaction(bad))
	assert.Equal(t, 0, bc.GetMempool().Size())
}

func TestSubscribeHeadDeliversCommits(t *testing.T) {
	bc := newTestChain(t)
	headCh := bc.SubscribeHead()

	block := mineNext(t, bc, nil)
	require.NoError(t, bc.AddBlock(block))

	select {
	case head := <-headCh:
		assert.Equal(t, block.HeadHash(), head.HeadHash())
	default:
		t.Fatal("expected a head notification after commit")
	}
}

func TestNextNonceFor(t *testing.T) {
	cfg := testChainConfig(t.TempDir())
	engine, err := consensus.NewEngine(cfg.Consensus.Algorithm, &cfg.Consensus)
	require.NoError(t, err)
	defer engine.Terminate("test done")

	bc, err := NewBlockchain(cfg, engine)
	require.NoError(t, err)

	sender := addr(1)
	assert.Equal(t, uint64(0), bc.NextNonceFor(sender))

	// Pending transactions advance the suggestion before anything commits.
	require.NoError(t, bc.AddTransaction(NewTransaction(0, sender, nil, big.NewInt(1), nil)))
	require.NoError(t, bc.AddTransaction(NewTransaction(1, sender, nil, big.NewInt(1), nil)))
	assert.Equal(t, uint64(2), bc.NextNonceFor(sender))
	assert.Equal(t, uint64(0), bc.NextNonceFor(addr(2)), "other senders are unaffected")

	block := mineNext(t, bc, bc.GetMempool().PendingTransactions(16))
	require.NoError(t, bc.AddBlock(block))
	assert.Equal(t, uint64(2), bc.NextNonceFor(sender))
	require.NoError(t, bc.Close())

	// The committed index survives a restart.
	reopened, err := NewBlockchain(cfg, engine)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.NextNonceFor(sender))
}

func TestChainReopensFromDisk(t *testing.T) {
	cfg := testChainConfig(t.TempDir())
	engine, err := consensus.NewEngine(cfg.Consensus.Algorithm, &cfg.Consensus)
	require.NoError(t, err)
	defer engine.Terminate("test done")

	bc, err := NewBlockchain(cfg, engine)
	require.NoError(t, err)

	block := mineNext(t, bc, nil)
	require.NoError(t, bc.AddBlock(block))
	headHash := bc.HeadHash()
	td := bc.GetTotalDifficulty()
	require.NoError(t, bc.Close())

	reopened, err := NewBlockchain(cfg, engine)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(1), reopened.CurrentHeight())
	assert.Equal(t, headHash, reopened.HeadHash())
	assert.Equal(t, td, reopened.GetTotalDifficulty())
	require.NotNil(t, reopened.GetBlockByNumber(1))
	require.NotNil(t, reopened.GetBlockByNumber(0))
}
