package core

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"blockforge-node/cache"
	"blockforge-node/config"
	"blockforge-node/consensus"
	"blockforge-node/database"
	"blockforge-node/interfaces"
	"blockforge-node/logger"
	"blockforge-node/metrics"
)

// Hot blocks stay cached long enough to cover the RPC traffic that follows
// a commit; the sweeper keeps the map bounded between retarget windows.
const (
	blockCacheTTL   = 5 * time.Minute
	blockCacheSweep = time.Minute
)

// Blockchain is the canonical chain: a single head, blocks indexed by hash
// and by number, and the total difficulty of the committed chain. Consensus
// validity is delegated to the engine; the chain enforces linkage (parent,
// sequence) and structure.
type Blockchain struct {
	cfg             *config.Config
	db              database.Database
	currentBlock    *Block
	blocks          map[[32]byte]*Block
	blockByNumber   map[uint64]*Block
	mempool         *Mempool
	engine          *consensus.Engine
	validator       *Validator
	cache           *cache.Cache
	mu              sync.RWMutex
	totalDifficulty *big.Int
	headSubs        []chan *Block
}

func NewBlockchain(cfg *config.Config, engine *consensus.Engine) (*Blockchain, error) {
	logger.Infof("Initializing blockchain with ChainID: %d, DataDir: %s", cfg.ChainID, cfg.DataDir)
	db, err := database.NewLevelDB(filepath.Join(cfg.DataDir, "chaindata"), cfg.Cache, cfg.Handles)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	bc := &Blockchain{
		cfg:             cfg,
		db:              db,
		blocks:          make(map[[32]byte]*Block),
		blockByNumber:   make(map[uint64]*Block),
		mempool:         NewMempool(),
		engine:          engine,
		validator:       NewValidator(cfg.BlockTxLimit),
		cache:           cache.New(blockCacheTTL, blockCacheSweep),
		totalDifficulty: big.NewInt(0),
	}

	if err := bc.initGenesis(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize genesis: %v", err)
	}

	logger.Info("Blockchain core initialized successfully.")
	return bc, nil
}

// initGenesis loads the chain head from the database, or creates and commits
// a fresh genesis block when the data directory is empty. The genesis block
// is definitional and never subject to proof-of-work validation.
func (bc *Blockchain) initGenesis() error {
	headHashBytes, err := bc.db.Get([]byte("currentBlock"))
	if err != nil {
		return fmt.Errorf("failed to read current block marker: %v", err)
	}
	if headHashBytes != nil {
		var headHash [32]byte
		copy(headHash[:], headHashBytes)
		blockData, err := bc.db.Get(headHash[:])
		if err != nil || blockData == nil {
			return fmt.Errorf("current block marker points at missing block %x", headHash)
		}
		head, err := BlockFromJSON(blockData)
		if err != nil {
			return fmt.Errorf("failed to decode stored head block %x: %v", headHash, err)
		}
		bc.currentBlock = head
		bc.blocks[head.HeadHash()] = head
		bc.blockByNumber[head.Header.Index] = head

		tdBytes, _ := bc.db.Get([]byte("lastTotalDifficulty"))
		if tdBytes != nil {
			bc.totalDifficulty.SetBytes(tdBytes)
		} else {
			bc.totalDifficulty.SetUint64(head.Header.Difficulty)
			logger.Warningf("Total difficulty missing from DB, reinitialized from head difficulty: %s", bc.totalDifficulty.String())
		}
		logger.Infof("Loaded existing chain head: block %d (%x), TD: %s", head.Header.Index, head.Hash, bc.totalDifficulty.String())
		return nil
	}

	genesis := NewBlock([32]byte{}, 0, bc.cfg.Consensus.InitialDifficulty, nil)
	genesis.Header.Timestamp = time.Now().Unix()
	genesisHash := genesis.CalculateHash()
	genesis.Hash = genesisHash[:]

	bc.currentBlock = genesis
	bc.blocks[genesisHash] = genesis
	bc.blockByNumber[0] = genesis
	bc.totalDifficulty.SetUint64(genesis.Header.Difficulty)
	metrics.GetMetrics().IncrementBlockCount()
	logger.LogBlockEvent(0, hex.EncodeToString(genesis.Hash), 0, "genesis")

	if err := bc.saveBlock(genesis); err != nil {
		return fmt.Errorf("failed to save genesis block: %v", err)
	}
	if err := bc.db.Put([]byte("genesisBlockHash"), genesis.Hash); err != nil {
		return fmt.Errorf("failed to save genesis block hash marker: %v", err)
	}
	if err := bc.db.Put([]byte("lastTotalDifficulty"), bc.totalDifficulty.Bytes()); err != nil {
		logger.Warningf("Failed to save initial total difficulty: %v", err)
	}
	logger.Infof("New genesis block created. Hash: %x, Difficulty: %d", genesis.Hash, genesis.Header.Difficulty)
	return nil
}

// AddBlock appends a block to the chain head. Linkage and structure are
// checked here, consensus validity by the engine. On any failure the chain
// is left untouched.
func (bc *Blockchain) AddBlock(block *Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if block == nil || block.Header == nil {
		return errors.New("block is nil")
	}
	logger.Debugf("Attempting to add block %d, hash: %x", block.Header.Index, block.Hash)

	head := bc.currentBlock
	if head == nil {
		return errors.New("chain has no head, genesis not initialized")
	}
	if block.Header.PreviousHash != head.HeadHash() {
		metrics.GetMetrics().IncrementRejectedBlocks()
		return fmt.Errorf("%w: block %d parent %x, head %x (height %d)",
			consensus.ErrStaleParent, block.Header.Index, block.Header.PreviousHash, head.Hash, head.Header.Index)
	}
	if block.Header.Index != head.Header.Index+1 {
		metrics.GetMetrics().IncrementRejectedBlocks()
		return fmt.Errorf("block index out of sequence: expected %d, got %d", head.Header.Index+1, block.Header.Index)
	}

	if err := bc.validator.ValidateBlock(block); err != nil {
		metrics.GetMetrics().IncrementRejectedBlocks()
		logger.Errorf("Block validation failed for block %d: %v", block.Header.Index, err)
		return err
	}
	if err := bc.engine.ValidateBlock(block); err != nil {
		metrics.GetMetrics().IncrementRejectedBlocks()
		logger.Errorf("Consensus validation failed for block %d: %v", block.Header.Index, err)
		return err
	}

	bc.blocks[block.HeadHash()] = block
	bc.blockByNumber[block.Header.Index] = block
	bc.currentBlock = block
	bc.totalDifficulty.Add(bc.totalDifficulty, new(big.Int).SetUint64(block.Header.Difficulty))

	metrics.GetMetrics().IncrementBlockCount()
	logger.LogBlockEvent(block.Header.Index, hex.EncodeToString(block.Hash), len(block.Transactions), "commit")

	if err := bc.saveBlock(block); err != nil {
		logger.Errorf("Failed to save block %d: %v", block.Header.Index, err)
		return err
	}
	if err := bc.db.Put([]byte("lastTotalDifficulty"), bc.totalDifficulty.Bytes()); err != nil {
		logger.Warningf("Failed to save total difficulty for block %d: %v", block.Header.Index, err)
	}
	bc.updateNonceIndex(block)

	bc.mempool.RemoveTransactions(block.Transactions)
	bc.notifyHeadLocked(block)

	logger.Infof("Block %d (%x) added successfully. New TD: %s", block.Header.Index, block.Hash, bc.totalDifficulty.String())
	return nil
}

func (bc *Blockchain) saveBlock(block *Block) error {
	blockData, err := block.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize block %d: %v", block.Header.Index, err)
	}
	if err := bc.db.Put(block.Hash, blockData); err != nil {
		return fmt.Errorf("failed to save block by hash %x: %v", block.Hash, err)
	}
	keyNumToHash := append([]byte("num_"), EncodeUint64(block.Header.Index)...)
	if err := bc.db.Put(keyNumToHash, block.Hash); err != nil {
		return fmt.Errorf("failed to save block number mapping for %d: %v", block.Header.Index, err)
	}
	if err := bc.db.Put([]byte("currentBlock"), block.Hash); err != nil {
		return fmt.Errorf("failed to save current block hash marker: %v", err)
	}
	bc.cache.Set(string(block.Hash), block)
	bc.cache.Set(fmt.Sprintf("block_num_%d", block.Header.Index), block)
	return nil
}

// AddTransaction validates a transaction and admits it to the mempool.
func (bc *Blockchain) AddTransaction(tx *Transaction) error {
	if err := bc.validator.ValidateTransaction(tx); err != nil {
		logger.Errorf("Transaction validation failed for %x: %v", tx.Hash, err)
		return err
	}
	if err := bc.mempool.AddTransaction(tx); err != nil {
		return err
	}
	logger.Debugf("Transaction %x added to mempool", tx.Hash)
	return nil
}

// NextNonceFor returns the next transaction nonce a sender should use: one
// past the highest nonce the chain has committed for addr, advanced further
// by any of its transactions still pending in the mempool.
func (bc *Blockchain) NextNonceFor(addr [20]byte) uint64 {
	committed := uint64(0)
	if data, err := bc.db.Get(nonceKey(addr)); err == nil && len(data) == 8 {
		committed = DecodeUint64(data)
	}
	return bc.mempool.NextNonceFor(addr, committed)
}

// updateNonceIndex persists one past the highest committed nonce per sender
// so NextNonceFor survives a restart. The index only ever moves forward.
func (bc *Blockchain) updateNonceIndex(block *Block) {
	for _, tx := range block.Transactions {
		key := nonceKey(tx.From)
		if data, err := bc.db.Get(key); err == nil && len(data) == 8 && DecodeUint64(data) > tx.Nonce {
			continue
		}
		if err := bc.db.Put(key, EncodeUint64(tx.Nonce+1)); err != nil {
			logger.Warningf("Failed to update nonce index for %x: %v", tx.From, err)
		}
	}
}

func nonceKey(addr [20]byte) []byte {
	return append([]byte("nonce_"), addr[:]...)
}

// SubscribeHead returns a channel receiving every new chain head. The send
// is non-blocking: slow consumers miss intermediate heads, never stall the
// chain.
func (bc *Blockchain) SubscribeHead() <-chan *Block {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	ch := make(chan *Block, 8)
	bc.headSubs = append(bc.headSubs, ch)
	return ch
}

func (bc *Blockchain) notifyHeadLocked(block *Block) {
	for _, ch := range bc.headSubs {
		select {
		case ch <- block:
		default:
		}
	}
}

func (bc *Blockchain) GetCurrentBlock() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.currentBlock
}

// HeadHash returns the hash of the current chain head.
func (bc *Blockchain) HeadHash() [32]byte {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.currentBlock == nil {
		return [32]byte{}
	}
	return bc.currentBlock.HeadHash()
}

func (bc *Blockchain) CurrentHeight() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.currentBlock == nil {
		return 0
	}
	return bc.currentBlock.Header.Index
}

// RecentHeaders returns up to n most recent headers ending at the head,
// oldest first. Used as the retargeting window.
func (bc *Blockchain) RecentHeaders(n int) []interfaces.BlockHeaderConsensusItf {
	bc.mu.RLock()
	head := bc.currentBlock
	bc.mu.RUnlock()
	if head == nil || n <= 0 {
		return nil
	}

	headers := make([]interfaces.BlockHeaderConsensusItf, 0, n)
	start := uint64(0)
	if uint64(n) <= head.Header.Index {
		start = head.Header.Index - uint64(n) + 1
	}
	for num := start; num <= head.Header.Index; num++ {
		block := bc.GetBlockByNumber(num)
		if block == nil {
			return nil
		}
		headers = append(headers, block.Header)
	}
	return headers
}

func (bc *Blockchain) GetBlockByHash(hash [32]byte) *Block {
	if cachedBlock, found := bc.cache.Get(string(hash[:])); found {
		if block, ok := cachedBlock.(*Block); ok {
			return block
		}
	}

	bc.mu.RLock()
	block := bc.blocks[hash]
	bc.mu.RUnlock()
	if block != nil {
		bc.cache.Set(string(hash[:]), block)
		return block
	}

	blockData, err := bc.db.Get(hash[:])
	if err != nil || blockData == nil {
		return nil
	}
	var loadedBlock Block
	if err := json.Unmarshal(blockData, &loadedBlock); err != nil {
		logger.Warningf("Failed to unmarshal block %x from DB: %v", hash, err)
		return nil
	}
	bc.mu.Lock()
	bc.blocks[hash] = &loadedBlock
	if loadedBlock.Header != nil {
		bc.blockByNumber[loadedBlock.Header.Index] = &loadedBlock
	}
	bc.mu.Unlock()
	bc.cache.Set(string(hash[:]), &loadedBlock)
	return &loadedBlock
}

func (bc *Blockchain) GetBlockByNumber(number uint64) *Block {
	blockKey := fmt.Sprintf("block_num_%d", number)
	if cachedBlock, found := bc.cache.Get(blockKey); found {
		if block, ok := cachedBlock.(*Block); ok {
			return block
		}
	}

	bc.mu.RLock()
	block := bc.blockByNumber[number]
	bc.mu.RUnlock()
	if block != nil {
		bc.cache.Set(blockKey, block)
		return block
	}

	hashKey := append([]byte("num_"), EncodeUint64(number)...)
	blockHashBytes, err := bc.db.Get(hashKey)
	if err != nil || blockHashBytes == nil {
		return nil
	}
	var blockHash [32]byte
	copy(blockHash[:], blockHashBytes)
	return bc.GetBlockByHash(blockHash)
}

func (bc *Blockchain) GetMempool() *Mempool {
	return bc.mempool
}

func (bc *Blockchain) GetConsensusEngine() *consensus.Engine {
	return bc.engine
}

func (bc *Blockchain) GetTotalDifficulty() *big.Int {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return new(big.Int).Set(bc.totalDifficulty)
}

func (bc *Blockchain) GetDatabase() database.Database {
	return bc.db
}

func (bc *Blockchain) Close() error {
	logger.Info("Closing blockchain...")
	bc.cache.Close()
	if err := bc.db.Close(); err != nil {
		logger.Errorf("Failed to close database: %v", err)
		return err
	}
	logger.Info("Blockchain closed successfully.")
	return nil
}

func EncodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(n >> (i * 8))
	}
	return b
}

func DecodeUint64(b []byte) uint64 {
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n
}
