package core

import (
	"errors"
	"sort"
	"sync"

	"blockforge-node/metrics"
)

var ErrTxAlreadyKnown = errors.New("transaction already exists in mempool")

// Mempool holds transactions waiting for inclusion in a block. Selection
// order is deterministic: ascending sender nonce, ties broken by hash, so
// two nodes with the same pool produce the same template.
type Mempool struct {
	transactions map[[32]byte]*Transaction
	mu           sync.RWMutex
}

func NewMempool() *Mempool {
	return &Mempool{
		transactions: make(map[[32]byte]*Transaction),
	}
}

func (mp *Mempool) AddTransaction(tx *Transaction) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.transactions[tx.Hash]; exists {
		return ErrTxAlreadyKnown
	}
	mp.transactions[tx.Hash] = tx
	metrics.GetMetrics().SetTransactionPoolSize(uint32(len(mp.transactions)))
	return nil
}

func (mp *Mempool) GetTransaction(hash [32]byte) *Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.transactions[hash]
}

// PendingTransactions returns up to limit transactions in selection order.
// limit <= 0 means no cap.
func (mp *Mempool) PendingTransactions(limit int) []*Transaction {
	mp.mu.RLock()
	txs := make([]*Transaction, 0, len(mp.transactions))
	for _, tx := range mp.transactions {
		txs = append(txs, tx)
	}
	mp.mu.RUnlock()

	sort.Slice(txs, func(i, j int) bool {
		if txs[i].Nonce != txs[j].Nonce {
			return txs[i].Nonce < txs[j].Nonce
		}
		hi, hj := txs[i].Hash, txs[j].Hash
		for k := 0; k < len(hi); k++ {
			if hi[k] != hj[k] {
				return hi[k] < hj[k]
			}
		}
		return false
	})

	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs
}

// NextNonceFor returns the next usable nonce for addr given the pool
// contents, never below base.
func (mp *Mempool) NextNonceFor(addr [20]byte, base uint64) uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	next := base
	for _, tx := range mp.transactions {
		if tx.From == addr && tx.Nonce >= next {
			next = tx.Nonce + 1
		}
	}
	return next
}

// RemoveTransactions drops the given transactions, typically after their
// block was committed.
func (mp *Mempool) RemoveTransactions(txs []*Transaction) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, tx := range txs {
		delete(mp.transactions, tx.Hash)
	}
	metrics.GetMetrics().SetTransactionPoolSize(uint32(len(mp.transactions)))
}

func (mp *Mempool) RemoveTransaction(hash [32]byte) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.transactions, hash)
	metrics.GetMetrics().SetTransactionPoolSize(uint32(len(mp.transactions)))
}

func (mp *Mempool) Clear() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.transactions = make(map[[32]byte]*Transaction)
	metrics.GetMetrics().SetTransactionPoolSize(0)
}

func (mp *Mempool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.transactions)
}
