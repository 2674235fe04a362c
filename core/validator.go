package core

import (
	"errors"
	"math/big"

	"blockforge-node/logger"
)

// Validator enforces structural limits before a block or transaction reaches
// consensus validation. Consensus rules (hash, target, timestamp) live in the
// consensus package; this layer only rejects malformed or oversized input.
type Validator struct {
	maxTransactionSize uint64
	maxBlockSize       uint64
	maxBlockTxCount    int
	maxTxValue         *big.Int
}

func NewValidator(blockTxLimit int) *Validator {
	if blockTxLimit <= 0 {
		blockTxLimit = 1024
	}
	return &Validator{
		maxTransactionSize: 128 * 1024,
		maxBlockSize:       1024 * 1024,
		maxBlockTxCount:    blockTxLimit,
	}
}

func (v *Validator) ValidateTransaction(tx *Transaction) error {
	if tx == nil {
		return errors.New("transaction is nil")
	}
	if tx.Value == nil || tx.Value.Sign() < 0 {
		logger.Warningf("Invalid transaction value: %v for tx %x", tx.Value, tx.Hash)
		return errors.New("invalid transaction value")
	}
	if tx.From == ([20]byte{}) {
		logger.Warningf("Transaction missing from address for tx %x", tx.Hash)
		return errors.New("missing from address")
	}
	if tx.Hash != tx.calculateHash() {
		logger.Warningf("Transaction hash mismatch for tx %x", tx.Hash)
		return errors.New("transaction hash mismatch")
	}

	txData, err := tx.ToJSON()
	if err != nil {
		logger.Errorf("Failed to serialize transaction %x: %v", tx.Hash, err)
		return errors.New("failed to serialize transaction")
	}
	if uint64(len(txData)) > v.maxTransactionSize {
		logger.Warningf("Transaction size too large: %d bytes for tx %x", len(txData), tx.Hash)
		return errors.New("transaction size too large")
	}
	return nil
}

func (v *Validator) ValidateBlock(block *Block) error {
	if block == nil {
		return errors.New("block is nil")
	}
	if block.Header == nil {
		return errors.New("block header is nil")
	}
	if len(block.Transactions) > v.maxBlockTxCount {
		logger.Warningf("Block %d carries %d transactions, limit is %d", block.Header.Index, len(block.Transactions), v.maxBlockTxCount)
		return errors.New("block transaction count too high")
	}

	blockData, err := block.ToJSON()
	if err != nil {
		logger.Errorf("Failed to serialize block %d: %v", block.Header.Index, err)
		return errors.New("failed to serialize block")
	}
	if uint64(len(blockData)) > v.maxBlockSize {
		logger.Warningf("Block size too large: %d bytes for block %d", len(blockData), block.Header.Index)
		return errors.New("block size too large")
	}

	for i, tx := range block.Transactions {
		if err := v.ValidateTransaction(tx); err != nil {
			logger.Errorf("Invalid transaction %d (hash: %x) in block %d: %v", i, tx.Hash, block.Header.Index, err)
			return err
		}
	}

	logger.Debugf("Block basic validation passed: %d", block.Header.Index)
	return nil
}
