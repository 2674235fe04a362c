package core

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"blockforge-node/crypto"
	"blockforge-node/interfaces"
)

// BlockHeader holds the consensus-relevant fields of a block. The block's
// own hash is deliberately not part of the header, avoiding a circular
// definition.
type BlockHeader struct {
	Index        uint64   `json:"index"`
	PreviousHash [32]byte `json:"previousHash"`
	Timestamp    int64    `json:"timestamp"` // unix seconds
	Nonce        uint64   `json:"nonce"`
	Difficulty   uint64   `json:"difficulty"`
}

// Implementation of interfaces.BlockHeaderConsensusItf for *BlockHeader.
func (bh *BlockHeader) GetIndex() uint64          { return bh.Index }
func (bh *BlockHeader) GetPreviousHash() [32]byte { return bh.PreviousHash }
func (bh *BlockHeader) GetTimestamp() int64       { return bh.Timestamp }
func (bh *BlockHeader) GetDifficulty() uint64     { return bh.Difficulty }
func (bh *BlockHeader) GetNonce() uint64          { return bh.Nonce }
func (bh *BlockHeader) SetNonce(n uint64)         { bh.Nonce = n }

// Block is a header plus its transaction set and a cached hash. Hash is nil
// after construction until mining or recomputation sets it, and is exactly
// 32 bytes once present.
type Block struct {
	Header       *BlockHeader   `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Hash         []byte         `json:"hash,omitempty"`
}

// Implementation of interfaces.BlockConsensusItf for *Block.
func (b *Block) GetHeader() interfaces.BlockHeaderConsensusItf { return b.Header }
func (b *Block) GetHash() []byte                               { return b.Hash }
func (b *Block) SetHash(h []byte)                              { b.Hash = h }

// CanonicalBytes packs the header fields and the transaction summary into a
// fixed, order-preserving byte sequence: identical logical content always
// yields identical bytes. Only the nonce (and timestamp, between templates)
// varies during mining, so the layout keeps them contiguous.
func (b *Block) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	var u64 [8]byte

	binary.BigEndian.PutUint64(u64[:], b.Header.Index)
	buf = append(buf, u64[:]...)
	buf = append(buf, b.Header.PreviousHash[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(b.Header.Timestamp))
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], b.Header.Nonce)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], b.Header.Difficulty)
	buf = append(buf, u64[:]...)

	txRoot := CalculateTransactionsRoot(b.Transactions)
	buf = append(buf, txRoot[:]...)
	return buf
}

// CalculateHash computes the canonical BLAKE3 hash of the block.
func (b *Block) CalculateHash() [32]byte {
	return crypto.Blake3Hash(b.CanonicalBytes())
}

// HeadHash returns the cached hash as a fixed array. Zero when unset.
func (b *Block) HeadHash() [32]byte {
	var h [32]byte
	copy(h[:], b.Hash)
	return h
}

// NewBlock builds an unmined block template. The hash stays nil until the
// consensus engine mines it or a validator recomputes it.
func NewBlock(previousHash [32]byte, index uint64, difficulty uint64, transactions []*Transaction) *Block {
	header := &BlockHeader{
		Index:        index,
		PreviousHash: previousHash,
		Timestamp:    time.Now().Unix(),
		Difficulty:   difficulty,
	}
	return &Block{
		Header:       header,
		Transactions: transactions,
	}
}

// ToJSON serializes the block for storage and the wire.
func (b *Block) ToJSON() ([]byte, error) {
	return json.Marshal(b)
}

// BlockFromJSON deserializes a block received from the network or storage.
func BlockFromJSON(data []byte) (*Block, error) {
	var block Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, err
	}
	return &block, nil
}
