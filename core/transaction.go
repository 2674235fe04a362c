package core

import (
	"encoding/hex"
	"encoding/json"
	"math/big"

	"blockforge-node/crypto"
)

// Transaction is the opaque transaction record carried by blocks. Admission
// policy and signatures belong to the mempool and wallet subsystems; the
// consensus core only needs a stable content hash.
type Transaction struct {
	Nonce uint64    `json:"nonce"`
	From  [20]byte  `json:"from"`
	To    *[20]byte `json:"to"` // nil for burns / special records
	Value *big.Int  `json:"value"`
	Data  []byte    `json:"data,omitempty"`
	Hash  [32]byte  `json:"hash"`
}

func (tx *Transaction) GetHash() [32]byte { return tx.Hash }
func (tx *Transaction) GetFrom() [20]byte { return tx.From }
func (tx *Transaction) GetTo() *[20]byte  { return tx.To }
func (tx *Transaction) GetNonce() uint64  { return tx.Nonce }
func (tx *Transaction) GetValue() *big.Int {
	if tx.Value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(tx.Value)
}

// NewTransaction builds a transaction and computes its content hash.
func NewTransaction(nonce uint64, from [20]byte, to *[20]byte, value *big.Int, data []byte) *Transaction {
	if value == nil {
		value = big.NewInt(0)
	}
	tx := &Transaction{
		Nonce: nonce,
		From:  from,
		To:    to,
		Value: value,
		Data:  data,
	}
	tx.Hash = tx.calculateHash()
	return tx
}

// calculateHash hashes the content fields in a stable string form so the
// hash never depends on struct layout.
func (tx *Transaction) calculateHash() [32]byte {
	type txDataForHashing struct {
		Nonce uint64 `json:"nonce"`
		From  string `json:"from"`
		To    string `json:"to"`
		Value string `json:"value"`
		Data  string `json:"data"`
	}

	toHex := ""
	if tx.To != nil {
		toHex = hex.EncodeToString(tx.To[:])
	}
	hashData := txDataForHashing{
		Nonce: tx.Nonce,
		From:  hex.EncodeToString(tx.From[:]),
		To:    toHex,
		Value: tx.GetValue().String(),
		Data:  hex.EncodeToString(tx.Data),
	}

	jsonData, _ := json.Marshal(hashData)
	return crypto.Blake3Hash(jsonData)
}

func (tx *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(tx)
}

// CalculateTransactionsRoot summarizes a transaction set as the Keccak-256
// digest of the concatenated transaction hashes. The empty set hashes nil,
// so empty blocks still carry a well-defined summary.
func CalculateTransactionsRoot(transactions []*Transaction) [32]byte {
	if len(transactions) == 0 {
		return crypto.Keccak256Hash(nil)
	}
	combined := make([]byte, 0, len(transactions)*32)
	for _, tx := range transactions {
		h := tx.GetHash()
		combined = append(combined, h[:]...)
	}
	return crypto.Keccak256Hash(combined)
}
