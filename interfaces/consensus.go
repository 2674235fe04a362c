package interfaces

import (
	"context"

	"blockforge-node/config"
)

// BlockHeaderConsensusItf is the view of a block header a consensus
// capability needs: the fields that enter the canonical serialization, plus
// the nonce setter used by the mining search.
type BlockHeaderConsensusItf interface {
	GetIndex() uint64
	GetPreviousHash() [32]byte
	GetTimestamp() int64
	GetDifficulty() uint64
	GetNonce() uint64
	SetNonce(uint64)
}

// BlockConsensusItf is the view of a block a consensus capability needs.
// CanonicalBytes must be a fixed, order-preserving serialization of the
// header fields and the transaction summary; identical logical content
// always yields identical bytes.
type BlockConsensusItf interface {
	GetHeader() BlockHeaderConsensusItf
	GetHash() []byte
	SetHash([]byte)
	CanonicalBytes() []byte
}

// ConsensusStateItf is the opaque state owned by the active capability. The
// engine stores and replaces it but never inspects it beyond the algorithm
// tag. Implementations must treat state values as immutable: every mutation
// returns a fresh state.
type ConsensusStateItf interface {
	Algorithm() string
}

// TimeSample is the lightweight input shape for the fast difficulty
// adjustment path.
type TimeSample struct {
	Index     uint64 `json:"index"`
	Timestamp int64  `json:"timestamp"`
}

// ConsensusInfo is the fixed-shape diagnostic record returned by Info.
// Extra carries implementation-specific fields and stays small.
type ConsensusInfo struct {
	Algorithm     string            `json:"algorithm"`
	Difficulty    uint64            `json:"difficulty"`
	Target        string            `json:"target"`
	MiningEnabled bool              `json:"miningEnabled"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// CapabilityItf is implemented by every consensus algorithm. MineBlock is
// the only operation allowed to run unbounded; it must poll ctx and abandon
// the search promptly on cancellation. ValidateBlock and the difficulty
// computations are pure functions of their inputs.
type CapabilityItf interface {
	Init(cfg *config.ConsensusConfig) (ConsensusStateItf, error)
	ValidateBlock(block BlockConsensusItf, state ConsensusStateItf) error
	MineBlock(ctx context.Context, block BlockConsensusItf, state ConsensusStateItf) error
	UpdateState(block BlockConsensusItf, state ConsensusStateItf) (ConsensusStateItf, error)
	Difficulty(state ConsensusStateItf) uint64
	AdjustDifficulty(window []BlockHeaderConsensusItf, state ConsensusStateItf) uint64
	AdjustDifficultyFast(samples []TimeSample, state ConsensusStateItf) uint64
	CanProduceBlock(state ConsensusStateItf) bool
	Info(state ConsensusStateItf) ConsensusInfo
}

// TerminatorItf is optionally implemented by capabilities that need teardown
// on shutdown or hot-swap.
type TerminatorItf interface {
	Terminate(reason string, state ConsensusStateItf)
}

// DifficultySetterItf is optionally implemented by capabilities whose
// difficulty can be overridden (admin path, genesis bootstrap, retarget
// commit). SetDifficulty returns a fresh state; the previous one is
// untouched on error.
type DifficultySetterItf interface {
	SetDifficulty(difficulty uint64, state ConsensusStateItf) (ConsensusStateItf, error)
}
