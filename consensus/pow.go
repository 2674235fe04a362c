package consensus

import (
	"bytes"
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"blockforge-node/config"
	"blockforge-node/crypto"
	"blockforge-node/interfaces"
	"blockforge-node/logger"

	"github.com/holiman/uint256"
)

const (
	// AlgorithmPoW is the registry name of the built-in capability.
	AlgorithmPoW = "pow"

	// nonceBatch is how many nonce attempts run between cancellation polls.
	// Fine enough that a stale-parent cancel lands almost immediately at
	// commodity hash rates, coarse enough that the select does not dominate
	// the search loop.
	nonceBatch = 4096

	// maxFutureDrift bounds how far a block timestamp may sit ahead of the
	// local wall clock before validation rejects it.
	maxFutureDrift = 2 * time.Minute
)

// TestMaxTarget is the difficulty-1 target of the easier test curve. With
// the top bit as the only constraint, difficulty-1 mining terminates within
// a handful of attempts, which keeps non-production profiles deterministic
// and fast.
var TestMaxTarget = new(uint256.Int).Lsh(uint256.NewInt(1), 255)

// ProofOfWork is the built-in consensus capability: BLAKE3 hashing over the
// canonical header serialization, a divide-by-difficulty target curve, and
// the elapsed-time retargeting formula.
type ProofOfWork struct{}

func NewProofOfWork() *ProofOfWork {
	return &ProofOfWork{}
}

// powState is the opaque consensus state for ProofOfWork. Values are
// immutable once published: every mutation path returns a fresh copy.
type powState struct {
	cfg        config.ConsensusConfig
	difficulty uint64
	maxTarget  *uint256.Int
	target     *uint256.Int // precomputed for the current difficulty
	recent     []interfaces.TimeSample
}

func (s *powState) Algorithm() string { return AlgorithmPoW }

func (s *powState) clone() *powState {
	next := *s
	next.recent = append([]interfaces.TimeSample(nil), s.recent...)
	return &next
}

func init() {
	Register(AlgorithmPoW, func() interfaces.CapabilityItf { return NewProofOfWork() })
}

// Init validates the consensus parameters and builds the initial state. Any
// invalid parameter is fatal to engine startup.
func (pow *ProofOfWork) Init(cfg *config.ConsensusConfig) (interfaces.ConsensusStateItf, error) {
	if cfg == nil {
		return nil, &ConfigError{Param: "consensus", Reason: "missing configuration"}
	}
	if cfg.InitialDifficulty == 0 {
		return nil, &ConfigError{Param: "initial_difficulty", Reason: "must be positive"}
	}
	if cfg.TargetBlockTimeMs == 0 {
		return nil, &ConfigError{Param: "target_block_time", Reason: "must be positive"}
	}
	if cfg.AdjustmentInterval < 2 {
		return nil, &ConfigError{Param: "difficulty_adjustment_interval", Reason: "must be at least 2 blocks"}
	}
	if cfg.MaxChangeFactor <= 1.0 {
		return nil, &ConfigError{Param: "max_difficulty_change_factor", Reason: "must be greater than 1.0"}
	}
	if cfg.MinimumDifficulty == 0 {
		return nil, &ConfigError{Param: "minimum_difficulty", Reason: "must be positive"}
	}
	if cfg.InitialDifficulty < cfg.MinimumDifficulty {
		return nil, &ConfigError{Param: "initial_difficulty", Reason: "below minimum_difficulty"}
	}

	maxTarget := crypto.MaxTarget
	if cfg.MaxTarget != "" {
		parsed, err := parseTargetHex(cfg.MaxTarget)
		if err != nil {
			return nil, &ConfigError{Param: "max_target", Reason: err.Error()}
		}
		maxTarget = parsed
		logger.Warningf("Consensus max_target overridden to %s: this selects an easier, non-production target curve", maxTarget.Hex())
	}

	st := &powState{
		cfg:        *cfg,
		difficulty: cfg.InitialDifficulty,
		maxTarget:  maxTarget,
		target:     targetForDifficulty(cfg.InitialDifficulty, maxTarget),
	}
	logger.LogConsensusEvent(AlgorithmPoW, "initialized", st.difficulty)
	return st, nil
}

func parseTargetHex(s string) (*uint256.Int, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return uint256.FromHex(s)
}

// targetForDifficulty divides the curve's upper bound by the difficulty,
// never returning zero. Strictly non-increasing in the difficulty.
func targetForDifficulty(difficulty uint64, maxTarget *uint256.Int) *uint256.Int {
	if difficulty == 0 {
		difficulty = 1
	}
	t := new(uint256.Int).Div(maxTarget, uint256.NewInt(difficulty))
	if t.IsZero() {
		t.SetOne()
	}
	return t
}

// DifficultyToTarget maps a difficulty onto the production target curve as a
// 32-byte big-endian value.
func DifficultyToTarget(difficulty uint64) [32]byte {
	return targetForDifficulty(difficulty, crypto.MaxTarget).Bytes32()
}

// DifficultyToTestTarget maps a difficulty onto the easier test curve. Used
// only by non-production configuration profiles.
func DifficultyToTestTarget(difficulty uint64) [32]byte {
	return targetForDifficulty(difficulty, TestMaxTarget).Bytes32()
}

// ValidHash reports whether hash meets target, both read as big-endian
// unsigned 256-bit integers. Malformed input is a plain false, not an error.
func ValidHash(hash, target []byte) bool {
	if len(hash) != crypto.HashSize || len(target) != crypto.HashSize {
		return false
	}
	h := new(uint256.Int).SetBytes(hash)
	t := new(uint256.Int).SetBytes(target)
	return h.Cmp(t) <= 0
}

// ValidateBlock recomputes the canonical hash and checks it against the
// stored hash, the target for the block's declared difficulty, and the
// timestamp plausibility bound. Pure: no state is touched.
func (pow *ProofOfWork) ValidateBlock(block interfaces.BlockConsensusItf, state interfaces.ConsensusStateItf) error {
	st, err := powStateOf(state)
	if err != nil {
		return err
	}

	stored := block.GetHash()
	if len(stored) == 0 {
		return ErrNoHash
	}
	if len(stored) != crypto.HashSize {
		return ErrInvalidHashFormat
	}

	recomputed := crypto.Blake3Hash(block.CanonicalBytes())
	if !bytes.Equal(stored, recomputed[:]) {
		return ErrHashMismatch
	}

	target := targetForDifficulty(block.GetHeader().GetDifficulty(), st.maxTarget).Bytes32()
	if !ValidHash(stored, target[:]) {
		return ErrTargetNotMet
	}

	if block.GetHeader().GetTimestamp() > time.Now().Add(maxFutureDrift).Unix() {
		return ErrTimestampOutOfRange
	}
	return nil
}

// MineBlock searches the nonce space for a hash meeting the target of the
// block's configured difficulty, starting from the template's current nonce.
// The search polls ctx between batches and abandons the attempt on
// cancellation; a full wrap of the nonce space is a recoverable error the
// coordinator answers with a fresh template.
func (pow *ProofOfWork) MineBlock(ctx context.Context, block interfaces.BlockConsensusItf, state interfaces.ConsensusStateItf) error {
	st, err := powStateOf(state)
	if err != nil {
		return err
	}

	header := block.GetHeader()
	target := targetForDifficulty(header.GetDifficulty(), st.maxTarget)
	start := header.GetNonce()
	nonce := start

	hashInt := new(uint256.Int)
	for {
		for i := 0; i < nonceBatch; i++ {
			header.SetNonce(nonce)
			hash := crypto.Blake3Hash(block.CanonicalBytes())
			hashInt.SetBytes(hash[:])
			if hashInt.Cmp(target) <= 0 {
				block.SetHash(hash[:])
				return nil
			}
			nonce++
			if nonce == start {
				return ErrNonceSpaceExhausted
			}
		}
		select {
		case <-ctx.Done():
			return ErrMiningCancelled
		default:
		}
	}
}

// UpdateState folds a committed block into consensus state: the retargeting
// history gains a time sample, bounded by the adjustment interval.
func (pow *ProofOfWork) UpdateState(block interfaces.BlockConsensusItf, state interfaces.ConsensusStateItf) (interfaces.ConsensusStateItf, error) {
	st, err := powStateOf(state)
	if err != nil {
		return nil, err
	}

	header := block.GetHeader()
	next := st.clone()
	next.recent = append(next.recent, interfaces.TimeSample{
		Index:     header.GetIndex(),
		Timestamp: header.GetTimestamp(),
	})
	if max := int(next.cfg.AdjustmentInterval); len(next.recent) > max {
		next.recent = next.recent[len(next.recent)-max:]
	}
	return next, nil
}

func (pow *ProofOfWork) Difficulty(state interfaces.ConsensusStateItf) uint64 {
	st, err := powStateOf(state)
	if err != nil {
		return 0
	}
	return st.difficulty
}

// AdjustDifficulty computes the retargeted difficulty from a window of
// recent block headers. Pure: the caller decides whether to commit the
// result through the difficulty-setting hook.
func (pow *ProofOfWork) AdjustDifficulty(window []interfaces.BlockHeaderConsensusItf, state interfaces.ConsensusStateItf) uint64 {
	st, err := powStateOf(state)
	if err != nil {
		return 0
	}
	samples := make([]interfaces.TimeSample, 0, len(window))
	for _, h := range window {
		samples = append(samples, interfaces.TimeSample{Index: h.GetIndex(), Timestamp: h.GetTimestamp()})
	}
	return retarget(samples, st)
}

// AdjustDifficultyFast applies the identical formula to lightweight
// index/timestamp samples.
func (pow *ProofOfWork) AdjustDifficultyFast(samples []interfaces.TimeSample, state interfaces.ConsensusStateItf) uint64 {
	st, err := powStateOf(state)
	if err != nil {
		return 0
	}
	return retarget(samples, st)
}

// retarget implements the elapsed-time formula: the ratio of expected to
// actual window duration scales the current difficulty, clamped by the max
// change factor in both directions and floored at the configured minimum.
// Degenerate windows (too short, zero or negative elapsed time) leave the
// difficulty unchanged.
func retarget(samples []interfaces.TimeSample, st *powState) uint64 {
	current := st.difficulty
	n := len(samples)
	if n < int(st.cfg.AdjustmentInterval) || n < 2 {
		return current
	}

	elapsed := samples[n-1].Timestamp - samples[0].Timestamp
	if elapsed <= 0 {
		return current
	}

	expectedMs := float64(st.cfg.TargetBlockTimeMs) * float64(n-1)
	actualMs := float64(elapsed) * 1000.0
	ratio := expectedMs / actualMs

	next := math.Round(float64(current) * ratio)

	upper := float64(current) * st.cfg.MaxChangeFactor
	lower := float64(current) / st.cfg.MaxChangeFactor
	if next > upper {
		next = math.Floor(upper)
	}
	if next < lower {
		next = math.Ceil(lower)
	}
	if next < float64(st.cfg.MinimumDifficulty) {
		next = float64(st.cfg.MinimumDifficulty)
	}
	if next < 1 {
		next = 1
	}
	return uint64(next)
}

// SetDifficulty replaces the current difficulty, flooring at the configured
// minimum. Implements the optional difficulty-setting hook used by the admin
// override and the retarget commit path.
func (pow *ProofOfWork) SetDifficulty(difficulty uint64, state interfaces.ConsensusStateItf) (interfaces.ConsensusStateItf, error) {
	st, err := powStateOf(state)
	if err != nil {
		return nil, err
	}
	if difficulty == 0 {
		return nil, &ConfigError{Param: "difficulty", Reason: "must be positive"}
	}
	if difficulty < st.cfg.MinimumDifficulty {
		difficulty = st.cfg.MinimumDifficulty
	}

	next := st.clone()
	next.difficulty = difficulty
	next.target = targetForDifficulty(difficulty, next.maxTarget)
	logger.LogConsensusEvent(AlgorithmPoW, "difficulty set", difficulty)
	return next, nil
}

func (pow *ProofOfWork) CanProduceBlock(state interfaces.ConsensusStateItf) bool {
	st, err := powStateOf(state)
	if err != nil {
		return false
	}
	return st.cfg.Mining
}

func (pow *ProofOfWork) Info(state interfaces.ConsensusStateItf) interfaces.ConsensusInfo {
	st, err := powStateOf(state)
	if err != nil {
		return interfaces.ConsensusInfo{Algorithm: AlgorithmPoW}
	}
	return interfaces.ConsensusInfo{
		Algorithm:     AlgorithmPoW,
		Difficulty:    st.difficulty,
		Target:        st.target.Hex(),
		MiningEnabled: st.cfg.Mining,
		Extra: map[string]string{
			"maxTarget":      st.maxTarget.Hex(),
			"retargetWindow": strconv.Itoa(len(st.recent)) + "/" + strconv.FormatUint(st.cfg.AdjustmentInterval, 10),
		},
	}
}

func (pow *ProofOfWork) Terminate(reason string, state interfaces.ConsensusStateItf) {
	logger.Infof("Proof-of-work capability terminating: %s", reason)
}

func powStateOf(state interfaces.ConsensusStateItf) (*powState, error) {
	st, ok := state.(*powState)
	if !ok || st == nil {
		return nil, ErrEngineNotActive
	}
	return st, nil
}
