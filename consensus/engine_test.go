package consensus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockforge-node/config"
	"blockforge-node/interfaces"
)

func newActiveEngine(t *testing.T, cfg *config.ConsensusConfig) *Engine {
	t.Helper()
	engine, err := NewEngine(AlgorithmPoW, cfg)
	require.NoError(t, err)
	return engine
}

func TestNewEngineUnknownAlgorithm(t *testing.T) {
	engine, err := NewEngine("does-not-exist", testCurveConfig())
	require.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = engine.Difficulty()
	assert.ErrorIs(t, err, ErrEngineNotActive)
	assert.False(t, engine.CanProduceBlock())
}

func TestNewEngineInitFailure(t *testing.T) {
	cfg := testCurveConfig()
	cfg.InitialDifficulty = 0

	engine, err := NewEngine(AlgorithmPoW, cfg)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = engine.Info()
	assert.ErrorIs(t, err, ErrEngineNotActive)
}

func TestEngineMineValidateUpdate(t *testing.T) {
	engine := newActiveEngine(t, testCurveConfig())

	assert.Equal(t, AlgorithmPoW, engine.Algorithm())
	assert.True(t, engine.CanProduceBlock())

	block := newTestBlock(1, 1)
	require.NoError(t, engine.MineBlock(context.Background(), block))
	require.NoError(t, engine.ValidateBlock(block))
	require.NoError(t, engine.UpdateState(block))

	info, err := engine.Info()
	require.NoError(t, err)
	assert.Equal(t, "1/5", info.Extra["retargetWindow"])
}

func TestEngineSetDifficulty(t *testing.T) {
	engine := newActiveEngine(t, testCurveConfig())

	require.NoError(t, engine.SetDifficulty(50))
	difficulty, err := engine.Difficulty()
	require.NoError(t, err)
	assert.Equal(t, uint64(50), difficulty)

	err = engine.SetDifficulty(0)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	// The failed override left the state untouched.
	difficulty, err = engine.Difficulty()
	require.NoError(t, err)
	assert.Equal(t, uint64(50), difficulty)
}

func TestEngineAdjustDifficultyCommits(t *testing.T) {
	cfg := testCurveConfig()
	cfg.InitialDifficulty = 10
	cfg.TargetBlockTimeMs = 2000
	cfg.AdjustmentInterval = 2
	engine := newActiveEngine(t, cfg)

	// Two blocks 1s apart at a 2s target: the doubling is computed and
	// committed in one call.
	next, err := engine.AdjustDifficultyFast([]interfaces.TimeSample{
		{Index: 1, Timestamp: 100},
		{Index: 2, Timestamp: 101},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), next)

	difficulty, err := engine.Difficulty()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), difficulty)

	window := []interfaces.BlockHeaderConsensusItf{
		&testHeader{index: 3, timestamp: 200},
		&testHeader{index: 4, timestamp: 201},
	}
	next, err = engine.AdjustDifficulty(window)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), next)
}

func TestSwitchConsensusUnknownAlgorithm(t *testing.T) {
	engine := newActiveEngine(t, testCurveConfig())
	require.NoError(t, engine.SetDifficulty(42))
	before, err := engine.Info()
	require.NoError(t, err)

	err = engine.SwitchConsensus("does-not-exist", testCurveConfig())
	var switchErr *SwitchError
	require.ErrorAs(t, err, &switchErr)
	assert.Equal(t, "does-not-exist", switchErr.Algorithm)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	// The failed switch changed nothing observable.
	after, err := engine.Info()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, AlgorithmPoW, engine.Algorithm())
}

func TestSwitchConsensusInitFailure(t *testing.T) {
	engine := newActiveEngine(t, testCurveConfig())
	require.NoError(t, engine.SetDifficulty(42))
	before, err := engine.Info()
	require.NoError(t, err)

	bad := testCurveConfig()
	bad.MinimumDifficulty = 0
	err = engine.SwitchConsensus(AlgorithmPoW, bad)
	var switchErr *SwitchError
	require.ErrorAs(t, err, &switchErr)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	after, err := engine.Info()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSwitchConsensusSuccess(t *testing.T) {
	engine := newActiveEngine(t, testCurveConfig())

	next := testCurveConfig()
	next.InitialDifficulty = 77
	next.Mining = false
	require.NoError(t, engine.SwitchConsensus(AlgorithmPoW, next))

	difficulty, err := engine.Difficulty()
	require.NoError(t, err)
	assert.Equal(t, uint64(77), difficulty)
	assert.False(t, engine.CanProduceBlock())
}

func TestEngineTerminate(t *testing.T) {
	engine := newActiveEngine(t, testCurveConfig())
	engine.Terminate("test shutdown")

	_, err := engine.Difficulty()
	assert.ErrorIs(t, err, ErrEngineNotActive)
	assert.ErrorIs(t, engine.ValidateBlock(newTestBlock(1, 1)), ErrEngineNotActive)
	assert.ErrorIs(t, engine.UpdateState(newTestBlock(1, 1)), ErrEngineNotActive)
	assert.ErrorIs(t, engine.SetDifficulty(5), ErrEngineNotActive)

	err = engine.SwitchConsensus(AlgorithmPoW, testCurveConfig())
	var switchErr *SwitchError
	require.ErrorAs(t, err, &switchErr)
	assert.ErrorIs(t, err, ErrEngineNotActive)

	// Idempotent.
	engine.Terminate("again")
}

// recordingCapability is a minimal capability that records its teardowns.
type recordingCapability struct {
	mu         sync.Mutex
	terminated []string
}

type recordingState struct{}

func (recordingState) Algorithm() string { return "recording" }

func (c *recordingCapability) Init(cfg *config.ConsensusConfig) (interfaces.ConsensusStateItf, error) {
	return recordingState{}, nil
}
func (c *recordingCapability) ValidateBlock(block interfaces.BlockConsensusItf, state interfaces.ConsensusStateItf) error {
	return nil
}
func (c *recordingCapability) MineBlock(ctx context.Context, block interfaces.BlockConsensusItf, state interfaces.ConsensusStateItf) error {
	return nil
}
func (c *recordingCapability) UpdateState(block interfaces.BlockConsensusItf, state interfaces.ConsensusStateItf) (interfaces.ConsensusStateItf, error) {
	return state, nil
}
func (c *recordingCapability) Difficulty(state interfaces.ConsensusStateItf) uint64 { return 1 }
func (c *recordingCapability) AdjustDifficulty(window []interfaces.BlockHeaderConsensusItf, state interfaces.ConsensusStateItf) uint64 {
	return 1
}
func (c *recordingCapability) AdjustDifficultyFast(samples []interfaces.TimeSample, state interfaces.ConsensusStateItf) uint64 {
	return 1
}
func (c *recordingCapability) CanProduceBlock(state interfaces.ConsensusStateItf) bool { return false }
func (c *recordingCapability) Info(state interfaces.ConsensusStateItf) interfaces.ConsensusInfo {
	return interfaces.ConsensusInfo{Algorithm: "recording"}
}
func (c *recordingCapability) Terminate(reason string, state interfaces.ConsensusStateItf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = append(c.terminated, reason)
}

func TestSwitchOnTerminatedEngineTearsDownReplacement(t *testing.T) {
	recorder := &recordingCapability{}
	Register("recording-term", func() interfaces.CapabilityItf { return recorder })

	engine := newActiveEngine(t, testCurveConfig())
	engine.Terminate("test shutdown")

	err := engine.SwitchConsensus("recording-term", testCurveConfig())
	var switchErr *SwitchError
	require.ErrorAs(t, err, &switchErr)
	assert.ErrorIs(t, err, ErrEngineNotActive)

	// The fully initialized replacement must not be abandoned without its
	// teardown.
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.terminated, 1)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("engine-test-dup", func() interfaces.CapabilityItf { return NewProofOfWork() })
	assert.Panics(t, func() {
		Register("engine-test-dup", func() interfaces.CapabilityItf { return NewProofOfWork() })
	})
}
