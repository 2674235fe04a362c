package consensus

import (
	"context"
	"fmt"
	"sync"

	"blockforge-node/config"
	"blockforge-node/interfaces"
	"blockforge-node/logger"
	"blockforge-node/metrics"
)

// Capability constructors are registered by name so the engine can build
// and hot-swap algorithms from configuration.
var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() interfaces.CapabilityItf)
)

// Register makes a capability constructor available under name. Called from
// package init functions; registering the same name twice panics because it
// is always a programming error.
func Register(name string, constructor func() interfaces.CapabilityItf) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("consensus: duplicate capability registration for " + name)
	}
	registry[name] = constructor
}

func lookup(name string) (func() interfaces.CapabilityItf, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[name]
	return c, ok
}

type engineStatus int

const (
	statusUninitialized engineStatus = iota
	statusActive
	statusTerminated
)

// Engine owns exactly one (capability, state, config) triple. All consensus
// state mutation flows through it; no other component reads or writes the
// state directly. Read and compute operations snapshot the triple and run
// outside the lock -- state values are immutable, so a long mining call
// never starves a concurrent validation.
type Engine struct {
	mu         sync.RWMutex
	algorithm  string
	capability interfaces.CapabilityItf
	state      interfaces.ConsensusStateItf
	cfg        *config.ConsensusConfig
	status     engineStatus
}

// NewEngine builds the named capability and initializes it. Init failure is
// fatal: the engine is returned terminated and unusable.
func NewEngine(algorithm string, cfg *config.ConsensusConfig) (*Engine, error) {
	e := &Engine{status: statusUninitialized}

	constructor, ok := lookup(algorithm)
	if !ok {
		e.status = statusTerminated
		return e, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}

	capability := constructor()
	state, err := capability.Init(cfg)
	if err != nil {
		e.status = statusTerminated
		return e, err
	}

	e.algorithm = algorithm
	e.capability = capability
	e.state = state
	e.cfg = cfg
	e.status = statusActive
	logger.Infof("Consensus engine active with algorithm %q", algorithm)
	return e, nil
}

// snapshot returns the active capability and state for lock-free use.
func (e *Engine) snapshot() (interfaces.CapabilityItf, interfaces.ConsensusStateItf, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.status != statusActive {
		return nil, nil, ErrEngineNotActive
	}
	return e.capability, e.state, nil
}

// ValidateBlock checks a block against the active consensus rules. Safe to
// call concurrently with an in-flight MineBlock.
func (e *Engine) ValidateBlock(block interfaces.BlockConsensusItf) error {
	capability, state, err := e.snapshot()
	if err != nil {
		return err
	}
	return capability.ValidateBlock(block, state)
}

// MineBlock runs the mining search on the given template. Unbounded: the
// caller owns cancellation through ctx. The engine lock is not held while
// the search runs.
func (e *Engine) MineBlock(ctx context.Context, block interfaces.BlockConsensusItf) error {
	capability, state, err := e.snapshot()
	if err != nil {
		return err
	}
	return capability.MineBlock(ctx, block, state)
}

// UpdateState folds a committed block into consensus state. The replacement
// is atomic: on error the previous state is retained unchanged.
func (e *Engine) UpdateState(block interfaces.BlockConsensusItf) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != statusActive {
		return ErrEngineNotActive
	}
	next, err := e.capability.UpdateState(block, e.state)
	if err != nil {
		return err
	}
	e.state = next
	return nil
}

// Difficulty returns the current consensus difficulty.
func (e *Engine) Difficulty() (uint64, error) {
	capability, state, err := e.snapshot()
	if err != nil {
		return 0, err
	}
	return capability.Difficulty(state), nil
}

// SetDifficulty overrides the current difficulty (admin path, genesis
// bootstrap). Capabilities without a difficulty-setting hook leave state
// unchanged.
func (e *Engine) SetDifficulty(difficulty uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != statusActive {
		return ErrEngineNotActive
	}
	setter, ok := e.capability.(interfaces.DifficultySetterItf)
	if !ok {
		logger.Warningf("Consensus algorithm %q does not support difficulty overrides; state unchanged", e.algorithm)
		return nil
	}
	next, err := setter.SetDifficulty(difficulty, e.state)
	if err != nil {
		return err
	}
	e.state = next
	return nil
}

// AdjustDifficulty computes the retargeted difficulty from recent headers
// and commits it through the same path SetDifficulty uses. The computation
// is returned even when the capability cannot commit it.
func (e *Engine) AdjustDifficulty(window []interfaces.BlockHeaderConsensusItf) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != statusActive {
		return 0, ErrEngineNotActive
	}
	next := e.capability.AdjustDifficulty(window, e.state)
	return next, e.commitDifficultyLocked(next)
}

// AdjustDifficultyFast is AdjustDifficulty over lightweight time samples.
func (e *Engine) AdjustDifficultyFast(samples []interfaces.TimeSample) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != statusActive {
		return 0, ErrEngineNotActive
	}
	next := e.capability.AdjustDifficultyFast(samples, e.state)
	return next, e.commitDifficultyLocked(next)
}

// commitDifficultyLocked applies a computed difficulty when the capability
// supports the setting hook. Callers hold e.mu.
func (e *Engine) commitDifficultyLocked(difficulty uint64) error {
	setter, ok := e.capability.(interfaces.DifficultySetterItf)
	if !ok {
		return nil
	}
	if difficulty == e.capability.Difficulty(e.state) {
		return nil
	}
	next, err := setter.SetDifficulty(difficulty, e.state)
	if err != nil {
		return err
	}
	e.state = next
	return nil
}

// CanProduceBlock reports the local production gate.
func (e *Engine) CanProduceBlock() bool {
	capability, state, err := e.snapshot()
	if err != nil {
		return false
	}
	return capability.CanProduceBlock(state)
}

// Info returns the active capability's diagnostic record.
func (e *Engine) Info() (interfaces.ConsensusInfo, error) {
	capability, state, err := e.snapshot()
	if err != nil {
		return interfaces.ConsensusInfo{}, err
	}
	return capability.Info(state), nil
}

// Algorithm returns the name of the active algorithm.
func (e *Engine) Algorithm() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.algorithm
}

// SwitchConsensus hot-swaps the active algorithm. Construct, then validate,
// then replace: the new capability is fully initialized before the active
// triple is touched, and a failed init leaves the previous algorithm and
// state exactly as they were.
func (e *Engine) SwitchConsensus(algorithm string, cfg *config.ConsensusConfig) error {
	constructor, ok := lookup(algorithm)
	if !ok {
		return &SwitchError{Algorithm: algorithm, Cause: ErrUnknownAlgorithm}
	}

	capability := constructor()
	state, err := capability.Init(cfg)
	if err != nil {
		return &SwitchError{Algorithm: algorithm, Cause: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != statusActive {
		// The replacement was already initialized; give it its teardown
		// before abandoning it.
		if terminator, ok := capability.(interfaces.TerminatorItf); ok {
			terminator.Terminate("engine not active", state)
		}
		return &SwitchError{Algorithm: algorithm, Cause: ErrEngineNotActive}
	}

	if terminator, ok := e.capability.(interfaces.TerminatorItf); ok {
		terminator.Terminate("consensus switch to "+algorithm, e.state)
	}

	previous := e.algorithm
	e.algorithm = algorithm
	e.capability = capability
	e.state = state
	e.cfg = cfg
	metrics.GetMetrics().IncrementSwitchCount()
	logger.Infof("Consensus switched from %q to %q", previous, algorithm)
	return nil
}

// Terminate shuts the engine down. All subsequent calls fail with
// ErrEngineNotActive.
func (e *Engine) Terminate(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != statusActive {
		return
	}
	if terminator, ok := e.capability.(interfaces.TerminatorItf); ok {
		terminator.Terminate(reason, e.state)
	}
	e.status = statusTerminated
	logger.Infof("Consensus engine terminated: %s", reason)
}
