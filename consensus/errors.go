package consensus

import (
	"errors"
	"fmt"
)

// Validation failures. Each one is a distinct reason so callers can react to
// the specific defect instead of a generic rejection.
var (
	ErrNoHash              = errors.New("block has no hash")
	ErrHashMismatch        = errors.New("block hash does not match header contents")
	ErrInvalidHashFormat   = errors.New("hash is not exactly 32 bytes")
	ErrTargetNotMet        = errors.New("block hash does not meet the difficulty target")
	ErrStaleParent         = errors.New("block parent is not the current chain head")
	ErrTimestampOutOfRange = errors.New("block timestamp is too far in the future")
)

// Mining failures. Recoverable by the coordinator, which refreshes the
// template and retries.
var (
	ErrNonceSpaceExhausted = errors.New("nonce space exhausted for the current template")
	ErrMiningCancelled     = errors.New("mining cancelled")
)

// Engine lifecycle failures.
var (
	ErrEngineNotActive  = errors.New("consensus engine is not active")
	ErrUnknownAlgorithm = errors.New("unknown consensus algorithm")
)

// ConfigError reports an invalid or missing consensus parameter at init.
// Fatal: the engine never reaches the active state.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid consensus config: %s: %s", e.Param, e.Reason)
}

// SwitchError reports a failed hot-swap. The previous capability and state
// are guaranteed unchanged.
type SwitchError struct {
	Algorithm string
	Cause     error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("failed to switch consensus to %q: %v", e.Algorithm, e.Cause)
}

func (e *SwitchError) Unwrap() error {
	return e.Cause
}
