package audio

import (
	"errors"
	"fmt"
)

// Result codes shared by the core, the storage engine and the control codec.
// Callers match them with [errors.Is]; packages wrap them with context.
var (
	// ErrBadParameter reports a malformed payload, invalid channel count or
	// inconsistent port id/index pair. No state was mutated.
	ErrBadParameter = errors.New("bad parameter")

	// ErrNeedMore reports a payload shorter than its declared structure, or a
	// read that found no complete frame.
	ErrNeedMore = errors.New("need more data")

	// ErrUnsupported reports an unknown opcode, parameter or format.
	ErrUnsupported = errors.New("unsupported")

	// ErrNotReady reports an operation whose preconditions are not met yet.
	// It is a benign no-op.
	ErrNotReady = errors.New("not ready")

	// ErrOutOfMemory reports an allocation failure in the storage engine.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrFormatMismatch reports a media format claim that differs from the
	// authoritative format.
	ErrFormatMismatch = fmt.Errorf("media format mismatch: %w", ErrBadParameter)
)
