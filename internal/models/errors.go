package models

import "errors"

// Error taxonomy shared by the index builder and the sample assembler.
// Callers match with errors.Is; the wrapped message carries the detail.
var (
	// ErrConfiguration reports malformed patch geometry or loader options.
	// It is raised while the index is built, never during a fetch.
	ErrConfiguration = errors.New("configuration error")

	// ErrIndexOutOfRange reports a fetch outside [0, Len).
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrShapeMismatch reports arrays whose shapes disagree, including a
	// patch window that no longer fits a transformed tensor.
	ErrShapeMismatch = errors.New("shape mismatch")
)
