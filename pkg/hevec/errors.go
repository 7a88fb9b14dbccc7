package hevec

import (
	"errors"

	"github.com/opaque/hevec/pkg/ring"
)

// Error kinds shared with the ring package, so callers need a single import.
var (
	ErrDomainMismatch      = ring.ErrDomainMismatch
	ErrIndexOutOfRange     = ring.ErrIndexOutOfRange
	ErrInvalidConstruction = ring.ErrInvalidConstruction
	ErrNumericRange        = ring.ErrNumericRange
)

// ErrNotExtended is returned when the third polynomial of a standard ciphertext is requested.
var ErrNotExtended = errors.New("ciphertext is not extended")
