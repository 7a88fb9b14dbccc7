package ring

import "errors"

var (
	// ErrDomainMismatch is returned when operands disagree on domain, degree or modulus.
	ErrDomainMismatch = errors.New("domain mismatch")

	// ErrIndexOutOfRange is returned by bounds-checked accessors.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrInvalidConstruction is returned for nonsensical construction parameters.
	ErrInvalidConstruction = errors.New("invalid construction")

	// ErrNumericRange is returned when a modulus or an encoded value exceeds the representable width.
	ErrNumericRange = errors.New("numeric range exceeded")
)
