package firmware

import (
	"errors"
	"fmt"
)

// ValidationKind classifies why an image was rejected.
type ValidationKind int

const (
	SizeInvalid ValidationKind = iota + 1
	VectorTableInvalid
	MagicKeyMissing
)

func (k ValidationKind) String() string {
	switch k {
	case SizeInvalid:
		return "size invalid"
	case VectorTableInvalid:
		return "vector table invalid"
	case MagicKeyMissing:
		return "magic key missing"
	default:
		return fmt.Sprintf("validation kind %d", int(k))
	}
}

// Sentinels matched by errors.Is against a *ValidationError of the same kind.
var (
	ErrSizeInvalid        = errors.New("size invalid")
	ErrVectorTableInvalid = errors.New("vector table invalid")
	ErrMagicKeyMissing    = errors.New("magic key missing")
)

// ValidationError indicates that an image was rejected before any device I/O.
type ValidationError struct {
	Kind   ValidationKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid firmware: %s: %s", e.Kind, e.Reason)
}

// Is matches the sentinel of the error's kind.
func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrSizeInvalid:
		return e.Kind == SizeInvalid
	case ErrVectorTableInvalid:
		return e.Kind == VectorTableInvalid
	case ErrMagicKeyMissing:
		return e.Kind == MagicKeyMissing
	}
	return false
}

func invalid(kind ValidationKind, format string, args ...interface{}) error {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
