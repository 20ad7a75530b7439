package meshtypes

import (
	"errors"
	"fmt"
)

// Code enumerates the RealMesh error taxonomy surfaced at every operation
// boundary (node lifecycle, routing engine, codec, storage).
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidAddress
	CodeNotOperational
	CodeRadioFailed
	CodeBadPacket
	CodeCapacityExceeded
	CodeStorageFailed
	CodeConflict
)

func (c Code) String() string {
	switch c {
	case CodeInvalidAddress:
		return "InvalidAddress"
	case CodeNotOperational:
		return "NotOperational"
	case CodeRadioFailed:
		return "RadioFailed"
	case CodeBadPacket:
		return "BadPacket"
	case CodeCapacityExceeded:
		return "CapacityExceeded"
	case CodeStorageFailed:
		return "StorageFailed"
	case CodeConflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// MeshError wraps the taxonomy code, the failing operation, and (if any) the
// underlying cause. Callers should match on Code via errors.As, not string
// comparison.
type MeshError struct {
	Code Code
	Op   string
	Err  error
}

func (e *MeshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *MeshError) Unwrap() error { return e.Err }

// NewError builds a MeshError for op tagged with code, optionally wrapping cause.
func NewError(op string, code Code, cause error) *MeshError {
	return &MeshError{Code: code, Op: op, Err: cause}
}

// CodeOf extracts the taxonomy code from err, or CodeUnknown if err is not a
// *MeshError (or does not wrap one).
func CodeOf(err error) Code {
	var me *MeshError
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeUnknown
}
