package schema

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidType    = errors.New("schema: invalid type definition")
	ErrUnknownField   = errors.New("schema: unknown field")
	ErrTypeMismatch   = errors.New("schema: value does not match wire type")
	ErrContainerField = errors.New("schema: container fields are created with their object")
	ErrOutOfRange     = errors.New("schema: position out of range")
	ErrProtocol       = errors.New("schema: protocol error")
	ErrDesynced       = errors.New("schema: mirror is desynchronized, full state required")
)

// ProtocolError reports a patch that could not be applied. The mirror that
// returned it must be rebuilt from a full state.
type ProtocolError struct {
	RefID  uint64
	Index  int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("schema: protocol error at ref %d index %d: %s", e.RefID, e.Index, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErr(reason string, err error) *ProtocolError {
	return &ProtocolError{Index: -1, Reason: reason, Err: err}
}
