package record

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState marks a lifecycle call made in the wrong engine state.
	ErrInvalidState = errors.New("invalid engine state")
	// ErrBufferCapacity marks a block larger than the scratch buffers.
	ErrBufferCapacity = errors.New("block exceeds scratch buffer capacity")
	// ErrUnknownSource marks a channel bound to a source that was never registered.
	ErrUnknownSource = errors.New("unknown source")
	// ErrDuplicateSource marks a second source registered for the same node.
	ErrDuplicateSource = errors.New("source already registered")
	// ErrDuplicateChannel marks a channel bound twice.
	ErrDuplicateChannel = errors.New("channel already bound")
	// ErrUnknownChannel marks a write or lookup for a channel outside the routing.
	ErrUnknownChannel = errors.New("unknown channel")
)

// UnitError reports an output unit that failed an I/O operation. The unit
// is left closed.
type UnitError struct {
	Unit   string
	Source int // -1 for the shared events and spikes units
	Path   string
	Err    error
}

func (e *UnitError) Error() string {
	if e.Source >= 0 {
		return fmt.Sprintf("%s unit of source %d (%s): %v", e.Unit, e.Source, e.Path, e.Err)
	}
	return fmt.Sprintf("%s unit (%s): %v", e.Unit, e.Path, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

func stateError(op string, have State, want ...State) error {
	return fmt.Errorf("%s in state %s (want %v): %w", op, have, want, ErrInvalidState)
}
