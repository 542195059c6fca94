package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks any failure reported by the backend while the
	// connection itself stays usable.
	ErrTransport          = errors.New("transport failure")
	ErrInvalidDestination = errors.New("invalid destination")
	ErrClosed             = errors.New("connection closed")
)

// OpError records which handle operation failed.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *OpError) Unwrap() []error { return []error{ErrTransport, e.Err} }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}
