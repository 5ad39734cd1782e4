package inbound

import (
	"errors"
	"fmt"
)

// BindError is returned when the inbound endpoint cannot be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind inbound endpoint %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// TransportError reports a read that did not yield a complete, decodable
// record. The connection stays usable; the caller skips the tick.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("inbound %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is, or wraps, a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

var (
	errEmptyRecord     = errors.New("empty record")
	errOversizedRecord = errors.New("record exceeds size limit")
	errUntracked       = errors.New("record is for an untracked vehicle")
	errWireType        = errors.New("unexpected wire type")
)
