package domain

import (
	"errors"
	"fmt"
)

var (
	ErrContext          = errors.New("card service unavailable")
	ErrConnect          = errors.New("connect failed")
	ErrTransmit         = errors.New("transmit failed")
	ErrStatusFailure    = errors.New("status word failure")
	ErrTimeout          = errors.New("timed out waiting for response")
	ErrInvalidKeyLength = errors.New("key must be 6 bytes long")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrBusy             = errors.New("command already in flight")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyClaimed   = errors.New("channel already open")
)

// StatusError reports an APDU that completed with a non-success status word.
type StatusError struct {
	Op string
	SW int
}

func (e *StatusError) Error() string {
	if e.SW < 0 {
		return fmt.Sprintf("%s: SW=unknown", e.Op)
	}
	return fmt.Sprintf("%s: SW=%04X", e.Op, e.SW)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatusFailure
}
