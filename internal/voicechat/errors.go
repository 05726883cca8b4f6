package voicechat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDirective is returned for a text message whose directive is
	// not understood.
	ErrInvalidDirective = errors.New("voicechat: invalid directive")

	// ErrAlreadyRunning is returned by Start on a RUNNING session.
	ErrAlreadyRunning = errors.New("voicechat: session already running")

	// ErrUnknownVendor is returned when a SessionStart names a recognizer or
	// synthesizer that is not configured.
	ErrUnknownVendor = errors.New("voicechat: unknown vendor")

	// ErrVendor wraps failures of a recognizer or synthesizer client.
	ErrVendor = errors.New("voicechat: vendor error")
)

// TransportError reports that a message could not be delivered to the
// client. It is fatal for the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("voicechat: transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
