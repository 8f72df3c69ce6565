package socketcast

import (
	"errors"
	"fmt"
)

var (
	ErrNoAdapter       = errors.New("no adapter for this namespace")
	ErrAckTimeout      = errors.New("operation has timed out")
	ErrInvalidRoomName = errors.New("room name contains the topic separator")
	ErrSocketClosed    = errors.New("socket is disconnected")
)

// reservedEvents are emitted by the server itself and must never be spoofed
// through Emit.
var reservedEvents = map[string]struct{}{
	"connect":        {},
	"connect_error":  {},
	"disconnect":     {},
	"disconnecting":  {},
	"newListener":    {},
	"removeListener": {},
}

func isReservedEvent(name string) bool {
	_, ok := reservedEvents[name]
	return ok
}

type InvalidEventNameError struct {
	Name string
}

func (e *InvalidEventNameError) Error() string {
	return fmt.Sprintf("%q is a reserved event name", e.Name)
}

// AckTimeoutError is reported when not every expected acknowledgment arrived
// before the deadline. Responses holds whatever did arrive.
type AckTimeoutError struct {
	Responses []any
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("%v: %d response(s) received", ErrAckTimeout, len(e.Responses))
}

func (e *AckTimeoutError) Unwrap() error {
	return ErrAckTimeout
}

type errMsg struct {
	Message string `json:"message"`
}

var ErrInvalidNamespace errMsg = errMsg{
	Message: "Invalid namespace",
}
