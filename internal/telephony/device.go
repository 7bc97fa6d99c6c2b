package telephony

import (
	"context"
	"fmt"
)

// Direction of a media session relative to the agent.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// EventKind identifies a device lifecycle event.
type EventKind int

const (
	EventRegistered EventKind = iota + 1
	EventUnregistered
	EventIncoming
	EventIncomingCanceled
	EventConnected
	EventDisconnected
	EventCallFailed
	EventError
)

var eventKindNames = map[EventKind]string{
	EventRegistered:       "registered",
	EventUnregistered:     "unregistered",
	EventIncoming:         "incoming",
	EventIncomingCanceled: "incoming_canceled",
	EventConnected:        "connected",
	EventDisconnected:     "disconnected",
	EventCallFailed:       "call_failed",
	EventError:            "error",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is emitted by a Device. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// CallRef is the device's identifier for the call the event concerns.
	CallRef string

	// Incoming offer details.
	CallerRef     string
	CallerName    string
	ConferenceRef string

	// Connected session details.
	Direction   Direction
	Counterpart string

	// Err is set for EventCallFailed and EventError. Fatal errors mean the
	// device can no longer place or receive calls.
	Err   error
	Fatal bool
}

// ConnectRequest describes an outgoing session. ConferenceRef is set when
// the session joins a backend conference bridge rather than dialing a party.
type ConnectRequest struct {
	Target        string
	ConferenceRef string
}

// Device is the telephony capability the endpoint drives. Implementations
// report asynchronous outcomes (ringing, answer, hangup, failures) through
// the OnEvent handler; the methods only start or perform an action.
type Device interface {
	// Register blocks until the registrar acknowledges the registration or
	// rejects it.
	Register(ctx context.Context, token string) error
	Unregister(ctx context.Context) error

	Accept(ctx context.Context, callRef string) error
	Reject(ctx context.Context, callRef string) error

	// Connect starts an outgoing session. EventConnected or EventCallFailed
	// follows.
	Connect(ctx context.Context, req ConnectRequest) error
	DisconnectAll(ctx context.Context) error

	SetMuted(muted bool) error
	SetOnHold(ctx context.Context, hold bool) error

	OnEvent(fn func(Event))
	Close() error
}
