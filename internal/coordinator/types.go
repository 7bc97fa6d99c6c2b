package coordinator

import (
	"errors"
	"time"

	"github.com/flowpbx/agentdesk/internal/calllog"
)

// Error categories returned by coordinator actions. Match with errors.Is.
var (
	ErrConnection         = errors.New("connection error")
	ErrRegistrationFailed = errors.New("registration failed")
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrCall               = errors.New("call error")
	ErrValidation         = errors.New("validation error")
	ErrPrecondition       = errors.New("precondition failed")
	ErrStopped            = errors.New("coordinator stopped")
)

// State is the coordinator's call state.
type State string

const (
	StateInitializing      State = "initializing"
	StateReady             State = "ready"
	StateOfferPending      State = "offer_pending"
	StateConnecting        State = "connecting"
	StateInCall            State = "in_call"
	StateError             State = "error"
	StateDeviceUnavailable State = "device_unavailable"
)

// OfferSource says which channel reported an offer.
type OfferSource string

const (
	SourceSignaling OfferSource = "signaling"
	SourceDevice    OfferSource = "device"
)

// IncomingOffer is a call waiting to be answered. Once the device reports
// the call, Source is device and DeviceCallRef is what accept and reject act
// on; signaling contributes the display fields.
type IncomingOffer struct {
	ID            string      `json:"id"`
	Source        OfferSource `json:"source"`
	ConferenceRef string      `json:"conference_ref,omitempty"`
	CallerRef     string      `json:"caller_ref,omitempty"`
	CallerName    string      `json:"caller_name,omitempty"`
	DeviceCallRef string      `json:"device_call_ref,omitempty"`
	ReceivedAt    time.Time   `json:"received_at"`
	// Merged is set once both channels have reported the call.
	Merged bool `json:"merged"`
}

// ActiveSession is the connected media session.
type ActiveSession struct {
	ID              string            `json:"id"`
	StartedAt       time.Time         `json:"started_at"`
	Muted           bool              `json:"muted"`
	OnHold          bool              `json:"on_hold"`
	Direction       calllog.Direction `json:"direction"`
	CounterpartRef  string            `json:"counterpart_ref"`
	CounterpartName string            `json:"counterpart_name,omitempty"`
	ConferenceRef   string            `json:"conference_ref,omitempty"`
	DeviceCallRef   string            `json:"device_call_ref,omitempty"`
}

// ConnectionHealth holds the two independent transport flags.
type ConnectionHealth struct {
	SignalingConnected bool `json:"signaling_connected"`
	DeviceRegistered   bool `json:"device_registered"`
}

// NoticeKind classifies a dismissible notice.
type NoticeKind string

const (
	NoticeValidation   NoticeKind = "validation"
	NoticeConnection   NoticeKind = "connection"
	NoticeCall         NoticeKind = "call"
	NoticeRegistration NoticeKind = "registration"
	NoticeDevice       NoticeKind = "device"
)

// Notice is a message for the agent. Fatal notices accompany the Error and
// DeviceUnavailable states and cannot be dismissed.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	Fatal   bool       `json:"fatal"`
	At      time.Time  `json:"at"`
}

// CallTotals counts call log outcomes since start.
type CallTotals struct {
	Completed uint64 `json:"completed"`
	Missed    uint64 `json:"missed"`
	Failed    uint64 `json:"failed"`
}

// Snapshot is an immutable view of coordinator state for readers.
type Snapshot struct {
	Version        uint64           `json:"version"`
	State          State            `json:"state"`
	Readiness      Readiness        `json:"readiness"`
	Health         ConnectionHealth `json:"health"`
	Offer          *IncomingOffer   `json:"offer,omitempty"`
	Session        *ActiveSession   `json:"session,omitempty"`
	ElapsedSeconds int              `json:"elapsed_seconds"`
	Duration       string           `json:"duration"`
	QueuedOffers   int              `json:"queued_offers"`
	Notice         *Notice          `json:"notice,omitempty"`
	Totals         CallTotals       `json:"totals"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
