package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/agentdesk/internal/backend"
)

var (
	// ErrRegistrationFailed means a single registration attempt was refused.
	ErrRegistrationFailed = errors.New("telephony: registration failed")
	// ErrDeviceUnavailable means registration failed again after a
	// credential refresh. The endpoint cannot be used.
	ErrDeviceUnavailable = errors.New("telephony: device unavailable")
	ErrNoPendingCall     = errors.New("telephony: no pending call")
	ErrNoActiveSession   = errors.New("telephony: no active session")
	ErrSessionActive     = errors.New("telephony: a session is already active")
)

// CredentialSource fetches fresh registration credentials.
type CredentialSource interface {
	FetchCredential(ctx context.Context, agentID string) (backend.Credential, error)
}

// Endpoint owns a Device for one agent. It adds the credential-refresh retry
// on registration and tracks which calls are ringing or connected so session
// operations fail fast with a precise error.
type Endpoint struct {
	dev     Device
	creds   CredentialSource
	agentID string
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	handler    func(Event)
	registered bool
	pending    map[string]Event
	activeRef  string
	active     bool
	dialing    bool
	muted      bool
	onHold     bool
}

// NewEndpoint wraps dev. The endpoint installs itself as dev's event handler.
func NewEndpoint(dev Device, creds CredentialSource, agentID string, logger *slog.Logger) *Endpoint {
	e := &Endpoint{
		dev:     dev,
		creds:   creds,
		agentID: agentID,
		logger:  logger.With("subsystem", "telephony"),
		now:     time.Now,
		pending: make(map[string]Event),
	}
	dev.OnEvent(e.handleDeviceEvent)
	return e
}

// OnEvent registers the handler that receives device events after the
// endpoint has updated its own bookkeeping.
func (e *Endpoint) OnEvent(fn func(Event)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// Register registers the device with cred. If that fails, a fresh credential
// is fetched once and registration retried; a second failure returns an
// error wrapping ErrDeviceUnavailable.
func (e *Endpoint) Register(ctx context.Context, cred backend.Credential) error {
	err := e.tryRegister(ctx, cred)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	e.logger.Warn("registration failed, refreshing credential", "error", err)

	fresh, ferr := e.creds.FetchCredential(ctx, e.agentID)
	if ferr != nil {
		return fmt.Errorf("%w: refreshing credential: %w", ErrDeviceUnavailable, ferr)
	}
	if err := e.tryRegister(ctx, fresh); err != nil {
		e.logger.Error("registration failed after credential refresh", "error", err)
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return nil
}

func (e *Endpoint) tryRegister(ctx context.Context, cred backend.Credential) error {
	if cred.Token == "" {
		return fmt.Errorf("%w: empty credential", ErrRegistrationFailed)
	}
	if cred.Expired(e.now()) {
		return fmt.Errorf("%w: credential expired at %s", ErrRegistrationFailed, cred.ExpiresAt.Format(time.RFC3339))
	}
	if err := e.dev.Register(ctx, cred.Token); err != nil {
		return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	e.mu.Lock()
	e.registered = true
	e.mu.Unlock()
	e.logger.Info("telephony endpoint registered", "agent_id", e.agentID)
	return nil
}

// Accept answers the ringing call callRef.
func (e *Endpoint) Accept(ctx context.Context, callRef string) error {
	e.mu.Lock()
	if _, ok := e.pending[callRef]; !ok {
		e.mu.Unlock()
		return ErrNoPendingCall
	}
	if e.active || e.dialing {
		e.mu.Unlock()
		return ErrSessionActive
	}
	e.mu.Unlock()

	if err := e.dev.Accept(ctx, callRef); err != nil {
		return fmt.Errorf("accepting call %s: %w", callRef, err)
	}

	e.mu.Lock()
	delete(e.pending, callRef)
	e.mu.Unlock()
	return nil
}

// Reject declines the ringing call callRef.
func (e *Endpoint) Reject(ctx context.Context, callRef string) error {
	e.mu.Lock()
	if _, ok := e.pending[callRef]; !ok {
		e.mu.Unlock()
		return ErrNoPendingCall
	}
	delete(e.pending, callRef)
	e.mu.Unlock()

	if err := e.dev.Reject(ctx, callRef); err != nil {
		return fmt.Errorf("rejecting call %s: %w", callRef, err)
	}
	return nil
}

// Dial starts an outgoing session to counterpart.
func (e *Endpoint) Dial(ctx context.Context, counterpart string) error {
	return e.connect(ctx, ConnectRequest{Target: counterpart})
}

// JoinConference starts an outgoing session into the conference ref.
func (e *Endpoint) JoinConference(ctx context.Context, ref string) error {
	return e.connect(ctx, ConnectRequest{Target: ref, ConferenceRef: ref})
}

func (e *Endpoint) connect(ctx context.Context, req ConnectRequest) error {
	e.mu.Lock()
	if e.active || e.dialing {
		e.mu.Unlock()
		return ErrSessionActive
	}
	e.dialing = true
	e.mu.Unlock()

	if err := e.dev.Connect(ctx, req); err != nil {
		e.mu.Lock()
		e.dialing = false
		e.mu.Unlock()
		return fmt.Errorf("connecting to %s: %w", req.Target, err)
	}
	return nil
}

// HangupAll ends the active session and any outgoing attempt. It is a no-op
// when there is nothing to hang up.
func (e *Endpoint) HangupAll(ctx context.Context) error {
	e.mu.Lock()
	busy := e.active || e.dialing
	e.clearSessionLocked()
	e.mu.Unlock()
	if !busy {
		return nil
	}

	// The session is gone locally even if the device fails to signal it.
	if err := e.dev.DisconnectAll(ctx); err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	return nil
}

// SetMuted mutes or unmutes the active session.
func (e *Endpoint) SetMuted(muted bool) error {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if !active {
		return ErrNoActiveSession
	}

	if err := e.dev.SetMuted(muted); err != nil {
		return fmt.Errorf("setting mute: %w", err)
	}

	e.mu.Lock()
	e.muted = muted
	e.mu.Unlock()
	return nil
}

// SetOnHold holds or resumes the active session. It blocks until the remote
// side answers the hold request.
func (e *Endpoint) SetOnHold(ctx context.Context, hold bool) error {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if !active {
		return ErrNoActiveSession
	}

	if err := e.dev.SetOnHold(ctx, hold); err != nil {
		return fmt.Errorf("setting hold: %w", err)
	}

	e.mu.Lock()
	e.onHold = hold
	e.mu.Unlock()
	return nil
}

// Registered reports whether the device currently holds a registration.
func (e *Endpoint) Registered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered
}

// Active reports whether a media session is connected.
func (e *Endpoint) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// SessionFlags returns the mute and hold flags of the active session.
func (e *Endpoint) SessionFlags() (muted, onHold bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted, e.onHold
}

// Close unregisters and releases the device.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.registered = false
	e.mu.Unlock()

	if err := e.dev.Close(); err != nil {
		return fmt.Errorf("closing device: %w", err)
	}
	return nil
}

func (e *Endpoint) handleDeviceEvent(ev Event) {
	e.mu.Lock()
	switch ev.Kind {
	case EventRegistered:
		e.registered = true
	case EventUnregistered:
		e.registered = false
	case EventIncoming:
		e.pending[ev.CallRef] = ev
	case EventIncomingCanceled:
		delete(e.pending, ev.CallRef)
	case EventConnected:
		delete(e.pending, ev.CallRef)
		e.active = true
		e.dialing = false
		e.activeRef = ev.CallRef
		e.muted = false
		e.onHold = false
	case EventDisconnected:
		if ev.CallRef == "" || ev.CallRef == e.activeRef {
			e.clearSessionLocked()
		}
	case EventCallFailed:
		e.dialing = false
	case EventError:
		if ev.Fatal {
			e.registered = false
			e.clearSessionLocked()
			clear(e.pending)
		}
	}
	fn := e.handler
	e.mu.Unlock()

	e.logger.Debug("device event", "event", ev.Kind.String(), "call_ref", ev.CallRef)

	if fn != nil {
		fn(ev)
	}
}

func (e *Endpoint) clearSessionLocked() {
	e.active = false
	e.dialing = false
	e.activeRef = ""
	e.muted = false
	e.onHold = false
}
