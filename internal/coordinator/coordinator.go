// Package coordinator runs the agent's call state machine. It joins the
// signaling channel's call offers with the telephony endpoint's device
// events, drives the call timer and writes the call log.
//
// All state is owned by a single goroutine started by Run. Actions and
// events are posted to it over a channel; readers get immutable snapshots.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/agentdesk/internal/backend"
	"github.com/flowpbx/agentdesk/internal/calllog"
	"github.com/flowpbx/agentdesk/internal/calltimer"
	"github.com/flowpbx/agentdesk/internal/signaling"
	"github.com/flowpbx/agentdesk/internal/telephony"
)

const (
	DefaultOfferTimeout      = 30 * time.Second
	DefaultCorrelationWindow = 2 * time.Second
	DefaultHoldTimeout       = 10 * time.Second

	opTimeout   = 10 * time.Second
	eventBuffer = 64
)

// SignalingChannel delivers call offers and connectivity changes.
type SignalingChannel interface {
	OnCallOffered(fn func(signaling.Offer))
	OnConnectivity(fn func(connected bool))
	Connect(ctx context.Context, identity string) error
	Disconnect() error
}

// TelephonyEndpoint is the agent's registered phone.
type TelephonyEndpoint interface {
	OnEvent(fn func(telephony.Event))
	Register(ctx context.Context, cred backend.Credential) error
	Accept(ctx context.Context, callRef string) error
	Reject(ctx context.Context, callRef string) error
	Dial(ctx context.Context, counterpart string) error
	JoinConference(ctx context.Context, ref string) error
	HangupAll(ctx context.Context) error
	SetMuted(muted bool) error
	SetOnHold(ctx context.Context, hold bool) error
	Close() error
}

// CredentialSource fetches telephony credentials for the agent.
type CredentialSource interface {
	FetchCredential(ctx context.Context, agentID string) (backend.Credential, error)
}

// CallInitiator asks the backend to place an outbound call.
type CallInitiator interface {
	InitiateCall(ctx context.Context, agentID, destination string) (backend.CallAck, error)
}

// Config holds coordinator tunables.
type Config struct {
	AgentID           string
	OfferTimeout      time.Duration
	CorrelationWindow time.Duration
	HoldTimeout       time.Duration
	// Now replaces time.Now, for tests.
	Now func() time.Time
}

func (c *Config) setDefaults() error {
	if c.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrValidation)
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = DefaultOfferTimeout
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = DefaultCorrelationWindow
	}
	if c.HoldTimeout <= 0 {
		c.HoldTimeout = DefaultHoldTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Deps are the collaborators the coordinator drives. Calls may be nil, in
// which case outbound calls are dialed directly on the endpoint.
type Deps struct {
	Signaling   SignalingChannel
	Endpoint    TelephonyEndpoint
	Credentials CredentialSource
	Calls       CallInitiator
	CallLog     *calllog.Recorder
}

// Coordinator is the agent's call-session state machine.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	sig      SignalingChannel
	endpoint TelephonyEndpoint
	creds    CredentialSource
	calls    CallInitiator
	callLog  *calllog.Recorder
	timer    *calltimer.Timer

	events  chan any
	done    chan struct{}
	running atomic.Bool

	current atomic.Pointer[Snapshot]
	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int

	// Owned by the Run goroutine.
	runCtx     context.Context
	state      State
	health     ConnectionHealth
	offer      *IncomingOffer
	queue      []*IncomingOffer
	lastOffer  *IncomingOffer
	attempt    *callAttempt
	session    *ActiveSession
	hold       *holdRequest
	deferred   *command
	notice     *Notice
	totals     CallTotals
	version    uint64
	attemptSeq uint64

	offerTimer  *time.Timer
	windowTimer *time.Timer
	outbox      []reply

	// sessionOrigin is the offer the session answered, nil for outbound.
	sessionOrigin *IncomingOffer
}

// callAttempt is a call between the agent's action and the device
// reporting it connected.
type callAttempt struct {
	id          uint64
	direction   calllog.Direction
	counterpart string
	name        string
	conference  string
	deviceRef   string
	startedAt   time.Time
	origin      *IncomingOffer
	cancel      context.CancelFunc
}

type reply struct {
	ch  chan error
	err error
}

type holdRequest struct {
	sessionID string
	hold      bool
	reply     chan error
}

// New creates a coordinator in the Initializing state and installs its
// handlers on the signaling channel and endpoint. Call Run to start it.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Coordinator, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if deps.Signaling == nil || deps.Endpoint == nil || deps.Credentials == nil {
		return nil, fmt.Errorf("coordinator: signaling, endpoint and credentials are required")
	}
	if deps.CallLog == nil {
		deps.CallLog = calllog.NewRecorder(calllog.DefaultCapacity)
	}

	c := &Coordinator{
		cfg:      cfg,
		logger:   logger.With("subsystem", "coordinator"),
		sig:      deps.Signaling,
		endpoint: deps.Endpoint,
		creds:    deps.Credentials,
		calls:    deps.Calls,
		callLog:  deps.CallLog,
		events:   make(chan any, eventBuffer),
		done:     make(chan struct{}),
		subs:     make(map[int]chan Snapshot),
		state:    StateInitializing,
	}
	c.timer = calltimer.New(
		calltimer.WithClock(cfg.Now),
		calltimer.WithTick(time.Second, func(elapsed int) {
			c.tryPost(timerTicked{elapsed: elapsed})
		}),
	)

	c.sig.OnCallOffered(func(o signaling.Offer) { c.post(signalingOffered{offer: o}) })
	c.sig.OnConnectivity(func(up bool) { c.post(connectivityChanged{connected: up}) })
	c.endpoint.OnEvent(func(ev telephony.Event) { c.post(deviceEvent{ev: ev}) })

	c.publish()
	return c, nil
}

// Run registers the endpoint, connects signaling and processes events until
// ctx is cancelled. On return the timer is stopped, signaling disconnected
// and the endpoint closed, in that order.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator: already running")
	}
	defer close(c.done)

	c.runCtx = ctx
	c.startRegistration()

	if err := c.sig.Connect(ctx, c.cfg.AgentID); err != nil {
		c.logger.Error("signaling connect failed", "error", err)
		c.setNotice(NoticeConnection, fmt.Sprintf("signaling unavailable: %v", err), false)
	} else if w, ok := c.sig.(interface{ Done() <-chan struct{} }); ok {
		go c.watchSignaling(ctx, w.Done())
	}
	c.publish()

	c.logger.Info("coordinator started", "agent_id", c.cfg.AgentID)

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case ev := <-c.events:
			c.handle(ev)
			c.publish()
			c.flush()
		}
	}
}

func (c *Coordinator) watchSignaling(ctx context.Context, done <-chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
		if ctx.Err() == nil {
			c.post(signalingAbandoned{})
		}
	case <-ctx.Done():
	}
}

func (c *Coordinator) shutdown() error {
	c.logger.Info("coordinator stopping")

	c.stopOfferTimers()
	elapsed := c.timer.Stop()
	if c.session != nil {
		c.record(c.session.Direction, c.session.CounterpartRef, c.session.StartedAt, elapsed, calllog.OutcomeCompleted)
		c.session = nil
	}
	if c.attempt != nil && c.attempt.cancel != nil {
		c.attempt.cancel()
	}

	var errs []error
	if err := c.sig.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnecting signaling: %w", err))
	}
	if err := c.endpoint.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing endpoint: %w", err))
	}
	c.publish()
	c.flush()
	return errors.Join(errs...)
}

// respond queues an action result. Results are delivered after the snapshot
// reflecting the action is published.
func (c *Coordinator) respond(ch chan error, err error) {
	c.outbox = append(c.outbox, reply{ch: ch, err: err})
}

func (c *Coordinator) flush() {
	for _, r := range c.outbox {
		r.ch <- r.err
	}
	c.outbox = c.outbox[:0]
}

// post hands an event to the Run goroutine. It blocks while the buffer is
// full and gives up once the coordinator has stopped.
func (c *Coordinator) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// tryPost drops ev when the buffer is full.
func (c *Coordinator) tryPost(ev any) {
	select {
	case c.events <- ev:
	default:
	}
}

// Snapshot returns the latest published state.
func (c *Coordinator) Snapshot() Snapshot {
	return *c.current.Load()
}

// CallLog returns the recent call entries, newest first.
func (c *Coordinator) CallLog() []calllog.Entry {
	return c.callLog.Entries()
}

// Subscribe returns a channel that receives each new snapshot, starting with
// the current one. Slow readers only see the latest snapshot. Call the
// returned func to unsubscribe.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- c.Snapshot()

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Coordinator) publish() {
	c.version++
	snap := &Snapshot{
		Version:        c.version,
		State:          c.state,
		Readiness:      DeriveReadiness(c.state, c.health, c.session != nil),
		Health:         c.health,
		ElapsedSeconds: c.timer.ElapsedSeconds(),
		QueuedOffers:   len(c.queue),
		Totals:         c.totals,
		UpdatedAt:      c.cfg.Now(),
	}
	snap.Duration = calltimer.Format(snap.ElapsedSeconds)
	if c.offer != nil {
		o := *c.offer
		snap.Offer = &o
	}
	if c.session != nil {
		s := *c.session
		snap.Session = &s
	}
	if c.notice != nil {
		n := *c.notice
		snap.Notice = &n
	}
	c.current.Store(snap)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- *snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- *snap:
			default:
			}
		}
	}
}

func (c *Coordinator) opContext() (context.Context, context.CancelFunc) {
	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, opTimeout)
}

func (c *Coordinator) record(dir calllog.Direction, counterpart string, startedAt time.Time, seconds int, outcome calllog.Outcome) {
	entry := c.callLog.Record(calllog.Entry{
		Direction:       dir,
		CounterpartRef:  counterpart,
		DurationSeconds: seconds,
		StartedAt:       startedAt,
		Outcome:         outcome,
	})
	switch outcome {
	case calllog.OutcomeCompleted:
		c.totals.Completed++
	case calllog.OutcomeMissed:
		c.totals.Missed++
	case calllog.OutcomeFailed:
		c.totals.Failed++
	}
	c.logger.Info("call logged",
		"call_id", entry.ID,
		"direction", string(dir),
		"counterpart", counterpart,
		"duration", seconds,
		"outcome", string(outcome),
	)
}

func (c *Coordinator) setNotice(kind NoticeKind, msg string, fatal bool) {
	c.notice = &Notice{Kind: kind, Message: msg, Fatal: fatal, At: c.cfg.Now()}
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Info("state changed", "from", string(c.state), "to", string(s))
	c.state = s
}
