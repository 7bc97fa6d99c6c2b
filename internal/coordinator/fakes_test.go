package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/agentdesk/internal/backend"
	"github.com/flowpbx/agentdesk/internal/signaling"
	"github.com/flowpbx/agentdesk/internal/telephony"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderLog) add(step string) {
	o.mu.Lock()
	o.steps = append(o.steps, step)
	o.mu.Unlock()
}

func (o *orderLog) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.steps...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSignaling struct {
	mu          sync.Mutex
	offered     func(signaling.Offer)
	conn        func(bool)
	identity    string
	connectErr  error
	disconnects int
	order       *orderLog
}

func (f *fakeSignaling) OnCallOffered(fn func(signaling.Offer)) {
	f.mu.Lock()
	f.offered = fn
	f.mu.Unlock()
}

func (f *fakeSignaling) OnConnectivity(fn func(bool)) {
	f.mu.Lock()
	f.conn = fn
	f.mu.Unlock()
}

func (f *fakeSignaling) Connect(_ context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = identity
	return f.connectErr
}

func (f *fakeSignaling) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.order.add("signaling.disconnect")
	return nil
}

func (f *fakeSignaling) offer(o signaling.Offer) {
	f.mu.Lock()
	fn := f.offered
	f.mu.Unlock()
	fn(o)
}

func (f *fakeSignaling) setConnected(up bool) {
	f.mu.Lock()
	fn := f.conn
	f.mu.Unlock()
	fn(up)
}

type fakeEndpoint struct {
	mu          sync.Mutex
	handler     func(telephony.Event)
	registerErr error
	registered  []backend.Credential
	accepted    []string
	rejected    []string
	joined      []string
	dialed      []string
	hangups     int
	muted       []bool
	holdCalls   int
	holdGate    chan struct{}
	holdErr     error
	autoConnect bool
	closed      bool
	order       *orderLog
}

func (f *fakeEndpoint) OnEvent(fn func(telephony.Event)) {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
}

func (f *fakeEndpoint) emit(ev telephony.Event) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	fn(ev)
}

func (f *fakeEndpoint) Register(_ context.Context, cred backend.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, cred)
	return f.registerErr
}

func (f *fakeEndpoint) Accept(_ context.Context, callRef string) error {
	f.mu.Lock()
	f.accepted = append(f.accepted, callRef)
	auto := f.autoConnect
	f.mu.Unlock()
	if auto {
		f.emit(telephony.Event{Kind: telephony.EventConnected, CallRef: callRef, Direction: telephony.Inbound})
	}
	return nil
}

func (f *fakeEndpoint) Reject(_ context.Context, callRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, callRef)
	return nil
}

func (f *fakeEndpoint) Dial(_ context.Context, counterpart string) error {
	f.mu.Lock()
	f.dialed = append(f.dialed, counterpart)
	auto := f.autoConnect
	f.mu.Unlock()
	if auto {
		f.emit(telephony.Event{Kind: telephony.EventConnected, CallRef: "out-" + counterpart, Direction: telephony.Outbound, Counterpart: counterpart})
	}
	return nil
}

func (f *fakeEndpoint) JoinConference(_ context.Context, ref string) error {
	f.mu.Lock()
	f.joined = append(f.joined, ref)
	auto := f.autoConnect
	f.mu.Unlock()
	if auto {
		f.emit(telephony.Event{Kind: telephony.EventConnected, CallRef: "conf-" + ref, Direction: telephony.Outbound, Counterpart: ref})
	}
	return nil
}

func (f *fakeEndpoint) HangupAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups++
	return nil
}

func (f *fakeEndpoint) SetMuted(muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = append(f.muted, muted)
	return nil
}

func (f *fakeEndpoint) SetOnHold(ctx context.Context, _ bool) error {
	f.mu.Lock()
	f.holdCalls++
	gate := f.holdGate
	err := f.holdErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.order.add("endpoint.close")
	return nil
}

// endpointCalls is a copy of what the fake endpoint was asked to do.
type endpointCalls struct {
	registered []backend.Credential
	accepted   []string
	rejected   []string
	joined     []string
	dialed     []string
	hangups    int
	muted      []bool
	holdCalls  int
	closed     bool
}

func (f *fakeEndpoint) calls() endpointCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return endpointCalls{
		registered: append([]backend.Credential(nil), f.registered...),
		accepted:   append([]string(nil), f.accepted...),
		rejected:   append([]string(nil), f.rejected...),
		joined:     append([]string(nil), f.joined...),
		dialed:     append([]string(nil), f.dialed...),
		hangups:    f.hangups,
		muted:      append([]bool(nil), f.muted...),
		holdCalls:  f.holdCalls,
		closed:     f.closed,
	}
}

type fakeCreds struct {
	mu    sync.Mutex
	cred  backend.Credential
	err   error
	calls int
}

func (f *fakeCreds) FetchCredential(context.Context, string) (backend.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.cred, f.err
}

type fakeCalls struct {
	mu           sync.Mutex
	ack          backend.CallAck
	err          error
	destinations []string
}

func (f *fakeCalls) InitiateCall(_ context.Context, _, destination string) (backend.CallAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destinations = append(f.destinations, destination)
	return f.ack, f.err
}

func (f *fakeCalls) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destinations)
}

type harness struct {
	c       *Coordinator
	cfg     Config
	sig     *fakeSignaling
	ep      *fakeEndpoint
	creds   *fakeCreds
	calls   *fakeCalls
	noCalls bool
	clock   *fakeClock
	order   *orderLog

	cancel   context.CancelFunc
	runErr   chan error
	stopOnce sync.Once
	err      error
}

// newHarness starts a coordinator over fakes. setup runs before New and may
// change the config or the fakes.
func newHarness(t *testing.T, setup ...func(*harness)) *harness {
	t.Helper()

	order := &orderLog{}
	h := &harness{
		sig:   &fakeSignaling{order: order},
		ep:    &fakeEndpoint{autoConnect: true, order: order},
		creds: &fakeCreds{cred: backend.Credential{Token: "tok-1"}},
		calls: &fakeCalls{},
		clock: newFakeClock(),
		order: order,
		cfg: Config{
			AgentID:           "agent-7",
			OfferTimeout:      time.Minute,
			CorrelationWindow: 20 * time.Millisecond,
			HoldTimeout:       time.Second,
		},
	}
	h.cfg.Now = h.clock.Now
	for _, fn := range setup {
		fn(h)
	}

	var calls CallInitiator
	if !h.noCalls {
		calls = h.calls
	}
	c, err := New(h.cfg, Deps{
		Signaling:   h.sig,
		Endpoint:    h.ep,
		Credentials: h.creds,
		Calls:       calls,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.runErr = make(chan error, 1)
	go func() { h.runErr <- c.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.err = <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return h.err
}

func (h *harness) waitFor(t *testing.T, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := h.c.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot: %+v", desc, snap)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, state State) Snapshot {
	t.Helper()
	return h.waitFor(t, "state "+string(state), func(s Snapshot) bool { return s.State == state })
}

// ready waits for registration and brings signaling up.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.waitState(t, StateReady)
	h.sig.setConnected(true)
	h.waitFor(t, "signaling connected", func(s Snapshot) bool { return s.Health.SignalingConnected })
}

func (h *harness) ring(ref, caller, conference string) {
	h.ep.emit(telephony.Event{
		Kind:          telephony.EventIncoming,
		CallRef:       ref,
		CallerRef:     caller,
		ConferenceRef: conference,
		Direction:     telephony.Inbound,
	})
}

// inCall answers a device offer and waits for the session.
func (h *harness) inCall(t *testing.T, ref, caller string) Snapshot {
	t.Helper()
	h.ring(ref, caller, "")
	h.waitState(t, StateOfferPending)
	if err := h.c.Accept(t.Context()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return h.waitState(t, StateInCall)
}
