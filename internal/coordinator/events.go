package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/agentdesk/internal/backend"
	"github.com/flowpbx/agentdesk/internal/calllog"
	"github.com/flowpbx/agentdesk/internal/signaling"
	"github.com/flowpbx/agentdesk/internal/telephony"
)

type (
	signalingOffered    struct{ offer signaling.Offer }
	connectivityChanged struct{ connected bool }
	signalingAbandoned  struct{}
	deviceEvent         struct{ ev telephony.Event }
	registrationDone    struct{ err error }
	offerExpired        struct{ offerID string }
	windowClosed        struct{ offerID string }
	timerTicked         struct{ elapsed int }

	callInitiated struct {
		attemptID uint64
		ack       backend.CallAck
		err       error
	}

	holdApplied struct {
		sessionID string
		hold      bool
		err       error
	}
)

func (c *Coordinator) handle(ev any) {
	switch e := ev.(type) {
	case *command:
		c.handleCommand(e)
	case signalingOffered:
		c.receiveOffer(&IncomingOffer{
			ID:            uuid.NewString(),
			Source:        SourceSignaling,
			ConferenceRef: e.offer.ConferenceRef,
			CallerRef:     e.offer.CallerRef,
			CallerName:    e.offer.CallerName,
			ReceivedAt:    c.cfg.Now(),
		})
	case connectivityChanged:
		c.onConnectivity(e.connected)
	case signalingAbandoned:
		c.health.SignalingConnected = false
		c.logger.Error("signaling gave up reconnecting")
		c.setNotice(NoticeConnection, "signaling unavailable after repeated failures", false)
	case deviceEvent:
		c.onDeviceEvent(e.ev)
	case registrationDone:
		c.onRegistration(e.err)
	case callInitiated:
		c.onCallInitiated(e)
	case holdApplied:
		c.onHoldApplied(e)
	case offerExpired:
		c.onOfferExpired(e.offerID)
	case windowClosed:
		if c.offer != nil && c.offer.ID == e.offerID && c.deferred != nil {
			cmd := c.deferred
			c.deferred = nil
			c.respond(cmd.reply, c.answerOffer())
		}
	case timerTicked:
		// Republished by the caller.
	default:
		c.logger.Warn("unknown coordinator event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) startRegistration() {
	ctx := c.runCtx
	agentID := c.cfg.AgentID
	go func() {
		cred, err := c.creds.FetchCredential(ctx, agentID)
		if err != nil {
			// Register with the empty credential fails and takes the
			// refresh path, so a fetch failure costs one attempt.
			c.logger.Warn("fetching telephony credential failed", "error", err)
			cred = backend.Credential{}
		}
		c.post(registrationDone{err: c.endpoint.Register(ctx, cred)})
	}()
}

func (c *Coordinator) onRegistration(err error) {
	if err == nil {
		c.health.DeviceRegistered = true
		if c.state == StateInitializing {
			c.setState(StateReady)
			c.surfaceNext()
		}
		return
	}
	if c.runCtx != nil && c.runCtx.Err() != nil {
		return
	}

	c.logger.Error("telephony registration failed", "error", err)
	if errors.Is(err, telephony.ErrDeviceUnavailable) {
		c.fault(StateDeviceUnavailable, NoticeRegistration, fmt.Sprintf("phone unavailable: %v", err))
		return
	}
	c.fault(StateError, NoticeRegistration, fmt.Sprintf("registration failed: %v", err))
}

func (c *Coordinator) onConnectivity(up bool) {
	if c.health.SignalingConnected == up {
		return
	}
	c.health.SignalingConnected = up
	if up {
		c.logger.Info("signaling connected")
		if c.notice != nil && c.notice.Kind == NoticeConnection {
			c.notice = nil
		}
		return
	}
	c.logger.Warn("signaling connection lost")
	if c.notice == nil || !c.notice.Fatal {
		c.setNotice(NoticeConnection, "signaling connection lost, reconnecting", false)
	}
}

func (c *Coordinator) onDeviceEvent(ev telephony.Event) {
	switch ev.Kind {
	case telephony.EventRegistered:
		c.health.DeviceRegistered = true
	case telephony.EventUnregistered:
		c.health.DeviceRegistered = false
		c.logger.Warn("telephony registration lost", "error", ev.Err)
		if c.notice == nil || !c.notice.Fatal {
			c.setNotice(NoticeRegistration, "phone registration lost, retrying", false)
		}
	case telephony.EventIncoming:
		c.receiveOffer(&IncomingOffer{
			ID:            uuid.NewString(),
			Source:        SourceDevice,
			ConferenceRef: ev.ConferenceRef,
			CallerRef:     ev.CallerRef,
			CallerName:    ev.CallerName,
			DeviceCallRef: ev.CallRef,
			ReceivedAt:    c.cfg.Now(),
		})
	case telephony.EventIncomingCanceled:
		c.onIncomingCanceled(ev.CallRef)
	case telephony.EventConnected:
		c.onConnected(ev)
	case telephony.EventDisconnected:
		switch c.state {
		case StateInCall:
			c.endSession(calllog.OutcomeCompleted)
		case StateConnecting:
			c.failAttempt("call ended before it connected")
		}
	case telephony.EventCallFailed:
		msg := "call failed"
		if ev.Err != nil {
			msg = fmt.Sprintf("call failed: %v", ev.Err)
		}
		switch c.state {
		case StateConnecting:
			c.failAttempt(msg)
		case StateInCall:
			c.setNotice(NoticeCall, msg, false)
			c.endSession(calllog.OutcomeFailed)
		}
	case telephony.EventError:
		c.onDeviceError(ev)
	}
}

func (c *Coordinator) onDeviceError(ev telephony.Event) {
	if c.state == StateDeviceUnavailable {
		c.logger.Warn("device error while unavailable", "error", ev.Err, "fatal", ev.Fatal)
		return
	}
	msg := "phone error"
	if ev.Err != nil {
		msg = fmt.Sprintf("phone error: %v", ev.Err)
	}
	if ev.Fatal {
		c.logger.Error("fatal device error", "error", ev.Err)
		c.fault(StateError, NoticeDevice, msg)
		return
	}

	c.logger.Warn("device error", "error", ev.Err)
	switch c.state {
	case StateConnecting:
		c.hangupDevice()
		c.failAttempt(msg)
	case StateInCall:
		c.hangupDevice()
		c.setNotice(NoticeCall, msg, false)
		c.endSession(calllog.OutcomeFailed)
	default:
		c.setNotice(NoticeDevice, msg, false)
	}
}

// receiveOffer routes a new offer: merged into the offer it duplicates,
// surfaced, queued behind the current call, or dropped when the phone
// cannot take calls.
func (c *Coordinator) receiveOffer(o *IncomingOffer) {
	log := c.logger.With("offer_id", o.ID, "source", string(o.Source), "conference", o.ConferenceRef, "caller", o.CallerRef)

	if c.state == StateError || c.state == StateDeviceUnavailable {
		log.Warn("offer dropped, phone not usable")
		c.rejectDeviceLeg(o.DeviceCallRef)
		c.recordMissed(o)
		return
	}

	if origin := c.callOrigin(); origin != nil && sameCall(origin, o, c.cfg.CorrelationWindow) {
		if o.DeviceCallRef != "" && o.DeviceCallRef != origin.DeviceCallRef {
			c.rejectDeviceLeg(o.DeviceCallRef)
		}
		merge(origin, o)
		if c.session != nil && c.session.CounterpartName == "" {
			c.session.CounterpartName = origin.CallerName
		}
		log.Debug("offer belongs to the current call")
		return
	}

	if last := c.lastOffer; last != nil && sameCall(last, o, c.cfg.CorrelationWindow) &&
		withinWindow(last.ReceivedAt, o.ReceivedAt, c.cfg.CorrelationWindow) {
		if o.DeviceCallRef != "" && o.DeviceCallRef != last.DeviceCallRef {
			c.rejectDeviceLeg(o.DeviceCallRef)
		}
		log.Debug("offer belongs to an already resolved call")
		return
	}

	if c.offer != nil && sameCall(c.offer, o, c.cfg.CorrelationWindow) {
		merge(c.offer, o)
		log.Info("offer correlated", "device_call_ref", c.offer.DeviceCallRef)
		if c.deferred != nil && c.offer.DeviceCallRef != "" {
			cmd := c.deferred
			c.deferred = nil
			c.respond(cmd.reply, c.answerOffer())
		}
		return
	}

	for _, q := range c.queue {
		if sameCall(q, o, c.cfg.CorrelationWindow) {
			merge(q, o)
			log.Debug("offer correlated with queued offer", "queued_id", q.ID)
			return
		}
	}

	if c.state == StateReady {
		c.surface(o)
		return
	}
	c.queue = append(c.queue, o)
	log.Info("offer queued", "state", string(c.state), "queued", len(c.queue))
}

// callOrigin is the offer the current attempt or session answered.
func (c *Coordinator) callOrigin() *IncomingOffer {
	if c.attempt != nil {
		return c.attempt.origin
	}
	return c.sessionOrigin
}

func (c *Coordinator) surface(o *IncomingOffer) {
	c.offer = o
	c.setState(StateOfferPending)

	id := o.ID
	c.offerTimer = time.AfterFunc(c.cfg.OfferTimeout, func() { c.post(offerExpired{offerID: id}) })
	if o.DeviceCallRef == "" && !o.Merged {
		if remaining := c.cfg.CorrelationWindow - c.cfg.Now().Sub(o.ReceivedAt); remaining > 0 {
			c.windowTimer = time.AfterFunc(remaining, func() { c.post(windowClosed{offerID: id}) })
		}
	}

	c.logger.Info("offer pending",
		"offer_id", o.ID,
		"source", string(o.Source),
		"caller", o.CallerRef,
		"conference", o.ConferenceRef,
	)
}

// surfaceNext shows the oldest queued offer once the agent is free. Offers
// that waited longer than the offer timeout are logged as missed instead.
func (c *Coordinator) surfaceNext() {
	now := c.cfg.Now()
	for c.state == StateReady && len(c.queue) > 0 {
		o := c.queue[0]
		c.queue = c.queue[1:]
		if now.Sub(o.ReceivedAt) >= c.cfg.OfferTimeout {
			c.rejectDeviceLeg(o.DeviceCallRef)
			c.recordMissed(o)
			continue
		}
		c.surface(o)
	}
}

func (c *Coordinator) stopOfferTimers() {
	if c.offerTimer != nil {
		c.offerTimer.Stop()
		c.offerTimer = nil
	}
	if c.windowTimer != nil {
		c.windowTimer.Stop()
		c.windowTimer = nil
	}
}

// answerOffer answers the pending offer: the device leg when there is one,
// otherwise by joining the offer's conference.
func (c *Coordinator) answerOffer() error {
	o := c.offer
	c.stopOfferTimers()
	c.offer = nil
	c.lastOffer = o

	c.attemptSeq++
	c.attempt = &callAttempt{
		id:          c.attemptSeq,
		direction:   calllog.DirectionInbound,
		counterpart: offerCounterpart(o),
		name:        o.CallerName,
		conference:  o.ConferenceRef,
		deviceRef:   o.DeviceCallRef,
		startedAt:   c.cfg.Now(),
		origin:      o,
	}
	c.setState(StateConnecting)

	ctx, cancel := c.opContext()
	defer cancel()

	var err error
	switch {
	case o.DeviceCallRef != "":
		err = c.endpoint.Accept(ctx, o.DeviceCallRef)
	case o.ConferenceRef != "":
		err = c.endpoint.JoinConference(ctx, o.ConferenceRef)
	default:
		err = errors.New("offer has no device call and no conference")
	}
	if err != nil {
		c.failAttempt(fmt.Sprintf("answering call failed: %v", err))
		return fmt.Errorf("%w: %w", ErrCall, err)
	}
	return nil
}

func (c *Coordinator) missOffer(reason string) {
	o := c.offer
	if o == nil {
		return
	}
	c.stopOfferTimers()
	c.offer = nil
	c.lastOffer = o
	c.recordMissed(o)
	if c.deferred != nil {
		c.respond(c.deferred.reply, fmt.Errorf("%w: offer %s", ErrPrecondition, reason))
		c.deferred = nil
	}
	c.setState(StateReady)
	c.surfaceNext()
}

func (c *Coordinator) onOfferExpired(id string) {
	if c.offer == nil || c.offer.ID != id {
		return
	}
	o := c.offer
	c.logger.Info("offer timed out", "offer_id", id)
	c.rejectDeviceLeg(o.DeviceCallRef)
	c.setNotice(NoticeCall, fmt.Sprintf("missed call from %s", offerCounterpart(o)), false)
	c.missOffer("timed out")
}

func (c *Coordinator) onIncomingCanceled(callRef string) {
	if c.offer != nil && c.offer.DeviceCallRef == callRef {
		c.logger.Info("caller hung up before answer", "call_ref", callRef)
		c.missOffer("canceled by caller")
		return
	}
	if c.attempt != nil && c.attempt.deviceRef == callRef {
		c.failAttempt("caller hung up")
		return
	}
	for i, q := range c.queue {
		if q.DeviceCallRef == callRef {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.recordMissed(q)
			return
		}
	}
}

func (c *Coordinator) onConnected(ev telephony.Event) {
	if c.state != StateConnecting || c.attempt == nil {
		c.logger.Warn("connected event outside a call attempt", "call_ref", ev.CallRef, "state", string(c.state))
		return
	}
	a := c.attempt
	if a.deviceRef != "" && ev.CallRef != a.deviceRef {
		c.logger.Warn("connected event for another call", "call_ref", ev.CallRef, "want", a.deviceRef)
		return
	}
	c.attempt = nil
	c.sessionOrigin = a.origin

	counterpart := a.counterpart
	if counterpart == "" {
		counterpart = ev.Counterpart
	}
	c.session = &ActiveSession{
		ID:              uuid.NewString(),
		StartedAt:       c.cfg.Now(),
		Direction:       a.direction,
		CounterpartRef:  counterpart,
		CounterpartName: a.name,
		ConferenceRef:   a.conference,
		DeviceCallRef:   ev.CallRef,
	}
	c.timer.Start()
	c.setState(StateInCall)
	c.logger.Info("call connected",
		"session_id", c.session.ID,
		"direction", string(a.direction),
		"counterpart", counterpart,
	)
}

func (c *Coordinator) onCallInitiated(ev callInitiated) {
	a := c.attempt
	if a == nil || a.id != ev.attemptID {
		c.logger.Debug("stale call initiation result", "attempt", ev.attemptID)
		return
	}
	if ev.err != nil {
		c.logger.Warn("backend refused outbound call", "destination", a.counterpart, "error", ev.err)
		c.failAttempt(fmt.Sprintf("call could not be placed: %v", ev.err))
		return
	}

	c.logger.Info("outbound call initiated", "call_id", ev.ack.CallID, "conference", ev.ack.ConferenceRef)

	ctx, cancel := c.opContext()
	defer cancel()

	var err error
	if ev.ack.ConferenceRef != "" {
		a.conference = ev.ack.ConferenceRef
		err = c.endpoint.JoinConference(ctx, ev.ack.ConferenceRef)
	} else {
		err = c.endpoint.Dial(ctx, a.counterpart)
	}
	if err != nil {
		c.failAttempt(fmt.Sprintf("dial failed: %v", err))
	}
}

func (c *Coordinator) onHoldApplied(ev holdApplied) {
	req := c.hold
	if req == nil || req.sessionID != ev.sessionID {
		return
	}
	c.hold = nil

	if c.session == nil || c.session.ID != ev.sessionID {
		c.respond(req.reply, fmt.Errorf("%w: call ended", ErrPrecondition))
		return
	}
	if ev.err != nil {
		c.setNotice(NoticeCall, fmt.Sprintf("hold failed: %v", ev.err), false)
		c.respond(req.reply, fmt.Errorf("%w: %w", ErrCall, ev.err))
		return
	}
	c.session.OnHold = ev.hold
	c.respond(req.reply, nil)
}

// failAttempt logs the current attempt as failed and returns to Ready. An
// empty reason leaves the notice alone.
func (c *Coordinator) failAttempt(reason string) {
	a := c.attempt
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	c.attempt = nil
	c.record(a.direction, a.counterpart, a.startedAt, 0, calllog.OutcomeFailed)
	if reason != "" {
		c.setNotice(NoticeCall, reason, false)
	}
	c.setState(StateReady)
	c.surfaceNext()
}

// endSession stops the timer, logs the session with outcome and returns to
// Ready.
func (c *Coordinator) endSession(outcome calllog.Outcome) {
	s := c.session
	if s == nil {
		return
	}
	elapsed := c.timer.Stop()
	c.session = nil
	c.sessionOrigin = nil
	c.record(s.Direction, s.CounterpartRef, s.StartedAt, elapsed, outcome)
	if c.hold != nil {
		c.respond(c.hold.reply, fmt.Errorf("%w: call ended", ErrPrecondition))
		c.hold = nil
	}
	c.setState(StateReady)
	c.surfaceNext()
}

// fault moves to a terminal state. Calls in flight are logged as failed and
// offers as missed.
func (c *Coordinator) fault(state State, kind NoticeKind, msg string) {
	if c.state == StateDeviceUnavailable {
		c.logger.Warn("ignoring fault in terminal state", "target", string(state), "reason", msg)
		return
	}
	c.stopOfferTimers()

	elapsed := c.timer.Stop()
	if s := c.session; s != nil {
		c.record(s.Direction, s.CounterpartRef, s.StartedAt, elapsed, calllog.OutcomeFailed)
		c.session = nil
		c.sessionOrigin = nil
	}
	if c.hold != nil {
		c.respond(c.hold.reply, fmt.Errorf("%w: phone failed", ErrPrecondition))
		c.hold = nil
	}
	if a := c.attempt; a != nil {
		if a.cancel != nil {
			a.cancel()
		}
		c.record(a.direction, a.counterpart, a.startedAt, 0, calllog.OutcomeFailed)
		c.attempt = nil
	}
	if o := c.offer; o != nil {
		c.recordMissed(o)
		c.lastOffer = o
		c.offer = nil
	}
	if c.deferred != nil {
		c.respond(c.deferred.reply, fmt.Errorf("%w: phone failed", ErrPrecondition))
		c.deferred = nil
	}
	for _, q := range c.queue {
		c.recordMissed(q)
	}
	c.queue = nil

	c.health.DeviceRegistered = false
	c.setNotice(kind, msg, true)
	c.setState(state)
}

func (c *Coordinator) rejectDeviceLeg(callRef string) {
	if callRef == "" {
		return
	}
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.endpoint.Reject(ctx, callRef); err != nil {
		c.logger.Debug("rejecting device call failed", "call_ref", callRef, "error", err)
	}
}

func (c *Coordinator) recordMissed(o *IncomingOffer) {
	c.record(calllog.DirectionInbound, offerCounterpart(o), o.ReceivedAt, 0, calllog.OutcomeMissed)
}

func offerCounterpart(o *IncomingOffer) string {
	switch {
	case o.CallerRef != "":
		return o.CallerRef
	case o.ConferenceRef != "":
		return o.ConferenceRef
	default:
		return o.DeviceCallRef
	}
}
