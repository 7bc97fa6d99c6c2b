package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowpbx/agentdesk/internal/calllog"
)

type commandKind int

const (
	cmdAccept commandKind = iota
	cmdReject
	cmdHangup
	cmdMute
	cmdHold
	cmdDial
	cmdDismissNotice
)

func (k commandKind) String() string {
	switch k {
	case cmdAccept:
		return "accept"
	case cmdReject:
		return "reject"
	case cmdHangup:
		return "hangup"
	case cmdMute:
		return "mute"
	case cmdHold:
		return "hold"
	case cmdDial:
		return "dial"
	case cmdDismissNotice:
		return "dismiss_notice"
	default:
		return "unknown"
	}
}

type command struct {
	kind        commandKind
	flag        bool
	destination string
	reply       chan error
}

// Accept answers the pending offer.
func (c *Coordinator) Accept(ctx context.Context) error {
	return c.do(ctx, &command{kind: cmdAccept})
}

// Reject declines the pending offer. It is logged as missed.
func (c *Coordinator) Reject(ctx context.Context) error {
	return c.do(ctx, &command{kind: cmdReject})
}

// Hangup ends the current call or outgoing attempt. With nothing to hang up
// it is a no-op.
func (c *Coordinator) Hangup(ctx context.Context) error {
	return c.do(ctx, &command{kind: cmdHangup})
}

// SetMuted mutes or unmutes the active call.
func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	return c.do(ctx, &command{kind: cmdMute, flag: muted})
}

// SetOnHold holds or resumes the active call. It returns once the device has
// applied the change.
func (c *Coordinator) SetOnHold(ctx context.Context, hold bool) error {
	return c.do(ctx, &command{kind: cmdHold, flag: hold})
}

// Dial places an outbound call to destination. It returns once the attempt
// has started; the outcome shows up in later snapshots.
func (c *Coordinator) Dial(ctx context.Context, destination string) error {
	return c.do(ctx, &command{kind: cmdDial, destination: destination})
}

// DismissNotice clears the current notice unless it is fatal.
func (c *Coordinator) DismissNotice(ctx context.Context) error {
	return c.do(ctx, &command{kind: cmdDismissNotice})
}

func (c *Coordinator) do(ctx context.Context, cmd *command) error {
	cmd.reply = make(chan error, 1)

	select {
	case c.events <- cmd:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) handleCommand(cmd *command) {
	c.logger.Debug("action", "action", cmd.kind.String(), "state", string(c.state))

	if c.state == StateDeviceUnavailable && cmd.kind != cmdHangup && cmd.kind != cmdDismissNotice {
		c.respond(cmd.reply, fmt.Errorf("%w: %w", ErrPrecondition, ErrDeviceUnavailable))
		return
	}

	switch cmd.kind {
	case cmdAccept:
		c.accept(cmd)
	case cmdReject:
		c.respond(cmd.reply, c.reject())
	case cmdHangup:
		c.respond(cmd.reply, c.hangup())
	case cmdMute:
		c.respond(cmd.reply, c.setMuted(cmd.flag))
	case cmdHold:
		c.setOnHold(cmd)
	case cmdDial:
		c.respond(cmd.reply, c.dial(cmd.destination))
	case cmdDismissNotice:
		if c.notice != nil && !c.notice.Fatal {
			c.notice = nil
		}
		c.respond(cmd.reply, nil)
	}
}

func (c *Coordinator) accept(cmd *command) {
	if c.state != StateOfferPending || c.offer == nil {
		c.respond(cmd.reply, fmt.Errorf("%w: no pending offer in state %s", ErrPrecondition, c.state))
		return
	}
	if c.deferred != nil {
		c.respond(cmd.reply, fmt.Errorf("%w: accept already in progress", ErrPrecondition))
		return
	}

	o := c.offer
	if o.DeviceCallRef == "" && !o.Merged && c.cfg.Now().Sub(o.ReceivedAt) < c.cfg.CorrelationWindow {
		// The device leg may still arrive; answer it instead of joining.
		c.deferred = cmd
		c.logger.Debug("accept deferred until device offer or window close", "offer_id", o.ID)
		return
	}
	c.respond(cmd.reply, c.answerOffer())
}

func (c *Coordinator) reject() error {
	if c.state != StateOfferPending || c.offer == nil {
		return fmt.Errorf("%w: no pending offer in state %s", ErrPrecondition, c.state)
	}
	o := c.offer
	var err error
	if o.DeviceCallRef != "" {
		ctx, cancel := c.opContext()
		err = c.endpoint.Reject(ctx, o.DeviceCallRef)
		cancel()
		if err != nil {
			c.logger.Warn("device reject failed", "call_ref", o.DeviceCallRef, "error", err)
		}
	}
	c.missOffer("rejected")
	if err != nil {
		return fmt.Errorf("%w: rejecting call: %w", ErrCall, err)
	}
	return nil
}

func (c *Coordinator) hangup() error {
	switch c.state {
	case StateOfferPending:
		return c.reject()
	case StateInCall:
		c.hangupDevice()
		c.endSession(calllog.OutcomeCompleted)
		return nil
	case StateConnecting:
		c.hangupDevice()
		c.failAttempt("")
		return nil
	default:
		return nil
	}
}

// hangupDevice tears down the device side without waiting for it.
func (c *Coordinator) hangupDevice() {
	ctx, cancel := c.opContext()
	go func() {
		defer cancel()
		if err := c.endpoint.HangupAll(ctx); err != nil {
			c.logger.Warn("device hangup failed", "error", err)
		}
	}()
}

func (c *Coordinator) setMuted(muted bool) error {
	if c.state != StateInCall || c.session == nil {
		return fmt.Errorf("%w: no active call", ErrPrecondition)
	}
	if err := c.endpoint.SetMuted(muted); err != nil {
		c.setNotice(NoticeCall, fmt.Sprintf("mute failed: %v", err), false)
		return fmt.Errorf("%w: %w", ErrCall, err)
	}
	c.session.Muted = muted
	return nil
}

func (c *Coordinator) setOnHold(cmd *command) {
	if c.state != StateInCall || c.session == nil {
		c.respond(cmd.reply, fmt.Errorf("%w: no active call", ErrPrecondition))
		return
	}
	if c.hold != nil {
		c.respond(cmd.reply, fmt.Errorf("%w: hold change already in progress", ErrPrecondition))
		return
	}
	if c.session.OnHold == cmd.flag {
		c.respond(cmd.reply, nil)
		return
	}

	req := &holdRequest{sessionID: c.session.ID, hold: cmd.flag, reply: cmd.reply}
	c.hold = req

	parent := c.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, c.cfg.HoldTimeout)
	go func() {
		defer cancel()
		err := c.endpoint.SetOnHold(ctx, req.hold)
		c.post(holdApplied{sessionID: req.sessionID, hold: req.hold, err: err})
	}()
}

func (c *Coordinator) dial(destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		c.setNotice(NoticeValidation, "enter a number or address to call", false)
		return fmt.Errorf("%w: destination is empty", ErrValidation)
	}
	if c.state != StateReady {
		return fmt.Errorf("%w: cannot dial in state %s", ErrPrecondition, c.state)
	}

	c.attemptSeq++
	a := &callAttempt{
		id:          c.attemptSeq,
		direction:   calllog.DirectionOutbound,
		counterpart: destination,
		startedAt:   c.cfg.Now(),
	}
	c.attempt = a
	c.setState(StateConnecting)

	if c.calls == nil {
		ctx, cancel := c.opContext()
		defer cancel()
		if err := c.endpoint.Dial(ctx, destination); err != nil {
			c.failAttempt(fmt.Sprintf("dial failed: %v", err))
			return fmt.Errorf("%w: %w", ErrCall, err)
		}
		return nil
	}

	parent := c.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opTimeout)
	a.cancel = cancel
	agentID := c.cfg.AgentID
	go func() {
		defer cancel()
		ack, err := c.calls.InitiateCall(ctx, agentID, destination)
		c.post(callInitiated{attemptID: a.id, ack: ack, err: err})
	}()
	return nil
}
