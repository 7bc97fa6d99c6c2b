// Package sipua implements telephony.Device as a SIP user agent: it
// registers the agent with a registrar, answers or declines inbound INVITEs,
// places outbound INVITEs and holds calls with re-INVITEs. Media transport
// is out of scope; the SDP it exchanges names the configured media address.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/agentdesk/internal/sdp"
	"github.com/flowpbx/agentdesk/internal/telephony"
)

const (
	// HeaderConferenceRef names the conference bridge an INVITE belongs to.
	HeaderConferenceRef = "X-Conference-Ref"
	// HeaderCallerName carries a display name for the caller.
	HeaderCallerName = "X-Caller-Name"

	inDialogTimeout = 10 * time.Second
)

var (
	ErrUnknownCall = errors.New("sipua: unknown call")
	ErrNoCall      = errors.New("sipua: no call in progress")
	ErrBusy        = errors.New("sipua: a call is already in progress")
)

// Config holds the user agent's SIP settings.
type Config struct {
	Username      string
	RegistrarHost string
	RegistrarPort int
	Transport     string // udp or tcp
	Domain        string // host part of dialled URIs, defaults to RegistrarHost
	ListenAddr    string // local SIP listener, host:port
	ContactHost   string // address advertised in Contact, defaults to MediaIP
	MediaIP       string
	MediaPort     int
	Expiry        int // requested registration expiry in seconds
}

func (c *Config) setDefaults() error {
	if c.Username == "" {
		return fmt.Errorf("sipua: username is required")
	}
	if c.RegistrarHost == "" {
		return fmt.Errorf("sipua: registrar host is required")
	}
	if c.RegistrarPort == 0 {
		c.RegistrarPort = 5060
	}
	c.Transport = strings.ToLower(c.Transport)
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.Transport != "udp" && c.Transport != "tcp" {
		return fmt.Errorf("sipua: unsupported transport %q", c.Transport)
	}
	if c.Domain == "" {
		c.Domain = c.RegistrarHost
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:5070"
	}
	if c.MediaIP == "" {
		c.MediaIP = "127.0.0.1"
	}
	if c.MediaPort == 0 {
		c.MediaPort = 10000
	}
	if c.ContactHost == "" {
		c.ContactHost = c.MediaIP
	}
	if c.Expiry <= 0 {
		c.Expiry = 300
	}
	return nil
}

// inboundCall is a ringing INVITE waiting for Accept or Reject. The INVITE
// handler blocks on decided so the server transaction stays open.
type inboundCall struct {
	callID     string
	req        *sip.Request
	tx         sip.ServerTransaction
	toTag      string
	callerRef  string
	callerName string
	decided    chan struct{}
}

var _ telephony.Device = (*Device)(nil)

// Device is a SIP user agent for a single agent line.
type Device struct {
	cfg         Config
	contactPort int
	logger      *slog.Logger

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	mu          sync.Mutex
	handler     func(telephony.Event)
	token       string
	registered  bool
	stopRefresh context.CancelFunc
	stopListen  context.CancelFunc
	incoming    map[string]*inboundCall
	call        *dialog
	muted       bool
}

// NewDevice creates the user agent. Call Start to begin listening.
func NewDevice(cfg Config, logger *slog.Logger) (*Device, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	_, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("sipua: parsing listen address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("sipua: parsing listen port: %w", err)
	}

	l := logger.With("subsystem", "sipua")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("agentdesk"),
		sipgo.WithUserAgentHostname(cfg.ContactHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(l))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	d := &Device{
		cfg:         cfg,
		contactPort: port,
		logger:      l,
		ua:          ua,
		srv:         srv,
		client:      client,
		incoming:    make(map[string]*inboundCall),
	}

	srv.OnInvite(d.handleInvite)
	srv.OnAck(d.handleAck)
	srv.OnBye(d.handleBye)
	srv.OnCancel(d.handleCancel)

	return d, nil
}

// Start runs the SIP listener until ctx is cancelled or Close is called. A
// listener failure is reported as a fatal device error.
func (d *Device) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.stopListen = cancel
	d.mu.Unlock()

	go func() {
		d.logger.Info("sip listener starting", "transport", d.cfg.Transport, "addr", d.cfg.ListenAddr)
		if err := d.srv.ListenAndServe(ctx, d.cfg.Transport, d.cfg.ListenAddr); err != nil && ctx.Err() == nil {
			d.logger.Error("sip listener stopped", "error", err)
			d.emit(telephony.Event{
				Kind:  telephony.EventError,
				Err:   fmt.Errorf("sip listener: %w", err),
				Fatal: true,
			})
		}
	}()
}

// OnEvent sets the event handler.
func (d *Device) OnEvent(fn func(telephony.Event)) {
	d.mu.Lock()
	d.handler = fn
	d.mu.Unlock()
}

func (d *Device) emit(ev telephony.Event) {
	d.mu.Lock()
	fn := d.handler
	d.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Register registers the agent's AOR with token as the digest password and
// keeps the binding refreshed until Unregister or Close.
func (d *Device) Register(ctx context.Context, token string) error {
	granted, err := d.sendRegister(ctx, token, d.cfg.Expiry)
	if err != nil {
		return err
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if d.stopRefresh != nil {
		d.stopRefresh()
	}
	d.stopRefresh = cancel
	d.token = token
	d.registered = true
	d.mu.Unlock()

	go d.refreshLoop(refreshCtx, token, granted)

	d.logger.Info("registered",
		"registrar", d.cfg.RegistrarHost,
		"aor", d.cfg.Username+"@"+d.cfg.Domain,
		"expires_in", granted,
	)
	return nil
}

// Unregister removes the binding and stops refreshing it.
func (d *Device) Unregister(ctx context.Context) error {
	d.mu.Lock()
	stop := d.stopRefresh
	d.stopRefresh = nil
	token := d.token
	wasRegistered := d.registered
	d.registered = false
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	if !wasRegistered {
		return nil
	}
	if _, err := d.sendRegister(ctx, token, 0); err != nil {
		return fmt.Errorf("unregistering: %w", err)
	}
	d.logger.Info("unregistered")
	return nil
}

func (d *Device) setRegistered(registered bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registered == registered {
		return false
	}
	d.registered = registered
	return true
}

func (d *Device) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	d.mu.Lock()
	if d.call != nil && d.call.callID == callID {
		dlg := d.call
		d.mu.Unlock()
		d.answerReinvite(req, tx, dlg)
		return
	}
	d.mu.Unlock()

	d.respond(req, tx, sip.NewResponseFromRequest(req, 100, "Trying", nil))

	in := &inboundCall{
		callID:  callID,
		req:     req,
		tx:      tx,
		toTag:   sip.GenerateTagN(16),
		decided: make(chan struct{}),
	}
	in.callerRef, in.callerName = callerInfo(req)
	conferenceRef := ""
	if h := req.GetHeader(HeaderConferenceRef); h != nil {
		conferenceRef = strings.TrimSpace(h.Value())
	}

	d.mu.Lock()
	busy := d.call != nil || len(d.incoming) > 0
	if !busy {
		d.incoming[callID] = in
	}
	d.mu.Unlock()

	if busy {
		d.logger.Info("rejecting invite while busy", "call_id", callID, "from", in.callerRef)
		d.respond(req, tx, d.response(req, in.toTag, 486, "Busy Here", nil))
		return
	}

	d.logger.Info("incoming call",
		"call_id", callID,
		"from", in.callerRef,
		"conference_ref", conferenceRef,
	)
	d.respond(req, tx, d.response(req, in.toTag, 180, "Ringing", nil))

	d.emit(telephony.Event{
		Kind:          telephony.EventIncoming,
		CallRef:       callID,
		CallerRef:     in.callerRef,
		CallerName:    in.callerName,
		ConferenceRef: conferenceRef,
	})

	select {
	case <-in.decided:
	case <-tx.Done():
		if d.takeIncoming(callID) != nil {
			d.logger.Info("incoming call transaction ended before answer", "call_id", callID)
			d.emit(telephony.Event{Kind: telephony.EventIncomingCanceled, CallRef: callID})
		}
	}
}

// answerReinvite accepts a re-INVITE on the current dialog (typically the
// remote side holding or resuming) with our current session description.
func (d *Device) answerReinvite(req *sip.Request, tx sip.ServerTransaction, dlg *dialog) {
	remoteHold := false
	if len(req.Body()) > 0 {
		if remote, err := sdp.Parse(req.Body()); err == nil {
			remoteHold = remote.OnHold()
		}
	}
	d.logger.Info("re-invite received", "call_id", dlg.callID, "remote_hold", remoteHold)

	d.mu.Lock()
	body, err := dlg.sdp.Marshal()
	d.mu.Unlock()
	if err != nil {
		d.logger.Error("rendering re-invite answer", "call_id", dlg.callID, "error", err)
		d.respond(req, tx, d.response(req, "", 500, "Server Internal Error", nil))
		return
	}

	res := d.response(req, "", 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Contact", d.contactValue()))
	d.respond(req, tx, res)
}

func (d *Device) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if cid := req.CallID(); cid != nil {
		d.logger.Debug("ack received", "call_id", cid.Value())
	}
}

func (d *Device) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	d.mu.Lock()
	dlg := d.call
	matched := dlg != nil && dlg.callID == callID
	if matched {
		d.call = nil
		d.muted = false
	}
	d.mu.Unlock()

	if !matched {
		d.respond(req, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	d.respond(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	d.logger.Info("call ended by remote", "call_id", callID)
	d.emit(telephony.Event{Kind: telephony.EventDisconnected, CallRef: callID})
}

func (d *Device) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	in := d.takeIncoming(callID)
	if in == nil {
		d.respond(req, tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	defer close(in.decided)

	d.respond(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	d.respond(in.req, in.tx, d.response(in.req, in.toTag, 487, "Request Terminated", nil))

	d.logger.Info("incoming call cancelled by caller", "call_id", callID)
	d.emit(telephony.Event{Kind: telephony.EventIncomingCanceled, CallRef: callID})
}

// Accept answers the ringing call with a 200 OK carrying the local SDP.
func (d *Device) Accept(ctx context.Context, callRef string) error {
	in := d.takeIncoming(callRef)
	if in == nil {
		return ErrUnknownCall
	}
	defer close(in.decided)

	local := sdp.New(d.cfg.MediaIP, d.cfg.MediaPort, newSessionID())
	body, err := local.Marshal()
	if err != nil {
		return err
	}
	res := d.response(in.req, in.toTag, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Contact", d.contactValue()))
	if err := in.tx.Respond(res); err != nil {
		return fmt.Errorf("sending 200 ok: %w", err)
	}

	dlg := &dialog{
		callID:      in.callID,
		direction:   telephony.Inbound,
		counterpart: in.callerRef,
		transport:   in.req.Transport(),
		local:       partyFromTo(res.To()),
		remote:      partyFromFrom(in.req.From()),
		cseq:        1,
		sdp:         local,
	}
	if contact := in.req.Contact(); contact != nil {
		dlg.remoteTarget = *contact.Address.Clone()
	} else {
		dlg.remoteTarget = *dlg.remote.uri.Clone()
	}

	d.mu.Lock()
	d.call = dlg
	d.muted = false
	d.mu.Unlock()

	d.logger.Info("call answered", "call_id", in.callID, "from", in.callerRef)
	d.emit(telephony.Event{
		Kind:        telephony.EventConnected,
		CallRef:     in.callID,
		Direction:   telephony.Inbound,
		Counterpart: in.callerRef,
	})
	return nil
}

// Reject declines the ringing call with 603 Decline.
func (d *Device) Reject(ctx context.Context, callRef string) error {
	in := d.takeIncoming(callRef)
	if in == nil {
		return ErrUnknownCall
	}
	defer close(in.decided)

	if err := in.tx.Respond(d.response(in.req, in.toTag, 603, "Decline", nil)); err != nil {
		return fmt.Errorf("sending 603 decline: %w", err)
	}
	d.logger.Info("call declined", "call_id", callRef)
	return nil
}

// Connect sends an INVITE to the target in the configured domain. The
// outcome arrives as EventConnected or EventCallFailed.
func (d *Device) Connect(ctx context.Context, creq telephony.ConnectRequest) error {
	target, err := d.targetURI(creq.Target)
	if err != nil {
		return err
	}

	local := sdp.New(d.cfg.MediaIP, d.cfg.MediaPort, newSessionID())
	body, err := local.Marshal()
	if err != nil {
		return err
	}
	callID := uuid.NewString()

	req := sip.NewRequest(sip.INVITE, target)
	req.SetTransport(strings.ToUpper(d.cfg.Transport))
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(sip.NewHeader("Contact", d.contactValue()))
	if creq.ConferenceRef != "" {
		req.AppendHeader(sip.NewHeader(HeaderConferenceRef, creq.ConferenceRef))
	}

	from := &sip.FromHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   d.cfg.Username,
			Host:   d.cfg.Domain,
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: *target.Clone()})

	dialCtx, cancel := context.WithCancel(context.Background())
	dlg := &dialog{
		callID:       callID,
		direction:    telephony.Outbound,
		counterpart:  creq.Target,
		transport:    strings.ToUpper(d.cfg.Transport),
		remoteTarget: *target.Clone(),
		sdp:          local,
		invite:       req,
		cancelDial:   cancel,
	}

	d.mu.Lock()
	if d.call != nil {
		d.mu.Unlock()
		cancel()
		return ErrBusy
	}
	d.call = dlg
	d.muted = false
	d.mu.Unlock()

	d.logger.Info("placing call",
		"call_id", callID,
		"target", target.String(),
		"conference_ref", creq.ConferenceRef,
	)

	go d.dial(dialCtx, dlg, req)
	return nil
}

func (d *Device) dial(ctx context.Context, dlg *dialog, req *sip.Request) {
	defer dlg.cancelDial()

	tx, err := d.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		d.failDial(dlg, fmt.Errorf("sending invite: %w", err))
		return
	}

	res, err := getFinalResponse(ctx, tx)
	if err == nil && (res.StatusCode == 401 || res.StatusCode == 407) {
		tx.Terminate()

		d.mu.Lock()
		token := d.token
		d.mu.Unlock()

		var authReq *sip.Request
		authReq, err = d.authorize(req, res, req.Recipient.String(), token)
		if err != nil {
			d.failDial(dlg, err)
			return
		}
		tx, err = d.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			d.failDial(dlg, fmt.Errorf("sending authenticated invite: %w", err))
			return
		}
		req = authReq
		d.mu.Lock()
		dlg.invite = authReq
		d.mu.Unlock()

		res, err = getFinalResponse(ctx, tx)
	}
	defer tx.Terminate()

	if err != nil {
		d.failDial(dlg, fmt.Errorf("waiting for invite response: %w", err))
		return
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		d.failDial(dlg, fmt.Errorf("call rejected with status %d %s", res.StatusCode, res.Reason))
		return
	}

	if err := d.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
		d.logger.Error("failed to send ack", "call_id", dlg.callID, "error", err)
	}

	d.mu.Lock()
	current := d.call == dlg
	dlg.answered = true
	dlg.local = partyFromFrom(req.From())
	dlg.remote = partyFromTo(res.To())
	if cseq := req.CSeq(); cseq != nil {
		dlg.cseq = cseq.SeqNo
	}
	if contact := res.Contact(); contact != nil {
		dlg.remoteTarget = *contact.Address.Clone()
	}
	d.mu.Unlock()

	if !current {
		// Hung up while the answer was in flight.
		d.sendBye(context.Background(), dlg)
		return
	}

	d.logger.Info("call connected", "call_id", dlg.callID, "target", dlg.counterpart)
	d.emit(telephony.Event{
		Kind:        telephony.EventConnected,
		CallRef:     dlg.callID,
		Direction:   telephony.Outbound,
		Counterpart: dlg.counterpart,
	})
}

// failDial clears the dialog and reports the failure, unless the attempt
// was already abandoned locally.
func (d *Device) failDial(dlg *dialog, err error) {
	d.mu.Lock()
	current := d.call == dlg
	if current {
		d.call = nil
	}
	d.mu.Unlock()

	if !current {
		return
	}
	d.logger.Warn("outbound call failed", "call_id", dlg.callID, "error", err)
	d.emit(telephony.Event{Kind: telephony.EventCallFailed, CallRef: dlg.callID, Err: err})
}

// DisconnectAll ends the current call: BYE when answered, CANCEL while an
// outbound INVITE is still pending. No event is emitted for a local hangup.
func (d *Device) DisconnectAll(ctx context.Context) error {
	d.mu.Lock()
	dlg := d.call
	d.call = nil
	d.muted = false
	var invite *sip.Request
	answered := false
	if dlg != nil {
		invite = dlg.invite
		answered = dlg.answered || dlg.direction == telephony.Inbound
	}
	d.mu.Unlock()

	if dlg == nil {
		return nil
	}

	if !answered {
		d.logger.Info("cancelling outbound call", "call_id", dlg.callID)
		err := d.sendCancel(ctx, invite)
		dlg.cancelDial()
		return err
	}

	return d.sendBye(ctx, dlg)
}

func (d *Device) sendBye(ctx context.Context, dlg *dialog) error {
	ctx, cancel := context.WithTimeout(ctx, inDialogTimeout)
	defer cancel()

	d.mu.Lock()
	bye := dlg.request(sip.BYE)
	d.mu.Unlock()

	tx, err := d.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := getFinalResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	d.logger.Info("call hung up", "call_id", dlg.callID, "status", res.StatusCode)
	return nil
}

func (d *Device) sendCancel(ctx context.Context, invite *sip.Request) error {
	if invite == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, inDialogTimeout)
	defer cancel()

	tx, err := d.client.TransactionRequest(ctx, buildCancel(invite), sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending cancel: %w", err)
	}
	tx.Terminate()
	return nil
}

// SetMuted records the mute flag for the media stack.
func (d *Device) SetMuted(muted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.call == nil {
		return ErrNoCall
	}
	d.muted = muted
	return nil
}

// Muted reports the mute flag.
func (d *Device) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

// SetOnHold sends a re-INVITE with a=sendonly to hold, or a=sendrecv to
// resume, and waits for the final response.
func (d *Device) SetOnHold(ctx context.Context, hold bool) error {
	dir := sdp.SendRecv
	if hold {
		dir = sdp.SendOnly
	}

	d.mu.Lock()
	dlg := d.call
	if dlg == nil || (dlg.direction == telephony.Outbound && !dlg.answered) {
		d.mu.Unlock()
		return ErrNoCall
	}
	offer := dlg.sdp.WithDirection(dir)
	req := dlg.request(sip.INVITE)
	d.mu.Unlock()

	body, err := offer.Marshal()
	if err != nil {
		return err
	}
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Contact", d.contactValue()))

	ctx, cancel := context.WithTimeout(ctx, inDialogTimeout)
	defer cancel()

	tx, err := d.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending re-invite: %w", err)
	}
	defer tx.Terminate()

	res, err := getFinalResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for re-invite response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("re-invite rejected with status %d %s", res.StatusCode, res.Reason)
	}
	if err := d.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
		d.logger.Error("failed to send ack for re-invite", "call_id", dlg.callID, "error", err)
	}

	d.mu.Lock()
	dlg.sdp = offer
	dlg.holding = hold
	d.mu.Unlock()

	d.logger.Info("hold updated", "call_id", dlg.callID, "on_hold", hold)
	return nil
}

// Close unregisters (best effort) and shuts the stack down.
func (d *Device) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var errs []error
	if err := d.DisconnectAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.Unregister(ctx); err != nil {
		errs = append(errs, err)
	}

	d.mu.Lock()
	stop := d.stopListen
	d.stopListen = nil
	d.mu.Unlock()
	if stop != nil {
		stop()
	}

	d.client.Close()
	d.srv.Close()
	d.ua.Close()

	return errors.Join(errs...)
}

func (d *Device) takeIncoming(callID string) *inboundCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	in, ok := d.incoming[callID]
	if !ok {
		return nil
	}
	delete(d.incoming, callID)
	return in
}

// response builds a response to req, stamping the dialog's To tag on
// non-100 responses.
func (d *Device) response(req *sip.Request, toTag string, code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if to := res.To(); to != nil && toTag != "" {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", toTag)
		}
	}
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return res
}

func (d *Device) respond(req *sip.Request, tx sip.ServerTransaction, res *sip.Response) {
	if err := tx.Respond(res); err != nil {
		d.logger.Error("failed to send response",
			"method", req.Method.String(),
			"code", res.StatusCode,
			"error", err,
		)
	}
}

func (d *Device) contactValue() string {
	return fmt.Sprintf("<sip:%s@%s:%d>", d.cfg.Username, d.cfg.ContactHost, d.contactPort)
}

// targetURI turns a dial target into a request URI. Full sip: URIs are used
// as given; anything else becomes sip:<target>@<domain>:<port>.
func (d *Device) targetURI(target string) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return sip.Uri{}, fmt.Errorf("sipua: empty dial target")
	}

	uriStr := target
	if !strings.HasPrefix(strings.ToLower(target), "sip:") {
		uriStr = fmt.Sprintf("sip:%s@%s:%d", target, d.cfg.Domain, d.cfg.RegistrarPort)
	}

	var uri sip.Uri
	if err := sip.ParseUri(uriStr, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing target uri %q: %w", uriStr, err)
	}
	return uri, nil
}

// callerInfo returns the caller's user part and display name, preferring an
// explicit caller-name header over the From display name.
func callerInfo(req *sip.Request) (ref, name string) {
	if from := req.From(); from != nil {
		ref = from.Address.User
		name = from.DisplayName
	}
	if h := req.GetHeader(HeaderCallerName); h != nil && strings.TrimSpace(h.Value()) != "" {
		name = strings.TrimSpace(h.Value())
	}
	return ref, name
}

func newSessionID() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}
