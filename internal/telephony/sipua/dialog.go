package sipua

import (
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/agentdesk/internal/sdp"
	"github.com/flowpbx/agentdesk/internal/telephony"
)

// party is one end of a dialog as it appears in From/To headers.
type party struct {
	name string
	uri  sip.Uri
	tag  string
}

func partyFromFrom(h *sip.FromHeader) party {
	if h == nil {
		return party{}
	}
	p := party{name: h.DisplayName, uri: *h.Address.Clone()}
	if tag, ok := h.Params.Get("tag"); ok {
		p.tag = tag
	}
	return p
}

func partyFromTo(h *sip.ToHeader) party {
	if h == nil {
		return party{}
	}
	p := party{name: h.DisplayName, uri: *h.Address.Clone()}
	if tag, ok := h.Params.Get("tag"); ok {
		p.tag = tag
	}
	return p
}

// dialog is the device's single call: ringing out, or connected either way.
type dialog struct {
	callID      string
	direction   telephony.Direction
	counterpart string
	transport   string

	local        party
	remote       party
	remoteTarget sip.Uri
	cseq         uint32

	sdp *sdp.Session

	// Outbound only.
	invite     *sip.Request
	answered   bool
	cancelDial func()
	holding    bool
}

// request builds an in-dialog request (BYE, re-INVITE) with the next local
// CSeq.
func (dlg *dialog) request(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, *dlg.remoteTarget.Clone())
	req.SetTransport(dlg.transport)

	from := &sip.FromHeader{DisplayName: dlg.local.name, Address: *dlg.local.uri.Clone()}
	if dlg.local.tag != "" {
		from.Params.Add("tag", dlg.local.tag)
	}
	req.AppendHeader(from)

	to := &sip.ToHeader{DisplayName: dlg.remote.name, Address: *dlg.remote.uri.Clone()}
	if dlg.remote.tag != "" {
		to.Params.Add("tag", dlg.remote.tag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(dlg.callID)
	req.AppendHeader(&callID)

	dlg.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: dlg.cseq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	return req
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. The ACK
// for a 2xx is sent by the UA core straight to the transport, to the
// response's Contact when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To carries the remote tag from the response.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// buildCancel creates a CANCEL for an INVITE that has not been answered.
// CANCEL reuses the INVITE's Call-ID, From, To and CSeq number.
func buildCancel(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancel.SetTransport(inviteReq.Transport())

	// Same top Via (and branch) so the server matches the INVITE transaction.
	if h := inviteReq.Via(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	return cancel
}
