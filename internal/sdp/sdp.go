// Package sdp builds and reads the small audio-only session descriptions the
// agent's SIP device exchanges: the answer to an inbound INVITE, the offer of
// an outbound INVITE and the re-offer that puts a call on hold.
package sdp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// Direction is an RFC 3264 media direction attribute.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// Valid reports whether d is one of the four direction attributes.
func (d Direction) Valid() bool {
	switch d {
	case SendRecv, SendOnly, RecvOnly, Inactive:
		return true
	}
	return false
}

// Codec is one rtpmap entry.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
}

func (c Codec) rtpmap() string {
	return strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
}

// DefaultCodecs is what the device offers: G.711 u-law and a-law plus
// RFC 4733 telephone events.
var DefaultCodecs = []Codec{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	{PayloadType: 101, Name: "telephone-event", ClockRate: 8000},
}

// Session is a parsed single-audio-stream session description.
type Session struct {
	SessionID      uint64
	SessionVersion uint64
	Address        string // effective connection address
	Port           int    // audio port, 0 when the stream is rejected
	Codecs         []Codec
	Direction      Direction
}

// New returns a local session description for ip and port using
// DefaultCodecs and sendrecv.
func New(ip string, port int, sessionID uint64) *Session {
	codecs := make([]Codec, len(DefaultCodecs))
	copy(codecs, DefaultCodecs)
	return &Session{
		SessionID:      sessionID,
		SessionVersion: sessionID,
		Address:        ip,
		Port:           port,
		Codecs:         codecs,
		Direction:      SendRecv,
	}
}

// WithDirection returns a copy of s with direction d and the session
// version bumped, as required for a re-offer.
func (s *Session) WithDirection(d Direction) *Session {
	out := *s
	out.Codecs = append([]Codec(nil), s.Codecs...)
	out.Direction = d
	out.SessionVersion++
	return &out
}

// HasCodec reports whether the session carries a codec named name.
func (s *Session) HasCodec(name string) bool {
	for _, c := range s.Codecs {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// OnHold reports whether the remote side is holding the stream: a
// sendonly or inactive direction, or the legacy 0.0.0.0 address.
func (s *Session) OnHold() bool {
	return s.Direction == SendOnly || s.Direction == Inactive || s.Address == "0.0.0.0"
}

// Marshal renders s with CRLF line endings.
func (s *Session) Marshal() ([]byte, error) {
	addrType := "IP4"
	if ip := net.ParseIP(s.Address); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	media := &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:  "audio",
			Port:   pionsdp.RangedPort{Value: s.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range s.Codecs {
		pt := strconv.Itoa(c.PayloadType)
		media.MediaName.Formats = append(media.MediaName.Formats, pt)
		media.Attributes = append(media.Attributes, pionsdp.NewAttribute("rtpmap", c.rtpmap()))
		if c.Name == "telephone-event" {
			media.Attributes = append(media.Attributes, pionsdp.NewAttribute("fmtp", pt+" 0-16"))
		}
	}
	dir := s.Direction
	if !dir.Valid() {
		dir = SendRecv
	}
	media.Attributes = append(media.Attributes,
		pionsdp.NewAttribute("ptime", "20"),
		pionsdp.NewPropertyAttribute(string(dir)),
	)

	desc := &pionsdp.SessionDescription{
		Version: 0,
		Origin: pionsdp.Origin{
			Username:       "agentdesk",
			SessionID:      s.SessionID,
			SessionVersion: s.SessionVersion,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: s.Address,
		},
		SessionName: "agentdesk",
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &pionsdp.Address{Address: s.Address},
		},
		TimeDescriptions:  []pionsdp.TimeDescription{{Timing: pionsdp.Timing{}}},
		MediaDescriptions: []*pionsdp.MediaDescription{media},
	}

	out, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshalling sdp: %w", err)
	}
	return out, nil
}

// Parse reads the first audio stream of body. A media-level connection
// line overrides the session one.
func Parse(body []byte) (*Session, error) {
	if strings.TrimSpace(string(body)) == "" {
		return nil, errors.New("empty sdp body")
	}

	var desc pionsdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	var audio *pionsdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, errors.New("sdp has no audio stream")
	}

	s := &Session{
		SessionID:      desc.Origin.SessionID,
		SessionVersion: desc.Origin.SessionVersion,
		Port:           audio.MediaName.Port.Value,
		Direction:      SendRecv,
	}

	conn := desc.ConnectionInformation
	if audio.ConnectionInformation != nil {
		conn = audio.ConnectionInformation
	}
	if conn != nil && conn.Address != nil {
		addr, _, _ := strings.Cut(conn.Address.Address, "/")
		if net.ParseIP(addr) == nil {
			return nil, fmt.Errorf("invalid sdp connection address %q", addr)
		}
		s.Address = addr
	}

	rtpmaps := make(map[int]Codec)
	for _, a := range audio.Attributes {
		if d := Direction(a.Key); d.Valid() {
			s.Direction = d
			continue
		}
		if a.Key == "rtpmap" {
			if c, err := parseRtpmap(a.Value); err == nil {
				rtpmaps[c.PayloadType] = c
			}
		}
	}

	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid payload type %q: %w", f, err)
		}
		if c, ok := rtpmaps[pt]; ok {
			s.Codecs = append(s.Codecs, c)
			continue
		}
		if c, ok := staticCodec(pt); ok {
			s.Codecs = append(s.Codecs, c)
		}
	}

	return s, nil
}

// parseRtpmap parses <payload type> <encoding name>/<clock rate>[/<channels>].
func parseRtpmap(value string) (Codec, error) {
	ptStr, enc, ok := strings.Cut(value, " ")
	if !ok {
		return Codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type: %w", err)
	}
	encParts := strings.Split(enc, "/")
	if len(encParts) < 2 {
		return Codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", enc)
	}
	rate, err := strconv.Atoi(encParts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}
	return Codec{PayloadType: pt, Name: encParts[0], ClockRate: rate}, nil
}

// staticCodec covers payload types offered without an rtpmap line.
func staticCodec(pt int) (Codec, bool) {
	switch pt {
	case 0:
		return Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}, true
	case 8:
		return Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}, true
	case 9:
		return Codec{PayloadType: 9, Name: "G722", ClockRate: 8000}, true
	}
	return Codec{}, false
}
