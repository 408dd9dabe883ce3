package colibri

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/jitcap/jitcap/internal/jingle"
)

const iqTimeout = 10 * time.Second

// Fallback transport address when a v2 reply omits candidates.
const (
	defaultForwarderIP   = "127.0.0.1"
	defaultForwarderPort = 50000
)

var (
	// ErrUnsupported means the bridge advertised neither Colibri dialect.
	ErrUnsupported = errors.New("colibri: bridge supports no known protocol version")

	// ErrIQTimeout means the bridge did not answer within the IQ deadline.
	ErrIQTimeout = errors.New("colibri: iq timed out")
)

// IQError is an XMPP error reply to a Colibri IQ.
type IQError struct {
	Condition string
	Err       error
}

func (e *IQError) Error() string {
	return fmt.Sprintf("colibri: iq error: %s", e.Condition)
}

func (e *IQError) Unwrap() error { return e.Err }

// Support records which Colibri dialects a bridge advertised via disco#info.
type Support struct {
	V1 bool
	V2 bool
}

// IQSender is the slice of the XMPP session the allocator talks through.
type IQSender interface {
	UnmarshalIQElement(ctx context.Context, payload xml.TokenReader, iq stanza.IQ, v interface{}) error
	SendIQElement(ctx context.Context, payload xml.TokenReader, iq stanza.IQ) (xmlstream.TokenReadCloser, error)
}

// Allocator drives bridge forwarder allocations over the XMPP stream.
type Allocator struct {
	session IQSender
	logger  *slog.Logger
	timeout time.Duration
}

// NewAllocator creates an allocator bound to an XMPP session.
func NewAllocator(session IQSender, logger *slog.Logger) *Allocator {
	return &Allocator{
		session: session,
		logger:  logger,
		timeout: iqTimeout,
	}
}

// Allocate requests an audio forwarder using the newest dialect the bridge
// supports. Returns ErrUnsupported when the bridge advertised neither.
func (a *Allocator) Allocate(ctx context.Context, bridge jid.JID, sup Support, conferenceID, endpointID string) (*Forwarder, error) {
	switch {
	case sup.V2:
		return a.AllocateV2(ctx, bridge, conferenceID, endpointID)
	case sup.V1:
		return a.AllocateV1(ctx, bridge, conferenceID, endpointID)
	default:
		return nil, ErrUnsupported
	}
}

// AllocateV1 allocates a channel-based forwarder. The conference id may be
// empty, in which case the bridge creates a conference and returns its id.
func (a *Allocator) AllocateV1(ctx context.Context, bridge jid.JID, conferenceID, endpointID string) (*Forwarder, error) {
	req := Conference{
		ID: conferenceID,
		Contents: []ConferenceContent{{
			Name: "audio",
			Channels: []Channel{{
				Endpoint:     endpointID,
				Initiator:    "true",
				Expire:       "180",
				PayloadTypes: []jingle.PayloadType{opusPayloadType()},
				Transport:    &jingle.Transport{},
			}},
		}},
	}

	var reply Conference
	if err := a.roundTrip(ctx, bridge, &req, &reply); err != nil {
		return nil, wrapIQErr("colibri: v1 allocate", err)
	}

	fwd := &Forwarder{
		ConferenceID: reply.ID,
		EndpointID:   endpointID,
		IP:           defaultForwarderIP,
		Port:         defaultForwarderPort,
		PayloadType:  DefaultPayloadType,
		ViaXMPP:      true,
	}
	if ch := firstChannel(&reply); ch != nil {
		fwd.ChannelID = ch.ID
		if t := ch.Transport; t != nil {
			fwd.Ufrag = t.Ufrag
			fwd.Pwd = t.Pwd
			if len(t.Candidates) > 0 {
				fwd.IP = t.Candidates[0].IP
				fwd.Port = t.Candidates[0].Port
			}
		}
	}

	a.logger.Debug("allocated v1 forwarder",
		"conference_id", fwd.ConferenceID,
		"channel_id", fwd.ChannelID,
		"addr", fwd.RTPURL(),
	)
	return fwd, nil
}

// AllocateV2 allocates an endpoint-based forwarder via conference-modify.
func (a *Allocator) AllocateV2(ctx context.Context, bridge jid.JID, meetingID, endpointID string) (*Forwarder, error) {
	req := ConferenceModify{
		MeetingID: meetingID,
		Create:    "true",
		Endpoints: []Endpoint{{
			ID:     endpointID,
			Create: "true",
			Medias: []Media{{
				Type:         "audio",
				PayloadTypes: []jingle.PayloadType{opusPayloadType()},
			}},
			Transport: &EndpointTransport{},
		}},
	}

	var reply ConferenceModified
	if err := a.roundTrip(ctx, bridge, &req, &reply); err != nil {
		return nil, wrapIQErr("colibri: v2 allocate", err)
	}

	fwd := &Forwarder{
		ConferenceID: meetingID,
		EndpointID:   endpointID,
		IP:           defaultForwarderIP,
		Port:         defaultForwarderPort,
		PayloadType:  DefaultPayloadType,
		ViaXMPP:      true,
	}
	if reply.MeetingID != "" {
		fwd.ConferenceID = reply.MeetingID
	}
	if ep := matchEndpoint(&reply, endpointID); ep != nil {
		if t := ep.Transport; t != nil && t.ICEUDP != nil {
			fwd.Ufrag = t.ICEUDP.Ufrag
			fwd.Pwd = t.ICEUDP.Pwd
			if len(t.ICEUDP.Candidates) > 0 {
				fwd.IP = t.ICEUDP.Candidates[0].IP
				fwd.Port = t.ICEUDP.Candidates[0].Port
			}
		}
		if ssrc, ok := firstSSRC(ep); ok {
			fwd.SSRC = ssrc
		}
		if pt, ok := firstPayloadTypeID(ep); ok {
			fwd.PayloadType = pt
		}
	}

	a.logger.Debug("allocated v2 forwarder",
		"conference_id", fwd.ConferenceID,
		"endpoint_id", fwd.EndpointID,
		"addr", fwd.RTPURL(),
		"ssrc", fwd.SSRC,
	)
	return fwd, nil
}

// Release expires a previously allocated forwarder. Failures are returned
// for logging only; teardown proceeds regardless.
func (a *Allocator) Release(ctx context.Context, bridge jid.JID, f *Forwarder) error {
	if f == nil {
		return nil
	}
	if f.ChannelID != "" {
		req := Conference{
			ID: f.ConferenceID,
			Contents: []ConferenceContent{{
				Name:     "audio",
				Channels: []Channel{{ID: f.ChannelID, Expire: "0"}},
			}},
		}
		return wrapIQErr("colibri: v1 release", a.fireAndCheck(ctx, bridge, &req))
	}
	req := ConferenceModify{
		MeetingID: f.ConferenceID,
		Endpoints: []Endpoint{{ID: f.EndpointID, Expire: "true"}},
	}
	return wrapIQErr("colibri: v2 release", a.fireAndCheck(ctx, bridge, &req))
}

func (a *Allocator) roundTrip(ctx context.Context, to jid.JID, payload, reply interface{}) error {
	r, err := tokenReader(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.session.UnmarshalIQElement(ctx, r, stanza.IQ{To: to, Type: stanza.SetIQ}, reply)
}

func (a *Allocator) fireAndCheck(ctx context.Context, to jid.JID, payload interface{}) error {
	r, err := tokenReader(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	resp, err := a.session.SendIQElement(ctx, r, stanza.IQ{To: to, Type: stanza.SetIQ})
	if err != nil {
		return err
	}
	return checkIQResult(resp)
}

// checkIQResult drains an IQ reply stream, surfacing the stanza error when
// the reply carries type="error".
func checkIQResult(resp xmlstream.TokenReadCloser) error {
	defer resp.Close()
	tok, err := resp.Token()
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return fmt.Errorf("unexpected token %T in iq reply", tok)
	}
	for _, attr := range start.Attr {
		if attr.Name.Local == "type" && attr.Value == "error" {
			stanzaErr, err := stanza.UnmarshalError(resp)
			if err != nil {
				return err
			}
			return stanzaErr
		}
	}
	return nil
}

// tokenReader renders v through encoding/xml so it can ride inside an IQ.
func tokenReader(v interface{}) (xml.TokenReader, error) {
	b, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal iq payload: %w", err)
	}
	return xml.NewDecoder(bytes.NewReader(b)), nil
}

func wrapIQErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrIQTimeout)
	}
	var stanzaErr stanza.Error
	if errors.As(err, &stanzaErr) {
		return fmt.Errorf("%s: %w", op, &IQError{Condition: string(stanzaErr.Condition), Err: stanzaErr})
	}
	return fmt.Errorf("%s: %w", op, err)
}

func firstChannel(c *Conference) *Channel {
	for i := range c.Contents {
		if len(c.Contents[i].Channels) > 0 {
			return &c.Contents[i].Channels[0]
		}
	}
	return nil
}

func matchEndpoint(cm *ConferenceModified, endpointID string) *Endpoint {
	for i := range cm.Endpoints {
		if cm.Endpoints[i].ID == endpointID {
			return &cm.Endpoints[i]
		}
	}
	if len(cm.Endpoints) > 0 {
		return &cm.Endpoints[0]
	}
	return nil
}

func firstSSRC(ep *Endpoint) (uint32, bool) {
	if ep.Sources != nil {
		for _, ms := range ep.Sources.MediaSources {
			for _, src := range ms.Sources {
				if ssrc, err := strconv.ParseUint(src.SSRC, 10, 32); err == nil {
					return uint32(ssrc), true
				}
			}
		}
	}
	for _, m := range ep.Medias {
		for _, src := range m.Sources {
			if ssrc, err := strconv.ParseUint(src.SSRC, 10, 32); err == nil {
				return uint32(ssrc), true
			}
		}
	}
	return 0, false
}

func firstPayloadTypeID(ep *Endpoint) (int, bool) {
	for _, m := range ep.Medias {
		if len(m.PayloadTypes) > 0 {
			return m.PayloadTypes[0].ID, true
		}
	}
	return 0, false
}
