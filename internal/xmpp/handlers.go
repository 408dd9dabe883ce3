package xmpp

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"

	"github.com/jitcap/jitcap/internal/colibri"
	"github.com/jitcap/jitcap/internal/jingle"
)

const nsDiscoInfo = "http://jabber.org/protocol/disco#info"

func (c *Client) newMux(ns string) *mux.ServeMux {
	return mux.New(ns,
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: jingle.NS, Local: "jingle"}, c.handleJingleIQ),
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: colibri.NSV2, Local: "conference-modify"}, c.handleConferenceModifyIQ),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: nsDiscoInfo, Local: "query"}, c.handleDiscoInfoIQ),
		mux.PresenceFunc(stanza.AvailablePresence, xml.Name{Space: nsMUCUser, Local: "x"}, c.handleMUCPresence),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{Space: nsMUCUser, Local: "x"}, c.handleMUCPresence),
	)
}

// handleJingleIQ acks the IQ and dispatches on the action. Anything that
// talks back to the network runs off the serve loop, since IQ round-trips
// need the loop free to correlate replies.
func (c *Client) handleJingleIQ(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var j jingle.Jingle
	if err := decodeElement(t, start, &j); err != nil {
		c.logger.Warn("decoding jingle iq", "from", iq.From.String(), "error", err)
	}
	if _, err := xmlstream.Copy(t, iq.Result(nil)); err != nil {
		return fmt.Errorf("acking jingle iq: %w", err)
	}

	room := iq.From.Bare().String()
	switch j.Action {
	case jingle.ActionSessionInitiate:
		c.logger.Info("jingle session-initiate", "sid", j.SID, "room", room)
		if j.BridgeSession != nil && j.BridgeSession.ID != "" {
			c.confMap.Set(room, j.BridgeSession.ID)
		}
		ssrcs := jingle.ExtractSSRCs(&j)
		go c.tracker.HandleSessionInitiate(c.context(), room, ssrcs)
		go c.answerSession(j, iq)
	case jingle.ActionTransportInfo:
		c.applyTransportInfo(j)
	case jingle.ActionSessionTerminate:
		c.terminateSession(j)
	case jingle.ActionSourceAdd, jingle.ActionSourceRemove:
		c.logger.Debug("jingle source update", "action", j.Action, "sid", j.SID)
	default:
		c.logger.Debug("unhandled jingle action", "action", j.Action, "sid", j.SID)
	}
	return nil
}

// answerSession builds the media plane answer for an offer and accepts the
// session back to the initiator.
func (c *Client) answerSession(j jingle.Jingle, iq stanza.IQ) {
	offerSDP, err := jingle.ToSDP(&j)
	if err != nil {
		c.logger.Error("converting offer to sdp", "sid", j.SID, "error", err)
		return
	}
	ms, err := newMediaSession(j.SID, j.Initiator, iq.From.Bare().String(), c.logger)
	if err != nil {
		c.logger.Error("creating media session", "sid", j.SID, "error", err)
		return
	}
	ms.setMids(j.Contents)
	c.storeMedia(ms)

	answerSDP, err := ms.answer(offerSDP)
	if err != nil {
		c.logger.Error("answering offer", "sid", j.SID, "error", err)
		c.dropMedia(j.SID)
		return
	}

	accept, err := jingle.AcceptFromSDP(answerSDP, j.SID, j.Initiator, c.session.LocalAddr().String())
	if err != nil {
		c.logger.Error("building session-accept", "sid", j.SID, "error", err)
		c.dropMedia(j.SID)
		return
	}

	to := iq.From
	if j.Initiator != "" {
		if addr, err := jid.Parse(j.Initiator); err == nil {
			to = addr
		}
	}
	if err := c.sendSet(c.context(), to, accept); err != nil {
		c.logger.Error("sending session-accept", "sid", j.SID, "to", to.String(), "error", err)
		return
	}
	c.logger.Info("sent session-accept", "sid", j.SID, "to", to.String())
}

func (c *Client) applyTransportInfo(j jingle.Jingle) {
	ms := c.getMedia(j.SID)
	if ms == nil {
		c.logger.Debug("transport-info for unknown session", "sid", j.SID)
		return
	}
	for _, ct := range j.Contents {
		if ct.Transport == nil {
			continue
		}
		for _, cand := range ct.Transport.Candidates {
			if err := ms.addCandidate(ct.Name, cand); err != nil {
				c.logger.Warn("applying trickle candidate",
					"sid", j.SID, "content", ct.Name, "error", err)
			}
		}
	}
}

func (c *Client) terminateSession(j jingle.Jingle) {
	ms := c.takeMedia(j.SID)
	if ms == nil {
		return
	}
	ms.close()
	reason := ""
	if j.Reason != nil {
		reason = j.Reason.Text
	}
	c.logger.Info("jingle session-terminate", "sid", j.SID, "reason", reason)
}

// handleConferenceModifyIQ acks colibri2 requests addressed to us. The focus
// probes recorder components this way and stalls without an answer, so the
// ack goes out even when the payload does not decode.
func (c *Client) handleConferenceModifyIQ(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var cm colibri.ConferenceModify
	if err := decodeElement(t, start, &cm); err != nil {
		c.logger.Warn("decoding conference-modify", "from", iq.From.String(), "error", err)
	} else if cm.MeetingID != "" {
		c.confMap.Set(cm.Name, cm.MeetingID)
		c.confMap.Set(cm.MeetingID, cm.MeetingID)
		c.logger.Debug("learned conference id", "name", cm.Name, "meeting_id", cm.MeetingID)
	}
	if _, err := xmlstream.Copy(t, iq.Result(nil)); err != nil {
		return fmt.Errorf("acking conference-modify: %w", err)
	}
	return nil
}

type discoIdentity struct {
	XMLName  xml.Name `xml:"identity"`
	Category string   `xml:"category,attr"`
	Type     string   `xml:"type,attr"`
	Name     string   `xml:"name,attr,omitempty"`
}

type discoFeature struct {
	XMLName xml.Name `xml:"feature"`
	Var     string   `xml:"var,attr"`
}

type discoQuery struct {
	XMLName    xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
	Node       string          `xml:"node,attr,omitempty"`
	Identities []discoIdentity `xml:"identity"`
	Features   []discoFeature  `xml:"feature"`
}

// discoInfoReply lists what the recorder can do. The focus checks for the
// jibri feature before inviting us into a conference.
func discoInfoReply(node string) discoQuery {
	features := []string{
		nsDiscoInfo,
		jingle.NS,
		jingle.NSICEUDP,
		jingle.NSRTP,
		"urn:xmpp:jingle:apps:rtp:audio",
		"urn:xmpp:jingle:apps:rtp:video",
		jingle.NSDTLS,
		"http://jitsi.org/protocol/jibri",
	}
	q := discoQuery{
		Node: node,
		Identities: []discoIdentity{{
			Category: "client",
			Type:     "bot",
			Name:     "jitcap",
		}},
	}
	for _, f := range features {
		q.Features = append(q.Features, discoFeature{Var: f})
	}
	return q
}

func (c *Client) handleDiscoInfoIQ(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var node string
	for _, a := range start.Attr {
		if a.Name.Local == "node" {
			node = a.Value
		}
	}
	r, err := payloadReader(discoInfoReply(node))
	if err != nil {
		return err
	}
	if _, err := xmlstream.Copy(t, iq.Result(r)); err != nil {
		return fmt.Errorf("answering disco#info: %w", err)
	}
	return nil
}

// decodeElement reassembles the payload element the mux matched and decodes
// it into v.
func decodeElement(t xml.TokenReader, start *xml.StartElement, v interface{}) error {
	r := xmlstream.MultiReader(xmlstream.Token(start.Copy()), t)
	return xml.NewTokenDecoder(r).Decode(v)
}

// payloadReader renders v through encoding/xml so it can ride inside a stanza.
func payloadReader(v interface{}) (xml.TokenReader, error) {
	b, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal stanza payload: %w", err)
	}
	return xml.NewDecoder(bytes.NewReader(b)), nil
}
