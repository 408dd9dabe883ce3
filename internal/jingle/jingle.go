// Package jingle converts between Jingle session descriptions carried in XMPP
// IQ stanzas and the SDP consumed by the media plane.
package jingle

import "encoding/xml"

// Namespaces for Jingle and the extensions the bridge and focus emit.
const (
	NS         = "urn:xmpp:jingle:1"
	NSRTP      = "urn:xmpp:jingle:apps:rtp:1"
	NSICEUDP   = "urn:xmpp:jingle:transports:ice-udp:1"
	NSDTLS     = "urn:xmpp:jingle:apps:dtls:0"
	NSSSMA     = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSGrouping = "urn:xmpp:jingle:apps:grouping:0"
	NSRTCPFb   = "urn:xmpp:jingle:apps:rtp:rtcp-fb:0"
	NSHdrExt   = "urn:xmpp:jingle:apps:rtp:rtphdrext:0"
	NSFocus    = "http://jitsi.org/protocol/focus"
)

// Jingle actions used by this controller.
const (
	ActionSessionInitiate  = "session-initiate"
	ActionSessionAccept    = "session-accept"
	ActionSessionTerminate = "session-terminate"
	ActionTransportInfo    = "transport-info"
	ActionSourceAdd        = "source-add"
	ActionSourceRemove     = "source-remove"
)

// Jingle is the root element of a Jingle IQ payload.
type Jingle struct {
	XMLName       xml.Name       `xml:"urn:xmpp:jingle:1 jingle"`
	Action        string         `xml:"action,attr"`
	Initiator     string         `xml:"initiator,attr,omitempty"`
	Responder     string         `xml:"responder,attr,omitempty"`
	SID           string         `xml:"sid,attr"`
	Group         *Group         `xml:"urn:xmpp:jingle:apps:grouping:0 group,omitempty"`
	Contents      []Content      `xml:"content"`
	BridgeSession *BridgeSession `xml:"http://jitsi.org/protocol/focus bridge-session,omitempty"`
	Reason        *Reason        `xml:"reason,omitempty"`
}

// Content is one media section of a Jingle session.
type Content struct {
	XMLName     xml.Name     `xml:"content"`
	Creator     string       `xml:"creator,attr"`
	Name        string       `xml:"name,attr"`
	Senders     string       `xml:"senders,attr,omitempty"`
	Description *Description `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Transport   *Transport   `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

// Description is an XEP-0167 RTP description.
type Description struct {
	XMLName      xml.Name      `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Media        string        `xml:"media,attr"`
	SSRC         string        `xml:"ssrc,attr,omitempty"`
	PayloadTypes []PayloadType `xml:"payload-type"`
	HdrExts      []RTPHdrExt   `xml:"urn:xmpp:jingle:apps:rtp:rtphdrext:0 rtp-hdrext"`
	Sources      []Source      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SourceGroups []SourceGroup `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	RTCPMux      *RTCPMux      `xml:"rtcp-mux"`
}

// PayloadType describes one RTP payload format.
type PayloadType struct {
	XMLName    xml.Name       `xml:"payload-type"`
	ID         int            `xml:"id,attr"`
	Name       string         `xml:"name,attr,omitempty"`
	Clockrate  int            `xml:"clockrate,attr,omitempty"`
	Channels   int            `xml:"channels,attr,omitempty"`
	Parameters []Parameter    `xml:"parameter"`
	Feedback   []RTCPFeedback `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb"`
}

// Parameter is a name/value pair used by payload types and SSMA sources.
type Parameter struct {
	XMLName xml.Name `xml:"parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr,omitempty"`
}

// RTCPFeedback is an XEP-0293 rtcp-fb element.
type RTCPFeedback struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb"`
	Type    string   `xml:"type,attr"`
	Subtype string   `xml:"subtype,attr,omitempty"`
}

// RTPHdrExt is an XEP-0294 header extension declaration.
type RTPHdrExt struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:rtp:rtphdrext:0 rtp-hdrext"`
	ID      int      `xml:"id,attr"`
	URI     string   `xml:"uri,attr"`
}

// RTCPMux marks a description as rtcp-mux capable.
type RTCPMux struct {
	XMLName xml.Name `xml:"rtcp-mux"`
}

// Source is an XEP-0339 source-specific media attributes element.
type Source struct {
	XMLName    xml.Name    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SSRC       string      `xml:"ssrc,attr"`
	Parameters []Parameter `xml:"parameter"`
}

// SourceGroup carries SSRC grouping semantics (FID for retransmission, SIM
// for simulcast). Only the primary SSRC of a group is of interest here.
type SourceGroup struct {
	XMLName   xml.Name `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	Semantics string   `xml:"semantics,attr"`
	Sources   []Source `xml:"source"`
}

// Transport is an XEP-0176 ICE-UDP transport.
type Transport struct {
	XMLName     xml.Name     `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
	Ufrag       string       `xml:"ufrag,attr,omitempty"`
	Pwd         string       `xml:"pwd,attr,omitempty"`
	Fingerprint *Fingerprint `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Candidates  []Candidate  `xml:"candidate"`
}

// Fingerprint is an XEP-0320 DTLS fingerprint.
type Fingerprint struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Hash    string   `xml:"hash,attr"`
	Setup   string   `xml:"setup,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// Candidate is one ICE candidate inside a transport.
type Candidate struct {
	XMLName    xml.Name `xml:"candidate"`
	Component  int      `xml:"component,attr"`
	Foundation string   `xml:"foundation,attr"`
	Generation int      `xml:"generation,attr"`
	ID         string   `xml:"id,attr,omitempty"`
	IP         string   `xml:"ip,attr"`
	Network    int      `xml:"network,attr,omitempty"`
	Port       int      `xml:"port,attr"`
	Priority   uint32   `xml:"priority,attr"`
	Protocol   string   `xml:"protocol,attr"`
	Type       string   `xml:"type,attr"`
	RelAddr    string   `xml:"rel-addr,attr,omitempty"`
	RelPort    int      `xml:"rel-port,attr,omitempty"`
}

// Group is an XEP-0338 grouping element (BUNDLE).
type Group struct {
	XMLName   xml.Name       `xml:"urn:xmpp:jingle:apps:grouping:0 group"`
	Semantics string         `xml:"semantics,attr"`
	Contents  []GroupContent `xml:"content"`
}

// GroupContent names one content inside a group.
type GroupContent struct {
	XMLName xml.Name `xml:"content"`
	Name    string   `xml:"name,attr"`
}

// BridgeSession is the Jitsi focus extension announcing the bridge-side
// session; its id doubles as the conference id on the bridge.
type BridgeSession struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/focus bridge-session"`
	ID      string   `xml:"id,attr"`
	Region  string   `xml:"region,attr,omitempty"`
}

// Reason terminates a session with a machine-readable condition.
type Reason struct {
	XMLName xml.Name `xml:"reason"`
	Text    string   `xml:"text,omitempty"`
}
