// Package colibri speaks both generations of the videobridge control
// protocol and provides local stand-ins for deployments without a bridge.
package colibri

import (
	"encoding/xml"
	"fmt"

	"github.com/jitcap/jitcap/internal/jingle"
)

// Protocol namespaces advertised by the bridge.
const (
	NSV1 = "http://jitsi.org/protocol/colibri"
	NSV2 = "urn:xmpp:jitsi-videobridge:colibri2"
)

// Opus as the bridge forwards it.
const (
	DefaultPayloadType = 111
	DefaultClockrate   = 48000
	DefaultChannels    = 2
)

// Conference is the v1 root element. Allocation sends a channel with
// expire=180; release resends it with expire=0.
type Conference struct {
	XMLName  xml.Name            `xml:"http://jitsi.org/protocol/colibri conference"`
	ID       string              `xml:"id,attr,omitempty"`
	Contents []ConferenceContent `xml:"content"`
}

// ConferenceContent groups v1 channels by media name.
type ConferenceContent struct {
	XMLName  xml.Name  `xml:"content"`
	Name     string    `xml:"name,attr"`
	Channels []Channel `xml:"channel"`
}

// Channel is one v1 media channel.
type Channel struct {
	XMLName      xml.Name             `xml:"channel"`
	ID           string               `xml:"id,attr,omitempty"`
	Endpoint     string               `xml:"endpoint,attr,omitempty"`
	Initiator    string               `xml:"initiator,attr,omitempty"`
	Expire       string               `xml:"expire,attr,omitempty"`
	Direction    string               `xml:"direction,attr,omitempty"`
	PayloadTypes []jingle.PayloadType `xml:"payload-type"`
	Transport    *jingle.Transport    `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

// ConferenceModify is the v2 request root.
type ConferenceModify struct {
	XMLName   xml.Name   `xml:"urn:xmpp:jitsi-videobridge:colibri2 conference-modify"`
	MeetingID string     `xml:"meeting-id,attr,omitempty"`
	Name      string     `xml:"name,attr,omitempty"`
	Create    string     `xml:"create,attr,omitempty"`
	Endpoints []Endpoint `xml:"endpoint"`
}

// ConferenceModified is the v2 reply root.
type ConferenceModified struct {
	XMLName   xml.Name   `xml:"urn:xmpp:jitsi-videobridge:colibri2 conference-modified"`
	MeetingID string     `xml:"meeting-id,attr,omitempty"`
	Endpoints []Endpoint `xml:"endpoint"`
}

// Endpoint is a v2 conference endpoint in either direction.
type Endpoint struct {
	XMLName   xml.Name           `xml:"endpoint"`
	ID        string             `xml:"id,attr"`
	Create    string             `xml:"create,attr,omitempty"`
	StatsID   string             `xml:"stats-id,attr,omitempty"`
	Expire    string             `xml:"expire,attr,omitempty"`
	Medias    []Media            `xml:"media"`
	Transport *EndpointTransport `xml:"transport"`
	Sources   *EndpointSources   `xml:"sources"`
}

// Media declares one media type on a v2 endpoint.
type Media struct {
	XMLName      xml.Name             `xml:"media"`
	Type         string               `xml:"type,attr"`
	PayloadTypes []jingle.PayloadType `xml:"payload-type"`
	Sources      []jingle.Source      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
}

// EndpointTransport wraps the ICE-UDP transport inside a v2 endpoint.
type EndpointTransport struct {
	XMLName        xml.Name          `xml:"transport"`
	ICEControlling string            `xml:"ice-controlling,attr,omitempty"`
	ICEUDP         *jingle.Transport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

// EndpointSources carries SSMA sources grouped by media type in v2 replies.
type EndpointSources struct {
	XMLName      xml.Name      `xml:"sources"`
	MediaSources []MediaSource `xml:"media-source"`
}

// MediaSource is one media-source group in a v2 reply.
type MediaSource struct {
	XMLName xml.Name        `xml:"media-source"`
	Type    string          `xml:"type,attr"`
	Sources []jingle.Source `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
}

// Forwarder is a bridge-side allocation relaying one participant's RTP
// stream to a UDP endpoint. It is embedded verbatim in recording manifests.
type Forwarder struct {
	ConferenceID string `json:"conference_id,omitempty"`
	EndpointID   string `json:"endpoint_id,omitempty"`
	ChannelID    string `json:"channel_id,omitempty"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	PayloadType  int    `json:"payload_type"`
	SSRC         uint32 `json:"ssrc,omitempty"`
	Ufrag        string `json:"ufrag,omitempty"`
	Pwd          string `json:"pwd,omitempty"`
	ViaXMPP      bool   `json:"via_xmpp,omitempty"`
	Simulated    bool   `json:"simulated,omitempty"`
}

// RTPURL returns the capture input URL for this forwarder.
func (f *Forwarder) RTPURL() string {
	return fmt.Sprintf("rtp://%s:%d", f.IP, f.Port)
}

// opusPayloadType is the audio description both dialects request.
func opusPayloadType() jingle.PayloadType {
	return jingle.PayloadType{
		ID:        DefaultPayloadType,
		Name:      "opus",
		Clockrate: DefaultClockrate,
		Channels:  DefaultChannels,
	}
}
