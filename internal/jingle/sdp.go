package jingle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// redundantCodecs are repair codecs the recorder never negotiates.
var redundantCodecs = map[string]bool{
	"rtx":    true,
	"red":    true,
	"ulpfec": true,
}

// sendersToDirection maps Jingle senders to an SDP direction attribute as
// seen from the responder side.
func sendersToDirection(senders string) string {
	switch senders {
	case "both":
		return "sendrecv"
	case "initiator":
		return "recvonly"
	case "responder":
		return "sendonly"
	default:
		return "recvonly"
	}
}

// ToSDP renders a Jingle offer as an SDP offer that a WebRTC answerer can
// consume. Contents without both an RTP description and an ICE-UDP transport,
// or whose payload types are all repair codecs, contribute their name to the
// BUNDLE group but produce no media section.
func ToSDP(j *Jingle) (string, error) {
	if j == nil || len(j.Contents) == 0 {
		return "", fmt.Errorf("jingle has no contents")
	}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	names := make([]string, 0, len(j.Contents))
	for _, c := range j.Contents {
		names = append(names, c.Name)
	}
	desc.Attributes = append(desc.Attributes, sdp.Attribute{
		Key:   "group",
		Value: "BUNDLE " + strings.Join(names, " "),
	})

	for i := range j.Contents {
		c := &j.Contents[i]
		if c.Description == nil || c.Transport == nil {
			continue
		}
		if md := mediaSection(c); md != nil {
			desc.MediaDescriptions = append(desc.MediaDescriptions, md)
		}
	}
	if len(desc.MediaDescriptions) == 0 {
		return "", fmt.Errorf("jingle has no usable media contents")
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(raw), nil
}

// mediaSection renders one content as a media description, or nil when every
// payload type is a repair codec.
func mediaSection(c *Content) *sdp.MediaDescription {
	d, t := c.Description, c.Transport

	kept := make([]PayloadType, 0, len(d.PayloadTypes))
	formats := make([]string, 0, len(d.PayloadTypes))
	for _, pt := range d.PayloadTypes {
		if redundantCodecs[strings.ToLower(pt.Name)] {
			continue
		}
		kept = append(kept, pt)
		formats = append(formats, strconv.Itoa(pt.ID))
	}
	if len(formats) == 0 {
		return nil
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   d.Media,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: formats,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}

	if t.Ufrag != "" {
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "ice-ufrag", Value: t.Ufrag})
	}
	if t.Pwd != "" {
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "ice-pwd", Value: t.Pwd})
	}
	if fp := t.Fingerprint; fp != nil {
		md.Attributes = append(md.Attributes, sdp.Attribute{
			Key:   "fingerprint",
			Value: fp.Hash + " " + strings.TrimSpace(fp.Value),
		})
		setup := fp.Setup
		if setup == "" {
			setup = "actpass"
		}
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "setup", Value: setup})
	}
	md.Attributes = append(md.Attributes,
		sdp.Attribute{Key: "mid", Value: c.Name},
		sdp.Attribute{Key: sendersToDirection(c.Senders)},
		sdp.Attribute{Key: "rtcp-mux"},
	)

	for _, pt := range kept {
		if pt.Name != "" && pt.Clockrate > 0 {
			rtpmap := fmt.Sprintf("%d %s/%d", pt.ID, pt.Name, pt.Clockrate)
			if pt.Channels > 0 {
				rtpmap += "/" + strconv.Itoa(pt.Channels)
			}
			md.Attributes = append(md.Attributes, sdp.Attribute{Key: "rtpmap", Value: rtpmap})
		}
		if len(pt.Parameters) > 0 {
			kv := make([]string, 0, len(pt.Parameters))
			for _, p := range pt.Parameters {
				if p.Name == "" {
					kv = append(kv, p.Value)
					continue
				}
				kv = append(kv, p.Name+"="+p.Value)
			}
			md.Attributes = append(md.Attributes, sdp.Attribute{
				Key:   "fmtp",
				Value: strconv.Itoa(pt.ID) + " " + strings.Join(kv, ";"),
			})
		}
		for _, fb := range pt.Feedback {
			v := strconv.Itoa(pt.ID) + " " + fb.Type
			if fb.Subtype != "" {
				v += " " + fb.Subtype
			}
			md.Attributes = append(md.Attributes, sdp.Attribute{Key: "rtcp-fb", Value: v})
		}
	}
	return md
}

// AcceptFromSDP converts a local SDP answer into a session-accept payload
// addressed back to the initiator. Every content is marked creator=initiator
// senders=both and the BUNDLE group lists the answered mids.
func AcceptFromSDP(answer, sid, initiator, responder string) (*Jingle, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(answer)); err != nil {
		return nil, fmt.Errorf("parse sdp answer: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("sdp answer has no media sections")
	}

	j := &Jingle{
		Action:    ActionSessionAccept,
		SID:       sid,
		Initiator: initiator,
		Responder: responder,
		Group:     &Group{Semantics: "BUNDLE"},
	}

	for i, md := range desc.MediaDescriptions {
		mid, ok := mediaAttr(md, "mid")
		if !ok || mid == "" {
			mid = strconv.Itoa(i)
		}
		j.Group.Contents = append(j.Group.Contents, GroupContent{Name: mid})
		j.Contents = append(j.Contents, Content{
			Creator:     "initiator",
			Name:        mid,
			Senders:     "both",
			Description: descriptionFromMedia(md),
			Transport:   transportFromMedia(&desc, md),
		})
	}
	return j, nil
}

func descriptionFromMedia(md *sdp.MediaDescription) *Description {
	d := &Description{Media: md.MediaName.Media}

	byID := make(map[int]*PayloadType)
	for _, a := range md.Attributes {
		switch a.Key {
		case "rtpmap":
			pt, err := parseRTPMap(a.Value)
			if err != nil {
				continue
			}
			if existing, ok := byID[pt.ID]; ok {
				existing.Name = pt.Name
				existing.Clockrate = pt.Clockrate
				existing.Channels = pt.Channels
			} else {
				p := pt
				byID[pt.ID] = &p
			}
		case "fmtp":
			id, params, err := parseFmtp(a.Value)
			if err != nil {
				continue
			}
			pt := byID[id]
			if pt == nil {
				pt = &PayloadType{ID: id}
				byID[id] = pt
			}
			pt.Parameters = append(pt.Parameters, params...)
		case "rtcp-fb":
			id, fb, err := parseRTCPFb(a.Value)
			if err != nil {
				continue
			}
			pt := byID[id]
			if pt == nil {
				pt = &PayloadType{ID: id}
				byID[id] = pt
			}
			pt.Feedback = append(pt.Feedback, fb)
		case "extmap":
			if ext, err := parseExtmap(a.Value); err == nil {
				d.HdrExts = append(d.HdrExts, ext)
			}
		}
	}

	for _, f := range md.MediaName.Formats {
		id, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		pt := byID[id]
		if pt == nil || pt.Name == "" {
			continue
		}
		d.PayloadTypes = append(d.PayloadTypes, *pt)
	}
	return d
}

func transportFromMedia(sd *sdp.SessionDescription, md *sdp.MediaDescription) *Transport {
	t := &Transport{}
	if v, ok := mediaAttr(md, "ice-ufrag"); ok {
		t.Ufrag = v
	} else if v, ok := sessionAttr(sd, "ice-ufrag"); ok {
		t.Ufrag = v
	}
	if v, ok := mediaAttr(md, "ice-pwd"); ok {
		t.Pwd = v
	} else if v, ok := sessionAttr(sd, "ice-pwd"); ok {
		t.Pwd = v
	}

	fp, ok := mediaAttr(md, "fingerprint")
	if !ok {
		fp, ok = sessionAttr(sd, "fingerprint")
	}
	if ok {
		if hash, value, found := strings.Cut(fp, " "); found {
			// The answerer always takes the active DTLS role unless the
			// local description already pinned one.
			setup, _ := mediaAttr(md, "setup")
			if setup == "" || setup == "actpass" {
				setup = "active"
			}
			t.Fingerprint = &Fingerprint{
				Hash:  hash,
				Setup: setup,
				Value: strings.TrimSpace(value),
			}
		}
	}
	return t
}

func mediaAttr(md *sdp.MediaDescription, key string) (string, bool) {
	for _, a := range md.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

func sessionAttr(sd *sdp.SessionDescription, key string) (string, bool) {
	for _, a := range sd.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

func parseRTPMap(v string) (PayloadType, error) {
	var pt PayloadType
	idPart, encoding, found := strings.Cut(v, " ")
	if !found {
		return pt, fmt.Errorf("malformed rtpmap %q", v)
	}
	id, err := strconv.Atoi(idPart)
	if err != nil {
		return pt, fmt.Errorf("rtpmap id %q: %w", idPart, err)
	}
	codec := strings.Split(encoding, "/")
	if len(codec) < 2 {
		return pt, fmt.Errorf("malformed rtpmap encoding %q", encoding)
	}
	pt.ID = id
	pt.Name = codec[0]
	pt.Clockrate, _ = strconv.Atoi(codec[1])
	if len(codec) > 2 {
		pt.Channels, _ = strconv.Atoi(codec[2])
	}
	return pt, nil
}

func parseFmtp(v string) (int, []Parameter, error) {
	idPart, rest, found := strings.Cut(v, " ")
	if !found {
		return 0, nil, fmt.Errorf("malformed fmtp %q", v)
	}
	id, err := strconv.Atoi(idPart)
	if err != nil {
		return 0, nil, fmt.Errorf("fmtp id %q: %w", idPart, err)
	}
	var params []Parameter
	for _, kv := range strings.Split(rest, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		if name, value, ok := strings.Cut(kv, "="); ok {
			params = append(params, Parameter{Name: name, Value: value})
		} else {
			params = append(params, Parameter{Name: kv})
		}
	}
	return id, params, nil
}

func parseRTCPFb(v string) (int, RTCPFeedback, error) {
	fields := strings.Fields(v)
	if len(fields) < 2 {
		return 0, RTCPFeedback{}, fmt.Errorf("malformed rtcp-fb %q", v)
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, RTCPFeedback{}, fmt.Errorf("rtcp-fb id %q: %w", fields[0], err)
	}
	fb := RTCPFeedback{Type: fields[1]}
	if len(fields) > 2 {
		fb.Subtype = strings.Join(fields[2:], " ")
	}
	return id, fb, nil
}

func parseExtmap(v string) (RTPHdrExt, error) {
	fields := strings.Fields(v)
	if len(fields) < 2 {
		return RTPHdrExt{}, fmt.Errorf("malformed extmap %q", v)
	}
	idPart, _, _ := strings.Cut(fields[0], "/")
	id, err := strconv.Atoi(idPart)
	if err != nil {
		return RTPHdrExt{}, fmt.Errorf("extmap id %q: %w", fields[0], err)
	}
	return RTPHdrExt{ID: id, URI: fields[1]}, nil
}
