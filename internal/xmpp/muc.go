package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/jitcap/jitcap/internal/conference"
)

const mucJoinTimeout = 10 * time.Second

// MUC and Jitsi presence namespaces.
const (
	nsMUC       = "http://jabber.org/protocol/muc"
	nsMUCUser   = "http://jabber.org/protocol/muc#user"
	nsNick      = "http://jabber.org/protocol/nick"
	nsAudioMute = "http://jitsi.org/jitmeet/audio"
	nsVideoMute = "http://jitsi.org/jitmeet/video"
)

// statusSelfPresence marks the reflected join presence per XEP-0045.
const statusSelfPresence = 110

type joinWaiter struct {
	nick string
	ch   chan jid.JID
}

// joinMUC sends a join presence for the full occupant JID and blocks until
// the service reflects our self-presence, rejects the join, or the join
// deadline passes.
func (c *Client) joinMUC(ctx context.Context, room jid.JID, extra xml.TokenReader) error {
	bare := room.Bare().String()

	waiter := &joinWaiter{nick: room.Resourcepart(), ch: make(chan jid.JID, 1)}
	c.joinMu.Lock()
	c.joins[bare] = waiter
	c.joinMu.Unlock()
	defer func() {
		c.joinMu.Lock()
		delete(c.joins, bare)
		c.joinMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, mucJoinTimeout)
	defer cancel()

	payload := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: nsMUC, Local: "x"},
	})
	if extra != nil {
		payload = xmlstream.MultiReader(payload, extra)
	}
	p := stanza.Presence{ID: uuid.NewString(), To: room}

	// A rejection mirrors our stanza id, so it reports promptly instead of
	// waiting out the deadline.
	errChan := make(chan error, 1)
	go func() {
		resp, err := c.session.SendPresenceElement(ctx, payload, p)
		if err != nil {
			errChan <- err
			return
		}
		defer resp.Close()
		if _, err = resp.Token(); err != nil {
			errChan <- err
			return
		}
		stanzaErr, err := stanza.UnmarshalError(resp)
		if err != nil {
			errChan <- err
			return
		}
		errChan <- stanzaErr
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("joining %s: %w", bare, err)
	case <-waiter.ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("joining %s: %w", bare, ctx.Err())
	}
}

// completeJoin signals a pending join waiter for the room, if any.
func (c *Client) completeJoin(roomBare string, from jid.JID) {
	c.joinMu.Lock()
	w := c.joins[roomBare]
	delete(c.joins, roomBare)
	c.joinMu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.ch <- from:
	default:
	}
}

// JoinConference enters a conference room as the recorder occupant and
// immediately advertises itself muted so the focus never offers it upstream
// media it would not use.
func (c *Client) JoinConference(ctx context.Context, room string) error {
	roomJID, err := c.conferenceJID(room)
	if err != nil {
		return err
	}
	occupant, err := roomJID.WithResource(conference.RecorderNick)
	if err != nil {
		return fmt.Errorf("building occupant jid: %w", err)
	}
	if err := c.joinMUC(ctx, occupant, nil); err != nil {
		return err
	}
	c.logger.Info("joined conference", "room", roomJID.String())
	if err := c.sendMutedPresence(ctx, occupant); err != nil {
		c.logger.Warn("sending muted presence", "room", roomJID.String(), "error", err)
	}
	return nil
}

func (c *Client) sendMutedPresence(ctx context.Context, room jid.JID) error {
	payload := xmlstream.MultiReader(
		xmlstream.Wrap(xmlstream.Token(xml.CharData("true")), xml.StartElement{
			Name: xml.Name{Space: nsAudioMute, Local: "audiomuted"},
		}),
		xmlstream.Wrap(xmlstream.Token(xml.CharData("true")), xml.StartElement{
			Name: xml.Name{Space: nsVideoMute, Local: "videomuted"},
		}),
	)
	return c.session.Send(ctx, stanza.Presence{To: room}.Wrap(payload))
}

// occupantPresence is the wire shape of a Jitsi MUC occupant presence.
type occupantPresence struct {
	stanza.Presence
	X struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/muc#user x"`
		Item    struct {
			JID         string `xml:"jid,attr"`
			Affiliation string `xml:"affiliation,attr"`
			Role        string `xml:"role,attr"`
		} `xml:"item"`
		Status []struct {
			Code int `xml:"code,attr"`
		} `xml:"status"`
	} `xml:"http://jabber.org/protocol/muc#user x"`
	Nick       string `xml:"http://jabber.org/protocol/nick nick"`
	StatsID    string `xml:"stats-id"`
	AudioMuted string `xml:"http://jitsi.org/jitmeet/audio audiomuted"`
	VideoMuted string `xml:"http://jitsi.org/jitmeet/video videomuted"`
}

func (o *occupantPresence) hasStatus(code int) bool {
	for _, s := range o.X.Status {
		if s.Code == code {
			return true
		}
	}
	return false
}

// flagSet parses the chardata of a Jitsi mute element.
func flagSet(v string) bool {
	switch strings.TrimSpace(v) {
	case "true", "1":
		return true
	}
	return false
}

func decodeOccupantPresence(r xml.TokenReader) (*occupantPresence, error) {
	var occ occupantPresence
	if err := xml.NewTokenDecoder(r).Decode(&occ); err != nil {
		return nil, fmt.Errorf("decoding muc presence: %w", err)
	}
	return &occ, nil
}

// handleMUCPresence routes occupant presence from any joined room: join
// echoes complete pending joins, brewery occupants register bridges, and
// conference occupants feed the tracker.
func (c *Client) handleMUCPresence(p stanza.Presence, r xmlstream.TokenReadEncoder) error {
	occ, err := decodeOccupantPresence(r)
	if err != nil {
		c.logger.Warn("muc presence", "from", p.From.String(), "error", err)
		return nil
	}
	c.dispatchOccupant(p, occ)
	return nil
}

func (c *Client) dispatchOccupant(p stanza.Presence, occ *occupantPresence) {
	room := p.From.Bare().String()
	nick := p.From.Resourcepart()
	available := p.Type != stanza.UnavailablePresence

	if available && occ.hasStatus(statusSelfPresence) {
		c.completeJoin(room, p.From)
	}

	if room == c.breweryBare {
		c.handleBreweryOccupant(p.From, nick, occ, available)
		return
	}

	c.tracker.HandlePresence(conference.Presence{
		Room:        room,
		Nick:        nick,
		JID:         occ.X.Item.JID,
		DisplayName: occ.Nick,
		StatsID:     occ.StatsID,
		AudioMuted:  flagSet(occ.AudioMuted),
		VideoMuted:  flagSet(occ.VideoMuted),
		Available:   available,
	})
}

// handleBreweryOccupant tracks bridge instances. The brewery exists solely
// for bridges to announce themselves in, so every occupant except ourselves
// is one.
func (c *Client) handleBreweryOccupant(from jid.JID, nick string, occ *occupantPresence, available bool) {
	if nick == c.nick {
		if !available {
			c.mu.Lock()
			c.breweryJoined = false
			c.mu.Unlock()
			c.logger.Warn("removed from brewery muc")
		}
		return
	}

	if !available {
		c.mu.Lock()
		lost := c.bridgeSet && c.bridgeNick == nick
		var addr jid.JID
		if lost {
			addr = c.bridgeJID
			c.bridgeSet = false
			c.bridgeNick = ""
		}
		c.mu.Unlock()
		if lost {
			c.prober.Forget(addr)
			c.logger.Warn("bridge left brewery", "nick", nick)
		}
		return
	}

	// Colibri IQs go to the real JID when the room discloses it; routing
	// through the occupant JID works either way.
	addr := from
	if occ.X.Item.JID != "" {
		if real, err := jid.Parse(occ.X.Item.JID); err == nil {
			addr = real
		}
	}

	c.mu.Lock()
	first := !c.bridgeSet
	c.bridgeSet = true
	c.bridgeJID = addr
	c.bridgeNick = nick
	c.mu.Unlock()

	if first {
		c.logger.Info("bridge available", "nick", nick, "jid", addr.String())
		go c.warmProbe(addr)
	}
}

func (c *Client) warmProbe(bridge jid.JID) {
	if _, err := c.prober.Probe(c.context(), bridge); err != nil {
		c.logger.Debug("warming bridge probe", "error", err)
	}
}
