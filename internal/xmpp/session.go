// Package xmpp maintains the controller's presence in a Jitsi deployment:
// it signs in as a recorder client or component, sits in the bridge brewery,
// answers Jingle offers from the focus, and drives Colibri allocations over
// the stream.
package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"

	"github.com/jitcap/jitcap/internal/bridge"
	"github.com/jitcap/jitcap/internal/colibri"
	"github.com/jitcap/jitcap/internal/conference"
	"github.com/jitcap/jitcap/internal/config"
)

const (
	dialTimeout   = 10 * time.Second
	stanzaTimeout = 10 * time.Second
	shutdownDrain = 5 * time.Second
)

// ErrNoBridge means no videobridge occupant is visible in the brewery, so
// there is nowhere to send Colibri IQs.
var ErrNoBridge = errors.New("xmpp: no bridge available")

// Conference id resolution waits this long for the focus to teach us the id
// before falling back to the bridge's debug endpoint.
const (
	confIDPollAttempts = 5
	confIDPollInterval = 500 * time.Millisecond
)

// Client is the XMPP face of the controller. One Client owns one stream,
// the participant tracker fed from it, and the learned conference id map.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger

	tracker *conference.Tracker
	confMap *conference.ConfMap
	rest    *bridge.Client
	prober  *Prober

	session   *xmpp.Session
	allocator *colibri.Allocator

	runCtx    context.Context
	runCancel context.CancelFunc

	nick        string
	breweryBare string

	resolveAttempts int
	resolveInterval time.Duration

	joinMu sync.Mutex
	joins  map[string]*joinWaiter

	mu            sync.Mutex
	breweryJoined bool
	bridgeSet     bool
	bridgeJID     jid.JID
	bridgeNick    string
	media         map[string]*mediaSession
}

// NewClient wires a client against the deployment described by cfg. alloc is
// the forwarder source offers bind through; nil means allocate over this
// connection. rest talks to the bridge's HTTP side for multitrack control.
func NewClient(cfg *config.Config, alloc conference.ForwarderAllocator, rest *bridge.Client, logger *slog.Logger) (*Client, error) {
	brewery, err := jid.Parse(cfg.BreweryMUC)
	if err != nil {
		return nil, fmt.Errorf("parsing brewery muc jid: %w", err)
	}

	c := &Client{
		cfg:             cfg,
		logger:          logger.With("subsystem", "xmpp"),
		confMap:         conference.NewConfMap(),
		rest:            rest,
		breweryBare:     brewery.Bare().String(),
		resolveAttempts: confIDPollAttempts,
		resolveInterval: confIDPollInterval,
		joins:           make(map[string]*joinWaiter),
		media:           make(map[string]*mediaSession),
	}
	c.prober = NewProber(c.discoFeatures, logger)
	if alloc == nil {
		alloc = c
	}
	c.tracker = conference.NewTracker(c.confMap, alloc, logger)
	return c, nil
}

// Tracker exposes the participant tracker fed from this stream.
func (c *Client) Tracker() *conference.Tracker { return c.tracker }

// ConfMap exposes the learned room to conference id mapping.
func (c *Client) ConfMap() *conference.ConfMap { return c.confMap }

// Run connects, announces the recorder, and serves the stream until the
// context ends or the stream fails. It returns nil on a clean shutdown.
func (c *Client) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := c.connect(runCtx)
	if err != nil {
		return err
	}

	nick := session.LocalAddr().Localpart()
	if nick == "" {
		nick = conference.RecorderNick
	}

	c.mu.Lock()
	c.runCtx, c.runCancel = runCtx, cancel
	c.session = session
	c.allocator = colibri.NewAllocator(session, c.logger)
	c.nick = nick
	c.mu.Unlock()

	c.logger.Info("xmpp session established",
		"jid", session.LocalAddr().String(),
		"component", c.cfg.ComponentMode())

	go c.startup(runCtx)

	ns := stanza.NSClient
	if c.cfg.ComponentMode() {
		ns = component.NSAccept
	}
	err = session.Serve(c.newMux(ns))
	if err != nil && runCtx.Err() == nil {
		return fmt.Errorf("serving xmpp stream: %w", err)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (*xmpp.Session, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.XMPPAddr())
	if err != nil {
		return nil, fmt.Errorf("dialing xmpp server: %w", err)
	}

	if c.cfg.ComponentMode() {
		addr, err := jid.Parse(c.cfg.ComponentJID)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("parsing component jid: %w", err)
		}
		session, err := component.NewSession(ctx, addr, []byte(c.cfg.ComponentSecret), conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("negotiating component stream: %w", err)
		}
		return session, nil
	}

	origin, err := jid.Parse(c.cfg.XMPPJID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("parsing xmpp jid: %w", err)
	}
	session, err := xmpp.NewClientSession(ctx, origin, conn,
		xmpp.StartTLS(&tls.Config{
			ServerName:         origin.Domainpart(),
			InsecureSkipVerify: c.cfg.TLSInsecure,
		}),
		xmpp.SASL("", c.cfg.XMPPPassword, sasl.ScramSha1, sasl.Plain),
		xmpp.BindResource(),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("negotiating client stream: %w", err)
	}
	return session, nil
}

// startup runs the post-connect sequence off the serve loop: initial
// presence, a roster fetch to mirror a normal client login, then the
// brewery join that makes bridges visible.
func (c *Client) startup(ctx context.Context) {
	if !c.cfg.ComponentMode() {
		if err := c.session.Send(ctx, stanza.Presence{}.Wrap(nil)); err != nil {
			c.logger.Error("sending initial presence", "error", err)
			return
		}
		iter := roster.Fetch(ctx, c.session)
		for iter.Next() {
			// The roster contents are irrelevant; fetching it keeps picky
			// servers happy about the login sequence.
		}
		if err := iter.Err(); err != nil {
			c.logger.Warn("fetching roster", "error", err)
		}
		iter.Close()
	}

	brewery, err := jid.Parse(c.cfg.BreweryMUC)
	if err != nil {
		c.logger.Error("parsing brewery muc jid", "muc", c.cfg.BreweryMUC, "error", err)
		return
	}
	occupant, err := brewery.WithResource(c.nick)
	if err != nil {
		c.logger.Error("building brewery occupant jid", "error", err)
		return
	}
	if err := c.joinMUC(ctx, occupant, nil); err != nil {
		c.logger.Error("joining brewery", "muc", c.cfg.BreweryMUC, "error", err)
		return
	}
	c.mu.Lock()
	c.breweryJoined = true
	c.mu.Unlock()
	c.logger.Info("joined brewery", "muc", c.cfg.BreweryMUC)
}

// Shutdown tears down media sessions and closes the stream, allowing up to
// the drain deadline for the closing handshake.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	media := make([]*mediaSession, 0, len(c.media))
	for _, ms := range c.media {
		media = append(media, ms)
	}
	c.media = make(map[string]*mediaSession)
	cancel := c.runCancel
	session := c.session
	c.mu.Unlock()

	for _, ms := range media {
		ms.close()
	}
	if cancel != nil {
		cancel()
	}
	if session == nil {
		return nil
	}
	if err := session.SetCloseDeadline(time.Now().Add(shutdownDrain)); err != nil {
		c.logger.Debug("setting close deadline", "error", err)
	}
	return session.Close()
}

// Ready reports whether the brewery join completed and a bridge occupant is
// visible, i.e. whether allocations over this stream can succeed.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breweryJoined && c.bridgeSet
}

// BridgeJID returns the address Colibri IQs should be sent to.
func (c *Client) BridgeJID() (jid.JID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridgeJID, c.bridgeSet
}

// AllocateForwarder allocates an audio forwarder on the current bridge using
// the newest Colibri dialect it advertises.
func (c *Client) AllocateForwarder(ctx context.Context, conferenceID, endpointID string) (*colibri.Forwarder, error) {
	bridgeAddr, ok := c.BridgeJID()
	if !ok {
		return nil, ErrNoBridge
	}
	alloc := c.currentAllocator()
	if alloc == nil {
		return nil, fmt.Errorf("xmpp: session not established")
	}
	sup, err := c.prober.Probe(ctx, bridgeAddr)
	if err != nil {
		return nil, err
	}
	return alloc.Allocate(ctx, bridgeAddr, sup, conferenceID, endpointID)
}

// ReleaseForwarder expires a forwarder on the current bridge.
func (c *Client) ReleaseForwarder(ctx context.Context, f *colibri.Forwarder) error {
	bridgeAddr, ok := c.BridgeJID()
	if !ok {
		return ErrNoBridge
	}
	alloc := c.currentAllocator()
	if alloc == nil {
		return fmt.Errorf("xmpp: session not established")
	}
	return alloc.Release(ctx, bridgeAddr, f)
}

func (c *Client) currentAllocator() *colibri.Allocator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocator
}

// discoFeatures queries an entity's disco#info features over the stream.
func (c *Client) discoFeatures(ctx context.Context, to jid.JID) ([]string, error) {
	info, err := disco.GetInfo(ctx, "", to, c.session)
	if err != nil {
		return nil, err
	}
	vars := make([]string, 0, len(info.Features))
	for _, f := range info.Features {
		vars = append(vars, f.Var)
	}
	return vars, nil
}

// StartMultitrack points the bridge's multitrack recorder at the configured
// websocket sink for the conference hosting room.
func (c *Client) StartMultitrack(ctx context.Context, room string) error {
	roomJID, err := c.conferenceJID(room)
	if err != nil {
		return err
	}
	key := roomJID.Bare().String()
	short := roomJID.Localpart()

	// The focus usually teaches us the conference id before the bridge
	// needs it; fall back to scraping the bridge when it has not.
	confID, ok := c.confMap.WaitFor(ctx, key, c.resolveAttempts, c.resolveInterval)
	if !ok {
		confID, err = c.rest.LookupConference(ctx, short, key)
		if err != nil {
			return fmt.Errorf("resolving conference id: %w", err)
		}
		c.confMap.Set(key, confID)
	}

	err = c.rest.Connect(ctx, confID, c.cfg.RecorderWSURL)
	if errors.Is(err, bridge.ErrConferenceNotFound) {
		// Stale id; the bridge may have recreated the conference.
		confID, err = c.rest.LookupConference(ctx, short, key)
		if err != nil {
			return fmt.Errorf("re-resolving conference id: %w", err)
		}
		c.confMap.Set(key, confID)
		err = c.rest.Connect(ctx, confID, c.cfg.RecorderWSURL)
	}
	if err != nil {
		return fmt.Errorf("connecting multitrack recorder: %w", err)
	}
	c.logger.Info("multitrack recorder connected", "room", key, "conference_id", confID)
	return nil
}

// StopMultitrack detaches the multitrack recorder from the conference.
func (c *Client) StopMultitrack(ctx context.Context, room string) error {
	roomJID, err := c.conferenceJID(room)
	if err != nil {
		return err
	}
	key := roomJID.Bare().String()

	confID, ok := c.confMap.Lookup(key)
	if !ok {
		confID, err = c.rest.LookupConference(ctx, roomJID.Localpart(), key)
		if err != nil {
			return fmt.Errorf("resolving conference id: %w", err)
		}
	}
	if err := c.rest.Disconnect(ctx, confID); err != nil {
		return fmt.Errorf("disconnecting multitrack recorder: %w", err)
	}
	c.logger.Info("multitrack recorder disconnected", "room", key, "conference_id", confID)
	return nil
}

// conferenceJID resolves a room name or full room JID against the
// conference MUC domain.
func (c *Client) conferenceJID(room string) (jid.JID, error) {
	if strings.Contains(room, "@") {
		addr, err := jid.Parse(room)
		if err != nil {
			return jid.JID{}, fmt.Errorf("parsing room jid %q: %w", room, err)
		}
		return addr.Bare(), nil
	}
	addr, err := jid.New(room, c.cfg.ConferenceMUCDomain(), "")
	if err != nil {
		return jid.JID{}, fmt.Errorf("building room jid for %q: %w", room, err)
	}
	return addr, nil
}

// context returns the run context, or Background before Run starts.
func (c *Client) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// sendSet round-trips a set IQ carrying the payload, surfacing stanza errors.
func (c *Client) sendSet(ctx context.Context, to jid.JID, payload interface{}) error {
	r, err := payloadReader(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, stanzaTimeout)
	defer cancel()
	resp, err := c.session.SendIQElement(ctx, r, stanza.IQ{To: to, Type: stanza.SetIQ})
	if err != nil {
		return fmt.Errorf("sending iq: %w", err)
	}
	return drainIQResult(resp)
}

// drainIQResult consumes an IQ reply, surfacing the stanza error when the
// reply carries type="error".
func drainIQResult(resp xmlstream.TokenReadCloser) error {
	defer resp.Close()
	tok, err := resp.Token()
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return fmt.Errorf("unexpected token %T in iq reply", tok)
	}
	for _, a := range start.Attr {
		if a.Name.Local == "type" && a.Value == "error" {
			stanzaErr, err := stanza.UnmarshalError(resp)
			if err != nil {
				return err
			}
			return stanzaErr
		}
	}
	return nil
}

func (c *Client) storeMedia(ms *mediaSession) {
	c.mu.Lock()
	old := c.media[ms.sid]
	c.media[ms.sid] = ms
	c.mu.Unlock()
	if old != nil {
		old.close()
	}
}

func (c *Client) getMedia(sid string) *mediaSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media[sid]
}

func (c *Client) takeMedia(sid string) *mediaSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.media[sid]
	delete(c.media, sid)
	return ms
}

func (c *Client) dropMedia(sid string) {
	if ms := c.takeMedia(sid); ms != nil {
		ms.close()
	}
}
