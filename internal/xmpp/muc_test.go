package xmpp

import (
	"context"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/jitcap/jitcap/internal/colibri"
	"github.com/jitcap/jitcap/internal/conference"
	"github.com/jitcap/jitcap/internal/config"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger := testLogger()
	c := &Client{
		cfg: &config.Config{
			XMPPDomain:    "meet.jitsi",
			MUCDomain:     "muc.meet.jitsi",
			BreweryMUC:    "jvbbrewery@internal-muc.meet.jitsi",
			RecorderWSURL: "ws://recorder:8989/record",
		},
		logger:          logger,
		confMap:         conference.NewConfMap(),
		breweryBare:     "jvbbrewery@internal-muc.meet.jitsi",
		nick:            "recorder",
		resolveAttempts: 1,
		resolveInterval: time.Millisecond,
		joins:           make(map[string]*joinWaiter),
		media:           make(map[string]*mediaSession),
	}
	c.prober = NewProber(func(context.Context, jid.JID) ([]string, error) {
		return []string{colibri.NSV2}, nil
	}, logger)
	c.tracker = conference.NewTracker(c.confMap, nil, logger)
	return c
}

func decodePresence(t *testing.T, raw string) *occupantPresence {
	t.Helper()
	occ, err := decodeOccupantPresence(xml.NewDecoder(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return occ
}

func TestDecodeOccupantPresence(t *testing.T) {
	raw := `<presence from='devroom@muc.meet.jitsi/alice' to='recorder@meet.jitsi/r1'>
  <x xmlns='http://jabber.org/protocol/muc#user'>
    <item affiliation='member' role='participant' jid='alice@meet.jitsi/web-1'/>
    <status code='100'/>
  </x>
  <nick xmlns='http://jabber.org/protocol/nick'>Alice Doe</nick>
  <stats-id>Alice-x7K</stats-id>
  <audiomuted xmlns='http://jitsi.org/jitmeet/audio'>false</audiomuted>
  <videomuted xmlns='http://jitsi.org/jitmeet/video'>true</videomuted>
</presence>`

	occ := decodePresence(t, raw)
	if occ.X.Item.JID != "alice@meet.jitsi/web-1" {
		t.Errorf("expected item jid %q, got %q", "alice@meet.jitsi/web-1", occ.X.Item.JID)
	}
	if occ.Nick != "Alice Doe" {
		t.Errorf("expected nick %q, got %q", "Alice Doe", occ.Nick)
	}
	if occ.StatsID != "Alice-x7K" {
		t.Errorf("expected stats id %q, got %q", "Alice-x7K", occ.StatsID)
	}
	if flagSet(occ.AudioMuted) {
		t.Error("expected audio unmuted")
	}
	if !flagSet(occ.VideoMuted) {
		t.Error("expected video muted")
	}
	if !occ.hasStatus(100) {
		t.Error("expected status 100 to be present")
	}
	if occ.hasStatus(statusSelfPresence) {
		t.Error("did not expect a self-presence status")
	}
}

func TestFlagSet(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"true", true},
		{" true\n", true},
		{"1", true},
		{"false", false},
		{"", false},
		{"yes", false},
	}
	for _, tt := range tests {
		if got := flagSet(tt.in); got != tt.want {
			t.Errorf("flagSet(%q) = %v, expected %v", tt.in, got, tt.want)
		}
	}
}

func TestDispatchOccupantTracksConferenceParticipants(t *testing.T) {
	c := newTestClient(t)
	room := "devroom@muc.meet.jitsi"

	occ := decodePresence(t, `<presence from='devroom@muc.meet.jitsi/alice'>
  <x xmlns='http://jabber.org/protocol/muc#user'>
    <item affiliation='member' role='participant' jid='alice@meet.jitsi/web-1'/>
  </x>
  <nick xmlns='http://jabber.org/protocol/nick'>Alice Doe</nick>
  <stats-id>Alice-x7K</stats-id>
</presence>`)
	c.dispatchOccupant(stanza.Presence{From: jid.MustParse(room + "/alice")}, occ)

	parts := c.tracker.Participants(room)
	if len(parts) != 1 {
		t.Fatalf("expected 1 tracked participant, got %d", len(parts))
	}
	if parts[0].DisplayName != "Alice Doe" {
		t.Errorf("expected display name %q, got %q", "Alice Doe", parts[0].DisplayName)
	}
	if parts[0].StatsID != "Alice-x7K" {
		t.Errorf("expected stats id %q, got %q", "Alice-x7K", parts[0].StatsID)
	}
	if parts[0].JID != "alice@meet.jitsi/web-1" {
		t.Errorf("expected jid %q, got %q", "alice@meet.jitsi/web-1", parts[0].JID)
	}

	// A mute toggle updates the same entry.
	occ = decodePresence(t, `<presence from='devroom@muc.meet.jitsi/alice'>
  <x xmlns='http://jabber.org/protocol/muc#user'>
    <item affiliation='member' role='participant' jid='alice@meet.jitsi/web-1'/>
  </x>
  <audiomuted xmlns='http://jitsi.org/jitmeet/audio'>true</audiomuted>
</presence>`)
	c.dispatchOccupant(stanza.Presence{From: jid.MustParse(room + "/alice")}, occ)

	parts = c.tracker.Participants(room)
	if len(parts) != 1 {
		t.Fatalf("expected 1 tracked participant after update, got %d", len(parts))
	}
	if !parts[0].AudioMuted {
		t.Error("expected the mute toggle to be recorded")
	}

	occ = decodePresence(t, `<presence type='unavailable' from='devroom@muc.meet.jitsi/alice'>
  <x xmlns='http://jabber.org/protocol/muc#user'>
    <item affiliation='member' role='none' jid='alice@meet.jitsi/web-1'/>
  </x>
</presence>`)
	c.dispatchOccupant(stanza.Presence{
		From: jid.MustParse(room + "/alice"),
		Type: stanza.UnavailablePresence,
	}, occ)

	if parts := c.tracker.Participants(room); len(parts) != 0 {
		t.Errorf("expected the room to be empty after departure, got %d", len(parts))
	}
}

func TestDispatchOccupantIgnoresRecorderSelf(t *testing.T) {
	c := newTestClient(t)
	room := "devroom@muc.meet.jitsi"

	occ := decodePresence(t, `<presence from='devroom@muc.meet.jitsi/recorder-bot'>
  <x xmlns='http://jabber.org/protocol/muc#user'>
    <item affiliation='none' role='participant'/>
    <status code='110'/>
  </x>
</presence>`)
	c.dispatchOccupant(stanza.Presence{From: jid.MustParse(room + "/" + conference.RecorderNick)}, occ)

	if parts := c.tracker.Participants(room); len(parts) != 0 {
		t.Errorf("expected the recorder occupant not to be tracked, got %d", len(parts))
	}
}

func TestDispatchOccupantCompletesJoin(t *testing.T) {
	c := newTestClient(t)
	room := "devroom@muc.meet.jitsi"

	waiter := &joinWaiter{nick: conference.RecorderNick, ch: make(chan jid.JID, 1)}
	c.joinMu.Lock()
	c.joins[room] = waiter
	c.joinMu.Unlock()

	occ := decodePresence(t, `<presence from='devroom@muc.meet.jitsi/recorder-bot'>
  <x xmlns='http://jabber.org/protocol/muc#user'>
    <item affiliation='none' role='participant'/>
    <status code='110'/>
  </x>
</presence>`)
	c.dispatchOccupant(stanza.Presence{From: jid.MustParse(room + "/" + conference.RecorderNick)}, occ)

	select {
	case from := <-waiter.ch:
		if from.Bare().String() != room {
			t.Errorf("expected join echo from %q, got %q", room, from.Bare().String())
		}
	default:
		t.Fatal("expected the join waiter to be signalled")
	}
}

func TestDispatchOccupantRegistersBridge(t *testing.T) {
	c := newTestClient(t)
	brewery := c.breweryBare

	occ := decodePresence(t, `<presence from='jvbbrewery@internal-muc.meet.jitsi/jvb-1'>
  <x xmlns='http://jabber.org/protocol/muc#user'>
    <item affiliation='owner' role='moderator' jid='jvb@auth.meet.jitsi/v1'/>
  </x>
</presence>`)
	c.dispatchOccupant(stanza.Presence{From: jid.MustParse(brewery + "/jvb-1")}, occ)

	addr, ok := c.BridgeJID()
	if !ok {
		t.Fatal("expected a bridge to be registered")
	}
	if addr.String() != "jvb@auth.meet.jitsi/v1" {
		t.Errorf("expected bridge jid %q, got %q", "jvb@auth.meet.jitsi/v1", addr.String())
	}

	if c.Ready() {
		t.Error("expected not ready before the brewery join completes")
	}
	c.mu.Lock()
	c.breweryJoined = true
	c.mu.Unlock()
	if !c.Ready() {
		t.Error("expected ready with brewery joined and a bridge visible")
	}

	occ = decodePresence(t, `<presence type='unavailable' from='jvbbrewery@internal-muc.meet.jitsi/jvb-1'>
  <x xmlns='http://jabber.org/protocol/muc#user'>
    <item affiliation='owner' role='none' jid='jvb@auth.meet.jitsi/v1'/>
  </x>
</presence>`)
	c.dispatchOccupant(stanza.Presence{
		From: jid.MustParse(brewery + "/jvb-1"),
		Type: stanza.UnavailablePresence,
	}, occ)

	if _, ok := c.BridgeJID(); ok {
		t.Error("expected the bridge registration to clear on departure")
	}
	if c.Ready() {
		t.Error("expected not ready without a bridge")
	}
}

func TestDispatchOccupantBridgeWithoutRealJID(t *testing.T) {
	c := newTestClient(t)
	brewery := c.breweryBare

	occ := decodePresence(t, `<presence from='jvbbrewery@internal-muc.meet.jitsi/jvb-2'>
  <x xmlns='http://jabber.org/protocol/muc#user'>
    <item affiliation='owner' role='moderator'/>
  </x>
</presence>`)
	c.dispatchOccupant(stanza.Presence{From: jid.MustParse(brewery + "/jvb-2")}, occ)

	addr, ok := c.BridgeJID()
	if !ok {
		t.Fatal("expected a bridge to be registered")
	}
	if addr.String() != brewery+"/jvb-2" {
		t.Errorf("expected the occupant jid %q, got %q", brewery+"/jvb-2", addr.String())
	}
}

func TestDispatchOccupantIgnoresOwnBreweryEcho(t *testing.T) {
	c := newTestClient(t)
	brewery := c.breweryBare

	occ := decodePresence(t, `<presence from='jvbbrewery@internal-muc.meet.jitsi/recorder'>
  <x xmlns='http://jabber.org/protocol/muc#user'>
    <item affiliation='none' role='participant'/>
    <status code='110'/>
  </x>
</presence>`)
	c.dispatchOccupant(stanza.Presence{From: jid.MustParse(brewery + "/recorder")}, occ)

	if _, ok := c.BridgeJID(); ok {
		t.Error("expected our own brewery echo not to register a bridge")
	}
}
