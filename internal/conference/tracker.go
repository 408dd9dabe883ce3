package conference

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jitcap/jitcap/internal/colibri"
	"github.com/jitcap/jitcap/internal/jingle"
)

// RecorderNick is the MUC nick the controller joins conference rooms under.
// Presence from this nick is never tracked as a participant.
const RecorderNick = "recorder-bot"

const (
	// confWaitAttempts and confWaitInterval bound the wait for a room's
	// bridge conference ID before forwarder allocation falls back to the
	// MUC short name.
	confWaitAttempts = 25
	confWaitInterval = 200 * time.Millisecond
)

// Participant is one tracked MUC occupant.
type Participant struct {
	JID         string
	Nick        string
	DisplayName string
	StatsID     string
	AudioMuted  bool
	VideoMuted  bool
	JoinedAt    time.Time
	SSRCs       map[string]jingle.SSRCInfo
	Forwarder   *colibri.Forwarder

	seq uint64
}

// Presence carries the parsed MUC presence fields the tracker consumes.
type Presence struct {
	Room        string // bare room JID
	Nick        string
	JID         string // real JID when disclosed, else the occupant JID
	DisplayName string
	StatsID     string
	AudioMuted  bool
	VideoMuted  bool
	Available   bool
}

// Tracked is the capture input contract: one row per participant holding
// both a bound audio SSRC and an allocated forwarder.
type Tracked struct {
	ID        string
	Name      string
	JID       string
	RTPURL    string
	SSRC      uint32
	Forwarder *colibri.Forwarder
}

// ForwarderAllocator allocates an RTP forwarder on the bridge hosting a
// conference.
type ForwarderAllocator interface {
	AllocateForwarder(ctx context.Context, conferenceID, endpointID string) (*colibri.Forwarder, error)
}

// Tracker maintains room occupancy and SSRC bindings. Join and leave hooks
// run synchronously on the caller's goroutine and must not block.
type Tracker struct {
	logger    *slog.Logger
	selfNick  string
	confMap   *ConfMap
	allocator ForwarderAllocator

	confAttempts int
	confInterval time.Duration

	mu      sync.Mutex
	rooms   map[string]map[string]*Participant
	nextSeq uint64

	onJoin  func(room string, p Participant)
	onLeave func(room string, p Participant)
}

// NewTracker builds a tracker. The allocator may be nil for tracking-only
// operation, in which case SSRCs still bind but no forwarders are requested.
func NewTracker(confMap *ConfMap, allocator ForwarderAllocator, logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:       logger.With("subsystem", "tracker"),
		selfNick:     RecorderNick,
		confMap:      confMap,
		allocator:    allocator,
		confAttempts: confWaitAttempts,
		confInterval: confWaitInterval,
		rooms:        make(map[string]map[string]*Participant),
	}
}

// OnJoin registers the hook invoked when a new participant appears, and
// again when an already-present participant becomes capturable (its
// forwarder allocation completes).
func (t *Tracker) OnJoin(fn func(room string, p Participant)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onJoin = fn
}

// OnLeave registers the hook invoked when a participant leaves.
func (t *Tracker) OnLeave(fn func(room string, p Participant)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLeave = fn
}

// HandlePresence ingests one parsed MUC presence. Available presence for a
// new nick creates the participant and fires the join hook; repeated
// presence updates the mutable fields in place. Unavailable presence
// removes the participant and fires the leave hook. Presence from the
// controller's own nick is ignored.
func (t *Tracker) HandlePresence(p Presence) {
	if p.Nick == "" || p.Nick == t.selfNick {
		return
	}

	t.mu.Lock()
	room := t.rooms[p.Room]

	if !p.Available {
		part, ok := room[p.Nick]
		if !ok {
			t.mu.Unlock()
			return
		}
		delete(room, p.Nick)
		if len(room) == 0 {
			delete(t.rooms, p.Room)
		}
		leave := t.onLeave
		snapshot := *part
		t.mu.Unlock()

		t.logger.Info("participant left", "room", p.Room, "nick", p.Nick)
		if leave != nil {
			leave(p.Room, snapshot)
		}
		return
	}

	if room == nil {
		room = make(map[string]*Participant)
		t.rooms[p.Room] = room
	}

	if part, ok := room[p.Nick]; ok {
		// Presence refresh, typically a mute state change.
		if p.JID != "" {
			part.JID = p.JID
		}
		if p.DisplayName != "" {
			part.DisplayName = p.DisplayName
		}
		if p.StatsID != "" {
			part.StatsID = p.StatsID
		}
		part.AudioMuted = p.AudioMuted
		part.VideoMuted = p.VideoMuted
		t.mu.Unlock()
		return
	}

	t.nextSeq++
	part := &Participant{
		JID:         p.JID,
		Nick:        p.Nick,
		DisplayName: p.DisplayName,
		StatsID:     p.StatsID,
		AudioMuted:  p.AudioMuted,
		VideoMuted:  p.VideoMuted,
		JoinedAt:    time.Now(),
		seq:         t.nextSeq,
	}
	room[p.Nick] = part
	join := t.onJoin
	snapshot := *part
	t.mu.Unlock()

	t.logger.Info("participant joined",
		"room", p.Room,
		"nick", p.Nick,
		"display_name", p.DisplayName,
	)
	if join != nil {
		join(p.Room, snapshot)
	}
}

// HandleSessionInitiate binds a parsed SSRC map to a participant of the
// room and, on success, requests a forwarder for the bound audio SSRC.
//
// The offer does not name the participant it describes, so the binding is
// heuristic: among the room's participants in reverse join order, the first
// whose JID names neither the focus nor a jibri, who is not the controller
// itself, and who has no SSRCs yet receives the map. The focus emits the
// offer shortly after the matching participant's MUC join, which makes the
// newest unbound occupant the best candidate.
func (t *Tracker) HandleSessionInitiate(ctx context.Context, room string, ssrcs map[string]jingle.SSRCInfo) {
	if len(ssrcs) == 0 {
		t.logger.Debug("offer without usable sources", "room", room)
		return
	}

	t.mu.Lock()
	part := t.bind(room, ssrcs)
	var nick string
	if part != nil {
		nick = part.Nick
	}
	t.mu.Unlock()

	if part == nil {
		t.logger.Warn("no unbound participant for offer", "room", room)
		return
	}

	audio, ok := ssrcs["audio"]
	if ok {
		t.logger.Info("bound sources to participant",
			"room", room,
			"nick", nick,
			"audio_ssrc", audio.SSRC,
		)
	} else {
		t.logger.Info("bound sources to participant", "room", room, "nick", nick)
		return
	}

	if t.allocator == nil {
		return
	}

	confID, ok := t.confMap.WaitFor(ctx, room, t.confAttempts, t.confInterval)
	if !ok {
		confID = shortName(room)
		t.logger.Debug("conference id not learned in time, using short name",
			"room", room,
			"conference_id", confID,
		)
	}

	fwd, err := t.allocator.AllocateForwarder(ctx, confID, nick)
	if err != nil {
		t.logger.Warn("forwarder allocation failed",
			"room", room,
			"nick", nick,
			"error", err,
		)
		return
	}

	t.mu.Lock()
	if part, ok := t.rooms[room][nick]; ok {
		part.Forwarder = fwd
		join := t.onJoin
		snapshot := *part
		t.mu.Unlock()
		t.logger.Info("forwarder allocated",
			"room", room,
			"nick", nick,
			"rtp_url", fwd.RTPURL(),
		)
		// Re-announce so a running recording rotates the new input in.
		if join != nil {
			join(room, snapshot)
		}
		return
	}
	t.mu.Unlock()
	// The participant left while we were allocating. The channel carries a
	// server-side expiry, so the orphan cleans itself up.
	t.logger.Warn("participant left during forwarder allocation", "room", room, "nick", nick)
}

// bind applies the reverse-join-order heuristic. Caller holds the lock.
func (t *Tracker) bind(room string, ssrcs map[string]jingle.SSRCInfo) *Participant {
	for _, part := range t.byJoinOrder(room, false) {
		if part.Nick == t.selfNick {
			continue
		}
		if strings.Contains(part.JID, "focus") || strings.Contains(part.JID, "jibri") {
			continue
		}
		if len(part.SSRCs) > 0 {
			continue
		}
		part.SSRCs = ssrcs
		return part
	}
	return nil
}

// byJoinOrder returns the room's participants sorted by join sequence.
// Caller holds the lock.
func (t *Tracker) byJoinOrder(room string, ascending bool) []*Participant {
	parts := make([]*Participant, 0, len(t.rooms[room]))
	for _, p := range t.rooms[room] {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		if ascending {
			return parts[i].seq < parts[j].seq
		}
		return parts[i].seq > parts[j].seq
	})
	return parts
}

// ParticipantsWithForwarders returns the room's capturable participants in
// join order: those holding both a bound audio SSRC and a forwarder.
func (t *Tracker) ParticipantsWithForwarders(room string) []Tracked {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Tracked
	for _, p := range t.byJoinOrder(room, true) {
		audio, ok := p.SSRCs["audio"]
		if !ok || p.Forwarder == nil {
			continue
		}
		out = append(out, Tracked{
			ID:        p.Nick,
			Name:      p.DisplayName,
			JID:       p.JID,
			RTPURL:    p.Forwarder.RTPURL(),
			SSRC:      audio.SSRC,
			Forwarder: p.Forwarder,
		})
	}
	return out
}

// Participants returns a snapshot of the room's occupants in join order.
func (t *Tracker) Participants(room string) []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Participant, 0, len(t.rooms[room]))
	for _, p := range t.byJoinOrder(room, true) {
		out = append(out, *p)
	}
	return out
}

// TotalParticipants counts tracked occupants across all rooms.
func (t *Tracker) TotalParticipants() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, room := range t.rooms {
		n += len(room)
	}
	return n
}
