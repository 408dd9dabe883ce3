package xmpp

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/jitcap/jitcap/internal/jingle"
)

// How long to wait for ICE gathering before answering with whatever
// candidates exist. A partial answer still connects once trickle candidates
// flow.
const iceGatherTimeout = 5 * time.Second

// mediaSession is one answered Jingle session backed by a peer connection.
// The connection exists so the focus sees a live endpoint; the audio that
// gets written to disk travels through bridge-side forwarders instead.
type mediaSession struct {
	sid       string
	initiator string
	room      string
	pc        *webrtc.PeerConnection
	logger    *slog.Logger

	mids map[string]uint16

	mu     sync.Mutex
	closed bool
}

func newMediaSession(sid, initiator, room string, logger *slog.Logger) (*mediaSession, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	m := &mediaSession{
		sid:       sid,
		initiator: initiator,
		room:      room,
		pc:        pc,
		logger:    logger.With("subsystem", "media", "sid", sid),
	}
	pc.OnTrack(m.onTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Debug("ice connection state", "state", state.String())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug("peer connection state", "state", state.String())
	})
	return m, nil
}

// setMids records the m-line position of each content in the offer so
// trickle candidates can be matched back to their section.
func (m *mediaSession) setMids(contents []jingle.Content) {
	m.mids = make(map[string]uint16, len(contents))
	for i, ct := range contents {
		m.mids[ct.Name] = uint16(i)
	}
}

// onTrack drains inbound RTP so the transport stays healthy. The frames are
// discarded; the audio written to disk travels through bridge forwarders.
func (m *mediaSession) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	m.logger.Info("remote track",
		"kind", track.Kind().String(),
		"ssrc", uint32(track.SSRC()))
	go func() {
		buf := make([]byte, 1500)
		var pkt rtp.Packet
		var packets uint64
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				m.logger.Debug("remote track closed", "packets", packets)
				return
			}
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				m.logger.Debug("malformed rtp packet", "error", err)
				continue
			}
			if packets == 0 {
				m.logger.Debug("first packet on track",
					"payload_type", pkt.PayloadType,
					"ssrc", pkt.SSRC)
			}
			packets++
		}
	}()
}

// answer applies the remote offer and returns the local answer SDP once ICE
// gathering finishes or the gather deadline passes, whichever comes first.
func (m *mediaSession) answer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(m.pc)
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local answer: %w", err)
	}
	select {
	case <-gathered:
	case <-time.After(iceGatherTimeout):
		m.logger.Warn("ice gathering timed out, answering with partial candidates")
	}
	local := m.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after answer")
	}
	return local.SDP, nil
}

// addCandidate feeds one remote trickle candidate into the connection.
func (m *mediaSession) addCandidate(content string, cand jingle.Candidate) error {
	idx, ok := m.mids[content]
	if !ok {
		return fmt.Errorf("unknown content %q", content)
	}
	mid := content
	init := webrtc.ICECandidateInit{
		Candidate:     candidateString(cand),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	if err := m.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding ice candidate: %w", err)
	}
	return nil
}

func (m *mediaSession) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if err := m.pc.Close(); err != nil {
		m.logger.Warn("closing peer connection", "error", err)
	}
}

// candidateString renders a Jingle ICE candidate in SDP attribute form.
func candidateString(c jingle.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
	if c.RelAddr != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelAddr, c.RelPort)
	}
	fmt.Fprintf(&b, " generation %d", c.Generation)
	return b.String()
}
