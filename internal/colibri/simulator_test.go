package colibri

import (
	"context"
	"testing"
)

func TestSimulatorAllocatesSequential(t *testing.T) {
	sim := NewSimulator()

	first, err := sim.AllocateForwarder(context.Background(), "room-1", "ep-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := sim.AllocateForwarder(context.Background(), "room-1", "ep-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Port != 50000 || second.Port != 50002 {
		t.Errorf("expected ports 50000 and 50002, got %d and %d", first.Port, second.Port)
	}
	if first.SSRC != 1000000 || second.SSRC != 1000001 {
		t.Errorf("expected ssrcs 1000000 and 1000001, got %d and %d", first.SSRC, second.SSRC)
	}
	if first.RTPURL() != "rtp://127.0.0.1:50000" {
		t.Errorf("unexpected rtp url %q", first.RTPURL())
	}
	if first.PayloadType != 111 {
		t.Errorf("expected opus payload type, got %d", first.PayloadType)
	}
	if !first.Simulated || first.ViaXMPP {
		t.Errorf("expected a simulated non-xmpp forwarder: %+v", first)
	}
	if first.ConferenceID != "room-1" || first.EndpointID != "ep-a" {
		t.Errorf("unexpected ids: %+v", first)
	}

	if err := sim.ReleaseForwarder(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
