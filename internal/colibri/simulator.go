package colibri

import (
	"context"
	"sync"
)

// Simulator hands out fake forwarders so the full recording pipeline can run
// without a bridge. Ports advance by two to leave room for RTCP.
type Simulator struct {
	mu       sync.Mutex
	nextPort int
	nextSSRC uint32
}

// NewSimulator creates a simulator with the conventional port and SSRC bases.
func NewSimulator() *Simulator {
	return &Simulator{
		nextPort: 50000,
		nextSSRC: 1000000,
	}
}

// Ready always reports true; simulated allocation needs no bridge.
func (s *Simulator) Ready() bool { return true }

// AllocateForwarder returns a loopback forwarder for the endpoint. It never
// fails; the context is accepted only to satisfy the allocator contract.
func (s *Simulator) AllocateForwarder(_ context.Context, conferenceID, endpointID string) (*Forwarder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := &Forwarder{
		ConferenceID: conferenceID,
		EndpointID:   endpointID,
		IP:           "127.0.0.1",
		Port:         s.nextPort,
		PayloadType:  DefaultPayloadType,
		SSRC:         s.nextSSRC,
		Simulated:    true,
	}
	s.nextPort += 2
	s.nextSSRC++
	return f, nil
}

// ReleaseForwarder is a no-op; simulated allocations hold no resources.
func (s *Simulator) ReleaseForwarder(context.Context, *Forwarder) error {
	return nil
}
