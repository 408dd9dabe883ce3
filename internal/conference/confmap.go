// Package conference tracks MUC occupants per room, binds announced SSRCs
// to participants, and maintains the room to bridge-conference-ID mapping
// the allocator depends on.
package conference

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ConfMap maps room names to the bridge conference ID hosting them. IDs
// arrive from three sources: the bridge-session element on a Jingle offer,
// observed colibri2 conference-modify stanzas, and the bridge debug
// endpoint. Every entry is stored under both the full room JID and the MUC
// short name so either form resolves.
type ConfMap struct {
	mu    sync.RWMutex
	byKey map[string]string
}

// NewConfMap returns an empty mapping.
func NewConfMap() *ConfMap {
	return &ConfMap{byKey: make(map[string]string)}
}

// Set records the conference ID under key, and under the key's short name
// when key is a full JID.
func (m *ConfMap) Set(key, confID string) {
	if key == "" || confID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[key] = confID
	if short := shortName(key); short != key {
		m.byKey[short] = confID
	}
}

// Lookup resolves a room name or full room JID to a conference ID.
func (m *ConfMap) Lookup(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byKey[key]; ok {
		return id, true
	}
	if short := shortName(key); short != key {
		if id, ok := m.byKey[short]; ok {
			return id, true
		}
	}
	return "", false
}

// WaitFor polls Lookup until the key resolves, the attempt budget runs out,
// or the context is cancelled.
func (m *ConfMap) WaitFor(ctx context.Context, key string, attempts int, interval time.Duration) (string, bool) {
	for i := 0; ; i++ {
		if id, ok := m.Lookup(key); ok {
			return id, true
		}
		if i+1 >= attempts {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(interval):
		}
	}
}

// shortName returns the local part of a JID-shaped key.
func shortName(key string) string {
	if i := strings.IndexByte(key, '@'); i >= 0 {
		return key[:i]
	}
	return key
}
