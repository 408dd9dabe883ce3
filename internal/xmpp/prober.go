package xmpp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/jitcap/jitcap/internal/colibri"
)

const discoTimeout = 5 * time.Second

// featuresFunc returns the disco#info feature vars an entity advertises.
type featuresFunc func(ctx context.Context, to jid.JID) ([]string, error)

// Prober interrogates bridges over disco#info for the Colibri dialects they
// speak. Results are cached per bridge JID so a recording with many
// participants costs a single query.
type Prober struct {
	features featuresFunc
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]colibri.Support
}

// NewProber creates a prober backed by the given disco#info query function.
func NewProber(features featuresFunc, logger *slog.Logger) *Prober {
	return &Prober{
		features: features,
		logger:   logger.With("subsystem", "prober"),
		cache:    make(map[string]colibri.Support),
	}
}

// Probe reports which Colibri dialects the bridge supports, querying it over
// disco#info on first use. A bridge that answers with neither namespace still
// caches cleanly; the allocator turns that into its unsupported error.
func (p *Prober) Probe(ctx context.Context, bridge jid.JID) (colibri.Support, error) {
	key := bridge.String()

	p.mu.Lock()
	sup, ok := p.cache[key]
	p.mu.Unlock()
	if ok {
		return sup, nil
	}

	ctx, cancel := context.WithTimeout(ctx, discoTimeout)
	defer cancel()

	vars, err := p.features(ctx, bridge)
	if err != nil {
		return colibri.Support{}, fmt.Errorf("probing bridge %s: %w", key, err)
	}
	for _, v := range vars {
		switch v {
		case colibri.NSV1:
			sup.V1 = true
		case colibri.NSV2:
			sup.V2 = true
		}
	}
	p.logger.Info("probed bridge",
		"bridge", key,
		"colibri_v1", sup.V1,
		"colibri_v2", sup.V2)

	p.mu.Lock()
	p.cache[key] = sup
	p.mu.Unlock()
	return sup, nil
}

// Forget drops the cached result for a bridge, forcing the next Probe to
// query again. Called when a bridge leaves the brewery.
func (p *Prober) Forget(bridge jid.JID) {
	p.mu.Lock()
	delete(p.cache, bridge.String())
	p.mu.Unlock()
}
