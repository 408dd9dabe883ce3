package xmpp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/jitcap/jitcap/internal/colibri"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProberDetectsDialects(t *testing.T) {
	tests := []struct {
		name     string
		features []string
		want     colibri.Support
	}{
		{
			name:     "v1 only",
			features: []string{"http://jabber.org/protocol/disco#info", colibri.NSV1},
			want:     colibri.Support{V1: true},
		},
		{
			name:     "v2 only",
			features: []string{colibri.NSV2},
			want:     colibri.Support{V2: true},
		},
		{
			name:     "both",
			features: []string{colibri.NSV1, colibri.NSV2},
			want:     colibri.Support{V1: true, V2: true},
		},
		{
			name:     "neither",
			features: []string{"urn:xmpp:ping"},
			want:     colibri.Support{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProber(func(context.Context, jid.JID) ([]string, error) {
				return tt.features, nil
			}, testLogger())
			sup, err := p.Probe(context.Background(), jid.MustParse("jvb@auth.meet.jitsi/v1"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sup != tt.want {
				t.Errorf("expected support %+v, got %+v", tt.want, sup)
			}
		})
	}
}

func TestProberCachesPerBridge(t *testing.T) {
	calls := 0
	p := NewProber(func(context.Context, jid.JID) ([]string, error) {
		calls++
		return []string{colibri.NSV2}, nil
	}, testLogger())

	first := jid.MustParse("jvb@auth.meet.jitsi/v1")
	second := jid.MustParse("jvb2@auth.meet.jitsi/v1")

	for i := 0; i < 3; i++ {
		if _, err := p.Probe(context.Background(), first); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 disco query for repeated probes, got %d", calls)
	}

	if _, err := p.Probe(context.Background(), second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected a fresh query per bridge, got %d calls", calls)
	}
}

func TestProberDoesNotCacheFailures(t *testing.T) {
	calls := 0
	p := NewProber(func(context.Context, jid.JID) ([]string, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("remote-server-timeout")
		}
		return []string{colibri.NSV1}, nil
	}, testLogger())

	bridge := jid.MustParse("jvb@auth.meet.jitsi/v1")
	if _, err := p.Probe(context.Background(), bridge); err == nil {
		t.Fatal("expected first probe to fail")
	}
	sup, err := p.Probe(context.Background(), bridge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sup.V1 {
		t.Error("expected retry to observe v1 support")
	}
	if calls != 2 {
		t.Errorf("expected 2 queries, got %d", calls)
	}
}

func TestProberForget(t *testing.T) {
	calls := 0
	p := NewProber(func(context.Context, jid.JID) ([]string, error) {
		calls++
		return []string{colibri.NSV2}, nil
	}, testLogger())

	bridge := jid.MustParse("jvb@auth.meet.jitsi/v1")
	if _, err := p.Probe(context.Background(), bridge); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Forget(bridge)
	if _, err := p.Probe(context.Background(), bridge); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected forget to force a requery, got %d calls", calls)
	}
}
