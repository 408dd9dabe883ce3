package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLookupConference(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		room     string
		roomJID  string
		expected string
		wantErr  bool
	}{
		{
			name:     "full jid match with meeting id",
			doc:      `{"conferences":{"UUID":{"name":"r5@muc.example","meeting_id":"MID"}}}`,
			room:     "r5",
			roomJID:  "r5@muc.example",
			expected: "MID",
		},
		{
			name:     "short name match",
			doc:      `{"conferences":{"UUID":{"name":"r5@conference.other","meeting_id":"MID2"}}}`,
			room:     "r5",
			roomJID:  "r5@muc.example",
			expected: "MID2",
		},
		{
			name:     "falls back to entry id",
			doc:      `{"conferences":{"UUID":{"id":"CID","name":"r5@muc.example"}}}`,
			room:     "r5",
			roomJID:  "r5@muc.example",
			expected: "CID",
		},
		{
			name:     "falls back to map key",
			doc:      `{"conferences":{"UUID":{"name":"r5@muc.example"}}}`,
			room:     "r5",
			roomJID:  "r5@muc.example",
			expected: "UUID",
		},
		{
			name:    "no match",
			doc:     `{"conferences":{"UUID":{"name":"other@muc.example"}}}`,
			room:    "r5",
			roomJID: "r5@muc.example",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/debug" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				io.WriteString(w, tt.doc)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, testLogger())
			id, err := c.LookupConference(context.Background(), tt.room, tt.roomJID)
			if tt.wantErr {
				if !errors.Is(err, ErrConferenceNotFound) {
					t.Fatalf("expected ErrConferenceNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id != tt.expected {
				t.Errorf("expected id %q, got %q", tt.expected, id)
			}
		})
	}
}

func TestConnectPatchesConference(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody struct {
		Connects []Connect `json:"connects"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding body: %v", err)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	if err := c.Connect(context.Background(), "MID", "ws://recorder:8989/record"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPatch || gotPath != "/colibri/v2/conferences/MID" {
		t.Errorf("expected PATCH /colibri/v2/conferences/MID, got %s %s", gotMethod, gotPath)
	}
	if len(gotBody.Connects) != 1 {
		t.Fatalf("expected one connect, got %+v", gotBody.Connects)
	}
	conn := gotBody.Connects[0]
	if conn.URL != "ws://recorder:8989/record" || conn.Protocol != "mediajson" {
		t.Errorf("unexpected connect: %+v", conn)
	}
	if !conn.Audio || conn.Video {
		t.Errorf("expected audio-only export, got %+v", conn)
	}
}

func TestDisconnectSendsEmptyConnects(t *testing.T) {
	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	if err := c.Disconnect(context.Background(), "MID"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"connects":[]}` {
		t.Errorf("expected empty connects list, got %s", raw)
	}
}

func TestConnectNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	err := c.Connect(context.Background(), "GONE", "ws://recorder:8989/record")
	if !errors.Is(err, ErrConferenceNotFound) {
		t.Fatalf("expected ErrConferenceNotFound, got %v", err)
	}
}

func TestConnectServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	err := c.Connect(context.Background(), "MID", "ws://recorder:8989/record")
	if err == nil || errors.Is(err, ErrConferenceNotFound) {
		t.Fatalf("expected a non-404 error, got %v", err)
	}
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient("", testLogger())
	if c.Configured() {
		t.Error("expected unconfigured client")
	}
	if _, err := c.LookupConference(context.Background(), "r", "r@muc"); err == nil {
		t.Fatal("expected error from unconfigured client")
	}
	if err := c.Connect(context.Background(), "id", "url"); err == nil {
		t.Fatal("expected error from unconfigured client")
	}
}
