// Package bridge talks to the videobridge's private REST port: the /debug
// conference inventory and the Colibri2 multitrack-export endpoint.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrConferenceNotFound means the bridge no longer knows the conference id.
var ErrConferenceNotFound = errors.New("bridge: conference not found")

// DebugConference is one entry in the bridge's /debug inventory.
type DebugConference struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	MeetingID string `json:"meeting_id,omitempty"`
}

type debugDocument struct {
	Conferences map[string]DebugConference `json:"conferences"`
}

// Connect describes one export connection in a Colibri2 PATCH.
type Connect struct {
	URL      string `json:"url"`
	Protocol string `json:"protocol"`
	Audio    bool   `json:"audio"`
	Video    bool   `json:"video"`
}

// Client is an HTTP client for one bridge's REST port. Debug scrapes are
// rate-limited; the bridge renders the full conference inventory per call.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	limiter    *rate.Limiter
}

// NewClient creates a bridge REST client for baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Configured returns true if the client has a bridge URL to talk to.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// LookupConference scans the debug inventory for a conference whose name
// matches the full room JID or whose short name matches room. It returns the
// entry's meeting id when present, else its conference id.
func (c *Client) LookupConference(ctx context.Context, room, roomJID string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("bridge: rest url not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("bridge: waiting for debug slot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/debug", nil)
	if err != nil {
		return "", fmt.Errorf("bridge: creating debug request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bridge: requesting debug inventory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bridge: debug endpoint returned status %d", resp.StatusCode)
	}

	var doc debugDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&doc); err != nil {
		return "", fmt.Errorf("bridge: decoding debug inventory: %w", err)
	}

	for key, conf := range doc.Conferences {
		if conf.Name != roomJID && shortName(conf.Name) != room {
			continue
		}
		id := conf.MeetingID
		if id == "" {
			id = conf.ID
		}
		if id == "" {
			id = key
		}
		c.logger.Debug("resolved conference via debug inventory",
			"room", room,
			"conference_id", id,
		)
		return id, nil
	}
	return "", fmt.Errorf("bridge: %w: room %q not in debug inventory", ErrConferenceNotFound, room)
}

// Connect points the conference's multitrack exporter at url.
func (c *Client) Connect(ctx context.Context, conferenceID, url string) error {
	return c.patchConnects(ctx, conferenceID, []Connect{{
		URL:      url,
		Protocol: "mediajson",
		Audio:    true,
		Video:    false,
	}})
}

// Disconnect clears the conference's export connections.
func (c *Client) Disconnect(ctx context.Context, conferenceID string) error {
	return c.patchConnects(ctx, conferenceID, []Connect{})
}

func (c *Client) patchConnects(ctx context.Context, conferenceID string, connects []Connect) error {
	if !c.Configured() {
		return fmt.Errorf("bridge: rest url not configured")
	}

	body, err := json.Marshal(struct {
		Connects []Connect `json:"connects"`
	}{Connects: connects})
	if err != nil {
		return fmt.Errorf("bridge: marshalling connects: %w", err)
	}

	url := c.baseURL + "/colibri/v2/conferences/" + conferenceID
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bridge: creating patch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: patching conference: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("bridge: conference %s: %w", conferenceID, ErrConferenceNotFound)
	default:
		return fmt.Errorf("bridge: patch returned status %d for conference %s", resp.StatusCode, conferenceID)
	}
}

func shortName(name string) string {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i]
	}
	return name
}
