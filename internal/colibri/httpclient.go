package colibri

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EndpointRequest names one endpoint in a legacy allocation request.
type EndpointRequest struct {
	ID    string   `json:"id"`
	Media []string `json:"media"`
}

// HTTPForwarder is one allocated forwarder in a legacy gateway reply.
type HTTPForwarder struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	RTPURL string `json:"rtp_url"`
	SSRC   uint32 `json:"ssrc,omitempty"`
	PT     int    `json:"pt,omitempty"`
}

// AllocateResponse is the legacy gateway's reply to POST /forward.
type AllocateResponse struct {
	SessionID    string          `json:"session_id"`
	Participants []HTTPForwarder `json:"participants"`
}

// HTTPClient talks to a legacy Colibri HTTP gateway. It is the allocation
// path of last resort when the XMPP stream is down.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	wsURL      string
}

// NewHTTPClient creates a client for the gateway at baseURL. An empty
// baseURL yields an unconfigured client that refuses all calls.
func NewHTTPClient(baseURL, wsURL string) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		wsURL:      wsURL,
	}
}

// Configured returns true if the client has a gateway URL to talk to.
func (c *HTTPClient) Configured() bool {
	return c != nil && c.baseURL != ""
}

// About fetches the gateway's version document.
func (c *HTTPClient) About(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/about", nil)
	if err != nil {
		return nil, fmt.Errorf("colibri: creating about request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("colibri: requesting about: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("colibri: gateway returned status %d for about", resp.StatusCode)
	}
	var about map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&about); err != nil {
		return nil, fmt.Errorf("colibri: decoding about: %w", err)
	}
	return about, nil
}

// AllocateAudio requests one audio forwarder per endpoint id.
func (c *HTTPClient) AllocateAudio(ctx context.Context, room string, endpointIDs []string) (*AllocateResponse, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("colibri: http gateway not configured")
	}

	endpoints := make([]EndpointRequest, 0, len(endpointIDs))
	for _, id := range endpointIDs {
		endpoints = append(endpoints, EndpointRequest{ID: id, Media: []string{"audio"}})
	}
	payload := struct {
		Conference string            `json:"conference"`
		Endpoints  []EndpointRequest `json:"endpoints"`
	}{Conference: room, Endpoints: endpoints}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("colibri: marshalling forward request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/forward", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("colibri: creating forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("colibri: requesting forwarders: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("colibri: reading forward response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("colibri: gateway returned status %d for forward", resp.StatusCode)
	}

	var alloc AllocateResponse
	if err := json.Unmarshal(respBody, &alloc); err != nil {
		return nil, fmt.Errorf("colibri: decoding forward response: %w", err)
	}
	return &alloc, nil
}

// ReleaseSession releases all forwarders allocated under a gateway session.
func (c *HTTPClient) ReleaseSession(ctx context.Context, sessionID string) error {
	if !c.Configured() {
		return fmt.Errorf("colibri: http gateway not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/forward/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("colibri: creating release request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("colibri: releasing session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("colibri: gateway returned status %d for release", resp.StatusCode)
	}
	return nil
}
