package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/negotiation"
)

const (
	iceFetchTimeout   = 5 * time.Second
	maxICEResponseLen = 64 * 1024
)

// relayHTTPURL maps the relay websocket URL onto another path of the same
// server.
func relayHTTPURL(relayURL, path string) (*url.URL, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("relay url %q is not a websocket url", relayURL)
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// queryIdentity adds the development query credentials to u.
func queryIdentity(u *url.URL, id negotiation.Identity) {
	q := u.Query()
	q.Set("call", id.CallID)
	q.Set("participant", id.ParticipantID)
	q.Set("role", string(id.Role))
	u.RawQuery = q.Encode()
}

// fetchICEServers asks the relay server for the client ICE configuration,
// including TURN REST credentials when the server issues them.
func fetchICEServers(ctx context.Context, client *http.Client, relayURL, token string, id negotiation.Identity) ([]webrtc.ICEServer, error) {
	u, err := relayHTTPURL(relayURL, "/webrtc/ice")
	if err != nil {
		return nil, err
	}
	if token == "" {
		queryIdentity(u, id)
	}

	ctx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEResponseLen)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}
