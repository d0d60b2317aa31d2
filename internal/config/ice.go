package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "INTERVIEW_RTC_ICE_SERVERS_JSON"

	envStunURLs       = "INTERVIEW_RTC_STUN_URLS"
	envTurnURLs       = "INTERVIEW_RTC_TURN_URLS"
	envTurnUsername   = "INTERVIEW_RTC_TURN_USERNAME"
	envTurnCredential = "INTERVIEW_RTC_TURN_CREDENTIAL"
)

// iceFlags holds the raw ICE settings shared by both binaries.
type iceFlags struct {
	serversJSON, stunURLs, turnURLs, turnUsername, turnCredential string
}

func (f *iceFlags) register(fs *flag.FlagSet, lookup func(string) (string, bool)) {
	fs.StringVar(&f.serversJSON, "ice-servers-json", envOrDefault(lookup, envICEServersJSON, ""), "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&f.stunURLs, "stun-urls", envOrDefault(lookup, envStunURLs, ""), "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&f.turnURLs, "turn-urls", envOrDefault(lookup, envTurnURLs, ""), "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&f.turnUsername, "turn-username", envOrDefault(lookup, envTurnUsername, ""), "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&f.turnCredential, "turn-credential", envOrDefault(lookup, envTurnCredential, ""), "TURN credential (env "+envTurnCredential+")")
}

func (f *iceFlags) parse(allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	return parseICEServersFromValues(f.serversJSON, f.stunURLs, f.turnURLs, f.turnUsername, f.turnCredential, allowTURNWithoutCreds)
}

// parseICEServersFromValues prefers the JSON form; the convenience URL lists
// are only consulted when it is empty.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		iceServers, err := ParseICEServersJSON(raw, allowTURNWithoutCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, allowTURNWithoutCreds)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a browser-style RTCIceServer list. TURN entries
// without credentials are accepted only when allowTURNWithoutCreds is set,
// which is the case when the relay server mints TURN REST credentials per
// request.
func ParseICEServersJSON(raw string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			urls = append(urls, u)
		}

		s := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			s.Credential = server.Credential
		}
		if err := validateICEServer(s, allowTURNWithoutCreds); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from
// comma-separated STUN and TURN URL lists sharing one TURN credential pair.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if (turnUsername == "" || turnCredential == "") && !allowTURNWithoutCreds {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}

		server := webrtc.ICEServer{URLs: turnList}
		if turnUsername != "" && turnCredential != "" {
			server.Username = turnUsername
			server.Credential = turnCredential
		}
		if err := validateICEServer(server, allowTURNWithoutCreds); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, allowTURNWithoutCreds bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, raw := range server.URLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedICEScheme(u) {
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
		if isTURNURL(u) {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds && !allowTURNWithoutCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

func isAllowedICEScheme(u string) bool {
	switch {
	case strings.HasPrefix(u, "stun:"),
		strings.HasPrefix(u, "stuns:"),
		strings.HasPrefix(u, "turn:"),
		strings.HasPrefix(u, "turns:"):
		return true
	default:
		return false
	}
}

func isTURNURL(u string) bool {
	u = strings.ToLower(strings.TrimSpace(u))
	return strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:")
}

// ICEServerHasTURNURL reports whether any of server's URLs is a TURN URL.
func ICEServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		if isTURNURL(raw) {
			return true
		}
	}
	return false
}
