// Package turnrest mints coturn TURN REST credentials (use-auth-secret).
//
//	username   = <unix_expiry>:<prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The relay server only signs credentials; the TURN deployment itself is
// external.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/intervue/interview-rtc/internal/config"
)

type Generator struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string
	now            func() time.Time
	newID          func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// New builds a generator from the relay's TURN REST settings.
func New(cfg config.TurnRESTConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turn rest: shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("turn rest: ttl must be > 0")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, fmt.Errorf("turn rest: invalid username prefix %q", cfg.UsernamePrefix)
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            time.Duration(cfg.TTLSeconds) * time.Second,
		usernamePrefix: cfg.UsernamePrefix,
		now:            time.Now,
		newID:          uuid.NewString,
	}, nil
}

// Generate signs credentials for id. An empty id, or one containing ':',
// is replaced by a random one since coturn splits the username on colons.
func (g *Generator) Generate(id string) Credentials {
	if id == "" || strings.Contains(id, ":") {
		id = g.newID()
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.usernamePrefix, id)

	mac := hmac.New(sha1.New, g.sharedSecret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Expires:    expires,
	}
}

// Apply returns a copy of servers with creds set on every TURN entry. STUN
// entries are left untouched. A nil or empty input is returned as-is.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	if len(servers) == 0 {
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.ICEServerHasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
			out[i].CredentialType = webrtc.ICECredentialTypePassword
		}
	}
	return out
}
