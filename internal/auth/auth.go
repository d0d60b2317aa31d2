// Package auth authenticates relay server connections. A connection carries
// the call it may join and the participant identity the server stamps on
// every envelope it publishes.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/intervue/interview-rtc/internal/config"
	"github.com/intervue/interview-rtc/internal/protocol"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is what a connection is allowed to act as.
type Identity struct {
	CallID        string
	ParticipantID string
	Role          protocol.Role
}

func (id Identity) validate() error {
	if err := protocol.ValidateTopic(id.CallID); err != nil {
		return fmt.Errorf("call: %w", err)
	}
	if id.ParticipantID == "" || id.ParticipantID == protocol.Broadcast {
		return fmt.Errorf("invalid participant %q", id.ParticipantID)
	}
	if !id.Role.Valid() {
		return fmt.Errorf("invalid role %q", id.Role)
	}
	return nil
}

type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

func NewAuthenticator(mode config.AuthMode, jwtSecret string) (Authenticator, error) {
	switch mode {
	case config.AuthModeNone:
		return QueryAuthenticator{}, nil
	case config.AuthModeJWT:
		if jwtSecret == "" {
			return nil, fmt.Errorf("auth mode %q requires a secret", mode)
		}
		return JWTAuthenticator{Verifier: NewJWTVerifier(jwtSecret)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// QueryAuthenticator trusts the call, participant and role query parameters.
// It is meant for local development only.
type QueryAuthenticator struct{}

func (QueryAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	if q.Get("call") == "" || q.Get("participant") == "" || q.Get("role") == "" {
		return Identity{}, ErrMissingCredentials
	}
	role, err := protocol.ParseRole(q.Get("role"))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	id := Identity{CallID: q.Get("call"), ParticipantID: q.Get("participant"), Role: role}
	if err := id.validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return id, nil
}

// JWTAuthenticator reads a bearer token from the Authorization header, or
// from the token query parameter for browser websockets that cannot set
// headers.
type JWTAuthenticator struct {
	Verifier *JWTVerifier
}

func (a JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token, err := CredentialFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return a.Verifier.Verify(token)
}

func CredentialFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("%w: malformed Authorization header", ErrInvalidCredentials)
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}
