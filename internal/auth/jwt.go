package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/intervue/interview-rtc/internal/protocol"
)

const (
	// DefaultTokenTTL bounds how long an issued call token stays valid.
	DefaultTokenTTL = 2 * time.Hour
	// maxTokenLen rejects oversized tokens before any parsing.
	maxTokenLen = 8 * 1024
)

// Claims are the JWT claims of a call token. The participant id is the
// subject.
type Claims struct {
	CallID string        `json:"call_id"`
	Role   protocol.Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer mints HS256 call tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) Issue(id Identity) (string, error) {
	if err := id.validate(); err != nil {
		return "", err
	}
	now := i.now()
	claims := Claims{
		CallID: id.CallID,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ParticipantID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

// Verify checks signature, expiry and the call claims, and returns the
// identity the token grants.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	if len(token) > maxTokenLen {
		return Identity{}, fmt.Errorf("%w: token too large", ErrInvalidCredentials)
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: token expired", ErrInvalidCredentials)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidCredentials
	}

	role, err := protocol.ParseRole(string(claims.Role))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	id := Identity{CallID: claims.CallID, ParticipantID: claims.Subject, Role: role}
	if err := id.validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return id, nil
}

// PeekIdentity reads the identity a token claims without verifying it.
// Clients use it to act as the participant the server will stamp on their
// envelopes; it grants nothing.
func PeekIdentity(token string) (Identity, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	role, err := protocol.ParseRole(string(claims.Role))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	id := Identity{CallID: claims.CallID, ParticipantID: claims.Subject, Role: role}
	if err := id.validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return id, nil
}
