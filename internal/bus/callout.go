package bus

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCalloutSubject is the well-known subject the broker sends
// authorization requests on and the credential gate answers from.
const DefaultCalloutSubject = "sys.auth.callout"

// Permissions lists the subject patterns a connection may publish and
// subscribe to. A nil Permissions means unrestricted (system connections
// and brokers running without a callout).
type Permissions struct {
	Publish   []string `json:"publish"`
	Subscribe []string `json:"subscribe"`
}

// CanPublish reports whether subject is covered by the publish patterns.
func (p *Permissions) CanPublish(subject string) bool {
	return p == nil || matchAny(p.Publish, subject)
}

// CanSubscribe reports whether the subscription subject is covered by the
// subscribe patterns. The subscription subject may itself be a pattern; it
// is allowed when a permission pattern matches it or equals it verbatim.
func (p *Permissions) CanSubscribe(subject string) bool {
	return p == nil || matchAny(p.Subscribe, subject)
}

func matchAny(patterns []string, subject string) bool {
	for _, pat := range patterns {
		if pat == subject || MatchSubject(pat, subject) {
			return true
		}
	}
	return false
}

// AuthorizationRequestClaims is the signed envelope the broker sends to the
// credential gate for every new non-system connection. ConnectingKey is a
// per-connection nonce; the grant in the response is addressed back to it.
type AuthorizationRequestClaims struct {
	ConnectingKey  string         `json:"connecting_key"`
	ServerID       string         `json:"server_id"`
	ConnectOptions ConnectOptions `json:"connect_options"`
	jwt.RegisteredClaims
}

// ConnectOptions carries the credentials presented by the connecting client.
type ConnectOptions struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

// AuthorizationResponseClaims is the signed envelope the gate returns.
// Exactly one of GrantedJWT or Error is set.
type AuthorizationResponseClaims struct {
	GrantedJWT string `json:"granted_jwt,omitempty"`
	Error      string `json:"error,omitempty"`
	jwt.RegisteredClaims
}

// GrantClaims is the capability embedded in a successful response: the
// subject permissions granted to the verified connection.
type GrantClaims struct {
	Permissions Permissions `json:"permissions"`
	jwt.RegisteredClaims
}

// SignClaims signs claims with the shared HS256 callout key.
func SignClaims(key []byte, claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign claims: %w", err)
	}
	return signed, nil
}

// ParseRequestClaims verifies and decodes an authorization request envelope.
func ParseRequestClaims(key []byte, tokenString string) (*AuthorizationRequestClaims, error) {
	claims := &AuthorizationRequestClaims{}
	if err := parseInto(key, tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseResponseClaims verifies and decodes an authorization response envelope.
func ParseResponseClaims(key []byte, tokenString string) (*AuthorizationResponseClaims, error) {
	claims := &AuthorizationResponseClaims{}
	if err := parseInto(key, tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseGrantClaims verifies and decodes a permission grant.
func ParseGrantClaims(key []byte, tokenString string) (*GrantClaims, error) {
	claims := &GrantClaims{}
	if err := parseInto(key, tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func parseInto(key []byte, tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid envelope claims")
	}
	return nil
}

func registeredClaims(issuer string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}
