// Package authgate implements the credential gate: the service that answers
// bus connection-authorization callouts with a signed permission grant or a
// signed denial. It holds no session state; every request is verified
// independently, so replicas can run side by side.
package authgate

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/teamrelay/internal/bus"
	"github.com/teamrelay/internal/store"
)

// denialReason is the single reason returned for every failed
// authorization. Lookup misses and bad secrets are indistinguishable to the
// caller; the distinction lives only in the gate's logs.
const denialReason = "authorization failed"

const (
	defaultGrantTTL   = time.Hour
	defaultRatePerSec = 50
)

// Options configures a Gate.
type Options struct {
	// Subject is the callout subject to answer on. Defaults to
	// bus.DefaultCalloutSubject.
	Subject string

	// SigningKey is the HS256 key shared with the broker. Required.
	SigningKey []byte

	// Issuer names this gate in signed envelopes.
	Issuer string

	// GrantTTL bounds the validity of issued grants.
	GrantTTL time.Duration

	// RequestsPerSecond throttles the handler loop.
	RequestsPerSecond float64

	Logger zerolog.Logger
}

// Gate answers authorization callouts. Construct with New, attach to the
// bus with Run.
type Gate struct {
	creds   store.CredentialStore
	opts    Options
	limiter *rate.Limiter
}

// New creates a gate over the given credential store.
func New(creds store.CredentialStore, opts Options) *Gate {
	if opts.Subject == "" {
		opts.Subject = bus.DefaultCalloutSubject
	}
	if opts.Issuer == "" {
		opts.Issuer = "authgate"
	}
	if opts.GrantTTL <= 0 {
		opts.GrantTTL = defaultGrantTTL
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = defaultRatePerSec
	}
	return &Gate{
		creds:   creds,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)),
	}
}

// Run subscribes to the callout subject and answers requests until the
// context is cancelled. Each request is handled independently; a bad
// request never takes down the listener.
func (g *Gate) Run(ctx context.Context, conn *bus.Conn) error {
	sub, err := conn.Subscribe(g.opts.Subject, func(m *bus.Msg) {
		if m.Reply == "" {
			g.opts.Logger.Warn().Msg("Authorization request without reply subject, dropping")
			return
		}
		response := g.Handle(ctx, m.Data)
		if response == nil {
			return
		}
		if err := conn.Publish(m.Reply, response); err != nil {
			g.opts.Logger.Error().Err(err).Msg("Failed to publish authorization response")
		}
	})
	if err != nil {
		return err
	}

	g.opts.Logger.Info().Str("subject", g.opts.Subject).Msg("Credential gate listening")
	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}

// Handle processes one authorization request envelope and returns exactly
// one signed response: a grant on success, a denial on every failure path.
func (g *Gate) Handle(ctx context.Context, data []byte) []byte {
	if err := g.limiter.Wait(ctx); err != nil {
		return g.deny("", denialReason)
	}

	req, err := bus.ParseRequestClaims(g.opts.SigningKey, string(data))
	if err != nil {
		g.opts.Logger.Warn().Err(err).Msg("Malformed authorization request")
		return g.deny("", "malformed authorization request")
	}

	user := req.ConnectOptions.User
	record, err := g.creds.FindCredentialRecord(ctx, user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.opts.Logger.Warn().Str("subject_id", user).Msg("Authorization denied: subject not found")
		} else {
			// Transient store failure. Same denial as a miss, logged apart.
			g.opts.Logger.Error().Err(err).Str("subject_id", user).Msg("Credential store lookup failed")
		}
		return g.deny(req.ConnectingKey, denialReason)
	}

	if !Verify(req.ConnectOptions.Pass, record.TokenHash) {
		g.opts.Logger.Warn().Str("subject_id", user).Msg("Authorization denied: invalid credentials")
		return g.deny(req.ConnectingKey, denialReason)
	}

	grant, err := g.signGrant(record.SubjectID, req.ConnectingKey)
	if err != nil {
		g.opts.Logger.Error().Err(err).Str("subject_id", user).Msg("Failed to sign grant")
		return g.deny(req.ConnectingKey, denialReason)
	}

	g.opts.Logger.Info().Str("subject_id", user).Msg("Authorization granted")
	return g.respond(&bus.AuthorizationResponseClaims{
		GrantedJWT:       grant,
		RegisteredClaims: g.registered(req.ConnectingKey),
	})
}

// PermissionsFor derives the subject permissions for a verified identity:
// the public namespace, reply inboxes, the identity's own rooms, and the
// conversation namespaces.
func PermissionsFor(subjectID string) bus.Permissions {
	return bus.Permissions{
		Publish: []string{
			"public.>",
			"_INBOX.>",
			"deploy." + subjectID + ".>",
			"bus.server.>",
			"bus.client.>",
		},
		Subscribe: []string{
			"public.>",
			"_INBOX.>",
			"deploy." + subjectID + ".>",
			"bus.server.>",
			"bus.client.>",
		},
	}
}

func (g *Gate) signGrant(subjectID, connectingKey string) (string, error) {
	now := time.Now()
	return bus.SignClaims(g.opts.SigningKey, &bus.GrantClaims{
		Permissions: PermissionsFor(subjectID),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.opts.Issuer,
			Subject:   subjectID,
			ID:        connectingKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.opts.GrantTTL)),
		},
	})
}

func (g *Gate) deny(connectingKey, reason string) []byte {
	return g.respond(&bus.AuthorizationResponseClaims{
		Error:            reason,
		RegisteredClaims: g.registered(connectingKey),
	})
}

// respond signs the response envelope. Signing with a valid HMAC key does
// not fail in practice; if it ever does, the broker's callout deadline
// converts the missing reply into a closed denial.
func (g *Gate) respond(resp *bus.AuthorizationResponseClaims) []byte {
	signed, err := bus.SignClaims(g.opts.SigningKey, resp)
	if err != nil {
		g.opts.Logger.Error().Err(err).Msg("Failed to sign authorization response")
		return nil
	}
	return []byte(signed)
}

func (g *Gate) registered(connectingKey string) jwt.RegisteredClaims {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    g.opts.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	if connectingKey != "" {
		claims.Subject = connectingKey
	}
	return claims
}
