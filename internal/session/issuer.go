// ABOUTME: Session issuance, validation, and revocation on top of the session store
// ABOUTME: Optionally wraps opaque session IDs in signed HS256 envelopes

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/passkey-gateway/internal/store"
)

// DefaultDuration is how long an issued session stays valid.
const DefaultDuration = 7 * 24 * time.Hour

// Artifact is what a successful ceremony hands back to the boundary: the
// bearer token to set as a cookie plus its owner and expiry.
type Artifact struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Issuer creates and validates session artifacts. When a secret is
// configured, tokens are HS256-signed envelopes around the stored session
// ID, so a tampered token fails before any store lookup. Without a
// secret, the token is the opaque session ID itself.
type Issuer struct {
	store    store.SessionStore
	secret   []byte
	duration time.Duration
	logger   *slog.Logger
}

// NewIssuer creates an Issuer. An empty secret disables envelope signing.
// A zero ttl selects DefaultDuration.
func NewIssuer(st store.SessionStore, secret []byte, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = DefaultDuration
	}
	return &Issuer{
		store:    st,
		secret:   secret,
		duration: ttl,
		logger:   slog.Default().With("component", "session"),
	}
}

// Issue creates a new session for userID and returns its artifact.
func (i *Issuer) Issue(ctx context.Context, userID string) (*Artifact, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(i.duration),
	}
	if err := i.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	token := id
	if len(i.secret) > 0 {
		token, err = i.wrap(id, sess.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("signing session token: %w", err)
		}
	}

	i.logger.Debug("session issued", "user_id", userID, "expires_at", sess.ExpiresAt)
	return &Artifact{Token: token, UserID: userID, ExpiresAt: sess.ExpiresAt}, nil
}

// Validate resolves a presented token to the owning user ID. Unknown,
// expired, and tampered tokens all come back as
// store.ErrSessionNotFound so callers cannot distinguish them.
func (i *Issuer) Validate(ctx context.Context, token string) (string, error) {
	id, err := i.unwrap(token)
	if err != nil {
		i.logger.Debug("session token rejected", "error", err)
		return "", store.ErrSessionNotFound
	}

	sess, err := i.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return sess.UserID, nil
}

// Revoke deletes the session behind a token. Tokens that do not resolve
// are ignored; revocation is idempotent.
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	id, err := i.unwrap(token)
	if err != nil {
		return nil
	}
	return i.store.DeleteSession(ctx, id)
}

// Sweep removes expired sessions from the store.
func (i *Issuer) Sweep(ctx context.Context) error {
	removed, err := i.store.DeleteExpiredSessions(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		i.logger.Debug("swept expired sessions", "count", removed)
	}
	return nil
}

func (i *Issuer) wrap(id string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sid": id,
		"iat": time.Now().Unix(),
		"exp": expiresAt.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *Issuer) unwrap(token string) (string, error) {
	if len(i.secret) == 0 {
		return token, nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing session token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type")
	}
	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return "", fmt.Errorf("session token missing sid claim")
	}
	return sid, nil
}

// generateSessionID returns a cryptographically random 256-bit hex
// string.
func generateSessionID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating session ID: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
