// ABOUTME: Store interfaces and data types for passkey-gateway persistence
// ABOUTME: Defines users, credentials, challenges, sessions and their error sentinels

package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers match these
// with errors.Is rather than inspecting driver-specific errors.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameExists     = errors.New("username already exists")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already exists")
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrChallengeExists    = errors.New("challenge already exists")
	ErrSessionNotFound    = errors.New("session not found")
)

// ChallengeTTL is the fixed lifetime of a ceremony challenge. The store
// stamps it at creation time so no caller can extend a ceremony window.
const ChallengeTTL = 5 * time.Minute

// User is an account identified by a unique username. The ID is an opaque
// identifier that doubles as the WebAuthn user handle.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// Credential is a registered passkey public key. ID is the raw credential
// ID bytes issued by the authenticator. Counter tracks the signature
// counter high-water mark for clone detection.
type Credential struct {
	ID        []byte
	UserID    string
	PublicKey []byte
	Counter   uint32
	CreatedAt time.Time
}

// Challenge is one in-flight ceremony's cross-step state, keyed by a
// server-generated correlation ID. UserID is set for registration
// ceremonies and empty for login ceremonies, where identity is derived
// from the asserted credential instead.
type Challenge struct {
	ID        string
	Value     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Session is an authenticated session record. The ID is the opaque secret
// presented by clients (possibly wrapped in a signed envelope above this
// layer).
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// UserStore manages account records.
type UserStore interface {
	// CreateUser inserts a new user. Returns ErrUsernameExists if the
	// username is already taken.
	CreateUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID. Returns ErrUserNotFound if absent.
	GetUser(ctx context.Context, id string) (*User, error)

	// GetUserByUsername retrieves a user by username. Returns
	// ErrUserNotFound if absent.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// CredentialStore manages registered passkeys.
type CredentialStore interface {
	// CreateCredential inserts a new credential with its counter at zero.
	// Returns ErrCredentialExists if the credential ID is already
	// registered.
	CreateCredential(ctx context.Context, cred *Credential) error

	// GetCredential retrieves a credential by its raw ID bytes. Returns
	// ErrCredentialNotFound if absent.
	GetCredential(ctx context.Context, id []byte) (*Credential, error)

	// GetCredentialsByUser lists all credentials registered to a user,
	// oldest first.
	GetCredentialsByUser(ctx context.Context, userID string) ([]*Credential, error)

	// AdvanceCredentialCounter atomically raises the stored signature
	// counter to newCounter, but only if newCounter is strictly greater
	// than the stored value. Returns true if the counter advanced. A
	// false return with nil error means the counter did not move: either
	// the credential is unknown or newCounter failed the strict-increase
	// check, which is the clone/replay signal.
	AdvanceCredentialCounter(ctx context.Context, id []byte, newCounter uint32) (bool, error)
}

// ChallengeStore manages in-flight ceremony challenges.
type ChallengeStore interface {
	// CreateChallenge inserts a challenge, stamping CreatedAt and
	// ExpiresAt (now + ChallengeTTL) itself. Returns ErrChallengeExists
	// on a correlation ID collision.
	CreateChallenge(ctx context.Context, ch *Challenge) error

	// GetChallenge retrieves a challenge without consuming it. An expired
	// row is deleted on sight and reported as ErrChallengeNotFound.
	GetChallenge(ctx context.Context, id string) (*Challenge, error)

	// TakeChallenge atomically retrieves and deletes a challenge. Under
	// concurrent calls for the same ID, at most one caller receives the
	// challenge; the rest get ErrChallengeNotFound. An expired row is
	// removed and reported as ErrChallengeNotFound.
	TakeChallenge(ctx context.Context, id string) (*Challenge, error)

	// DeleteChallenge removes a challenge. Deleting a missing challenge
	// is not an error.
	DeleteChallenge(ctx context.Context, id string) error

	// DeleteExpiredChallenges removes all challenges past their expiry
	// and returns how many were removed.
	DeleteExpiredChallenges(ctx context.Context) (int64, error)
}

// SessionStore manages authenticated sessions.
type SessionStore interface {
	// CreateSession inserts a session record.
	CreateSession(ctx context.Context, sess *Session) error

	// GetSession retrieves a live session. Expired or unknown sessions
	// are reported as ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// DeleteSession removes a session. Deleting a missing session is not
	// an error.
	DeleteSession(ctx context.Context, id string) error

	// DeleteExpiredSessions removes all sessions past their expiry and
	// returns how many were removed.
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// Store composes the per-concern interfaces into the full persistence
// surface.
type Store interface {
	UserStore
	CredentialStore
	ChallengeStore
	SessionStore

	Close() error
}
