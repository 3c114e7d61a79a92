// ABOUTME: Orchestrator sequencing the registration and login ceremonies
// ABOUTME: Challenge consumption, verification, counter gate, session issuance

package ceremony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/2389/passkey-gateway/internal/session"
	"github.com/2389/passkey-gateway/internal/store"
)

// usernamePattern matches 1-64 characters of letters, digits, and
// underscore.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,64}$`)

// Orchestrator runs the two-step ceremonies. It owns no cryptography and
// no storage; it sequences the trust gates across the stores, the
// verifier, and the session issuer.
type Orchestrator struct {
	users       store.UserStore
	credentials store.CredentialStore
	challenges  store.ChallengeStore
	sessions    *session.Issuer
	verifier    Verifier
	logger      *slog.Logger
}

// NewOrchestrator wires the ceremony dependencies together.
func NewOrchestrator(users store.UserStore, credentials store.CredentialStore, challenges store.ChallengeStore, sessions *session.Issuer, verifier Verifier) *Orchestrator {
	return &Orchestrator{
		users:       users,
		credentials: credentials,
		challenges:  challenges,
		sessions:    sessions,
		verifier:    verifier,
		logger:      slog.Default().With("component", "ceremony"),
	}
}

// StartRegistration validates the username, resolves or creates the
// account, and issues creation options bound to a fresh challenge. The
// returned correlation ID is the only handle the client gets; the user
// ID stays server-side until the ceremony completes.
func (o *Orchestrator) StartRegistration(ctx context.Context, username string) (*protocol.CredentialCreation, string, error) {
	if !usernamePattern.MatchString(username) {
		o.logger.Debug("registration start rejected", "reason", "invalid username format")
		return nil, "", ErrInvalidUsername
	}

	user, err := o.resolveUser(ctx, username)
	if err != nil {
		return nil, "", err
	}

	options, challengeValue, err := o.verifier.RegistrationOptions(ctx, user.ID, username)
	if err != nil {
		return nil, "", fmt.Errorf("producing registration options: %w", err)
	}

	correlationID := uuid.NewString()
	ch := &store.Challenge{ID: correlationID, Value: challengeValue, UserID: user.ID}
	if err := o.challenges.CreateChallenge(ctx, ch); err != nil {
		return nil, "", fmt.Errorf("storing registration challenge: %w", err)
	}

	o.logger.Info("registration ceremony started", "username", username, "correlation_id", correlationID)
	return options, correlationID, nil
}

// FinishRegistration consumes the ceremony's challenge, verifies the
// attestation, stores the new credential, and issues a session.
func (o *Orchestrator) FinishRegistration(ctx context.Context, correlationID string, attestation *protocol.ParsedCredentialCreationData) (*session.Artifact, error) {
	ch, err := o.takeChallenge(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	// Only registration challenges carry a user binding; a login
	// correlation ID must not complete a registration.
	if ch.UserID == "" {
		o.logger.Warn("challenge not bound to a registration", "correlation_id", correlationID)
		return nil, ErrAuthenticationFailed
	}

	result, err := o.verifier.VerifyRegistration(ctx, attestation, ch.Value, ch.UserID)
	if err != nil {
		o.logger.Warn("registration verification failed", "correlation_id", correlationID, "error", err)
		return nil, ErrAuthenticationFailed
	}

	cred := &store.Credential{
		ID:        result.CredentialID,
		UserID:    ch.UserID,
		PublicKey: result.PublicKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.credentials.CreateCredential(ctx, cred); err != nil {
		if errors.Is(err, store.ErrCredentialExists) {
			o.logger.Warn("credential already registered", "correlation_id", correlationID)
			return nil, ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	artifact, err := o.sessions.Issue(ctx, ch.UserID)
	if err != nil {
		return nil, fmt.Errorf("issuing session: %w", err)
	}

	o.logger.Info("registration completed", "user_id", ch.UserID, "correlation_id", correlationID)
	return artifact, nil
}

// StartLogin issues assertion options for the user's registered
// credentials. Unknown usernames fail exactly like wrong credentials so
// callers cannot probe for accounts.
func (o *Orchestrator) StartLogin(ctx context.Context, username string) (*protocol.CredentialAssertion, string, error) {
	if !usernamePattern.MatchString(username) {
		o.logger.Debug("login start rejected", "reason", "invalid username format")
		return nil, "", ErrInvalidUsername
	}

	user, err := o.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			o.logger.Debug("login start for unknown username")
			return nil, "", ErrAuthenticationFailed
		}
		return nil, "", fmt.Errorf("resolving user: %w", err)
	}

	creds, err := o.credentials.GetCredentialsByUser(ctx, user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("loading credentials: %w", err)
	}
	allowList := make([][]byte, 0, len(creds))
	for _, cred := range creds {
		allowList = append(allowList, cred.ID)
	}

	options, challengeValue, err := o.verifier.AuthenticationOptions(ctx, user.ID, username, allowList)
	if err != nil {
		o.logger.Warn("login options unavailable", "user_id", user.ID, "error", err)
		return nil, "", ErrAuthenticationFailed
	}

	// Login challenges carry no user binding; identity comes from the
	// asserted credential at finish.
	correlationID := uuid.NewString()
	ch := &store.Challenge{ID: correlationID, Value: challengeValue}
	if err := o.challenges.CreateChallenge(ctx, ch); err != nil {
		return nil, "", fmt.Errorf("storing login challenge: %w", err)
	}

	o.logger.Info("login ceremony started", "username", username, "correlation_id", correlationID)
	return options, correlationID, nil
}

// FinishLogin consumes the challenge, verifies the assertion against the
// asserted credential, and admits the login only if the signature
// counter strictly advances.
func (o *Orchestrator) FinishLogin(ctx context.Context, correlationID string, assertion *protocol.ParsedCredentialAssertionData) (*session.Artifact, error) {
	ch, err := o.takeChallenge(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	// The symmetric guard: a user-bound registration challenge must not
	// complete a login.
	if ch.UserID != "" {
		o.logger.Warn("challenge not issued for a login", "correlation_id", correlationID)
		return nil, ErrAuthenticationFailed
	}

	cred, err := o.credentials.GetCredential(ctx, assertion.RawID)
	if err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			o.logger.Debug("login with unknown credential", "correlation_id", correlationID)
			return nil, ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	result, err := o.verifier.VerifyAuthentication(ctx, assertion, ch.Value, cred)
	if err != nil {
		o.logger.Warn("login verification failed", "correlation_id", correlationID, "error", err)
		return nil, ErrAuthenticationFailed
	}

	// The counter gate runs after signature verification: a valid
	// signature with a stale counter means a replayed assertion or a
	// cloned authenticator.
	advanced, err := o.credentials.AdvanceCredentialCounter(ctx, cred.ID, result.NewCounter)
	if err != nil {
		return nil, fmt.Errorf("advancing counter: %w", err)
	}
	if !advanced {
		o.logger.Warn("signature counter did not advance, possible cloned authenticator",
			"credential_id", fmt.Sprintf("%x", cred.ID),
			"stored_counter", cred.Counter,
			"presented_counter", result.NewCounter)
		return nil, ErrAuthenticationFailed
	}

	artifact, err := o.sessions.Issue(ctx, cred.UserID)
	if err != nil {
		return nil, fmt.Errorf("issuing session: %w", err)
	}

	o.logger.Info("login completed", "user_id", cred.UserID, "correlation_id", correlationID)
	return artifact, nil
}

// resolveUser finds or creates the account for a registration start.
// Re-registration under an existing username is allowed; the new
// credential simply joins the account.
func (o *Orchestrator) resolveUser(ctx context.Context, username string) (*store.User, error) {
	user, err := o.users.GetUserByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		return nil, fmt.Errorf("resolving user: %w", err)
	}

	user = &store.User{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.users.CreateUser(ctx, user); err != nil {
		// Lost a creation race; the winner's row is the account.
		if errors.Is(err, store.ErrUsernameExists) {
			return o.users.GetUserByUsername(ctx, username)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

func (o *Orchestrator) takeChallenge(ctx context.Context, correlationID string) (*store.Challenge, error) {
	ch, err := o.challenges.TakeChallenge(ctx, correlationID)
	if err != nil {
		if errors.Is(err, store.ErrChallengeNotFound) {
			o.logger.Debug("unknown, expired, or already consumed challenge", "correlation_id", correlationID)
			return nil, ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}
	return ch, nil
}
