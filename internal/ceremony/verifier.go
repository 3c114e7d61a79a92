// ABOUTME: WebAuthn cryptographic verification behind the Verifier interface
// ABOUTME: Produces ceremony options and checks attestations and assertions

package ceremony

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/passkey-gateway/internal/store"
)

// ceremonyTimeout is the client-side timeout advertised in signing
// options.
const ceremonyTimeout = 60 * time.Second

// allowedAlgorithms restricts registrations to ES256 and RS256.
var allowedAlgorithms = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
}

// RegistrationResult is the verified outcome of a registration ceremony.
type RegistrationResult struct {
	CredentialID []byte
	PublicKey    []byte
}

// AuthenticationResult is the verified outcome of a login ceremony.
// NewCounter is the signature counter the authenticator presented; the
// caller decides whether it advances the stored one.
type AuthenticationResult struct {
	NewCounter uint32
}

// Verifier is the cryptographic capability the orchestrator depends on.
// Implementations must be synchronous: the orchestrator sequences its
// trust gates around these calls.
type Verifier interface {
	// RegistrationOptions produces creation options for a new passkey
	// and the challenge string that must round-trip through the finish
	// step.
	RegistrationOptions(ctx context.Context, userID, username string) (*protocol.CredentialCreation, string, error)

	// VerifyRegistration checks an attestation response against the
	// stored challenge and the user it was bound to.
	VerifyRegistration(ctx context.Context, attestation *protocol.ParsedCredentialCreationData, challenge, userID string) (*RegistrationResult, error)

	// AuthenticationOptions produces assertion options restricted to the
	// given credential IDs, plus the challenge string to store.
	AuthenticationOptions(ctx context.Context, userID, username string, allowList [][]byte) (*protocol.CredentialAssertion, string, error)

	// VerifyAuthentication checks an assertion response against the
	// stored challenge and the stored credential it claims to be from.
	VerifyAuthentication(ctx context.Context, assertion *protocol.ParsedCredentialAssertionData, challenge string, cred *store.Credential) (*AuthenticationResult, error)
}

// WebAuthnVerifier implements Verifier with go-webauthn.
type WebAuthnVerifier struct {
	webAuthn *webauthn.WebAuthn
}

// NewWebAuthnVerifier builds a verifier for the relying party behind
// baseURL. The RP ID is the bare hostname; both https and http origins
// for it are accepted so local development works.
func NewWebAuthnVerifier(baseURL, displayName string) (*WebAuthnVerifier, error) {
	rpID, origins, err := deriveRelyingParty(baseURL)
	if err != nil {
		return nil, err
	}

	webAuthn, err := webauthn.New(&webauthn.Config{
		RPDisplayName:         displayName,
		RPID:                  rpID,
		RPOrigins:             origins,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationPreferred,
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login: webauthn.TimeoutConfig{
				Enforce:    true,
				Timeout:    ceremonyTimeout,
				TimeoutUVD: ceremonyTimeout,
			},
			Registration: webauthn.TimeoutConfig{
				Enforce:    true,
				Timeout:    ceremonyTimeout,
				TimeoutUVD: ceremonyTimeout,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}

	return &WebAuthnVerifier{webAuthn: webAuthn}, nil
}

func (v *WebAuthnVerifier) RegistrationOptions(ctx context.Context, userID, username string) (*protocol.CredentialCreation, string, error) {
	user := &ceremonyUser{id: []byte(userID), name: username}
	options, session, err := v.webAuthn.BeginRegistration(user,
		webauthn.WithCredentialParameters(allowedAlgorithms))
	if err != nil {
		return nil, "", fmt.Errorf("beginning registration: %w", err)
	}
	return options, session.Challenge, nil
}

func (v *WebAuthnVerifier) VerifyRegistration(ctx context.Context, attestation *protocol.ParsedCredentialCreationData, challenge, userID string) (*RegistrationResult, error) {
	user := &ceremonyUser{id: []byte(userID)}
	// The ceremony session is rebuilt from the stored challenge; its
	// lifetime was already enforced when the challenge was consumed, so
	// Expires stays zero. Verification is required at this step even
	// though the options only asked for preferred.
	session := webauthn.SessionData{
		Challenge:        challenge,
		UserID:           []byte(userID),
		UserVerification: protocol.VerificationRequired,
		CredParams:       allowedAlgorithms,
	}

	credential, err := v.webAuthn.CreateCredential(user, session, attestation)
	if err != nil {
		return nil, fmt.Errorf("verifying attestation: %w", err)
	}
	return &RegistrationResult{
		CredentialID: credential.ID,
		PublicKey:    credential.PublicKey,
	}, nil
}

func (v *WebAuthnVerifier) AuthenticationOptions(ctx context.Context, userID, username string, allowList [][]byte) (*protocol.CredentialAssertion, string, error) {
	user := &ceremonyUser{id: []byte(userID), name: username}
	for _, id := range allowList {
		user.creds = append(user.creds, webauthn.Credential{ID: id})
	}

	options, session, err := v.webAuthn.BeginLogin(user)
	if err != nil {
		return nil, "", fmt.Errorf("beginning login: %w", err)
	}
	return options, session.Challenge, nil
}

func (v *WebAuthnVerifier) VerifyAuthentication(ctx context.Context, assertion *protocol.ParsedCredentialAssertionData, challenge string, cred *store.Credential) (*AuthenticationResult, error) {
	user := &ceremonyUser{
		id: []byte(cred.UserID),
		creds: []webauthn.Credential{{
			ID:        cred.ID,
			PublicKey: cred.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: cred.Counter,
			},
		}},
	}
	session := webauthn.SessionData{
		Challenge:            challenge,
		UserID:               []byte(cred.UserID),
		AllowedCredentialIDs: [][]byte{cred.ID},
		UserVerification:     protocol.VerificationRequired,
	}

	validated, err := v.webAuthn.ValidateLogin(user, session, assertion)
	if err != nil {
		return nil, fmt.Errorf("verifying assertion: %w", err)
	}
	return &AuthenticationResult{NewCounter: validated.Authenticator.SignCount}, nil
}

// deriveRelyingParty extracts the RP ID and acceptable origins from the
// service's base URL.
func deriveRelyingParty(baseURL string) (string, []string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", nil, fmt.Errorf("base URL %q has no hostname", baseURL)
	}

	rpID := u.Hostname()
	origin := strings.TrimSuffix(baseURL, "/")
	origins := []string{origin}

	// Accept the bare scheme counterpart so a proxy-terminated TLS setup
	// and direct local access both work.
	host := u.Host
	for _, alt := range []string{"https://" + host, "http://" + host} {
		if alt != origin {
			origins = append(origins, alt)
		}
	}
	return rpID, origins, nil
}

// ceremonyUser adapts our identity model to the webauthn.User interface.
type ceremonyUser struct {
	id    []byte
	name  string
	creds []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte                         { return u.id }
func (u *ceremonyUser) WebAuthnName() string                       { return u.name }
func (u *ceremonyUser) WebAuthnDisplayName() string                { return u.name }
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }
