// ABOUTME: End-to-end ceremony tests driven by a virtual authenticator
// ABOUTME: Covers happy paths, single-use challenges, replay, and the counter gate

package ceremony

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/passkey-gateway/internal/session"
	"github.com/2389/passkey-gateway/internal/store"
)

const testBaseURL = "https://example.com"

type ceremonyEnv struct {
	orch  *Orchestrator
	store *store.SQLiteStore
	rp    virtualwebauthn.RelyingParty
}

func newCeremonyEnv(t *testing.T) *ceremonyEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	verifier, err := NewWebAuthnVerifier(testBaseURL, "Passkey Gateway")
	require.NoError(t, err)

	issuer := session.NewIssuer(s, nil, 0)
	return &ceremonyEnv{
		orch:  NewOrchestrator(s, s, s, issuer, verifier),
		store: s,
		rp: virtualwebauthn.RelyingParty{
			Name:   "Passkey Gateway",
			ID:     "example.com",
			Origin: testBaseURL,
		},
	}
}

// registerPasskey runs a full registration ceremony for username and
// returns the virtual authenticator holding the new credential.
func registerPasskey(t *testing.T, env *ceremonyEnv, username string) (*virtualwebauthn.Authenticator, *virtualwebauthn.Credential) {
	t.Helper()
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	options, correlationID, err := env.orch.StartRegistration(ctx, username)
	require.NoError(t, err)
	require.NotEmpty(t, correlationID)

	attestation := createAttestation(t, env, &authenticator, &credential, options)
	artifact, err := env.orch.FinishRegistration(ctx, correlationID, attestation)
	require.NoError(t, err)
	require.NotEmpty(t, artifact.Token)

	authenticator.AddCredential(credential)
	return &authenticator, &credential
}

func createAttestation(t *testing.T, env *ceremonyEnv, authenticator *virtualwebauthn.Authenticator, credential *virtualwebauthn.Credential, options *protocol.CredentialCreation) *protocol.ParsedCredentialCreationData {
	t.Helper()

	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	parsedOptions, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)

	response := virtualwebauthn.CreateAttestationResponse(env.rp, *authenticator, *credential, *parsedOptions)
	attestation, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(response))
	require.NoError(t, err)
	return attestation
}

func createAssertion(t *testing.T, env *ceremonyEnv, authenticator *virtualwebauthn.Authenticator, credential *virtualwebauthn.Credential, options *protocol.CredentialAssertion) *protocol.ParsedCredentialAssertionData {
	t.Helper()

	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	parsedOptions, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	response := virtualwebauthn.CreateAssertionResponse(env.rp, *authenticator, *credential, *parsedOptions)
	assertion, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(response))
	require.NoError(t, err)
	return assertion
}

func TestRegistrationCeremony(t *testing.T) {
	env := newCeremonyEnv(t)
	ctx := context.Background()

	_, credential := registerPasskey(t, env, "alice")

	// The account and credential are durable.
	user, err := env.store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)

	creds, err := env.store.GetCredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, credential.ID, creds[0].ID)
	assert.Equal(t, uint32(0), creds[0].Counter)
}

func TestRegistrationOptionsShape(t *testing.T) {
	env := newCeremonyEnv(t)

	options, correlationID, err := env.orch.StartRegistration(context.Background(), "alice")
	require.NoError(t, err)
	require.NotEmpty(t, correlationID)

	assert.Equal(t, "example.com", options.Response.RelyingParty.ID)
	assert.NotEmpty(t, options.Response.Challenge)
	assert.Equal(t, "alice", options.Response.User.Name)
	require.Len(t, options.Response.Parameters, 2)
}

func TestStartRegistrationInvalidUsername(t *testing.T) {
	env := newCeremonyEnv(t)
	ctx := context.Background()

	for _, username := range []string{"", "has space", "h@ndle", "naïve", strings.Repeat("a", 65)} {
		_, _, err := env.orch.StartRegistration(ctx, username)
		assert.ErrorIs(t, err, ErrInvalidUsername, "username %q", username)
	}
}

func TestReRegistrationAddsCredential(t *testing.T) {
	env := newCeremonyEnv(t)
	ctx := context.Background()

	registerPasskey(t, env, "alice")
	registerPasskey(t, env, "alice")

	user, err := env.store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	creds, err := env.store.GetCredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, creds, 2)
}

func TestRegistrationChallengeSingleUse(t *testing.T) {
	env := newCeremonyEnv(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	options, correlationID, err := env.orch.StartRegistration(ctx, "alice")
	require.NoError(t, err)

	attestation := createAttestation(t, env, &authenticator, &credential, options)
	_, err = env.orch.FinishRegistration(ctx, correlationID, attestation)
	require.NoError(t, err)

	// The same correlation ID is dead after one finish.
	_, err = env.orch.FinishRegistration(ctx, correlationID, attestation)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestFinishRegistrationUnknownCorrelation(t *testing.T) {
	env := newCeremonyEnv(t)

	_, err := env.orch.FinishRegistration(context.Background(), "never-issued", &protocol.ParsedCredentialCreationData{})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestFinishRegistrationWrongChallenge(t *testing.T) {
	env := newCeremonyEnv(t)
	ctx := context.Background()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	// Sign the options from one ceremony, finish under another.
	optionsA, _, err := env.orch.StartRegistration(ctx, "alice")
	require.NoError(t, err)
	_, correlationB, err := env.orch.StartRegistration(ctx, "alice")
	require.NoError(t, err)

	attestation := createAttestation(t, env, &authenticator, &credential, optionsA)
	_, err = env.orch.FinishRegistration(ctx, correlationB, attestation)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestLoginCeremony(t *testing.T) {
	env := newCeremonyEnv(t)
	ctx := context.Background()

	authenticator, credential := registerPasskey(t, env, "alice")

	options, correlationID, err := env.orch.StartLogin(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, options.Response.AllowedCredentials, 1)

	credential.Counter++
	assertion := createAssertion(t, env, authenticator, credential, options)

	artifact, err := env.orch.FinishLogin(ctx, correlationID, assertion)
	require.NoError(t, err)
	assert.NotEmpty(t, artifact.Token)
	assert.WithinDuration(t, time.Now().Add(session.DefaultDuration), artifact.ExpiresAt, time.Minute)

	// The stored counter advanced to the presented value.
	stored, err := env.store.GetCredential(ctx, credential.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.Counter)
}

func TestStartLoginUnknownUsername(t *testing.T) {
	env := newCeremonyEnv(t)

	_, _, err := env.orch.StartLogin(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestStartLoginInvalidUsername(t *testing.T) {
	env := newCeremonyEnv(t)

	_, _, err := env.orch.StartLogin(context.Background(), "not valid!")
	assert.ErrorIs(t, err, ErrInvalidUsername)
}

func TestLoginReplayedCounterRejected(t *testing.T) {
	env := newCeremonyEnv(t)
	ctx := context.Background()

	authenticator, credential := registerPasskey(t, env, "alice")

	// An assertion that does not advance the counter past the stored
	// value is a replay even though its signature is valid.
	options, correlationID, err := env.orch.StartLogin(ctx, "alice")
	require.NoError(t, err)

	assertion := createAssertion(t, env, authenticator, credential, options)
	_, err = env.orch.FinishLogin(ctx, correlationID, assertion)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	stored, err := env.store.GetCredential(ctx, credential.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), stored.Counter)
}

func TestLoginChallengeSingleUseUnderRace(t *testing.T) {
	env := newCeremonyEnv(t)
	ctx := context.Background()

	authenticator, credential := registerPasskey(t, env, "alice")

	options, correlationID, err := env.orch.StartLogin(ctx, "alice")
	require.NoError(t, err)

	credential.Counter++
	assertion := createAssertion(t, env, authenticator, credential, options)

	const racers = 5
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.orch.FinishLogin(ctx, correlationID, assertion)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrAuthenticationFailed)
		}
	}
	assert.Equal(t, 1, wins)
}

// stubVerifier lets tests isolate the orchestrator's gates from real
// cryptography.
type stubVerifier struct {
	challenge  string
	newCounter uint32
	verifyErr  error
}

func (s *stubVerifier) RegistrationOptions(_ context.Context, _, _ string) (*protocol.CredentialCreation, string, error) {
	return &protocol.CredentialCreation{}, s.challenge, nil
}

func (s *stubVerifier) VerifyRegistration(_ context.Context, _ *protocol.ParsedCredentialCreationData, _, _ string) (*RegistrationResult, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return &RegistrationResult{CredentialID: []byte("stub-cred"), PublicKey: []byte("stub-key")}, nil
}

func (s *stubVerifier) AuthenticationOptions(_ context.Context, _, _ string, _ [][]byte) (*protocol.CredentialAssertion, string, error) {
	return &protocol.CredentialAssertion{}, s.challenge, nil
}

func (s *stubVerifier) VerifyAuthentication(_ context.Context, _ *protocol.ParsedCredentialAssertionData, _ string, _ *store.Credential) (*AuthenticationResult, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return &AuthenticationResult{NewCounter: s.newCounter}, nil
}

func newStubEnv(t *testing.T, stub *stubVerifier) (*Orchestrator, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewOrchestrator(s, s, s, session.NewIssuer(s, nil, 0), stub), s
}

func assertionFor(credentialID []byte) *protocol.ParsedCredentialAssertionData {
	return &protocol.ParsedCredentialAssertionData{
		ParsedPublicKeyCredential: protocol.ParsedPublicKeyCredential{
			RawID: protocol.URLEncodedBase64(credentialID),
		},
	}
}

func TestFinishLoginUnknownCredential(t *testing.T) {
	stub := &stubVerifier{challenge: "ch", newCounter: 1}
	orch, s := newStubEnv(t, stub)
	ctx := context.Background()

	user := &store.User{ID: "user-1", Username: "alice", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NoError(t, s.CreateCredential(ctx, &store.Credential{
		ID: []byte("known"), UserID: user.ID, PublicKey: []byte("pk"), CreatedAt: time.Now().UTC(),
	}))

	_, correlationID, err := orch.StartLogin(ctx, "alice")
	require.NoError(t, err)

	_, err = orch.FinishLogin(ctx, correlationID, assertionFor([]byte("never-registered")))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestFinishRegistrationRejectsLoginChallenge(t *testing.T) {
	// A login correlation ID must not complete a registration, even when
	// the verifier would accept the attestation. Failing any other way
	// would leak which flow the ID belongs to.
	stub := &stubVerifier{challenge: "ch"}
	orch, s := newStubEnv(t, stub)
	ctx := context.Background()

	user := &store.User{ID: "user-1", Username: "alice", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateUser(ctx, user))

	_, correlationID, err := orch.StartLogin(ctx, "alice")
	require.NoError(t, err)

	_, err = orch.FinishRegistration(ctx, correlationID, &protocol.ParsedCredentialCreationData{})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	creds, err := s.GetCredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestFinishLoginRejectsRegistrationChallenge(t *testing.T) {
	stub := &stubVerifier{challenge: "ch", newCounter: 1}
	orch, s := newStubEnv(t, stub)
	ctx := context.Background()

	user := &store.User{ID: "user-1", Username: "alice", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NoError(t, s.CreateCredential(ctx, &store.Credential{
		ID: []byte("cred"), UserID: user.ID, PublicKey: []byte("pk"), CreatedAt: time.Now().UTC(),
	}))

	_, correlationID, err := orch.StartRegistration(ctx, "alice")
	require.NoError(t, err)

	_, err = orch.FinishLogin(ctx, correlationID, assertionFor([]byte("cred")))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestCounterGateRejectsEvenWhenSignatureValid(t *testing.T) {
	// The verifier passes the assertion, but the presented counter does
	// not exceed the stored one. The gate must still reject and leave
	// the stored counter untouched.
	stub := &stubVerifier{challenge: "ch", newCounter: 5}
	orch, s := newStubEnv(t, stub)
	ctx := context.Background()

	user := &store.User{ID: "user-1", Username: "alice", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NoError(t, s.CreateCredential(ctx, &store.Credential{
		ID: []byte("cred"), UserID: user.ID, PublicKey: []byte("pk"), CreatedAt: time.Now().UTC(),
	}))
	advanced, err := s.AdvanceCredentialCounter(ctx, []byte("cred"), 5)
	require.NoError(t, err)
	require.True(t, advanced)

	_, correlationID, err := orch.StartLogin(ctx, "alice")
	require.NoError(t, err)

	_, err = orch.FinishLogin(ctx, correlationID, assertionFor([]byte("cred")))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	stored, err := s.GetCredential(ctx, []byte("cred"))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), stored.Counter)
}

func TestCounterGateAdmitsStrictIncrease(t *testing.T) {
	stub := &stubVerifier{challenge: "ch", newCounter: 6}
	orch, s := newStubEnv(t, stub)
	ctx := context.Background()

	user := &store.User{ID: "user-1", Username: "alice", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NoError(t, s.CreateCredential(ctx, &store.Credential{
		ID: []byte("cred"), UserID: user.ID, PublicKey: []byte("pk"), CreatedAt: time.Now().UTC(),
	}))
	advanced, err := s.AdvanceCredentialCounter(ctx, []byte("cred"), 5)
	require.NoError(t, err)
	require.True(t, advanced)

	_, correlationID, err := orch.StartLogin(ctx, "alice")
	require.NoError(t, err)

	artifact, err := orch.FinishLogin(ctx, correlationID, assertionFor([]byte("cred")))
	require.NoError(t, err)
	assert.Equal(t, "user-1", artifact.UserID)

	stored, err := s.GetCredential(ctx, []byte("cred"))
	require.NoError(t, err)
	assert.Equal(t, uint32(6), stored.Counter)
}
