// ABOUTME: Request and response payload types for the HTTP boundary
// ABOUTME: JSON shapes shared by the ceremony and session endpoints

package webgate

import (
	"encoding/json"

	"github.com/go-webauthn/webauthn/protocol"
)

// startRequest begins either ceremony.
type startRequest struct {
	Username string `json:"username"`
}

// finishRequest completes a ceremony: the correlation ID from the start
// response plus the authenticator's raw response, kept opaque here and
// parsed by the protocol package.
type finishRequest struct {
	SessionID string          `json:"sessionId"`
	Response  json.RawMessage `json:"response"`
}

// registerStartResponse carries creation options to the client.
type registerStartResponse struct {
	Options   *protocol.CredentialCreation `json:"options"`
	SessionID string                       `json:"sessionId"`
}

// loginStartResponse carries assertion options to the client.
type loginStartResponse struct {
	Options   *protocol.CredentialAssertion `json:"options"`
	SessionID string                        `json:"sessionId"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// meResponse reports the caller's session state. UserID and Username are
// omitted when unauthenticated.
type meResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
	Username      string `json:"username,omitempty"`
}
