// ABOUTME: Package documentation for the ceremony package
// ABOUTME: Describes the two-step registration and login state machines

// Package ceremony implements the passkey registration and login flows.
//
// Each flow is a two-step ceremony: a start call that issues signing
// options bound to a single-use challenge, and a finish call that
// consumes the challenge and verifies the authenticator's response. All
// cross-step state lives in the challenge store; nothing about an
// in-flight ceremony is held in memory, so any process replica can
// finish a ceremony another one started.
//
// Failures visible to callers collapse into ErrAuthenticationFailed so
// that unknown usernames, unknown credentials, bad signatures, expired
// challenges, and replayed counters are indistinguishable from outside.
// The real cause is logged server-side.
package ceremony
