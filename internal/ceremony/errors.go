// ABOUTME: Error sentinels for ceremony outcomes
// ABOUTME: One generic failure for everything an attacker could probe with

package ceremony

import "errors"

var (
	// ErrAuthenticationFailed is the single failure reported for every
	// ceremony-level rejection: unknown user, unknown credential, bad
	// signature, consumed or expired challenge, counter replay. Keeping
	// these collapsed denies account enumeration.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidUsername reports a username that fails the format rules
	// before any ceremony work happens.
	ErrInvalidUsername = errors.New("invalid username")
)
