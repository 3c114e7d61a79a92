// ABOUTME: Package documentation for the webgate package
// ABOUTME: Describes the HTTP boundary and its security posture

// Package webgate exposes the passkey ceremonies over HTTP.
//
// Every state-mutating route checks the request's declared origin before
// touching the ceremony layer, ceremony starts pass through admission
// control, and every authentication failure is reported with one
// identical 401 body regardless of cause.
package webgate
