// ABOUTME: Package documentation for the store package
// ABOUTME: Describes the persistence layer and its interface/implementation split

// Package store provides the persistence layer for passkey-gateway.
//
// The package is organized around small per-concern interfaces (UserStore,
// CredentialStore, ChallengeStore, SessionStore) composed into a single
// Store interface, with one production implementation backed by SQLite
// (via modernc.org/sqlite, no cgo required).
//
// Consumers depend on the narrow interfaces, which keeps the ceremony and
// session layers testable against exactly the operations they use.
//
// All timestamps are stored as RFC3339 UTC text. Expiry comparisons are
// done on those strings, which order correctly because every row is
// written in the same format and zone.
package store
