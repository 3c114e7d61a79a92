// ABOUTME: Tests for session persistence
// ABOUTME: Covers expiry-excluding reads, idempotent deletion, and sweeping

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestSession(t *testing.T, s *SQLiteStore, userID string, ttl time.Duration) *Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s, "alice")
	sess := createTestSession(t, s, user.ID, time.Hour)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.UserID)
}

func TestGetSessionExpired(t *testing.T) {
	s := newTestStore(t)

	user := createTestUser(t, s, "alice")
	sess := createTestSession(t, s, user.ID, -time.Minute)

	// Expired sessions are invisible even before any sweep runs.
	_, err := s.GetSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s, "alice")
	sess := createTestSession(t, s, user.ID, time.Hour)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err := s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s, "alice")
	live := createTestSession(t, s, user.ID, time.Hour)
	createTestSession(t, s, user.ID, -time.Minute)
	createTestSession(t, s, user.ID, -time.Hour)

	removed, err := s.DeleteExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = s.GetSession(ctx, live.ID)
	require.NoError(t, err)
}
