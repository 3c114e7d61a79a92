// ABOUTME: Challenge persistence for the SQLite store
// ABOUTME: Single-use consumption via DELETE RETURNING plus lazy expiry

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateChallenge inserts a challenge. CreatedAt and ExpiresAt are
// stamped here so every challenge lives exactly ChallengeTTL.
func (s *SQLiteStore) CreateChallenge(ctx context.Context, ch *Challenge) error {
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.ExpiresAt = now.Add(ChallengeTTL)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO challenges (id, challenge_value, user_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		ch.ID, ch.Value, nullString(ch.UserID), formatTime(ch.CreatedAt), formatTime(ch.ExpiresAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrChallengeExists
		}
		return fmt.Errorf("inserting challenge: %w", err)
	}
	return nil
}

// GetChallenge retrieves a challenge without consuming it. Expired rows
// are deleted on sight so reads never observe a stale ceremony.
func (s *SQLiteStore) GetChallenge(ctx context.Context, id string) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, challenge_value, user_id, created_at, expires_at FROM challenges WHERE id = ?`, id)
	ch, err := scanChallenge(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning challenge: %w", err)
	}

	if time.Now().UTC().After(ch.ExpiresAt) {
		if err := s.DeleteChallenge(ctx, id); err != nil {
			s.logger.Warn("failed to delete expired challenge", "error", err)
		}
		return nil, ErrChallengeNotFound
	}
	return ch, nil
}

// TakeChallenge consumes a challenge: the DELETE ... RETURNING runs as a
// single statement, so under concurrent finishes for the same ceremony
// only one caller gets the row back.
func (s *SQLiteStore) TakeChallenge(ctx context.Context, id string) (*Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM challenges WHERE id = ? RETURNING id, challenge_value, user_id, created_at, expires_at`, id)
	ch, err := scanChallenge(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}

	// Row is already gone either way; an expired one is just unusable.
	if time.Now().UTC().After(ch.ExpiresAt) {
		return nil, ErrChallengeNotFound
	}
	return ch, nil
}

// DeleteChallenge removes a challenge if present.
func (s *SQLiteStore) DeleteChallenge(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting challenge: %w", err)
	}
	return nil
}

// DeleteExpiredChallenges sweeps challenges past their expiry.
func (s *SQLiteStore) DeleteExpiredChallenges(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM challenges WHERE expires_at < ?`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("deleting expired challenges: %w", err)
	}
	return result.RowsAffected()
}

func scanChallenge(scan func(...any) error) (*Challenge, error) {
	var c Challenge
	var userID sql.NullString
	var createdAt, expiresAt string
	if err := scan(&c.ID, &c.Value, &userID, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	c.UserID = userID.String

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// nullString maps the empty string to SQL NULL, used for the optional
// challenge-to-user binding.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
