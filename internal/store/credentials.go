// ABOUTME: Credential persistence for the SQLite store
// ABOUTME: Includes the atomic strictly-increasing signature counter update

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateCredential inserts a new credential. The signature counter always
// starts at zero regardless of what the struct carries; it only moves
// through AdvanceCredentialCounter.
func (s *SQLiteStore) CreateCredential(ctx context.Context, cred *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, user_id, public_key, counter, created_at) VALUES (?, ?, ?, 0, ?)`,
		cred.ID, cred.UserID, cred.PublicKey, formatTime(cred.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrCredentialExists
		}
		return fmt.Errorf("inserting credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential by its raw ID bytes.
func (s *SQLiteStore) GetCredential(ctx context.Context, id []byte) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, public_key, counter, created_at FROM credentials WHERE id = ?`, id)
	cred, err := scanCredential(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	return cred, nil
}

// GetCredentialsByUser lists a user's credentials, oldest first.
func (s *SQLiteStore) GetCredentialsByUser(ctx context.Context, userID string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, public_key, counter, created_at FROM credentials WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// AdvanceCredentialCounter performs a conditional update so that two
// concurrent logins presenting the same counter value cannot both pass:
// the WHERE clause admits only a strict increase, and RowsAffected tells
// us whether this caller won.
func (s *SQLiteStore) AdvanceCredentialCounter(ctx context.Context, id []byte, newCounter uint32) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET counter = ? WHERE id = ? AND counter < ?`,
		newCounter, id, newCounter)
	if err != nil {
		return false, fmt.Errorf("advancing credential counter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking counter update: %w", err)
	}
	return rows > 0, nil
}

func scanCredential(scan func(...any) error) (*Credential, error) {
	var c Credential
	var createdAt string
	if err := scan(&c.ID, &c.UserID, &c.PublicKey, &c.Counter, &createdAt); err != nil {
		return nil, err
	}
	var err error
	c.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
