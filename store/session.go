package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// sessionStateID is the fixed primary key of the single session row.
const sessionStateID = "session_state"

// --- Engrams ---

// GetEngram looks up the molecule ids recorded for a key digest. A miss
// returns (nil, nil): engrams are a latency optimization, never an error.
func (s *Store) GetEngram(ctx context.Context, keyDigest string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT molecule_ids FROM engrams WHERE key_digest = ?", keyDigest).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// PutEngram records molecule ids for a key digest, replacing any prior entry.
func (s *Store) PutEngram(ctx context.Context, keyDigest string, moleculeIDs []string) error {
	idsJSON, err := json.Marshal(nonNilStrings(moleculeIDs))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engrams (key_digest, molecule_ids, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key_digest) DO UPDATE SET
			molecule_ids = excluded.molecule_ids,
			updated_at = excluded.updated_at
	`, keyDigest, string(idsJSON), time.Now().UnixMilli())
	return err
}

// --- Session state ---

// GetSessionState returns the current markovian summary and its last-update
// time. An absent row reads as the empty summary.
func (s *Store) GetSessionState(ctx context.Context) (string, int64, error) {
	var summary string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT summary, updated_at FROM session_state WHERE id = ?", sessionStateID).
		Scan(&summary, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return summary, updatedAt, nil
}

// PutSessionState replaces the session summary. There is no history.
func (s *Store) PutSessionState(ctx context.Context, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (id, summary, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			summary = excluded.summary,
			updated_at = excluded.updated_at
	`, sessionStateID, summary, time.Now().UnixMilli())
	return err
}

// ClearSessionState removes the session summary row.
func (s *Store) ClearSessionState(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM session_state WHERE id = ?", sessionStateID)
	return err
}
