package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint marks sync progress for one account. Cursor is an opaque
// provider-owned marker; NewestSeen and OldestSeen bound the message
// timestamps durably committed so far.
type Checkpoint struct {
	Account    string
	Cursor     string
	NewestSeen *time.Time
	OldestSeen *time.Time
	UpdatedAt  time.Time
}

// LoadCheckpoint returns the stored checkpoint for an account, or nil
// when the account has never completed a committed page.
func (s *Store) LoadCheckpoint(ctx context.Context, account string) (*Checkpoint, error) {
	var row struct {
		Account    string       `db:"account"`
		Cursor     string       `db:"cursor"`
		NewestSeen sql.NullTime `db:"newest_seen"`
		OldestSeen sql.NullTime `db:"oldest_seen"`
		UpdatedAt  time.Time    `db:"updated_at"`
	}

	err := s.db.GetContext(ctx, &row,
		"SELECT account, cursor, newest_seen, oldest_seen, updated_at FROM checkpoints WHERE account = ?",
		account)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", account, err)
	}

	cp := &Checkpoint{
		Account:   row.Account,
		Cursor:    row.Cursor,
		UpdatedAt: row.UpdatedAt,
	}
	if row.NewestSeen.Valid {
		t := row.NewestSeen.Time
		cp.NewestSeen = &t
	}
	if row.OldestSeen.Valid {
		t := row.OldestSeen.Time
		cp.OldestSeen = &t
	}
	return cp, nil
}

// SaveCheckpoint durably records sync progress for an account. The
// caller invokes this only after the covered page has been committed.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	var newest, oldest interface{}
	if cp.NewestSeen != nil {
		newest = cp.NewestSeen.UTC()
	}
	if cp.OldestSeen != nil {
		oldest = cp.OldestSeen.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints (account, cursor, newest_seen, oldest_seen, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.Account, cp.Cursor, newest, oldest, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", cp.Account, err)
	}
	return nil
}
