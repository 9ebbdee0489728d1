package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ClaimSet is one message's claimed ancestor sequence, in header order.
type ClaimSet struct {
	// RowID is the messages.id of the owning row, used as the
	// iteration cursor for chunked rebuild passes.
	RowID int64

	MessageID string
	Claims    []string
}

// ResolveKnown maps each token that matches a stored message (by
// message_id or rfc822_message_id) to that message's message_id.
// Tokens with no match are absent from the result.
func (s *Store) ResolveKnown(ctx context.Context, tokens []string) (map[string]string, error) {
	known := make(map[string]string, len(tokens))
	if len(tokens) == 0 {
		return known, nil
	}

	query, args, err := sqlx.In(`
		SELECT message_id, rfc822_message_id FROM messages
		WHERE message_id IN (?) OR rfc822_message_id IN (?)`, tokens, tokens)
	if err != nil {
		return nil, fmt.Errorf("building known-id query: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("resolving known ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID string
		var rfc822 sql.NullString
		if err := rows.Scan(&messageID, &rfc822); err != nil {
			return nil, fmt.Errorf("scanning known-id row: %w", err)
		}
		known[messageID] = messageID
		if rfc822.Valid {
			known[rfc822.String] = messageID
		}
	}
	return known, rows.Err()
}

// KnownIDIndex returns the full token → message_id index over the
// corpus (every message_id plus every non-null rfc822_message_id).
// Rebuild passes use it as a working-set cache instead of issuing one
// lookup per message.
func (s *Store) KnownIDIndex(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT message_id, rfc822_message_id FROM messages")
	if err != nil {
		return nil, fmt.Errorf("loading known-id index: %w", err)
	}
	defer rows.Close()

	index := make(map[string]string)
	for rows.Next() {
		var messageID string
		var rfc822 sql.NullString
		if err := rows.Scan(&messageID, &rfc822); err != nil {
			return nil, fmt.Errorf("scanning known-id row: %w", err)
		}
		index[messageID] = messageID
		if rfc822.Valid {
			index[rfc822.String] = messageID
		}
	}
	return index, rows.Err()
}

// ReplaceThreadData writes a message's resolved parent pointer and
// replaces its full outgoing edge set in one transaction. An empty
// parentID clears the pointer.
func (s *Store) ReplaceThreadData(ctx context.Context, messageID, parentID string, edges []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET in_reply_to_id = ? WHERE message_id = ?",
		nullString(parentID), messageID); err != nil {
		return fmt.Errorf("setting parent of %s: %w", messageID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM message_references WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("clearing edges of %s: %w", messageID, err)
	}

	for _, refersTo := range edges {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO message_references (message_id, refers_to_id) VALUES (?, ?)",
			messageID, refersTo); err != nil {
			return fmt.Errorf("writing edge %s -> %s: %w", messageID, refersTo, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing thread data of %s: %w", messageID, err)
	}
	return nil
}

// ClaimBatch returns up to limit messages with rowid greater than
// afterRowID, each with its claimed ancestor sequence in header order.
// An empty result means the corpus has been fully traversed.
func (s *Store) ClaimBatch(ctx context.Context, afterRowID int64, limit int) ([]ClaimSet, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, message_id FROM messages WHERE id > ? ORDER BY id LIMIT ?",
		afterRowID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages after rowid %d: %w", afterRowID, err)
	}
	defer rows.Close()

	var batch []ClaimSet
	byID := make(map[string]*ClaimSet)
	for rows.Next() {
		var cs ClaimSet
		if err := rows.Scan(&cs.RowID, &cs.MessageID); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		batch = append(batch, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].MessageID
		byID[batch[i].MessageID] = &batch[i]
	}

	query, args, err := sqlx.In(`
		SELECT message_id, claimed_id FROM reference_claims
		WHERE message_id IN (?) ORDER BY message_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("building claims query: %w", err)
	}

	claimRows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("loading reference claims: %w", err)
	}
	defer claimRows.Close()

	for claimRows.Next() {
		var messageID, claimed string
		if err := claimRows.Scan(&messageID, &claimed); err != nil {
			return nil, fmt.Errorf("scanning claim row: %w", err)
		}
		if cs, ok := byID[messageID]; ok {
			cs.Claims = append(cs.Claims, claimed)
		}
	}
	return batch, claimRows.Err()
}

// ClaimsOf returns one message's claimed ancestor sequence.
func (s *Store) ClaimsOf(ctx context.Context, messageID string) ([]string, error) {
	var claims []string
	err := s.db.SelectContext(ctx, &claims,
		"SELECT claimed_id FROM reference_claims WHERE message_id = ? ORDER BY position",
		messageID)
	if err != nil {
		return nil, fmt.Errorf("loading claims of %s: %w", messageID, err)
	}
	return claims, nil
}

// EdgesOf returns the resolved reference edges of one message.
func (s *Store) EdgesOf(ctx context.Context, messageID string) ([]string, error) {
	var edges []string
	err := s.db.SelectContext(ctx, &edges,
		"SELECT refers_to_id FROM message_references WHERE message_id = ? ORDER BY refers_to_id",
		messageID)
	if err != nil {
		return nil, fmt.Errorf("loading edges of %s: %w", messageID, err)
	}
	return edges, nil
}

// EdgeCount returns the total number of reference edges in the store.
func (s *Store) EdgeCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM message_references"); err != nil {
		return 0, fmt.Errorf("counting edges: %w", err)
	}
	return n, nil
}
