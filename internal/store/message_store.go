package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned when a lookup matches no stored message.
var ErrNotFound = errors.New("message not found")

// StoredMessage is a canonical message as read back from the store,
// including the store-maintained columns.
type StoredMessage struct {
	model.Message

	// InReplyToID is the resolved parent pointer, empty when NULL.
	InReplyToID string

	// LastIndexed is the instant of the last write to this row.
	LastIndexed time.Time
}

// UpsertOutcome reports what an upsert did.
type UpsertOutcome struct {
	// MessageID is the provider-scoped id of the row actually
	// touched. It can differ from the incoming message's id when the
	// global rfc822 id matched an existing row.
	MessageID string

	Inserted bool
}

// UpsertMessage reconciles one canonical message into the store.
//
// Lookup goes by message_id first, falling back to rfc822_message_id
// when the provider-scoped id is new but the global id matches. Absent
// rows are inserted unconditionally. Present rows have only the
// attributes named in clobber overwritten; last_indexed is refreshed
// either way. A uniqueness collision on rfc822_message_id during
// insert is resolved by updating the existing row instead.
//
// The message's claimed reference sequence is replaced on every touch,
// and attachments carrying content are replaced as a set. Everything
// happens in one transaction.
func (s *Store) UpsertMessage(ctx context.Context, msg *model.Message, clobber []string) (*UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	outcome := &UpsertOutcome{MessageID: msg.MessageID}

	targetID, found, err := lookupTarget(ctx, tx, msg)
	if err != nil {
		return nil, err
	}

	if found {
		if err := updateMessage(ctx, tx, targetID, msg, clobber, now); err != nil {
			return nil, err
		}
		outcome.MessageID = targetID
	} else {
		err := insertMessage(ctx, tx, msg, now)
		switch {
		case err == nil:
			outcome.Inserted = true
		case isUniqueViolation(err, "messages.rfc822_message_id"):
			// A distinct provider-scoped id collided on the global id.
			// Recoverable conflict: fall back to updating the row that
			// owns the rfc822 id, keeping its message_id.
			targetID, err = messageIDByRFC822(ctx, tx, msg.RFC822MessageID)
			if err != nil {
				return nil, err
			}
			if err := updateMessage(ctx, tx, targetID, msg, clobber, now); err != nil {
				return nil, err
			}
			outcome.MessageID = targetID
		default:
			return nil, fmt.Errorf("inserting message %s: %w", msg.MessageID, err)
		}
	}

	if err := replaceClaims(ctx, tx, outcome.MessageID, msg.References); err != nil {
		return nil, err
	}

	if err := replaceAttachments(ctx, tx, outcome.MessageID, msg.Attachments, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing upsert of %s: %w", msg.MessageID, err)
	}

	return outcome, nil
}

// lookupTarget finds the row an incoming message should reconcile
// against: by message_id, then by rfc822_message_id.
func lookupTarget(ctx context.Context, tx *sqlx.Tx, msg *model.Message) (string, bool, error) {
	var id string
	err := tx.GetContext(ctx, &id,
		"SELECT message_id FROM messages WHERE message_id = ?", msg.MessageID)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("looking up message %s: %w", msg.MessageID, err)
	}

	if msg.RFC822MessageID == "" {
		return "", false, nil
	}

	id, err = messageIDByRFC822Tx(ctx, tx, msg.RFC822MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func messageIDByRFC822(ctx context.Context, tx *sqlx.Tx, rfc822 string) (string, error) {
	id, err := messageIDByRFC822Tx(ctx, tx, rfc822)
	if err != nil {
		return "", fmt.Errorf("resolving rfc822 id %s: %w", rfc822, err)
	}
	return id, nil
}

func messageIDByRFC822Tx(ctx context.Context, tx *sqlx.Tx, rfc822 string) (string, error) {
	var id string
	err := tx.GetContext(ctx, &id,
		"SELECT message_id FROM messages WHERE rfc822_message_id = ?", rfc822)
	return id, err
}

// insertMessage writes a brand-new message row.
func insertMessage(ctx context.Context, tx *sqlx.Tx, msg *model.Message, now time.Time) error {
	sender, recipients, labels, err := marshalJSONFields(msg)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			message_id, thread_id, sender, recipients, labels,
			subject, body, size, timestamp, is_read, is_outgoing,
			last_indexed, rfc822_message_id, in_reply_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, nullString(msg.ThreadID), sender, recipients, labels,
		nullString(msg.Subject), nullString(msg.Body), msg.Size,
		msg.Timestamp.UTC(), boolToInt(msg.IsRead), boolToInt(msg.IsOutgoing),
		now, nullString(msg.RFC822MessageID), nullString(msg.InReplyTo),
	)
	return err
}

// clobberColumns maps clobber attribute names to their SQL column.
var clobberColumns = map[string]string{
	"thread_id":   "thread_id",
	"sender":      "sender",
	"recipients":  "recipients",
	"labels":      "labels",
	"subject":     "subject",
	"body":        "body",
	"size":        "size",
	"timestamp":   "timestamp",
	"is_read":     "is_read",
	"is_outgoing": "is_outgoing",
	"in_reply_to": "in_reply_to",
}

// updateMessage refreshes last_indexed on the existing row and
// overwrites exactly the attributes named in clobber.
func updateMessage(ctx context.Context, tx *sqlx.Tx, targetID string, msg *model.Message, clobber []string, now time.Time) error {
	sender, recipients, labels, err := marshalJSONFields(msg)
	if err != nil {
		return err
	}

	sets := []string{"last_indexed = ?"}
	args := []interface{}{now}

	for _, attr := range clobber {
		col, ok := clobberColumns[attr]
		if !ok {
			return fmt.Errorf("unknown clobber attribute %q", attr)
		}

		var val interface{}
		switch attr {
		case "thread_id":
			val = nullString(msg.ThreadID)
		case "sender":
			val = sender
		case "recipients":
			val = recipients
		case "labels":
			val = labels
		case "subject":
			val = nullString(msg.Subject)
		case "body":
			val = nullString(msg.Body)
		case "size":
			val = msg.Size
		case "timestamp":
			val = msg.Timestamp.UTC()
		case "is_read":
			val = boolToInt(msg.IsRead)
		case "is_outgoing":
			val = boolToInt(msg.IsOutgoing)
		case "in_reply_to":
			val = nullString(msg.InReplyTo)
		}

		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	args = append(args, targetID)
	query := "UPDATE messages SET " + strings.Join(sets, ", ") + " WHERE message_id = ?"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating message %s: %w", targetID, err)
	}
	return nil
}

// replaceClaims rewrites the message's claimed ancestor sequence. The
// claims are derived data from the incoming headers, so replacing them
// on every touch keeps re-syncs idempotent.
func replaceClaims(ctx context.Context, tx *sqlx.Tx, messageID string, claims []string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM reference_claims WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("clearing reference claims for %s: %w", messageID, err)
	}

	for i, claimed := range claims {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO reference_claims (message_id, position, claimed_id) VALUES (?, ?, ?)",
			messageID, i, claimed); err != nil {
			return fmt.Errorf("writing reference claim for %s: %w", messageID, err)
		}
	}
	return nil
}

// replaceAttachments replaces the stored attachment set when the
// incoming message carries downloaded content. Metadata-only
// attachments (nil content) never overwrite previously stored bytes.
func replaceAttachments(ctx context.Context, tx *sqlx.Tx, messageID string, atts []model.Attachment, now time.Time) error {
	var withContent []model.Attachment
	for _, a := range atts {
		if a.Content != nil {
			withContent = append(withContent, a)
		}
	}
	if len(withContent) == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM attachments WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("clearing attachments for %s: %w", messageID, err)
	}

	for _, a := range withContent {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (message_id, filename, content_type, size, content, last_indexed)
			VALUES (?, ?, ?, ?, ?, ?)`,
			messageID, a.Filename, a.ContentType, a.Size, a.Content, now); err != nil {
			return fmt.Errorf("saving attachment %s of %s: %w", a.Filename, messageID, err)
		}
	}
	return nil
}

// GetMessage retrieves a single message by its provider-scoped id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*StoredMessage, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT message_id, thread_id, sender, recipients, labels,
		       subject, body, size, timestamp, is_read, is_outgoing,
		       last_indexed, rfc822_message_id, in_reply_to, in_reply_to_id
		FROM messages WHERE message_id = ?`, messageID)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", messageID, err)
	}
	return msg, nil
}

// DeleteMessage removes a message together with its attachments and
// all edges where it is either endpoint. Pointers from other messages
// via in_reply_to_id are cleared, not left dangling.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// The schema only declares the FK on the message_id side of
	// message_references; edges naming this message as an ancestor
	// are cleaned up here.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM message_references WHERE refers_to_id = ?", messageID); err != nil {
		return fmt.Errorf("clearing inbound edges of %s: %w", messageID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete of %s: %w", messageID, err)
	}
	return nil
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// MessageTimeRange returns the timestamps of the newest and oldest
// stored messages, or nils when the store is empty. Incremental syncs
// use these to derive the change window when no checkpoint exists.
func (s *Store) MessageTimeRange(ctx context.Context) (newest, oldest *time.Time, err error) {
	// MAX/MIN aggregates lose the column's DATETIME affinity and come
	// back as strings, so read each bound through a plain column select.
	var hi time.Time
	err = s.db.GetContext(ctx, &hi,
		"SELECT timestamp FROM messages ORDER BY timestamp DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading newest message timestamp: %w", err)
	}

	var lo time.Time
	if err := s.db.GetContext(ctx, &lo,
		"SELECT timestamp FROM messages ORDER BY timestamp ASC LIMIT 1"); err != nil {
		return nil, nil, fmt.Errorf("reading oldest message timestamp: %w", err)
	}
	return &hi, &lo, nil
}

// AttachmentsOf returns the stored attachments of one message.
func (s *Store) AttachmentsOf(ctx context.Context, messageID string) ([]model.Attachment, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT filename, content_type, size, content
		FROM attachments WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments of %s: %w", messageID, err)
	}
	defer rows.Close()

	var atts []model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.Filename, &a.ContentType, &a.Size, &a.Content); err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// scanMessage scans one messages row.
func scanMessage(row *sqlx.Row) (*StoredMessage, error) {
	var (
		msg         StoredMessage
		threadID    sql.NullString
		sender      string
		recipients  string
		labels      string
		subject     sql.NullString
		body        sql.NullString
		isRead      int
		isOutgoing  int
		rfc822      sql.NullString
		inReplyTo   sql.NullString
		inReplyToID sql.NullString
	)

	err := row.Scan(
		&msg.MessageID, &threadID, &sender, &recipients, &labels,
		&subject, &body, &msg.Size, &msg.Timestamp, &isRead, &isOutgoing,
		&msg.LastIndexed, &rfc822, &inReplyTo, &inReplyToID,
	)
	if err != nil {
		return nil, err
	}

	msg.ThreadID = threadID.String
	msg.Subject = subject.String
	msg.Body = body.String
	msg.IsRead = isRead != 0
	msg.IsOutgoing = isOutgoing != 0
	msg.RFC822MessageID = rfc822.String
	msg.InReplyTo = inReplyTo.String
	msg.InReplyToID = inReplyToID.String

	if err := json.Unmarshal([]byte(sender), &msg.Sender); err != nil {
		return nil, fmt.Errorf("unmarshaling sender: %w", err)
	}
	if err := json.Unmarshal([]byte(recipients), &msg.Message.Recipients); err != nil {
		return nil, fmt.Errorf("unmarshaling recipients: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &msg.Labels); err != nil {
		return nil, fmt.Errorf("unmarshaling labels: %w", err)
	}

	return &msg, nil
}

// marshalJSONFields encodes the structured message fields, normalizing
// nil collections so the NOT NULL JSON columns never see SQL NULL.
func marshalJSONFields(msg *model.Message) (sender, recipients, labels string, err error) {
	sb, err := json.Marshal(msg.Sender)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling sender of %s: %w", msg.MessageID, err)
	}

	rec := msg.Recipients
	if rec == nil {
		rec = model.Recipients{}
	}
	rb, err := json.Marshal(rec)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling recipients of %s: %w", msg.MessageID, err)
	}

	lab := msg.Labels
	if lab == nil {
		lab = []string{}
	}
	lb, err := json.Marshal(lab)
	if err != nil {
		return "", "", "", fmt.Errorf("marshaling labels of %s: %w", msg.MessageID, err)
	}

	return string(sb), string(rb), string(lb), nil
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure on the given qualified column.
func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
