package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
//
// The messages, message_references, and attachments tables are a
// compatibility surface shared with other tools reading the same
// database; their column layout must not change. reference_claims and
// checkpoints are internal bookkeeping.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                INTEGER NOT NULL PRIMARY KEY,
	message_id        TEXT NOT NULL UNIQUE,
	thread_id         TEXT,
	sender            JSON NOT NULL,
	recipients        JSON NOT NULL,
	labels            JSON NOT NULL,
	subject           TEXT,
	body              TEXT,
	size              INTEGER NOT NULL,
	timestamp         DATETIME NOT NULL,
	is_read           INTEGER NOT NULL,
	is_outgoing       INTEGER NOT NULL,
	last_indexed      DATETIME NOT NULL,
	rfc822_message_id TEXT UNIQUE,
	in_reply_to       TEXT,
	in_reply_to_id    TEXT REFERENCES messages(message_id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS message_references (
	message_id   TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
	refers_to_id TEXT NOT NULL,
	PRIMARY KEY (message_id, refers_to_id)
);

CREATE TABLE IF NOT EXISTS attachments (
	id           INTEGER NOT NULL PRIMARY KEY,
	message_id   TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size         INTEGER NOT NULL,
	content      BLOB NOT NULL,
	last_indexed DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reference_claims (
	message_id TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	claimed_id TEXT NOT NULL,
	PRIMARY KEY (message_id, position)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	account     TEXT NOT NULL PRIMARY KEY,
	cursor      TEXT NOT NULL DEFAULT '',
	newest_seen DATETIME,
	oldest_seen DATETIME,
	updated_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_in_reply_to_id ON messages(in_reply_to_id);
CREATE INDEX IF NOT EXISTS idx_references_refers_to ON message_references(refers_to_id);
CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
