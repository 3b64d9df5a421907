package convstore

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	thread_id  TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL,
	expire_at  DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS turns (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id  TEXT NOT NULL REFERENCES conversations(thread_id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	user_blob  BLOB NOT NULL,
	model_blob BLOB NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_thread_seq ON turns(thread_id, seq);
CREATE INDEX IF NOT EXISTS idx_conversations_expire ON conversations(expire_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
