// Package convstore persists conversation history as sealed turn blobs
// in a local SQLite database.
package convstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"mailmind/internal/model"
)

// Retention is how long a conversation survives after its last turn.
const Retention = 7 * 24 * time.Hour

// Store implements fetch-or-create semantics for per-thread history.
//
// There is no transactional upsert guarantee across Load and Append;
// the dispatcher's in-flight guard ensures at most one active turn per
// thread, so last-writer-wins on a single record is acceptable.
type Store struct {
	db *sqlx.DB
}

// New opens (or creates) a SQLite database at dbPath, enables WAL mode,
// and runs any pending schema migrations.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// WAL for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// conversationRow mirrors the conversations table.
type conversationRow struct {
	ThreadID string    `db:"thread_id"`
	UserID   int64     `db:"user_id"`
	ExpireAt time.Time `db:"expire_at"`
}

// turnRow mirrors the turns table.
type turnRow struct {
	Seq       int    `db:"seq"`
	UserBlob  []byte `db:"user_blob"`
	ModelBlob []byte `db:"model_blob"`
}

// Load returns the conversation for threadID, or nil when none exists
// or the record has expired. Turns come back in insertion order with
// their blobs still sealed.
func (s *Store) Load(ctx context.Context, threadID string) (*model.Conversation, error) {
	var conv conversationRow
	err := s.db.GetContext(ctx, &conv,
		"SELECT thread_id, user_id, expire_at FROM conversations WHERE thread_id = ?",
		threadID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading conversation %s: %w", threadID, err)
	}

	// Expiry is enforced by the periodic sweep; an expired record that
	// has not been swept yet is still treated as absent.
	if time.Now().After(conv.ExpireAt) {
		return nil, nil
	}

	var rows []turnRow
	err = s.db.SelectContext(ctx, &rows,
		"SELECT seq, user_blob, model_blob FROM turns WHERE thread_id = ? ORDER BY seq ASC",
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading turns for %s: %w", threadID, err)
	}

	turns := make([]model.Turn, 0, len(rows))
	for _, r := range rows {
		turns = append(turns, model.Turn{User: r.UserBlob, Model: r.ModelBlob})
	}

	return &model.Conversation{
		ThreadID: conv.ThreadID,
		UserID:   conv.UserID,
		Turns:    turns,
		ExpireAt: conv.ExpireAt,
	}, nil
}

// Append adds a turn to threadID's history, creating the record on
// first write and refreshing the expiry either way.
func (s *Store) Append(ctx context.Context, threadID string, userID int64, turn model.Turn) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	expireAt := time.Now().Add(Retention).UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (thread_id, user_id, expire_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET expire_at = excluded.expire_at`,
		threadID, userID, expireAt,
	)
	if err != nil {
		return fmt.Errorf("upserting conversation %s: %w", threadID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (thread_id, seq, user_blob, model_blob)
		VALUES (?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM turns WHERE thread_id = ?), ?, ?)`,
		threadID, threadID, turn.User, turn.Model,
	)
	if err != nil {
		return fmt.Errorf("appending turn to %s: %w", threadID, err)
	}

	return tx.Commit()
}

// PurgeExpired deletes all conversations whose expiry has passed and
// returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM conversations WHERE expire_at < ?", time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purging expired conversations: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged conversations: %w", err)
	}
	return n, nil
}
