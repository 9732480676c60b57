// Package sqlitesink is a concrete, persistent deadletter.Sink backed by
// SQLite, following the teacher's store-open/schema-migration idiom:
// single-writer connection, WAL journal mode, schema version ledger.
package sqlitesink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xpert-ai/handoffbus/internal/envelope"
)

const (
	schemaVersion  = 1
	schemaChecksum = "handoffbus-v1-dead-letters"
)

// Sink persists dead-lettered messages to a local SQLite database.
type Sink struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and migrates
// its schema.
func Open(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dead letter db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	sink := &Sink{db: db}
	if err := sink.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := sink.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

// Close closes the underlying database.
func (s *Sink) Close() error {
	return s.db.Close()
}

func (s *Sink) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Sink) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("dead letter db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}

	if maxVersion < schemaVersion {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS dead_letters (
				message_id TEXT PRIMARY KEY,
				message_type TEXT NOT NULL,
				tenant_id TEXT NOT NULL,
				trace_id TEXT NOT NULL,
				attempt INTEGER NOT NULL,
				max_attempts INTEGER NOT NULL,
				reason TEXT NOT NULL,
				payload TEXT NOT NULL,
				recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`); err != nil {
			return fmt.Errorf("create dead_letters: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}

	return tx.Commit()
}

// Record inserts a dead-letter row. A repeat record for the same message id
// (e.g. a duplicate failure classification) overwrites the previous one
// rather than erroring, since the message id is already the terminal key.
func (s *Sink) Record(ctx context.Context, msg envelope.Message, reason string) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (message_id, message_type, tenant_id, trace_id, attempt, max_attempts, reason, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			reason = excluded.reason,
			payload = excluded.payload,
			recorded_at = excluded.recorded_at;
	`, msg.ID, msg.Type, msg.TenantID, msg.TraceID, msg.Attempt, msg.MaxAttempts, reason, string(payload), time.Now().UTC())
	return err
}

// Get retrieves a dead-lettered message by id, for operator inspection.
func (s *Sink) Get(ctx context.Context, messageID string) (envelope.Message, string, error) {
	var payload, reason string
	err := s.db.QueryRowContext(ctx, `SELECT payload, reason FROM dead_letters WHERE message_id = ?;`, messageID).Scan(&payload, &reason)
	if err != nil {
		return envelope.Message{}, "", err
	}
	var msg envelope.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return envelope.Message{}, "", fmt.Errorf("unmarshal stored payload: %w", err)
	}
	return msg, reason, nil
}
