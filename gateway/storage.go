package gateway

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the audit trail and the idempotency replay cache.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different request body.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            pubkey TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(pubkey, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            pubkey TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            session_id TEXT,
            operation TEXT NOT NULL,
            response_status INTEGER
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse is a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for (pubkey, key), nil when
// unseen, or ErrIdempotencyMismatch when the key was used with a different
// request body.
func (s *SQLiteStore) LookupIdempotency(ctx context.Context, pubkey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE pubkey = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, pubkey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, pubkey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(pubkey, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, pubkey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// PruneIdempotency drops cached responses older than the cutoff.
func (s *SQLiteStore) PruneIdempotency(ctx context.Context, cutoff time.Time) error {
	const stmt = `DELETE FROM idempotency_keys WHERE created_at < ?`
	_, err := s.db.ExecContext(ctx, stmt, cutoff.UTC())
	return err
}

// AuditEntry is one row of the mutation audit trail. Request bodies are not
// stored; they carry multisig key material.
type AuditEntry struct {
	Pubkey         string
	Method         string
	Path           string
	SessionID      string
	Operation      string
	ResponseStatus int
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(pubkey, method, path, session_id, operation, response_status, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.Pubkey, entry.Method, entry.Path, entry.SessionID, entry.Operation, entry.ResponseStatus, entry.Timestamp)
	return err
}
