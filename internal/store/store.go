// Package store is the engine's ContextStore: durable storage for
// conversation message logs, conversation configuration, and scheduler
// bookkeeping. Records are JSON documents in a namespaced key-value
// table, so any durable KV backend could stand in for SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/companion/internal/conversation"
)

// Namespaces used in the kv table.
const (
	nsMessages    = "messages"
	nsConfig      = "config"
	nsBookkeeping = "bookkeeping"
)

// ErrNotFound is returned when a conversation has no config record.
var ErrNotFound = errors.New("conversation not found")

// Store is safe for concurrent use. The engine guarantees a single
// writer per conversation; cross-conversation writes are serialized by
// SQLite.
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// Open creates a store backed by a SQLite file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New wraps an existing database handle and creates the schema if
// needed. The handle is limited to one open connection so that
// in-memory databases stay coherent and writes never contend.
func New(db *sql.DB) (*Store, error) {
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// getJSON decodes the value at namespace/key into v. It reports false
// when the key does not exist.
func getJSON(ctx context.Context, q querier, namespace, key string, v any) (bool, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// putJSON upserts v as JSON at namespace/key.
func putJSON(ctx context.Context, q querier, namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Messages returns the message log for a conversation. A conversation
// with no messages yields an empty log and no error.
func (s *Store) Messages(ctx context.Context, id string) ([]conversation.Message, error) {
	var log []conversation.Message
	if _, err := getJSON(ctx, s.db, nsMessages, id, &log); err != nil {
		return nil, err
	}
	return log, nil
}

// PutMessages replaces the message log for a conversation.
func (s *Store) PutMessages(ctx context.Context, id string, log []conversation.Message) error {
	if log == nil {
		log = []conversation.Message{}
	}
	return putJSON(ctx, s.db, nsMessages, id, log)
}

// AppendMessages appends msgs to the conversation log in a single
// transaction, so a generation's bubbles land together.
func (s *Store) AppendMessages(ctx context.Context, id string, msgs ...conversation.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var log []conversation.Message
	if _, err := getJSON(ctx, tx, nsMessages, id, &log); err != nil {
		return err
	}
	log = append(log, msgs...)
	if err := putJSON(ctx, tx, nsMessages, id, log); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Config returns the configuration for a conversation, or ErrNotFound.
func (s *Store) Config(ctx context.Context, id string) (*conversation.Config, error) {
	var cfg conversation.Config
	ok, err := getJSON(ctx, s.db, nsConfig, id, &cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("config %s: %w", id, ErrNotFound)
	}
	return &cfg, nil
}

// PutConfig creates or replaces a conversation configuration.
func (s *Store) PutConfig(ctx context.Context, cfg *conversation.Config) error {
	if cfg.ID == "" {
		return errors.New("config has no conversation id")
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	return putJSON(ctx, s.db, nsConfig, cfg.ID, cfg)
}

// ListConversations returns the IDs of all configured conversations in
// lexical order.
func (s *Store) ListConversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE namespace = ? ORDER BY key`, nsConfig)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Bookkeeping returns the scheduler bookkeeping for a conversation. A
// conversation that has never been swept yields the zero value.
func (s *Store) Bookkeeping(ctx context.Context, id string) (conversation.Bookkeeping, error) {
	var bk conversation.Bookkeeping
	if _, err := getJSON(ctx, s.db, nsBookkeeping, id, &bk); err != nil {
		return conversation.Bookkeeping{}, err
	}
	return bk, nil
}

// PutBookkeeping replaces the scheduler bookkeeping for a conversation.
func (s *Store) PutBookkeeping(ctx context.Context, id string, bk conversation.Bookkeeping) error {
	return putJSON(ctx, s.db, nsBookkeeping, id, bk)
}
