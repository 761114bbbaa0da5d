// Package sqlitestore provides a SQL-backed storage.Store over a single
// key-value table. It uses the pure-Go sqlite driver so the engine stays
// cgo-free, with the schema applied through embedded migrations.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/authlayer/authlayer/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ storage.Store = (*Store)(nil)

// Store persists entries in a kv_entries table. Expiry is stored as unix
// milliseconds; NULL means no expiry. The atomic primitives (SetIfAbsent,
// GetDelete) run inside transactions so two concurrent consumers of the
// same key see at most one success.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

type StoreOption func(*Store)

// WithNowFunc sets the clock used for TTL decisions (primarily for testing).
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowFunc = now
	}
}

// Open opens (creating if necessary) the database at databasePath and
// applies any pending migrations.
func Open(databasePath string, options ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(databasePath), 0o750); err != nil {
		return nil, errors.Wrap(err, "sqlitestore.Open MkdirAll")
	}

	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, errors.Wrap(err, "sqlitestore.Open sql.Open")
	}

	// A single connection serializes writers; concurrent callers queue in
	// database/sql instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, nowFunc: time.Now}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "sqlitestore.migrateUp iofs.New")
	}

	target, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return errors.Wrap(err, "sqlitestore.migrateUp sqlite3.WithInstance")
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "sqlite3", target)
	if err != nil {
		return errors.Wrap(err, "sqlitestore.migrateUp migrate.NewWithInstance")
	}

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "sqlitestore.migrateUp migrator.Up")
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT v, expires_at FROM kv_entries WHERE k = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "sqlitestore.Get QueryRow")
	}

	if s.expired(expiresAt) {
		// Lazy expiry: only remove the exact row version we just read.
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM kv_entries WHERE k = ? AND expires_at = ?", key, expiresAt.Int64)
		if err != nil {
			return "", errors.Wrap(err, "sqlitestore.Get expiry Delete")
		}
		return "", storage.ErrNotFound
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (k, v, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`,
		key, value, s.deadline(ttl))
	if err != nil {
		return errors.Wrap(err, "sqlitestore.Set Exec")
	}
	return nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "sqlitestore.SetIfAbsent BeginTx")
	}
	defer func() { _ = tx.Rollback() }()

	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT expires_at FROM kv_entries WHERE k = ?", key,
	).Scan(&expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// Absent: fall through to the insert.
	case err != nil:
		return false, errors.Wrap(err, "sqlitestore.SetIfAbsent QueryRow")
	case !s.expired(expiresAt):
		return false, nil
	default:
		if _, err := tx.ExecContext(ctx, "DELETE FROM kv_entries WHERE k = ?", key); err != nil {
			return false, errors.Wrap(err, "sqlitestore.SetIfAbsent expiry Delete")
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO kv_entries (k, v, expires_at) VALUES (?, ?, ?)",
		key, value, s.deadline(ttl)); err != nil {
		return false, errors.Wrap(err, "sqlitestore.SetIfAbsent Insert")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "sqlitestore.SetIfAbsent Commit")
	}
	return true, nil
}

func (s *Store) GetDelete(ctx context.Context, key string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "sqlitestore.GetDelete BeginTx")
	}
	defer func() { _ = tx.Rollback() }()

	var value string
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT v, expires_at FROM kv_entries WHERE k = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "sqlitestore.GetDelete QueryRow")
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM kv_entries WHERE k = ?", key); err != nil {
		return "", errors.Wrap(err, "sqlitestore.GetDelete Delete")
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "sqlitestore.GetDelete Commit")
	}

	if s.expired(expiresAt) {
		return "", storage.ErrNotFound
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_entries WHERE k = ?", key); err != nil {
		return errors.Wrap(err, "sqlitestore.Delete Exec")
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	now := s.nowFunc().UnixMilli()
	result, err := s.db.ExecContext(ctx,
		"UPDATE kv_entries SET expires_at = ? WHERE k = ? AND (expires_at IS NULL OR expires_at > ?)",
		s.deadline(ttl), key, now)
	if err != nil {
		return errors.Wrap(err, "sqlitestore.Expire Exec")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlitestore.Expire RowsAffected")
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT expires_at FROM kv_entries WHERE k = ?", key,
	).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "sqlitestore.TTL QueryRow")
	}

	if !expiresAt.Valid {
		return storage.TTLNone, nil
	}
	remaining := time.UnixMilli(expiresAt.Int64).Sub(s.nowFunc())
	if remaining <= 0 {
		return 0, storage.ErrNotFound
	}
	return remaining, nil
}

// Cleanup removes expired rows and reports how many were removed.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?",
		s.nowFunc().UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "sqlitestore.Cleanup Exec")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "sqlitestore.Cleanup RowsAffected")
	}
	return int(affected), nil
}

func (s *Store) expired(expiresAt sql.NullInt64) bool {
	return expiresAt.Valid && expiresAt.Int64 <= s.nowFunc().UnixMilli()
}

// deadline converts a ttl to an absolute unix-millisecond expiry, or NULL
// for ttl <= 0 (no expiry).
func (s *Store) deadline(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return s.nowFunc().Add(ttl).UnixMilli()
}
