// Package session persists the signed-in identity of a client between runs.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrNoSession is returned by Load when nobody is signed in.
var ErrNoSession = errors.New("no stored session")

const (
	keyUserID    = "user_id"
	keyUsername  = "username"
	keyRole      = "role"
	keyToken     = "token"
	keyExpiresAt = "expires_at"
)

// Identity is what a client needs to reconnect without signing in again.
type Identity struct {
	UserID    string
	Username  string
	Role      string
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Store is a key/value table in a local SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the session database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}
	log.WithField("path", path).Debug("Session store opened")
	return &Store{db: db}, nil
}

// Save replaces the stored identity.
func (s *Store) Save(ctx context.Context, id Identity) error {
	values := map[string]string{
		keyUserID:   id.UserID,
		keyUsername: id.Username,
		keyRole:     id.Role,
		keyToken:    id.Token,
	}
	if !id.ExpiresAt.IsZero() {
		values[keyExpiresAt] = id.ExpiresAt.UTC().Format(time.RFC3339)
	}

	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv`); err != nil {
			return err
		}
		now := time.Now().Unix()
		for k, v := range values {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)`, k, v, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the stored identity or ErrNoSession.
func (s *Store) Load(ctx context.Context) (*Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if values[keyToken] == "" {
		return nil, ErrNoSession
	}

	id := &Identity{
		UserID:   values[keyUserID],
		Username: values[keyUsername],
		Role:     values[keyRole],
		Token:    values[keyToken],
	}
	if raw := values[keyExpiresAt]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("parse session expiry: %w", err)
		}
		id.ExpiresAt = t
	}
	return id, nil
}

// Clear forgets the stored identity (logout).
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
