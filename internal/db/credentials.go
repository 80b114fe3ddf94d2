package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stockyard/internal/credstore"
)

// CredentialStore persists client credentials in SQLite. Every row belongs to
// a namespace so several profiles can share one database file.
type CredentialStore struct {
	db        *DB
	namespace string
}

var _ credstore.Store = (*CredentialStore)(nil)

func NewCredentialStore(db *DB, namespace string) *CredentialStore {
	return &CredentialStore{db: db, namespace: namespace}
}

func (s *CredentialStore) Write(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO credentials (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.namespace, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing credential %s: %w", key, err)
	}
	return nil
}

func (s *CredentialStore) Read(key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM credentials WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return "", credstore.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading credential %s: %w", key, err)
	}
	return value, nil
}

func (s *CredentialStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE namespace = ?`, s.namespace); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	return nil
}

// Count returns how many keys the namespace currently holds.
func (s *CredentialStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM credentials WHERE namespace = ?`, s.namespace).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting credentials: %w", err)
	}
	return n, nil
}

func (s *CredentialStore) Close() error {
	return s.db.Close()
}
