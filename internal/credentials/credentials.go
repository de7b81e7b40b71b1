// Package credentials persists the bearer token pair between CLI runs in a
// small SQLite database. When the database cannot be opened the store keeps
// working in memory only.
package credentials

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"

	"github.com/capitalize-ai/persona-chat/internal/transport"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

// Store is a transport.TokenStore backed by SQLite.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	tokens transport.Tokens
	logger *logger.Logger
}

var _ transport.TokenStore = (*Store)(nil)

// Open opens (creating if needed) the credentials database at path and loads
// any saved tokens.
func Open(path string, log *logger.Logger) *Store {
	s := &Store{logger: logger.OrGlobal(log)}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		s.logger.Warn("sqlite open failed; credentials kept in memory", zap.Error(err))
		return s
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`); err != nil {
		db.Close()
		s.logger.Warn("sqlite table creation failed; credentials kept in memory", zap.Error(err))
		return s
	}
	s.db = db

	row := db.QueryRow(`SELECT access_token, refresh_token FROM credentials WHERE id = 1;`)
	var t transport.Tokens
	switch err := row.Scan(&t.AccessToken, &t.RefreshToken); {
	case err == nil:
		s.tokens = t
	case errors.Is(err, sql.ErrNoRows):
	default:
		s.logger.Warn("failed to read saved credentials", zap.Error(err))
	}

	return s
}

// Persistent reports whether tokens survive the process.
func (s *Store) Persistent() bool {
	return s.db != nil
}

// Tokens returns the current pair.
func (s *Store) Tokens() transport.Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// SetTokens replaces the pair in memory and on disk.
func (s *Store) SetTokens(t transport.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = t
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO credentials (id, access_token, refresh_token, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at;`,
		t.AccessToken, t.RefreshToken, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// Clear forgets the pair.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = transport.Tokens{}
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM credentials;`); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
