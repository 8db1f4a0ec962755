package auth

// store.go persists issued tokens per server URL in a local SQLite database,
// so a device authorization survives restarts and one client can talk to
// several servers.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	ocerrors "github.com/openchamber/client/internal/errors"
)

// StoredToken is one persisted credential.
type StoredToken struct {
	ServerURL string
	Token     string
	TokenType string
	CreatedAt time.Time
	// ExpiresAt is zero for tokens without an expiry.
	ExpiresAt time.Time
}

// TokenStore keeps tokens in a SQLite database, one row per server URL.
type TokenStore struct {
	db *sql.DB
	mu sync.RWMutex

	now func() time.Time
}

const tokenSchema = `
	CREATE TABLE IF NOT EXISTS tokens (
		server_url TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		token_type TEXT NOT NULL DEFAULT 'bearer',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL DEFAULT ''
	)
`

// OpenTokenStore opens or creates the token database at the given path.
// Use ":memory:" for tests.
func OpenTokenStore(path string) (*TokenStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, ocerrors.Wrap(ocerrors.CodeTokenStoreOpenFailed, "open token database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, ocerrors.Wrap(ocerrors.CodeTokenStoreOpenFailed, "ping token database", err)
	}
	if _, err := db.Exec(tokenSchema); err != nil {
		db.Close()
		return nil, ocerrors.Wrap(ocerrors.CodeTokenStoreOpenFailed, "init token schema", err)
	}
	return &TokenStore{db: db, now: time.Now}, nil
}

// Close releases the database connection.
func (s *TokenStore) Close() error {
	return s.db.Close()
}

// Save upserts the token for a server URL.
func (s *TokenStore) Save(tok *StoredToken) error {
	if tok == nil || tok.ServerURL == "" {
		return ocerrors.New(ocerrors.CodeTokenStoreQueryFailed, "token needs a server URL")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expires := ""
	if !tok.ExpiresAt.IsZero() {
		expires = tok.ExpiresAt.Format(time.RFC3339Nano)
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}

	const query = `
		INSERT OR REPLACE INTO tokens (server_url, token, token_type, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		tok.ServerURL,
		tok.Token,
		tokenType,
		tok.CreatedAt.Format(time.RFC3339Nano),
		expires,
	)
	if err != nil {
		return ocerrors.Wrap(ocerrors.CodeTokenStoreQueryFailed, "save token", err)
	}
	return nil
}

// Load returns the token for a server URL, or nil when none is stored.
// Expired tokens are deleted on read and reported as absent.
func (s *TokenStore) Load(serverURL string) (*StoredToken, error) {
	s.mu.RLock()
	const query = `
		SELECT server_url, token, token_type, created_at, expires_at
		FROM tokens
		WHERE server_url = ?
	`
	tok, err := scanToken(s.db.QueryRow(query, serverURL))
	s.mu.RUnlock()

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ocerrors.Wrap(ocerrors.CodeTokenStoreQueryFailed, "load token", err)
	}

	if !tok.ExpiresAt.IsZero() && !tok.ExpiresAt.After(s.now()) {
		log.Printf("auth: stored token for %s expired, discarding", serverURL)
		if err := s.Delete(serverURL); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return tok, nil
}

// Delete removes the token for a server URL. Deleting an absent token is not
// an error.
func (s *TokenStore) Delete(serverURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM tokens WHERE server_url = ?`, serverURL); err != nil {
		return ocerrors.Wrap(ocerrors.CodeTokenStoreQueryFailed, "delete token", err)
	}
	return nil
}

// List returns all stored tokens, expired ones included, ordered by server
// URL. Used by the CLI to show which servers are logged in.
func (s *TokenStore) List() ([]*StoredToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT server_url, token, token_type, created_at, expires_at
		FROM tokens
		ORDER BY server_url ASC
	`)
	if err != nil {
		return nil, ocerrors.Wrap(ocerrors.CodeTokenStoreQueryFailed, "list tokens", err)
	}
	defer rows.Close()

	var tokens []*StoredToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, ocerrors.Wrap(ocerrors.CodeTokenStoreQueryFailed, "scan token", err)
		}
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, ocerrors.Wrap(ocerrors.CodeTokenStoreQueryFailed, "iterate tokens", err)
	}
	return tokens, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*StoredToken, error) {
	var tok StoredToken
	var createdAt, expiresAt string
	if err := row.Scan(&tok.ServerURL, &tok.Token, &tok.TokenType, &createdAt, &expiresAt); err != nil {
		return nil, err
	}

	var err error
	tok.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if expiresAt != "" {
		tok.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
	}
	return &tok, nil
}
