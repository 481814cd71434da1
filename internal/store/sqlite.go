// ABOUTME: SQLite implementation of the credential store using modernc.org/sqlite
// ABOUTME: Provides credential/scope persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements CredentialAdmin using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent across calls.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id   TEXT NOT NULL UNIQUE,
			secret_hash TEXT NOT NULL,
			enabled     INTEGER NOT NULL DEFAULT 1,
			company_id  INTEGER NOT NULL,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credential_scopes (
			credential_id INTEGER NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
			scope         TEXT NOT NULL,
			position      INTEGER NOT NULL,
			PRIMARY KEY (credential_id, scope)
		);

		CREATE INDEX IF NOT EXISTS idx_credential_scopes_position
			ON credential_scopes(credential_id, position);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// CreateCredential inserts a credential and its scopes in one transaction.
// The ID and CreatedAt fields of c are populated on success.
func (s *SQLiteStore) CreateCredential(ctx context.Context, c *Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credentials (client_id, secret_hash, enabled, company_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ClientID, c.SecretHash, boolToInt(c.Enabled), c.CompanyID, c.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateClientID
		}
		return fmt.Errorf("inserting credential: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading credential id: %w", err)
	}

	for i, scope := range c.Scopes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO credential_scopes (credential_id, scope, position) VALUES (?, ?, ?)`,
			id, scope, i,
		); err != nil {
			return fmt.Errorf("inserting scope %q: %w", scope, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing credential: %w", err)
	}

	c.ID = id
	s.logger.Debug("created credential", "client_id", c.ClientID, "company_id", c.CompanyID, "scopes", c.Scopes)
	return nil
}

// GetCredentialByClientID loads a credential with its ordered scope list.
func (s *SQLiteStore) GetCredentialByClientID(ctx context.Context, clientID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, secret_hash, enabled, company_id, created_at
		FROM credentials WHERE client_id = ?
	`, clientID)

	c, err := scanCredential(row)
	if err != nil {
		return nil, err
	}

	scopes, err := s.loadScopes(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.Scopes = scopes
	return c, nil
}

// SetCredentialEnabled flips the enabled flag. Tokens already issued stay
// valid until expiry, but every authenticated call re-checks the flag.
func (s *SQLiteStore) SetCredentialEnabled(ctx context.Context, clientID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET enabled = ? WHERE client_id = ?`,
		boolToInt(enabled), clientID,
	)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	s.logger.Info("credential enabled flag changed", "client_id", clientID, "enabled", enabled)
	return nil
}

// ListCredentials returns all credentials ordered by client id.
func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, secret_hash, enabled, company_id, created_at
		FROM credentials ORDER BY client_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}

	for _, c := range creds {
		if c.Scopes, err = s.loadScopes(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return creds, nil
}

func (s *SQLiteStore) loadScopes(ctx context.Context, credentialID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope FROM credential_scopes WHERE credential_id = ? ORDER BY position`,
		credentialID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying scopes: %w", err)
	}
	defer rows.Close()

	scopes := []string{}
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scanning scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var (
		c         Credential
		enabled   int
		createdAt string
	)
	err := row.Scan(&c.ID, &c.ClientID, &c.SecretHash, &enabled, &c.CompanyID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}

	c.Enabled = enabled != 0
	c.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
