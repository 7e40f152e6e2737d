package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs both the pending-flow store and the credential store
// with a single SQLite file, so multiple instances sharing the file can
// each handle callbacks and refreshes.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_flows (
	state TEXT PRIMARY KEY,
	code_verifier TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS credentials (
	provider TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at INTEGER,
	connected INTEGER NOT NULL,
	connected_at INTEGER,
	disconnected_at INTEGER,
	updated_at INTEGER NOT NULL
);
`

// OpenSQLiteStore opens (creating if needed) the backing database and
// applies the schema. ttl is the pending-flow TTL.
func OpenSQLiteStore(ctx context.Context, path string, ttl time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY on concurrent callback and refresh writes.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, ttl: ttl}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Put(ctx context.Context, state, codeVerifier string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put flow: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM pending_flows WHERE state = ?`, state).Scan(&exists)
	switch {
	case err == nil:
		return ErrCollision
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check flow state: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO pending_flows (state, code_verifier, created_at) VALUES (?, ?, ?)
`, state, codeVerifier, toMillis(now))
	if err != nil {
		return fmt.Errorf("put flow: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Take(ctx context.Context, state string, now time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin take flow: %w", err)
	}
	defer tx.Rollback()

	var verifier string
	var createdAt int64
	err = tx.QueryRowContext(ctx, `
SELECT code_verifier, created_at FROM pending_flows WHERE state = ?
`, state).Scan(&verifier, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("take flow: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_flows WHERE state = ?`, state); err != nil {
		return "", fmt.Errorf("delete flow: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit take flow: %w", err)
	}

	if now.Sub(fromMillis(createdAt)) > s.ttl {
		return "", ErrExpired
	}
	return verifier, nil
}

func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := toMillis(now.Add(-s.ttl))
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_flows WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep flows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, provider string) (Credential, bool, error) {
	var cred Credential
	var expiresAt, connectedAt, disconnected sql.NullInt64
	var connected int
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
SELECT provider, access_token, refresh_token, expires_at, connected, connected_at, disconnected_at, updated_at
FROM credentials WHERE provider = ?
`, provider).Scan(&cred.Provider, &cred.AccessToken, &cred.RefreshToken,
		&expiresAt, &connected, &connectedAt, &disconnected, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("get credential: %w", err)
	}

	cred.Connected = connected != 0
	cred.UpdatedAt = fromMillis(updatedAt)
	if expiresAt.Valid {
		cred.ExpiresAt = fromMillis(expiresAt.Int64)
	}
	if connectedAt.Valid {
		cred.ConnectedAt = fromMillis(connectedAt.Int64)
	}
	if disconnected.Valid {
		cred.DisconnectedAt = fromMillis(disconnected.Int64)
	}
	return cred, true, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, cred Credential) error {
	connected := 0
	if cred.Connected {
		connected = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (
	provider, access_token, refresh_token, expires_at, connected, connected_at, disconnected_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider) DO UPDATE SET
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	expires_at = excluded.expires_at,
	connected = excluded.connected,
	connected_at = excluded.connected_at,
	disconnected_at = excluded.disconnected_at,
	updated_at = excluded.updated_at
`,
		cred.Provider,
		cred.AccessToken,
		cred.RefreshToken,
		nullMillis(cred.ExpiresAt),
		connected,
		nullMillis(cred.ConnectedAt),
		nullMillis(cred.DisconnectedAt),
		toMillis(cred.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// credentialView adapts SQLiteStore to the CredentialStore interface
// without colliding with the pending-flow Put method.
type credentialView struct{ s *SQLiteStore }

// Credentials returns the credential-store view of the database.
func (s *SQLiteStore) Credentials() CredentialStore { return credentialView{s} }

func (v credentialView) Get(ctx context.Context, provider string) (Credential, bool, error) {
	return v.s.GetCredential(ctx, provider)
}

func (v credentialView) Put(ctx context.Context, cred Credential) error {
	return v.s.PutCredential(ctx, cred)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(t), Valid: true}
}
