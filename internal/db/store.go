package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row does not exist or was already in a
// terminal state.
var ErrNotFound = errors.New("db: not found")

// Sandbox status values. Transitions are monotonic: active rows move to
// destroyed or expired exactly once; UpdateSandboxStatus enforces this.
const (
	StatusActive    = "active"
	StatusDestroyed = "destroyed"
	StatusExpired   = "expired"
)

// Store provides data access to the PostgreSQL database. The schema
// (users, api_keys, sandboxes) is owned and migrated by the deployment,
// not by this process.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with a connection pool.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- User operations ---

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName"`
	CreatedAt    time.Time `json:"createdAt"`
}

const userColumns = `id, email, password_hash, display_name, created_at`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (s *Store) InsertUser(ctx context.Context, email, passwordHash, displayName string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, display_name) VALUES ($1, $2, $3)
		 RETURNING `+userColumns,
		email, passwordHash, displayName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return u, nil
}

// --- Credential (API key) operations ---

type Credential struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"userId"`
	KeyPrefix  string     `json:"keyPrefix"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

const credentialColumns = `id, user_id, key_prefix, key_hash, name, created_at, expires_at, revoked_at, last_used_at`

func scanCredential(row pgx.Row) (*Credential, error) {
	c := &Credential{}
	err := row.Scan(&c.ID, &c.UserID, &c.KeyPrefix, &c.KeyHash, &c.Name,
		&c.CreatedAt, &c.ExpiresAt, &c.RevokedAt, &c.LastUsedAt)
	return c, err
}

func (s *Store) InsertCredential(ctx context.Context, userID uuid.UUID, keyPrefix, keyHash, name string, expiresAt *time.Time) (*Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (user_id, key_prefix, key_hash, name, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+credentialColumns,
		userID, keyPrefix, keyHash, name, expiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert credential: %w", err)
	}
	return c, nil
}

// GetCredentialsByPrefix returns every live candidate for a key prefix.
// Prefixes are 12 characters and may collide; the caller hash-checks each.
func (s *Store) GetCredentialsByPrefix(ctx context.Context, prefix string) ([]*Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM api_keys
		 WHERE key_prefix = $1
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return creds, nil
}

// TouchCredentialLastUsed updates last_used_at after a successful verify.
func (s *Store) TouchCredentialLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch credential: %w", err)
	}
	return nil
}

// --- Sandbox operations ---

type Sandbox struct {
	ID           uuid.UUID         `json:"id"`
	UserID       uuid.UUID         `json:"userId"`
	CredentialID uuid.UUID         `json:"credentialId"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	DestroyedAt  *time.Time        `json:"destroyedAt,omitempty"`
}

const sandboxColumns = `id, user_id, credential_id, status, metadata, created_at, destroyed_at`

func scanSandbox(row pgx.Row) (*Sandbox, error) {
	sb := &Sandbox{}
	var metadata []byte
	err := row.Scan(&sb.ID, &sb.UserID, &sb.CredentialID, &sb.Status,
		&metadata, &sb.CreatedAt, &sb.DestroyedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sb.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt sandbox metadata: %w", err)
		}
	}
	return sb, nil
}

func (s *Store) InsertSandbox(ctx context.Context, id, userID, credentialID uuid.UUID, metadata map[string]string) (*Sandbox, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	sb, err := scanSandbox(s.pool.QueryRow(ctx,
		`INSERT INTO sandboxes (id, user_id, credential_id, status, metadata)
		 VALUES ($1, $2, $3, 'active', $4)
		 RETURNING `+sandboxColumns,
		id, userID, credentialID, raw,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert sandbox: %w", err)
	}
	return sb, nil
}

func (s *Store) GetSandboxByID(ctx context.Context, id uuid.UUID) (*Sandbox, error) {
	sb, err := scanSandbox(s.pool.QueryRow(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}
	return sb, nil
}

// UpdateSandboxStatus moves an active sandbox to a terminal status. Returns
// ErrNotFound when the row is missing or already terminal, which callers use
// for destroy idempotence.
func (s *Store) UpdateSandboxStatus(ctx context.Context, id uuid.UUID, status string) error {
	if status != StatusDestroyed && status != StatusExpired {
		return fmt.Errorf("invalid status transition to %q", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sandboxes SET status = $2, destroyed_at = now()
		 WHERE id = $1 AND status = 'active'`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update sandbox status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveSandboxes returns all active rows for the reaper's expiry sweep.
func (s *Store) ListActiveSandboxes(ctx context.Context) ([]*Sandbox, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE status = 'active' ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sandbox: %w", err)
		}
		out = append(out, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sandboxes: %w", err)
	}
	return out, nil
}

func (s *Store) CountActiveSandboxesByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sandboxes WHERE user_id = $1 AND status = 'active'`, userID,
	).Scan(&count)
	return count, err
}

func (s *Store) CountActiveSandboxesByCredential(ctx context.Context, credentialID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sandboxes WHERE credential_id = $1 AND status = 'active'`, credentialID,
	).Scan(&count)
	return count, err
}

func (s *Store) CountActiveSandboxesGlobal(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sandboxes WHERE status = 'active'`,
	).Scan(&count)
	return count, err
}
