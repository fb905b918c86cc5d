package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCredentialNotFound is returned when no credential row exists for a tenant user.
var ErrCredentialNotFound = errors.New("credential not found")

// Credential holds a tenant user's OAuth material and mailbox cursor.
// The cursor (Gmail historyId) is the local projection of the provider-side
// watch subscription; it only moves forward.
type Credential struct {
	TenantUserID string
	Email        string
	ProfileID    string
	AccessToken  string
	RefreshToken string
	Cursor       string
}

// Fields is a partial update: nil pointers leave the stored column untouched.
type Fields struct {
	AccessToken  *string
	RefreshToken *string
	Cursor       *string
}

// Store persists tenant user credentials in a shared SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the credential database under dataRoot.
func Open(dataRoot string) (*Store, error) {
	if err := os.MkdirAll(dataRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dataRoot, "tenants.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS tenant_users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			profile_id TEXT NOT NULL,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			history_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tenant_users table: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open database handle. Used by main, which owns
// the handle lifetime, and by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get loads the credential for a tenant user.
func (s *Store) Get(ctx context.Context, tenantUserID string) (*Credential, error) {
	return s.getWhere(ctx, "id = ?", tenantUserID)
}

// GetByEmail resolves a tenant user by mailbox address. Webhook notifications
// identify the mailbox by address, not by tenant user id.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Credential, error) {
	return s.getWhere(ctx, "email = ?", email)
}

func (s *Store) getWhere(ctx context.Context, where string, arg string) (*Credential, error) {
	cred := &Credential{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, profile_id, access_token, refresh_token, history_id
		FROM tenant_users WHERE `+where,
		arg,
	).Scan(&cred.TenantUserID, &cred.Email, &cred.ProfileID, &cred.AccessToken, &cred.RefreshToken, &cred.Cursor)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	return cred, nil
}

// Create inserts a new tenant user credential row.
func (s *Store) Create(ctx context.Context, cred *Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_users (id, email, profile_id, access_token, refresh_token, history_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cred.TenantUserID, cred.Email, cred.ProfileID, cred.AccessToken, cred.RefreshToken, cred.Cursor)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// UpdateFields applies a partial update. Columns whose Fields pointer is nil
// are left exactly as stored, so a token refresh never clobbers an unrelated
// field written by a concurrent reconciliation.
func (s *Store) UpdateFields(ctx context.Context, tenantUserID string, fields Fields) error {
	set := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)

	if fields.AccessToken != nil {
		set = append(set, "access_token = ?")
		args = append(args, *fields.AccessToken)
	}
	if fields.RefreshToken != nil {
		set = append(set, "refresh_token = ?")
		args = append(args, *fields.RefreshToken)
	}
	if fields.Cursor != nil {
		set = append(set, "history_id = ?")
		args = append(args, *fields.Cursor)
	}
	if len(set) == 0 {
		return nil
	}

	query := "UPDATE tenant_users SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE id = ?"
	args = append(args, tenantUserID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// AdvanceCursor moves the stored cursor forward to newCursor. The update is a
// compare-and-advance: Gmail history ids are numeric and increasing, so the
// row is only touched when the new value is ahead of the stored one. Stale or
// replayed notifications therefore can never move the cursor backwards.
func (s *Store) AdvanceCursor(ctx context.Context, tenantUserID, newCursor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_users
		SET history_id = ?
		WHERE id = ? AND (history_id = '' OR CAST(history_id AS INTEGER) < CAST(? AS INTEGER))
	`, newCursor, tenantUserID, newCursor)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}

	// Zero rows affected means either the tenant is unknown or the stored
	// cursor is already at or past newCursor; the latter is a no-op, not an
	// error. Distinguish by probing for the row.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.Get(ctx, tenantUserID); err != nil {
			return err
		}
	}
	return nil
}
