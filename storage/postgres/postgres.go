// Package postgres implements identity.Store backed by PostgreSQL.
//
// Logins are matched on the email_norm and username_norm columns, which hold
// identity.NormalizeLogin of the display values; empty values are stored as
// NULL so the unique constraints only apply to logins that exist.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/civicgate/identity"
)

const selectColumns = `id, email, username, password_hash,
	is_moderator, is_admin, is_super_admin,
	totp_secret, totp_enabled, totp_backup_codes, totp_last_step, totp_last_session_step`

// Store implements identity.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ identity.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*identity.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM identities WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, identity.ErrNotFound)
	}
	return rec, err
}

func (s *Store) FindByLogin(ctx context.Context, login string) (*identity.Record, error) {
	key := identity.NormalizeLogin(login)
	if key == "" {
		return nil, identity.ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM identities
		 WHERE email_norm = $1 OR username_norm = $1
		 ORDER BY (email_norm = $1) IS TRUE DESC
		 LIMIT 1`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	return rec, err
}

func (s *Store) Create(ctx context.Context, rec *identity.Record) error {
	if rec.ID == "" {
		rec.ID = identity.NewID()
	}
	codes := rec.TOTP.BackupCodes
	if codes == nil {
		codes = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO identities (id, email, email_norm, username, username_norm, password_hash,
			is_moderator, is_admin, is_super_admin,
			totp_secret, totp_enabled, totp_backup_codes, totp_last_step, totp_last_session_step)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.Email, nullableLogin(rec.Email), rec.Username, nullableLogin(rec.Username), rec.PasswordHash,
		rec.Roles.Moderator, rec.Roles.Admin, rec.Roles.SuperAdmin,
		rec.TOTP.Secret, rec.TOTP.Enabled, codes, rec.TOTP.LastUsedStep, rec.TOTP.LastSessionStep)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", rec.ID, identity.ErrExists)
	}
	return err
}

// UpdateTOTP locks the row with SELECT ... FOR UPDATE so concurrent code
// verifications for the same identity observe each other's last-used step.
func (s *Store) UpdateTOTP(ctx context.Context, id string, fn func(*identity.TOTPSecret) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var ts identity.TOTPSecret
	err = tx.QueryRow(ctx,
		`SELECT totp_secret, totp_enabled, totp_backup_codes, totp_last_step, totp_last_session_step
		 FROM identities WHERE id = $1 FOR UPDATE`, id).Scan(
		&ts.Secret, &ts.Enabled, &ts.BackupCodes, &ts.LastUsedStep, &ts.LastSessionStep)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, identity.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if err := fn(&ts); err != nil {
		return err
	}
	codes := ts.BackupCodes
	if codes == nil {
		codes = []string{}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE identities SET totp_secret = $2, totp_enabled = $3, totp_backup_codes = $4,
			totp_last_step = $5, totp_last_session_step = $6, updated_at = now()
		 WHERE id = $1`,
		id, ts.Secret, ts.Enabled, codes, ts.LastUsedStep, ts.LastSessionStep); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanRecord(row pgx.Row) (*identity.Record, error) {
	var rec identity.Record
	err := row.Scan(&rec.ID, &rec.Email, &rec.Username, &rec.PasswordHash,
		&rec.Roles.Moderator, &rec.Roles.Admin, &rec.Roles.SuperAdmin,
		&rec.TOTP.Secret, &rec.TOTP.Enabled, &rec.TOTP.BackupCodes, &rec.TOTP.LastUsedStep, &rec.TOTP.LastSessionStep)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func nullableLogin(s string) *string {
	n := identity.NormalizeLogin(s)
	if n == "" {
		return nil
	}
	return &n
}
