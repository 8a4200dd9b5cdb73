package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	existsSQL = `SELECT EXISTS (SELECT 1 FROM users WHERE lower(email) = $1)`

	insertSQL = `INSERT INTO users
		(email, name, encrypted_password, email_verified, is_admin, created_at, updated_at)
		VALUES ($1, $2, $3, true, true, $4, $4)
		RETURNING id`

	resetTokenSQL = `UPDATE users
		SET reset_password_token = $1, reset_password_sent_at = $2, updated_at = $2
		WHERE id = $3`
)

// querier is the subset of *pgx.Conn used by PostgresStore.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore writes users to the Loomio PostgreSQL database.
type PostgresStore struct {
	db  querier
	now func() time.Time
}

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db querier) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Connect opens a connection to databaseURL. The caller closes it.
func Connect(ctx context.Context, databaseURL string) (*pgx.Conn, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn, nil
}

func (s *PostgresStore) Exists(ctx context.Context, email string) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, existsSQL, normalizeEmail(email)).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) Create(ctx context.Context, u NewUser) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, insertSQL, u.Email, u.Name, u.EncryptedPassword, s.now().UTC()).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) SetResetToken(ctx context.Context, id int64, digest string, sentAt time.Time) error {
	tag, err := s.db.Exec(ctx, resetTokenSQL, digest, sentAt, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("user %d not found", id)
	}
	return nil
}
