package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsersSchema is the PostgreSQL DDL backing PostgresUserStore.
const UsersSchema = `
CREATE TABLE IF NOT EXISTS users (
    user_id       TEXT PRIMARY KEY,
    email         TEXT UNIQUE NOT NULL,
    full_name     TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    scopes        TEXT[] NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresUserStore struct {
	Pool *pgxpool.Pool
}

func (s *PostgresUserStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	if s.Pool == nil {
		return nil, errors.New("missing pool")
	}

	var u User
	err := s.Pool.QueryRow(ctx,
		`SELECT user_id, email, full_name, password_hash, scopes FROM users WHERE email = $1`,
		normalizeEmail(email),
	).Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.Scopes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, u User) error {
	if s.Pool == nil {
		return errors.New("missing pool")
	}

	scopes := u.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO users (user_id, email, full_name, password_hash, scopes) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, normalizeEmail(u.Email), u.FullName, u.PasswordHash, scopes,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateUser
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}
