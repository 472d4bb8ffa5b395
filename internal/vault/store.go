// Package vault keeps each user's enrolled biometric reference image,
// encrypted at rest, so the face check has something to compare against.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/tunjiax-agent/internal/crypto"
)

// MaxImageBytes bounds the size of an enrolled reference image.
const MaxImageBytes = 5 << 20

var (
	ErrNoReference      = errors.New("vault: no reference image enrolled")
	ErrUnsupportedImage = errors.New("vault: reference must be a JPEG or PNG image")
)

// Schema is the DDL for SQLite and PostgreSQL alike.
const Schema = `
CREATE TABLE IF NOT EXISTS biometric_references (
	user_id      TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	ciphertext   BYTEA NOT NULL,
	wrapped_key  BYTEA NOT NULL,
	nonce        BYTEA NOT NULL,
	key_id       TEXT NOT NULL,
	enrolled_at  TIMESTAMP NOT NULL
);
`

// Placeholder selects the bind parameter syntax of the driver.
type Placeholder int

const (
	Question Placeholder = iota // sqlite3
	Dollar                      // pgx stdlib
)

// Reference is the metadata of an enrolled image.
type Reference struct {
	UserID      string
	ContentType string
	KeyID       string
	EnrolledAt  time.Time
}

// Store persists reference images sealed by a crypto.Envelope. The user id is
// bound into each record as additional data, so a row copied to another user
// fails to open.
type Store struct {
	db          *sql.DB
	envelope    *crypto.Envelope
	placeholder Placeholder
	now         func() time.Time
}

func NewStore(db *sql.DB, envelope *crypto.Envelope, placeholder Placeholder) *Store {
	return &Store{db: db, envelope: envelope, placeholder: placeholder, now: time.Now}
}

// Migrate creates the table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := Schema
	if s.placeholder == Question {
		ddl = strings.ReplaceAll(ddl, "BYTEA", "BLOB")
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to migrate vault: %w", err)
	}
	return nil
}

func (s *Store) bind(query string) string {
	if s.placeholder != Dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Enroll seals image and stores it as the user's reference, replacing any
// earlier one.
func (s *Store) Enroll(ctx context.Context, userID string, image []byte) (*Reference, error) {
	if userID == "" {
		return nil, errors.New("vault: user id is required")
	}
	if len(image) == 0 || len(image) > MaxImageBytes {
		return nil, fmt.Errorf("%w: size %d", ErrUnsupportedImage, len(image))
	}
	contentType := http.DetectContentType(image)
	if contentType != "image/jpeg" && contentType != "image/png" {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedImage, contentType)
	}

	sealed, err := s.envelope.Seal(ctx, image, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, s.bind(`
		INSERT INTO biometric_references (user_id, content_type, ciphertext, wrapped_key, nonce, key_id, enrolled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			content_type = excluded.content_type,
			ciphertext = excluded.ciphertext,
			wrapped_key = excluded.wrapped_key,
			nonce = excluded.nonce,
			key_id = excluded.key_id,
			enrolled_at = excluded.enrolled_at
	`), userID, contentType, sealed.Ciphertext, sealed.WrappedKey, sealed.Nonce, sealed.KeyID, now)
	if err != nil {
		return nil, fmt.Errorf("database insert failed: %w", err)
	}

	return &Reference{UserID: userID, ContentType: contentType, KeyID: sealed.KeyID, EnrolledAt: now}, nil
}

// Reference returns the decrypted reference image of userID.
func (s *Store) Reference(ctx context.Context, userID string) ([]byte, error) {
	var sealed crypto.Sealed
	err := s.db.QueryRowContext(ctx, s.bind(`
		SELECT ciphertext, wrapped_key, nonce, key_id
		FROM biometric_references
		WHERE user_id = ?
	`), userID).Scan(&sealed.Ciphertext, &sealed.WrappedKey, &sealed.Nonce, &sealed.KeyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoReference
		}
		return nil, fmt.Errorf("database query failed: %w", err)
	}

	image, err := s.envelope.Open(ctx, &sealed, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return image, nil
}

// RotateKey re-seals every reference stored under oldKeyID with newKeyID.
func (s *Store) RotateKey(ctx context.Context, oldKeyID, newKeyID string) (int, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT user_id, ciphertext, wrapped_key, nonce
		FROM biometric_references
		WHERE key_id = ?
	`), oldKeyID)
	if err != nil {
		return 0, fmt.Errorf("failed to query references: %w", err)
	}

	type row struct {
		userID string
		sealed crypto.Sealed
	}
	var pending []row
	for rows.Next() {
		r := row{sealed: crypto.Sealed{KeyID: oldKeyID}}
		if err := rows.Scan(&r.userID, &r.sealed.Ciphertext, &r.sealed.WrappedKey, &r.sealed.Nonce); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan row: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range pending {
		image, err := s.envelope.Open(ctx, &r.sealed, []byte(r.userID))
		if err != nil {
			return 0, fmt.Errorf("failed to decrypt reference of %s: %w", r.userID, err)
		}
		resealed, err := s.envelope.SealWith(ctx, newKeyID, image, []byte(r.userID))
		if err != nil {
			return 0, fmt.Errorf("failed to encrypt reference of %s: %w", r.userID, err)
		}
		if _, err := tx.ExecContext(ctx, s.bind(`
			UPDATE biometric_references SET ciphertext = ?, wrapped_key = ?, nonce = ?, key_id = ?
			WHERE user_id = ?
		`), resealed.Ciphertext, resealed.WrappedKey, resealed.Nonce, newKeyID, r.userID); err != nil {
			return 0, fmt.Errorf("failed to update reference: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(pending), nil
}
