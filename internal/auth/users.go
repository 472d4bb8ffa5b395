package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound  = errors.New("auth: user not found")
	ErrDuplicateUser = errors.New("auth: email already registered")
)

// User is a login identity. ID matches the ledger's user id.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Scopes       []string
}

type UserStore interface {
	UserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, u User) error
}

func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryUserStore keeps users in a map keyed by lower-cased email.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: map[string]User{}}
}

func (s *MemoryUserStore) UserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[normalizeEmail(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	u.Scopes = append([]string(nil), u.Scopes...)
	return &u, nil
}

func (s *MemoryUserStore) CreateUser(_ context.Context, u User) error {
	key := normalizeEmail(u.Email)
	if key == "" || u.ID == "" {
		return errors.New("auth: user id and email are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[key]; ok {
		return ErrDuplicateUser
	}
	u.Email = key
	s.users[key] = u
	return nil
}

// Reset removes every user.
func (s *MemoryUserStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = map[string]User{}
}
