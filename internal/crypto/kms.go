package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KMS wraps and unwraps per-record data keys under a master key.
type KMS interface {
	GenerateDataKey(ctx context.Context, keyID string) (plaintext, wrapped []byte, err error)
	Decrypt(ctx context.Context, wrapped []byte, keyID string) ([]byte, error)
	ActiveKeyID(ctx context.Context) (string, error)
}

var ErrUnknownKey = errors.New("crypto: unknown master key")

// LocalKMS derives one key-encryption key per key id from a process-held
// master secret with HKDF-SHA256 and wraps data keys with AES-256-GCM.
// Retired key ids stay usable for Decrypt until removed from the ring.
type LocalKMS struct {
	mu     sync.RWMutex
	keks   map[string][]byte
	active string
}

// ParseMasterKey accepts a 32-byte key as 64 hex characters or standard
// base64.
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, errors.New("crypto: master key must be 32 bytes, hex or base64 encoded")
}

// NewLocalKMS creates a KMS whose active key id is keyID.
func NewLocalKMS(keyID string, master []byte) (*LocalKMS, error) {
	k := &LocalKMS{keks: make(map[string][]byte)}
	if err := k.AddKey(keyID, master); err != nil {
		return nil, err
	}
	k.active = keyID
	return k, nil
}

// AddKey registers another master key. It does not change the active key.
func (k *LocalKMS) AddKey(keyID string, master []byte) error {
	if keyID == "" {
		return errors.New("crypto: key id must not be empty")
	}
	if len(master) < 32 {
		return errors.New("crypto: master key must be at least 32 bytes")
	}
	kek := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte("tunjiax-kek:"+keyID)), kek); err != nil {
		return fmt.Errorf("failed to derive key-encryption key: %w", err)
	}
	k.mu.Lock()
	k.keks[keyID] = kek
	k.mu.Unlock()
	return nil
}

// Rotate makes keyID the key used for new data keys.
func (k *LocalKMS) Rotate(keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keks[keyID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	k.active = keyID
	return nil
}

func (k *LocalKMS) ActiveKeyID(ctx context.Context) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active, nil
}

func (k *LocalKMS) kek(keyID string) (cipher.AEAD, error) {
	k.mu.RLock()
	key, ok := k.keks[keyID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return newGCM(key)
}

func (k *LocalKMS) GenerateDataKey(ctx context.Context, keyID string) ([]byte, []byte, error) {
	gcm, err := k.kek(keyID)
	if err != nil {
		return nil, nil, err
	}

	plaintext := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, plaintext); err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	wrapped := gcm.Seal(nonce, nonce, plaintext, []byte(keyID))
	return plaintext, wrapped, nil
}

func (k *LocalKMS) Decrypt(ctx context.Context, wrapped []byte, keyID string) ([]byte, error) {
	gcm, err := k.kek(keyID)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, errors.New("crypto: wrapped key too short")
	}
	nonce, body := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
