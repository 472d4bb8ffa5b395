// Package crypto provides envelope encryption for data kept at rest, such as
// enrolled biometric reference images.
package crypto

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
)

// Envelope encrypts each record with its own AES-256-GCM data key; the data
// key is stored wrapped by the KMS next to the ciphertext.
type Envelope struct {
	kms KMS
}

func NewEnvelope(kms KMS) *Envelope {
	return &Envelope{kms: kms}
}

// Sealed is an encrypted record with everything needed to open it except the
// additional data, which the caller supplies again on Open.
type Sealed struct {
	Ciphertext []byte
	WrappedKey []byte
	Nonce      []byte
	KeyID      string
}

// Seal encrypts plaintext under the KMS's active key. additionalData is
// authenticated but not stored.
func (e *Envelope) Seal(ctx context.Context, plaintext, additionalData []byte) (*Sealed, error) {
	keyID, err := e.kms.ActiveKeyID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get key ID: %w", err)
	}
	return e.SealWith(ctx, keyID, plaintext, additionalData)
}

// SealWith encrypts plaintext under a specific master key.
func (e *Envelope) SealWith(ctx context.Context, keyID string, plaintext, additionalData []byte) (*Sealed, error) {
	dataKey, wrapped, err := e.kms.GenerateDataKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	defer zero(dataKey)

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Sealed{
		Ciphertext: gcm.Seal(nil, nonce, plaintext, additionalData),
		WrappedKey: wrapped,
		Nonce:      nonce,
		KeyID:      keyID,
	}, nil
}

// Open decrypts s. It fails if additionalData differs from the one used to
// seal.
func (e *Envelope) Open(ctx context.Context, s *Sealed, additionalData []byte) ([]byte, error) {
	dataKey, err := e.kms.Decrypt(ctx, s.WrappedKey, s.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data key: %w", err)
	}
	defer zero(dataKey)

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
