package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	refPrefix   = "TJX"
	debitLeg    = "-DR"
	creditLeg   = "-CR"
	refTimeForm = "20060102150405"
)

// NewReferenceCode returns a code with a UTC time prefix and a random suffix,
// e.g. "TJX20261016150405-8F3A2C". Codes sort roughly by creation time.
func NewReferenceCode(now time.Time) (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate reference suffix: %w", err)
	}
	return refPrefix + now.UTC().Format(refTimeForm) + "-" + strings.ToUpper(hex.EncodeToString(b[:])), nil
}

// DebitReference returns the DEBIT leg reference for a transfer code.
func DebitReference(code string) string { return code + debitLeg }

// CreditReference returns the CREDIT leg reference for a transfer code.
func CreditReference(code string) string { return code + creditLeg }

// TransferCode strips the leg suffix from a leg reference.
// "TJX20261016150405-8F3A2C-DR" -> "TJX20261016150405-8F3A2C"
func TransferCode(ref string) string {
	if strings.HasSuffix(ref, debitLeg) || strings.HasSuffix(ref, creditLeg) {
		return ref[:len(ref)-len(debitLeg)]
	}
	return ref
}

// Linked reports whether two leg references belong to the same transfer.
func Linked(a, b string) bool {
	return a != b && TransferCode(a) == TransferCode(b)
}

// NewTransactionID returns a time-ordered globally unique id.
func NewTransactionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate transaction id: %w", err)
	}
	return id.String(), nil
}
