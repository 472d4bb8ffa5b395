// Package audit records security-relevant events in a hash chain so that any
// edit, removal or reordering of past records is detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Event types recorded by the agent.
const (
	EventHTTPRequest       = "http_request"
	EventChallengeIssued   = "biometric_challenge_issued"
	EventBiometricResolved = "biometric_resolved"
	EventTransferExecuted  = "transfer_executed"
	EventBeneficiaryAdded  = "beneficiary_added"
	EventReferenceEnrolled = "biometric_reference_enrolled"
)

// Event is one auditable fact.
type Event struct {
	Type      string         `json:"type"`
	Actor     string         `json:"actor,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Entry is a chained record. Hash covers PreviousHash, Timestamp and Payload.
type Entry struct {
	Seq          uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Recorder is implemented by Trail and by test fakes.
type Recorder interface {
	Record(ctx context.Context, ev Event) (*Entry, error)
}

var genesisHash = strings.Repeat("0", 64)

// Trail appends events to a hash chain and writes each entry as a JSON line
// to its sink.
type Trail struct {
	mu           sync.Mutex
	seq          uint64
	previousHash string
	sink         io.Writer
	now          func() time.Time
}

// NewTrail creates a trail writing to sink. A nil sink keeps the chain in
// memory only.
func NewTrail(sink io.Writer) *Trail {
	return &Trail{
		previousHash: genesisHash,
		sink:         sink,
		now:          time.Now,
	}
}

// Record appends ev to the chain.
func (t *Trail) Record(ctx context.Context, ev Event) (*Entry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit event: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	entry := &Entry{
		Seq:          t.seq,
		Timestamp:    t.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: t.previousHash,
		Payload:      string(payload),
	}
	entry.Hash = chainHash(entry.PreviousHash, entry.Timestamp, entry.Payload)
	t.previousHash = entry.Hash

	if t.sink != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to encode audit entry: %w", err)
		}
		if _, err := t.sink.Write(append(line, '\n')); err != nil {
			return entry, fmt.Errorf("failed to write audit entry: %w", err)
		}
	}
	return entry, nil
}

// Head returns the hash of the latest entry.
func (t *Trail) Head() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.previousHash
}

func chainHash(prev, ts, payload string) string {
	sum := sha256.Sum256([]byte(prev + "|" + ts + "|" + payload))
	return hex.EncodeToString(sum[:])
}

// Verify checks that entries form an unbroken chain. It returns the index of
// the first bad entry, or -1.
func Verify(entries []*Entry) int {
	for i, e := range entries {
		if i > 0 && e.PreviousHash != entries[i-1].Hash {
			return i
		}
		if chainHash(e.PreviousHash, e.Timestamp, e.Payload) != e.Hash {
			return i
		}
	}
	return -1
}

// ReadEntries decodes the JSON lines written by a Trail.
func ReadEntries(r io.Reader) ([]*Entry, error) {
	dec := json.NewDecoder(r)
	var out []*Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("failed to decode audit entry %d: %w", len(out)+1, err)
		}
		out = append(out, &e)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(ctx context.Context, ev Event) (*Entry, error) { return &Entry{}, nil }
