package audit

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrailChain(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	trail := NewTrail(&buf)

	e1, err := trail.Record(ctx, Event{Type: EventChallengeIssued, Actor: "1", SessionID: "s1"})
	require.NoError(t, err)
	e2, err := trail.Record(ctx, Event{Type: EventBiometricResolved, Actor: "1", SessionID: "s1", Attrs: map[string]any{"verified": true}})
	require.NoError(t, err)
	e3, err := trail.Record(ctx, Event{Type: EventTransferExecuted, Actor: "1", Attrs: map[string]any{"amount_kobo": 500000}})
	require.NoError(t, err)

	assert.Equal(t, genesisHash, e1.PreviousHash)
	assert.Equal(t, e3.Hash, trail.Head())
	assert.Equal(t, uint64(3), e3.Seq)

	chain := []*Entry{e1, e2, e3}
	assert.Equal(t, -1, Verify(chain))

	read, err := ReadEntries(&buf)
	require.NoError(t, err)
	require.Len(t, read, 3)
	assert.Equal(t, -1, Verify(read))
	assert.Contains(t, read[1].Payload, `"verified":true`)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	trail := NewTrail(nil)

	var chain []*Entry
	for _, typ := range []string{EventHTTPRequest, EventTransferExecuted, EventHTTPRequest} {
		e, err := trail.Record(ctx, Event{Type: typ})
		require.NoError(t, err)
		chain = append(chain, e)
	}

	original := chain[1].Payload
	chain[1].Payload = `{"type":"transfer_executed","attrs":{"amount_kobo":1}}`
	assert.Equal(t, 1, Verify(chain))
	chain[1].Payload = original

	originalHash := chain[1].Hash
	chain[1].Hash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.Equal(t, 1, Verify(chain))
	chain[1].Hash = originalHash

	chain[2].PreviousHash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.Equal(t, 2, Verify(chain))

	// dropping an entry breaks the link
	assert.Equal(t, 1, Verify([]*Entry{chain[0], chain[2]}))
}
