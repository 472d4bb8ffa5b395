package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tunjiax-agent/internal/biometric"
	"github.com/example/tunjiax-agent/internal/config"
	"github.com/example/tunjiax-agent/internal/dialogue"
	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/tools"
)

type scriptedConversation struct {
	turns    []string
	verdicts []bool
	session  string
}

func (s *scriptedConversation) HandleTurn(ctx context.Context, sessionID, userID, text string) (dialogue.Reply, error) {
	s.turns = append(s.turns, text)
	s.session = sessionID
	if strings.EqualFold(text, "yes") {
		return dialogue.Reply{Text: dialogue.BiometricPromptText, Signal: tools.SignalBiometricRequired, State: session.StateAwaitingBiometric}, nil
	}
	return dialogue.Reply{Text: "Send ₦5,000 to Tunde Bakare?", State: session.StateAwaitingConfirmation}, nil
}

func (s *scriptedConversation) ResolveBiometric(ctx context.Context, sessionID, userID string, verified bool) (dialogue.Reply, error) {
	s.verdicts = append(s.verdicts, verified)
	if !verified {
		return dialogue.Reply{Text: "Verification failed.", Code: tools.CodeVerificationFailed}, nil
	}
	return dialogue.Reply{Text: "Done!", Code: tools.CodeSuccess, State: session.StateDone}, nil
}

func TestRunConsole(t *testing.T) {
	conv := &scriptedConversation{}
	in := strings.NewReader("Send 5k to Tunde\nyes\ny\n\n")
	var out bytes.Buffer

	require.NoError(t, runConsole(context.Background(), conv, "user-akeem", nil, in, &out))

	assert.Equal(t, []string{"Send 5k to Tunde", "yes"}, conv.turns)
	assert.Equal(t, []bool{true}, conv.verdicts)
	assert.True(t, strings.HasPrefix(conv.session, "console-"))
	assert.Contains(t, out.String(), "[SUCCESS] Done!")
}

func TestRunConsoleDeclinedFaceCheck(t *testing.T) {
	conv := &scriptedConversation{}
	in := strings.NewReader("yes\nn\n")
	var out bytes.Buffer

	require.NoError(t, runConsole(context.Background(), conv, "user-akeem", nil, in, &out))
	assert.Equal(t, []bool{false}, conv.verdicts)
	assert.Contains(t, out.String(), "[VERIFICATION_FAILED]")
}

type matcherFunc func(ctx context.Context, userID string, image []byte) (biometric.Comparison, error)

func (f matcherFunc) Verify(ctx context.Context, userID string, image []byte) (biometric.Comparison, error) {
	return f(ctx, userID, image)
}

func TestSelectFaceCheckRefusesPromptInProduction(t *testing.T) {
	for _, env := range []string{"production", "staging"} {
		t.Run(env, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Environment = env
			check, err := selectFaceCheck(cfg, "", nil)
			assert.ErrorIs(t, err, errPromptFaceCheck)
			assert.Nil(t, check)
		})
	}

	check, err := selectFaceCheck(config.Defaults(), "", nil)
	require.NoError(t, err)
	assert.Nil(t, check, "development answers at the prompt")
}

func TestSelectFaceCheckUsesImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "face.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0o600))

	var seen []byte
	matcher := matcherFunc(func(ctx context.Context, userID string, image []byte) (biometric.Comparison, error) {
		seen = image
		return biometric.Comparison{Verified: userID == "user-akeem"}, nil
	})

	cfg := config.Defaults()
	cfg.Environment = "production"
	check, err := selectFaceCheck(cfg, path, matcher)
	require.NoError(t, err)
	require.NotNil(t, check)

	ok, err := check(context.Background(), "user-akeem")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("jpeg-bytes"), seen)

	ok, err = check(context.Background(), "user-tunde")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = selectFaceCheck(cfg, filepath.Join(t.TempDir(), "missing.jpg"), matcher)
	assert.Error(t, err)
}

func TestRunConsoleIgnoresTypedAnswerWithImageCheck(t *testing.T) {
	conv := &scriptedConversation{}
	// "y" after the challenge is an ordinary turn, not a face check answer
	in := strings.NewReader("yes\ny\n")
	var out bytes.Buffer
	check := func(ctx context.Context, userID string) (bool, error) { return false, nil }

	require.NoError(t, runConsole(context.Background(), conv, "user-akeem", check, in, &out))
	assert.Equal(t, []bool{false}, conv.verdicts)
	assert.Equal(t, []string{"yes", "y"}, conv.turns)
	assert.NotContains(t, out.String(), "face check passed?")
}

func TestRunConsoleKeepsTransferWhenCheckFails(t *testing.T) {
	conv := &scriptedConversation{}
	in := strings.NewReader("yes\n")
	var out bytes.Buffer
	check := func(ctx context.Context, userID string) (bool, error) {
		return false, errors.New("biometric: verification is not configured")
	}

	require.NoError(t, runConsole(context.Background(), conv, "user-akeem", check, in, &out))
	assert.Empty(t, conv.verdicts)
	assert.Contains(t, out.String(), "! face check unavailable")
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"seed", "token", "verify", "audit", "rotate-key", "chat"}, names)
}
