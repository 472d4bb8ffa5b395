package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/tunjiax-agent/internal/biometric"
	"github.com/example/tunjiax-agent/internal/config"
	"github.com/example/tunjiax-agent/internal/dialogue"
	"github.com/example/tunjiax-agent/internal/tools"
)

// errPromptFaceCheck is returned when chat would accept a typed answer for
// the face check against a production deployment.
var errPromptFaceCheck = errors.New("chat in production needs --face-image; a typed face check answer is only accepted outside production")

// conversation is the part of the orchestrator the console drives.
type conversation interface {
	HandleTurn(ctx context.Context, sessionID, userID, text string) (dialogue.Reply, error)
	ResolveBiometric(ctx context.Context, sessionID, userID string, verified bool) (dialogue.Reply, error)
}

// faceCheck answers a biometric challenge for userID.
type faceCheck func(ctx context.Context, userID string) (bool, error)

// faceMatcher compares an image with the user's enrolled reference.
type faceMatcher interface {
	Verify(ctx context.Context, userID string, image []byte) (biometric.Comparison, error)
}

func newChatCommand(opts *rootOptions) *cobra.Command {
	var email, faceImage string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		Long: "Runs conversation turns in-process against the configured stores and\n" +
			"reasoning provider. With --face-image every face check compares that image\n" +
			"with the enrolled reference. Without it the check is answered at the prompt,\n" +
			"which production and staging refuse.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			check, err := selectFaceCheck(a.Config, faceImage, a.Gate)
			if err != nil {
				return err
			}

			u, err := a.Users.UserByEmail(cmd.Context(), email)
			if err != nil {
				return fmt.Errorf("failed to find %s: %w", email, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chatting as %s. Empty line or Ctrl-D to quit.\n", u.FullName)
			return runConsole(cmd.Context(), a.Orchestrator, u.ID, check, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&email, "email", "akeem@tunjiax.com", "user to chat as")
	cmd.Flags().StringVar(&faceImage, "face-image", "", "image file compared with the enrolled reference at each face check")
	return cmd
}

// selectFaceCheck returns the image-backed check when imagePath is set, and
// nil (answer at the prompt) otherwise. Production refuses the prompt.
func selectFaceCheck(cfg *config.Config, imagePath string, matcher faceMatcher) (faceCheck, error) {
	if imagePath == "" {
		if cfg.IsProduction() {
			return nil, errPromptFaceCheck
		}
		return nil, nil
	}
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read face image: %w", err)
	}
	return func(ctx context.Context, userID string) (bool, error) {
		cmp, err := matcher.Verify(ctx, userID, image)
		if err != nil {
			return false, err
		}
		return cmp.Verified, nil
	}, nil
}

func runConsole(ctx context.Context, conv conversation, userID string, check faceCheck, in io.Reader, out io.Writer) error {
	sessionID := "console-" + uuid.NewString()
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			break
		}

		reply, err := conv.HandleTurn(ctx, sessionID, userID, text)
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply.Text)
		if reply.Signal != tools.SignalBiometricRequired {
			continue
		}

		var verified bool
		if check != nil {
			verified, err = check(ctx, userID)
			if err != nil {
				// the transfer stays staged, as when the face service is down
				fmt.Fprintf(out, "! face check unavailable: %v\n", err)
				continue
			}
		} else {
			fmt.Fprint(out, "face check passed? [y/N] ")
			if scanner.Scan() {
				answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
				verified = answer == "y" || answer == "yes"
			}
		}
		reply, err = conv.ResolveBiometric(ctx, sessionID, userID, verified)
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		fmt.Fprintf(out, "[%s] %s\n", reply.Code, reply.Text)
	}
	return scanner.Err()
}
