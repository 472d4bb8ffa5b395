package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/tunjiax-agent/internal/app"
	"github.com/example/tunjiax-agent/internal/config"
)

type rootOptions struct {
	configFile string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "transferctl",
		Short: "Operate the TunjiaX transfer agent",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log component activity to stderr")

	rootCmd.AddCommand(
		newSeedCommand(opts),
		newTokenCommand(opts),
		newVerifyCommand(opts),
		newAuditCommand(),
		newRotateKeyCommand(opts),
		newChatCommand(opts),
	)
	return rootCmd
}

// open loads configuration the way the server does and builds the
// application against it.
func (o *rootOptions) open(ctx context.Context) (*app.App, error) {
	if o.configFile != "" {
		if err := os.Setenv("CONFIG_FILE", o.configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var w io.Writer = io.Discard
	if o.verbose {
		w = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return app.Build(ctx, cfg, logger)
}
