package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/config"
	"github.com/jmcleod/civicgate/internal/logging"
	"github.com/jmcleod/civicgate/session"
	"github.com/jmcleod/civicgate/storage"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Identity session tools",
	Long:  `Commands that act on the sessions of a single identity through the configured store.`,
}

var revokeIdentityCmd = &cobra.Command{
	Use:   "revoke <identity-id>",
	Short: "Revoke every session issued to an identity so far",
	Long: `Writes an identity revocation cutoff to the configured store. Every token
issued to the identity before now is rejected from then on.

Needs a shared store: with the bbolt backend the server must be stopped
first, and the memory backend is refused.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		if cfg.StoreBackend == config.StoreMemory {
			return errors.New("the memory store backend is private to the server process")
		}
		logger, err := logging.New(logging.ConfigFromEnv())
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		kv, err := openKV(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer kv.Close()

		return runRevokeIdentity(cmd.Context(), cmd.OutOrStdout(), kv, logger, args[0], time.Now(), cfg.TokenTTL)
	},
}

func runRevokeIdentity(ctx context.Context, out io.Writer, kv storage.Store, logger *zap.Logger, id string, at time.Time, ttl time.Duration) error {
	if err := session.New(kv, logger).RevokeIdentity(ctx, id, at, ttl); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "revoked sessions of %s issued at or before %s\n",
		id, at.UTC().Truncate(time.Second).Format(time.RFC3339))
	return err
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(revokeIdentityCmd)
}
