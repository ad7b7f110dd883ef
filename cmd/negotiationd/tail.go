package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/negotiation-room/internal/config"
	natsclient "github.com/capitalize-ai/negotiation-room/internal/nats"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
)

func tailCmd() *cobra.Command {
	var (
		after uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "tail <contract-id>",
		Short: "Print a room's envelopes mirrored to JetStream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return errors.New("NEGOTIATION_NATS_URL is not set")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			client, err := natsclient.Connect(ctx, natsclient.Config{
				URL:      cfg.NATSURL,
				CAFile:   cfg.NATSCAFile,
				CertFile: cfg.NATSCertFile,
				KeyFile:  cfg.NATSKeyFile,
				Token:    cfg.NATSToken,
			}, logger.NewNop())
			if err != nil {
				return err
			}
			defer client.Close()

			envs, err := natsclient.NewStreamManager(client).Fetch(ctx, args[0], after, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, env := range envs {
				if err := enc.Encode(env); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "Only print envelopes after this room sequence")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum number of envelopes")
	return cmd
}
