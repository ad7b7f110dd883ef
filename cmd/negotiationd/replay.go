package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/negotiation-room/internal/config"
	"github.com/capitalize-ai/negotiation-room/internal/negotiation"
	"github.com/capitalize-ai/negotiation-room/internal/store"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
)

type replayReport struct {
	Snapshot *negotiation.Snapshot `json:"snapshot"`
	Entries  int                   `json:"entries"`
	Wipes    map[string]time.Time  `json:"memoryWipes"`
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <contract-id>",
		Short: "Rebuild a room from the store and print its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := store.Open(ctx, cfg.StoreConfig(), logger.NewNop())
			if err != nil {
				return err
			}
			defer st.Close()

			contract, err := st.GetContract(ctx, args[0])
			if err != nil {
				return fmt.Errorf("contract %s: %w", args[0], err)
			}
			entries, err := st.LoadEntries(ctx, contract.ID, 0)
			if err != nil {
				return err
			}
			wipes, err := st.Wipes(ctx, contract.ID)
			if err != nil {
				return err
			}

			s, err := negotiation.NewSession(contract, negotiation.Options{
				Policy: negotiation.Policy{
					AllowReopenAgreed:         cfg.AllowReopenAgreed,
					ProposerAcceptsImplicitly: !cfg.RequireProposerAcceptance,
				},
			})
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Restore(entries); err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(&replayReport{
				Snapshot: s.Snapshot(),
				Entries:  len(entries),
				Wipes:    wipes,
			})
		},
	}
}
