package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"segforge/internal/state"
)

func newTrainCommand() *cobra.Command {
	var (
		historyPath string
		noRecord    bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a U-Net on the configured dataset",
		Long: `Train seeds every random stream, enables op determinism, builds the
cache -> shuffle -> batch pipeline, prints the element spec of the source
dataset, then compiles and fits the U-Net.`,
		Example: `  # Train with defaults (15 epochs, batch 32, shuffle buffer 500, seed 1)
  segforge train --data ./data

  # Keep the weights and the per-epoch history
  segforge train --data ./data --checkpoint ./ckpt --history history.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := GetConfig(ctx)
			logger := GetLogger(ctx)
			out := cmd.OutOrStdout()

			var (
				store *state.Store
				err   error
			)
			if !noRecord {
				if store, err = openStore(cfg, logger); err != nil {
					return err
				}
				defer store.Close()
			}

			res, err := trainSession(ctx, cfg, logger, out, store)
			if err != nil {
				return err
			}

			res.History.Render(out)
			if res.RunID != "" {
				fmt.Fprintf(out, "run:    %s\n", res.RunID)
			}
			fmt.Fprintf(out, "params: %d\n", res.Params)
			fmt.Fprintf(out, "digest: %s\n", res.Digest)
			if historyPath != "" {
				if err := res.History.SaveYAML(historyPath); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&historyPath, "history", "", "write the per-epoch history as YAML to this file")
	cmd.Flags().BoolVar(&noRecord, "no-record", false, "do not record the run in the registry")
	return cmd
}
