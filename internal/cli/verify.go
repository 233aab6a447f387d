package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"segforge/internal/config"
	"segforge/internal/state"
)

// ErrNotReproducible is returned by verify when two identical runs diverge.
var ErrNotReproducible = errors.New("training is not reproducible")

func newVerifyCommand() *cobra.Command {
	var epochs int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Train twice from scratch and check the results are bit-identical",
		Long: `Verify runs the full training sequence twice with the same seed and
compares the final weight digests and per-epoch metrics. It exits non-zero
when they differ. Both runs are recorded in the registry.`,
		Example: `  segforge verify --data ./data --epochs 2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := *GetConfig(ctx)
			cfg.ApplyOverrides(config.Overrides{Epochs: epochs})
			logger := GetLogger(ctx)
			out := cmd.OutOrStdout()

			store, err := openStore(&cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			first, err := trainSession(ctx, &cfg, logger, io.Discard, store)
			if err != nil {
				return fmt.Errorf("first run: %w", err)
			}
			second, err := trainSession(ctx, &cfg, logger, io.Discard, store)
			if err != nil {
				return fmt.Errorf("second run: %w", err)
			}

			cmp, err := store.CompareRuns(ctx, first.RunID, second.RunID)
			if err != nil {
				return err
			}
			renderComparison(out, cmp)

			same := first.Digest == second.Digest && first.History.Equal(second.History)
			logger.Info("verify",
				slog.Bool("identical", same),
				slog.String("digest_a", first.Digest),
				slog.String("digest_b", second.Digest))
			if !same || !cmp.Identical() {
				return fmt.Errorf("%w: %s vs %s", ErrNotReproducible, state.ShortID(first.RunID), state.ShortID(second.RunID))
			}
			fmt.Fprintln(out, "reproducible: weights and metrics are bit-identical")
			return nil
		},
	}
	cmd.Flags().IntVar(&epochs, "verify-epochs", 0, "epochs per run (default: the configured epochs)")
	return cmd
}
