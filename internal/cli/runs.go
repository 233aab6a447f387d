package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"segforge/internal/state"
)

// ErrRunsDiffer is returned by "runs compare" when the runs are not identical.
var ErrRunsDiffer = errors.New("runs differ")

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Query the run registry",
	}
	cmd.AddCommand(newRunsListCommand(), newRunsShowCommand(), newRunsCompareCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(GetConfig(ctx), GetLogger(ctx))
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(out, "(0 runs)")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(out)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"id", "status", "seed", "deterministic", "epochs", "final loss", "digest", "started", "duration"})
			for _, r := range runs {
				epochs, err := store.Epochs(ctx, r.ID)
				if err != nil {
					return err
				}
				finalLoss := "-"
				if len(epochs) > 0 {
					finalLoss = fmt.Sprintf("%.6f", epochs[len(epochs)-1].Loss)
				}
				t.AppendRow(table.Row{
					state.ShortID(r.ID), r.Status, r.Seed, r.Deterministic, len(epochs), finalLoss,
					shortDigest(r.Digest), r.StartedAt.Local().Format(time.DateTime), formatDuration(r.Duration()),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs (0 for all)")
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its per-epoch metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(GetConfig(ctx), GetLogger(ctx))
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			epochs, err := store.Epochs(ctx, run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:            %s\n", run.ID)
			fmt.Fprintf(out, "status:        %s\n", run.Status)
			fmt.Fprintf(out, "seed:          %d\n", run.Seed)
			fmt.Fprintf(out, "deterministic: %t\n", run.Deterministic)
			fmt.Fprintf(out, "hardware:      %s\n", run.Fingerprint)
			fmt.Fprintf(out, "digest:        %s\n", run.Digest)
			fmt.Fprintf(out, "started:       %s\n", run.StartedAt.Local().Format(time.DateTime))
			fmt.Fprintf(out, "duration:      %s\n", formatDuration(run.Duration()))
			if run.CheckpointDir != "" {
				fmt.Fprintf(out, "checkpoint:    %s\n", run.CheckpointDir)
			}
			if run.Error != "" {
				fmt.Fprintf(out, "error:         %s\n", run.Error)
			}

			t := table.NewWriter()
			t.SetOutputMirror(out)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"epoch", "loss", "accuracy", "time"})
			for _, e := range epochs {
				t.AppendRow(table.Row{e.Epoch, fmt.Sprintf("%.6f", e.Loss), fmt.Sprintf("%.4f", e.Accuracy), formatDuration(e.Duration)})
			}
			t.Render()
			return nil
		},
	}
}

func newRunsCompareCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <run-a> <run-b>",
		Short: "Check whether two runs are bit-identical",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(GetConfig(ctx), GetLogger(ctx))
			if err != nil {
				return err
			}
			defer store.Close()

			cmp, err := store.CompareRuns(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			renderComparison(cmd.OutOrStdout(), cmp)
			if !cmp.Identical() {
				return fmt.Errorf("%w: %s vs %s", ErrRunsDiffer, state.ShortID(cmp.A.ID), state.ShortID(cmp.B.ID))
			}
			return nil
		},
	}
}

func renderComparison(w io.Writer, cmp state.Comparison) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"", state.ShortID(cmp.A.ID), state.ShortID(cmp.B.ID), "match"})
	t.AppendRow(table.Row{"digest", shortDigest(cmp.A.Digest), shortDigest(cmp.B.Digest), cmp.DigestsMatch})
	t.AppendRow(table.Row{"epochs", cmp.EpochsA, cmp.EpochsB, cmp.EpochsA == cmp.EpochsB})
	t.AppendRow(table.Row{"hardware", cmp.A.Fingerprint.String(), cmp.B.Fingerprint.String(), cmp.FingerprintsMatch})
	for _, d := range cmp.Diffs {
		t.AppendRow(table.Row{fmt.Sprintf("epoch %d loss", d.Epoch), d.LossA, d.LossB, false})
		if d.AccuracyA != d.AccuracyB {
			t.AppendRow(table.Row{fmt.Sprintf("epoch %d accuracy", d.Epoch), d.AccuracyA, d.AccuracyB, false})
		}
	}
	t.Render()
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	if d == "" {
		return "-"
	}
	return d
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
