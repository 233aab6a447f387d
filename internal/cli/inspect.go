package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"segforge/internal/config"
	"segforge/internal/dataset"
	"segforge/internal/determinism"
	"segforge/internal/model"
)

func newInspectCommand() *cobra.Command {
	var showModel bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Describe the dataset (and optionally the model) without training",
		Example: `  segforge inspect --data ./data
  segforge inspect --data ./data --model`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := GetConfig(ctx)
			logger := GetLogger(ctx)
			out := cmd.OutOrStdout()

			if err := cfg.RequireData(); err != nil {
				return err
			}
			layout, err := dataset.Discover(cfg.DataRoot)
			if err != nil {
				return err
			}
			if len(layout.Shards) > 0 {
				fmt.Fprintf(out, "root:   %s (%d shards)\n", layout.Root, len(layout.Shards))
			} else {
				fmt.Fprintf(out, "root:   %s (%d image/mask pairs)\n", layout.Root, len(layout.Pairs))
			}

			src, err := openSource(cfg, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "spec:   %s\n", src.ElementSpec())

			it := src.Iter(ctx)
			defer it.Close()
			hist := make([]int64, cfg.NumClasses)
			examples := 0
			for {
				ex, err := it.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				examples++
				for _, c := range ex.Mask {
					hist[c]++
				}
			}
			fmt.Fprintf(out, "count:  %d examples, %d batches of %d\n",
				examples, (examples+cfg.BatchSize-1)/cfg.BatchSize, cfg.BatchSize)
			renderHistogram(out, hist)

			if showModel {
				return renderModel(out, cfg)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showModel, "model", false, "also print the U-Net layer summary")
	return cmd
}

func renderHistogram(w io.Writer, hist []int64) {
	var total int64
	for _, n := range hist {
		total += n
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"class", "pixels", "share"})
	for c, n := range hist {
		if n == 0 {
			continue
		}
		t.AppendRow(table.Row{c, n, fmt.Sprintf("%.2f%%", 100*float64(n)/float64(total))})
	}
	t.Render()
}

func renderModel(w io.Writer, cfg *config.Config) error {
	unet, err := model.UNetModel(cfg.InputShape(), model.Options{
		Filters: cfg.Filters,
		Classes: cfg.NumClasses,
		Depth:   cfg.Depth,
		Dropout: cfg.Dropout,
	}, determinism.SetRandomSeed(cfg.Seed))
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"layer", "output shape", "params"})
	for _, l := range unet.Summary() {
		t.AppendRow(table.Row{l.Name, fmt.Sprintf("(%d, %d, %d)", l.OutputShape[0], l.OutputShape[1], l.OutputShape[2]), l.Params})
	}
	t.AppendFooter(table.Row{"total", "", model.CountParameters(unet.Parameters())})
	t.Render()
	return nil
}
