package trainer

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// EpochMetrics is the result of one epoch.
type EpochMetrics struct {
	Epoch    int                `yaml:"epoch" json:"epoch"`
	Loss     float64            `yaml:"loss" json:"loss"`
	Accuracy float64            `yaml:"accuracy" json:"accuracy"`
	Metrics  map[string]float64 `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// History is the per-epoch record returned by Fit.
type History struct {
	Epochs []EpochMetrics `yaml:"epochs" json:"epochs"`
}

// Final returns the last epoch, or false when empty.
func (h History) Final() (EpochMetrics, bool) {
	if len(h.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Equal reports whether both histories hold bit-identical loss and metric values.
func (h History) Equal(o History) bool {
	if len(h.Epochs) != len(o.Epochs) {
		return false
	}
	for i := range h.Epochs {
		a, b := h.Epochs[i], o.Epochs[i]
		if a.Epoch != b.Epoch || !sameBits(a.Loss, b.Loss) || !sameBits(a.Accuracy, b.Accuracy) {
			return false
		}
		if len(a.Metrics) != len(b.Metrics) {
			return false
		}
		for k, v := range a.Metrics {
			w, ok := b.Metrics[k]
			if !ok || !sameBits(v, w) {
				return false
			}
		}
	}
	return true
}

func sameBits(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}

// Render writes the history as a table.
func (h History) Render(w io.Writer) {
	extra := h.metricNames()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	header := table.Row{"epoch", "loss", "accuracy"}
	for _, name := range extra {
		header = append(header, name)
	}
	t.AppendHeader(header)
	for _, e := range h.Epochs {
		row := table.Row{e.Epoch, fmt.Sprintf("%.6f", e.Loss), fmt.Sprintf("%.4f", e.Accuracy)}
		for _, name := range extra {
			row = append(row, fmt.Sprintf("%.4f", e.Metrics[name]))
		}
		t.AppendRow(row)
	}
	t.Render()
}

// metricNames lists metric columns other than accuracy, sorted.
func (h History) metricNames() []string {
	seen := map[string]bool{}
	for _, e := range h.Epochs {
		for k := range e.Metrics {
			if k != "accuracy" {
				seen[k] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SaveYAML writes the history to path.
func (h History) SaveYAML(path string) error {
	data, err := yaml.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// LoadHistory reads a history written by SaveYAML.
func LoadHistory(path string) (History, error) {
	var h History
	data, err := os.ReadFile(path)
	if err != nil {
		return h, fmt.Errorf("read history: %w", err)
	}
	if err := yaml.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("parse history: %w", err)
	}
	return h, nil
}
