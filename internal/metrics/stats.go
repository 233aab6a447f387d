package metrics

import "time"

// Step is what the fit loop reports after each optimizer update.
type Step struct {
	Images   int
	Pixels   int
	Data     time.Duration
	Compute  time.Duration
	Loss     float64
	Accuracy float64
}

// Window aggregates steps between two log lines.
type Window struct {
	steps   []Step
	images  int
	pixels  int
	elapsed time.Duration
	loss    Mean
}

// Record appends one step. Loss is averaged weighted by image count.
func (w *Window) Record(s Step) {
	w.steps = append(w.steps, s)
	w.images += s.Images
	w.pixels += s.Pixels
	w.elapsed += s.Data + s.Compute
	w.loss.Add(s.Loss, float64(s.Images))
}

// Steps returns the number of steps recorded since the last snapshot.
func (w *Window) Steps() int { return len(w.steps) }

// Snapshot summarizes the window and resets it.
func (w *Window) Snapshot() Snapshot {
	var snap Snapshot
	n := len(w.steps)
	if n == 0 {
		return snap
	}
	if secs := w.elapsed.Seconds(); secs > 0 {
		snap.ImagesPerSec = float64(w.images) / secs
		snap.PixelsPerSec = float64(w.pixels) / secs
	}
	var data, compute time.Duration
	for _, s := range w.steps {
		data += s.Data
		compute += s.Compute
	}
	snap.AvgDataMS = float64(data.Microseconds()) / 1000 / float64(n)
	snap.AvgComputeMS = float64(compute.Microseconds()) / 1000 / float64(n)
	snap.MeanLoss = w.loss.Result()
	last := w.steps[n-1]
	snap.LastLoss = last.Loss
	snap.LastAccuracy = last.Accuracy

	*w = Window{steps: w.steps[:0]}
	return snap
}

// Snapshot holds loggable step metrics.
type Snapshot struct {
	ImagesPerSec float64
	PixelsPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	MeanLoss     float64
	LastLoss     float64
	LastAccuracy float64
}
