package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"segforge/internal/determinism"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one training run.
type Run struct {
	ID            string
	Status        RunStatus
	Seed          int64
	Deterministic bool
	Config        string
	Fingerprint   determinism.Fingerprint
	Digest        string
	CheckpointDir string
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// Duration is the wall time of a finished run, or zero while running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// EpochRecord is the stored result of one epoch.
type EpochRecord struct {
	Epoch    int
	Loss     float64
	Accuracy float64
	Duration time.Duration
}

// NewRun describes a run about to start.
type NewRun struct {
	Seed          int64
	Deterministic bool
	// Config is stored as a YAML snapshot.
	Config      any
	Fingerprint determinism.Fingerprint
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// generateID creates a new UUID.
func generateID() string {
	return uuid.New().String()
}

// ShortID is the 8 character prefix used for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CreateRun inserts a run in the running state.
func (s *Store) CreateRun(ctx context.Context, in NewRun) (*Run, error) {
	snapshot := ""
	if in.Config != nil {
		data, err := yaml.Marshal(in.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot config: %w", err)
		}
		snapshot = string(data)
	}
	fp, err := json.Marshal(in.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fingerprint: %w", err)
	}

	run := &Run{
		ID:            generateID(),
		Status:        RunStatusRunning,
		Seed:          in.Seed,
		Deterministic: in.Deterministic,
		Config:        snapshot,
		Fingerprint:   in.Fingerprint,
		StartedAt:     time.Now().UTC(),
	}
	s.logger.Debug("creating run", slog.String("id", run.ID), slog.Int64("seed", run.Seed))

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, seed, deterministic, config, fingerprint, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.Seed, run.Deterministic, run.Config, string(fp),
		run.StartedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// RecordEpoch stores the metrics of one finished epoch. Recording the same
// epoch twice replaces the earlier row.
func (s *Store) RecordEpoch(ctx context.Context, runID string, rec EpochRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs (run_id, epoch, loss, accuracy, duration_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, rec.Epoch, rec.Loss, rec.Accuracy, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record epoch %d: %w", rec.Epoch, err)
	}
	return nil
}

// CompleteRun marks a run as finished with status, its final weight digest and
// an error message for failed runs.
func (s *Store) CompleteRun(ctx context.Context, id string, status RunStatus, digest, checkpointDir, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, digest = ?, checkpoint_dir = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), digest, checkpointDir, errMsg, now.Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	s.logger.Debug("run completed", slog.String("id", id), slog.String("status", string(status)))
	return nil
}

const runColumns = `id, status, seed, deterministic, config, fingerprint, digest, checkpoint_dir, error, started_at, completed_at`

// GetRun returns the run whose id equals or starts with id. A prefix that
// matches more than one run is an error.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrRunNotFound)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE substr(id, 1, length(?)) = ? ORDER BY id LIMIT 2`, id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer rows.Close()

	var found []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		if run.ID == id {
			return run, nil
		}
		found = append(found, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
	}
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Epochs returns the recorded epochs of a run in epoch order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]EpochRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, loss, accuracy, duration_ms FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get epochs: %w", err)
	}
	defer rows.Close()

	var out []EpochRecord
	for rows.Next() {
		var rec EpochRecord
		var ms int64
		if err := rows.Scan(&rec.Epoch, &rec.Loss, &rec.Accuracy, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run         Run
		status      string
		fingerprint string
		startedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&run.ID, &status, &run.Seed, &run.Deterministic, &run.Config, &fingerprint,
		&run.Digest, &run.CheckpointDir, &run.Error, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Status = RunStatus(status)
	if fingerprint != "" {
		if err := json.Unmarshal([]byte(fingerprint), &run.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to decode fingerprint of run %s: %w", run.ID, err)
		}
	}
	if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at of run %s: %w", run.ID, err)
	}
	if completedAt.Valid {
		t, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at of run %s: %w", run.ID, err)
		}
		run.CompletedAt = &t
	}
	return &run, nil
}
