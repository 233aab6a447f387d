package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"segforge/internal/config"
	"segforge/internal/dataset"
	"segforge/internal/determinism"
	"segforge/internal/model"
	"segforge/internal/state"
	"segforge/internal/trainer"
)

func preprocessOptions(cfg *config.Config) dataset.PreprocessOptions {
	return dataset.PreprocessOptions{
		Height:   cfg.ImageHeight,
		Width:    cfg.ImageWidth,
		Channels: cfg.NumChannels,
		Classes:  cfg.NumClasses,
	}
}

func openSource(cfg *config.Config, logger *slog.Logger) (dataset.Dataset, error) {
	if err := cfg.RequireData(); err != nil {
		return nil, err
	}
	return dataset.Open(cfg.DataRoot, dataset.SourceOptions{
		Preprocess: preprocessOptions(cfg),
		NumWorkers: cfg.NumWorkers,
		Logger:     logger,
	})
}

func openStore(cfg *config.Config, logger *slog.Logger) (*state.Store, error) {
	return state.Open(cfg.StatePath, logger)
}

// trainResult is what one training session produced.
type trainResult struct {
	RunID   string
	Digest  string
	History trainer.History
	Params  int
}

// trainSession runs the whole training sequence for cfg: seed, determinism,
// cache/shuffle/batch, model, compile, fit. The run is recorded in store when
// it is non-nil.
func trainSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer, store *state.Store) (trainResult, error) {
	seeds := determinism.SetRandomSeed(cfg.Seed)
	if cfg.Deterministic {
		determinism.EnableOpDeterminism()
	} else {
		determinism.DisableOpDeterminism()
	}

	src, err := openSource(cfg, logger)
	if err != nil {
		return trainResult{}, err
	}
	shuffled, err := dataset.Shuffle(dataset.Cache(src), cfg.BufferSize, seeds)
	if err != nil {
		return trainResult{}, err
	}
	batches, err := dataset.Batch(shuffled, cfg.BatchSize)
	if err != nil {
		return trainResult{}, err
	}
	fmt.Fprintln(out, src.ElementSpec())

	unet, err := model.UNetModel(cfg.InputShape(), model.Options{
		Filters: cfg.Filters,
		Classes: cfg.NumClasses,
		Depth:   cfg.Depth,
		Dropout: cfg.Dropout,
	}, seeds)
	if err != nil {
		return trainResult{}, err
	}
	tr, err := trainer.Compile(unet, trainer.CompileOptions{
		Optimizer:    cfg.Optimizer,
		LearningRate: cfg.LearningRate,
		Loss:         cfg.Loss,
		Metrics:      cfg.Metrics,
		NumWorkers:   cfg.NumWorkers,
		Seeds:        seeds,
		Logger:       logger,
	})
	if err != nil {
		return trainResult{}, err
	}
	res := trainResult{Params: model.CountParameters(unet.Parameters())}

	fingerprint := determinism.CurrentFingerprint()
	if cfg.Deterministic && determinism.HasFMA() {
		logger.Debug("fused multiply-add available; results are reproducible on this hardware only",
			slog.String("fingerprint", fingerprint.String()))
	}
	if store != nil {
		run, err := store.CreateRun(ctx, state.NewRun{
			Seed:          cfg.Seed,
			Deterministic: cfg.Deterministic,
			Config:        cfg,
			Fingerprint:   fingerprint,
		})
		if err != nil {
			return res, err
		}
		res.RunID = run.ID
	}
	logger.Info("training",
		slog.String("run_id", res.RunID),
		slog.Int("params", res.Params),
		slog.Int("epochs", cfg.Epochs),
		slog.Int("batch_size", cfg.BatchSize))

	epochStart := time.Now()
	history, fitErr := tr.Fit(ctx, batches, trainer.FitOptions{
		Epochs:   cfg.Epochs,
		LogEvery: cfg.LogEvery,
		OnEpochEnd: func(em trainer.EpochMetrics) error {
			elapsed := time.Since(epochStart)
			epochStart = time.Now()
			if store == nil {
				return nil
			}
			return store.RecordEpoch(ctx, res.RunID, state.EpochRecord{
				Epoch:    em.Epoch,
				Loss:     em.Loss,
				Accuracy: em.Accuracy,
				Duration: elapsed,
			})
		},
	})
	res.History = history
	res.Digest = model.Digest(unet.Parameters())

	// fail records the run as failed (or cancelled) even when ctx is done.
	fail := func(runErr error) error {
		if store == nil {
			return runErr
		}
		status := state.RunStatusFailed
		if errors.Is(runErr, context.Canceled) {
			status = state.RunStatusCancelled
		}
		if err := store.CompleteRun(context.WithoutCancel(ctx), res.RunID, status, res.Digest, "", runErr.Error()); err != nil {
			logger.Error("failed to record run outcome", slog.String("run_id", res.RunID), slog.Any("error", err))
		}
		return runErr
	}

	if fitErr != nil {
		return res, fail(fitErr)
	}

	if cfg.CheckpointDir != "" {
		meta, err := model.SaveCheckpoint(cfg.CheckpointDir, unet.Parameters(), model.Metadata{
			RunID:         res.RunID,
			Seed:          cfg.Seed,
			Deterministic: cfg.Deterministic,
			Epochs:        cfg.Epochs,
			InputShape:    cfg.InputShape(),
			CreatedAt:     time.Now().UTC(),
			Fingerprint:   fingerprint,
		})
		if err != nil {
			return res, fail(err)
		}
		logger.Info("checkpoint saved", slog.String("dir", cfg.CheckpointDir), slog.String("digest", meta.Digest))
	}

	if store != nil {
		if err := store.CompleteRun(ctx, res.RunID, state.RunStatusCompleted, res.Digest, cfg.CheckpointDir, ""); err != nil {
			return res, err
		}
	}
	return res, nil
}
