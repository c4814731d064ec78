package locator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/marker.locator/internal/archive"
	"github.com/banshee-data/marker.locator/internal/monitoring"
	"github.com/banshee-data/marker.locator/internal/pose"
	"github.com/banshee-data/marker.locator/internal/timeutil"
	"github.com/banshee-data/marker.locator/internal/trajectory"
)

// RunArchiver stores a finished run. *archive.Archive implements it.
type RunArchiver interface {
	FinishRun(ctx context.Context, id uuid.UUID, endedAt time.Time, csvPath string, samples []pose.Sample, stats archive.RunStats) error
}

// FinalizerConfig describes the shutdown work.
type FinalizerConfig struct {
	Trajectory *trajectory.Logger
	// Plot renders a PNG next to the CSV. Plot failures are logged only.
	Plot bool
	// Archive and RunID are optional.
	Archive RunArchiver
	RunID   uuid.UUID
	// Stats supplies the counters stored with the archived run.
	Stats func() Stats
	Clock timeutil.Clock
}

// Finalizer is the shutdown hook that persists a run. Finalize does its
// work once no matter how many exit paths call it.
type Finalizer struct {
	cfg  FinalizerConfig
	once sync.Once
	path string
	err  error
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(cfg FinalizerConfig) *Finalizer {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Finalizer{cfg: cfg}
}

// Finalize flushes the trajectory, renders the optional plot and closes
// the archived run. It returns the CSV path (empty when nothing was
// written) and any persistence error. Later calls return the first result.
func (f *Finalizer) Finalize(ctx context.Context) (string, error) {
	f.once.Do(func() {
		f.path, f.err = f.finalize(ctx)
	})
	return f.path, f.err
}

func (f *Finalizer) finalize(ctx context.Context) (string, error) {
	var (
		path    string
		samples []pose.Sample
		errs    []error
	)

	if f.cfg.Trajectory != nil {
		var err error
		path, err = f.cfg.Trajectory.Flush()
		if err != nil {
			monitoring.Logf("Failed to persist trajectory: %v", err)
			errs = append(errs, fmt.Errorf("persist trajectory: %w", err))
		}
		samples = f.cfg.Trajectory.Samples()
	}

	if f.cfg.Plot && path != "" {
		if plotPath, err := f.cfg.Trajectory.Plot(); err != nil {
			monitoring.Logf("Failed to render trajectory plot: %v", err)
		} else {
			monitoring.Logf("Wrote trajectory plot to %s", plotPath)
		}
	}

	if f.cfg.Archive != nil && f.cfg.RunID != uuid.Nil {
		var stats archive.RunStats
		if f.cfg.Stats != nil {
			s := f.cfg.Stats()
			stats = archive.RunStats{Frames: s.Frames, Poses: s.Poses}
		}
		if err := f.cfg.Archive.FinishRun(ctx, f.cfg.RunID, f.cfg.Clock.Now(), path, samples, stats); err != nil {
			monitoring.Logf("Failed to archive run %s: %v", f.cfg.RunID, err)
			errs = append(errs, fmt.Errorf("archive run: %w", err))
		} else {
			monitoring.Logf("Archived run %s (%d samples)", f.cfg.RunID, len(samples))
		}
	}

	return path, errors.Join(errs...)
}
