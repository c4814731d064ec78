// Package locator runs the per-frame localization loop: read a frame,
// detect markers, estimate the pose, record it and stream it to telemetry
// sinks.
package locator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/banshee-data/marker.locator/internal/detect"
	"github.com/banshee-data/marker.locator/internal/framehistory"
	"github.com/banshee-data/marker.locator/internal/markermap"
	"github.com/banshee-data/marker.locator/internal/monitoring"
	"github.com/banshee-data/marker.locator/internal/pose"
	"github.com/banshee-data/marker.locator/internal/source"
	"github.com/banshee-data/marker.locator/internal/telemetry"
	"github.com/banshee-data/marker.locator/internal/timeutil"
	"github.com/banshee-data/marker.locator/internal/trajectory"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Source    source.Source
	Detector  detect.Detector
	Map       *markermap.Map
	Estimator *pose.Estimator
	// State, History and Trajectory are created when nil.
	State      *pose.State
	History    *framehistory.History
	Trajectory *trajectory.Logger
	Projection pose.Projection
	Sinks      []telemetry.Sink

	// RequiredFrames is the history depth at which Ready reports true.
	RequiredFrames int
	// FrameTimeout bounds each frame read; zero waits indefinitely.
	FrameTimeout time.Duration
	// StatsInterval is how often counters are logged; zero disables it.
	StatsInterval time.Duration
	Clock         timeutil.Clock
}

// Stats are the engine's running counters.
type Stats struct {
	Frames       uint64 // frames read, whether or not a pose was found
	Poses        uint64
	Misses       uint64 // frames with no pose
	Timeouts     uint64
	DetectErrors uint64
	Panics       uint64
}

// Engine is the single writer of the pose state, the frame history and the
// trajectory buffer. Run must not be called concurrently.
type Engine struct {
	cfg Config

	frames       atomic.Uint64
	poses        atomic.Uint64
	misses       atomic.Uint64
	timeouts     atomic.Uint64
	detectErrors atomic.Uint64
	panics       atomic.Uint64
	ready        atomic.Bool

	warnedUnavailable bool
}

// NewEngine validates cfg and fills in defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errors.New("locator: frame source is required")
	}
	if cfg.Estimator == nil {
		return nil, errors.New("locator: estimator is required")
	}
	if cfg.Map == nil || cfg.Map.Len() == 0 {
		return nil, errors.New("locator: marker map is empty")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Detector == nil {
		cfg.Detector = detect.Unavailable{}
	}
	if cfg.State == nil {
		cfg.State = pose.NewState(cfg.Clock)
	}
	if cfg.History == nil {
		cfg.History = framehistory.New(framehistory.DefaultCapacity)
	}
	if cfg.Projection.ScalePxPerM == 0 {
		cfg.Projection = pose.DefaultProjection()
	}
	return &Engine{cfg: cfg}, nil
}

// State returns the pose state the engine updates.
func (e *Engine) State() *pose.State { return e.cfg.State }

// Trajectory returns the trajectory logger, or nil when recording is off.
func (e *Engine) Trajectory() *trajectory.Logger { return e.cfg.Trajectory }

// Ready reports whether the frame history holds the required number of
// frames. Safe to call from any goroutine.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Stats returns a snapshot of the counters. Safe to call from any
// goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		Frames:       e.frames.Load(),
		Poses:        e.poses.Load(),
		Misses:       e.misses.Load(),
		Timeouts:     e.timeouts.Load(),
		DetectErrors: e.detectErrors.Load(),
		Panics:       e.panics.Load(),
	}
}

// Run reads and processes frames until the source ends or ctx is
// cancelled, both of which return nil. A frame read timeout is logged and
// the loop continues. Any other source error ends the run and is returned.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	statsDone := e.startStats(ctx)
	defer func() {
		cancel()
		<-statsDone
		e.logStats()
	}()

	for {
		rec, err := source.NextWithTimeout(ctx, e.cfg.Source, e.cfg.FrameTimeout)
		switch {
		case err == nil:
		case errors.Is(err, source.ErrFrameTimeout):
			n := e.timeouts.Add(1)
			monitoring.Logf("No frame within %v (%d timeouts)", e.cfg.FrameTimeout, n)
			continue
		case errors.Is(err, io.EOF):
			monitoring.Logf("Frame source ended after %d frames", e.frames.Load())
			return nil
		case ctx.Err() != nil:
			monitoring.Logf("Frame loop stopping: %v", context.Cause(ctx))
			return nil
		default:
			return fmt.Errorf("failed to read frame: %w", err)
		}

		e.frames.Add(1)
		e.ProcessFrame(ctx, rec)
	}
}

// ProcessFrame runs one frame through detection, estimation, recording and
// telemetry. It reports the pose and whether this frame produced one. A
// panic is recovered and counted as a miss.
func (e *Engine) ProcessFrame(ctx context.Context, rec framehistory.Record) (p pose.Pose, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.misses.Add(1)
			monitoring.Logf("Recovered panic processing frame %d: %v", rec.Seq, r)
			p, ok = pose.Pose{}, false
		}
	}()

	e.cfg.History.Push(rec)
	if !e.ready.Load() && e.cfg.History.Sufficient(e.cfg.RequiredFrames) {
		e.ready.Store(true)
		monitoring.Logf("Frame history ready after frame %d", rec.Seq)
	}

	detected, err := e.cfg.Detector.Detect(ctx, rec)
	if err != nil {
		e.handleDetectError(rec.Seq, err)
	}

	p, err = e.cfg.Estimator.Estimate(detected, e.cfg.Map)
	if err != nil {
		e.misses.Add(1)
		if errors.Is(err, pose.ErrNoPose) {
			monitoring.Debugf("Frame %d: %v", rec.Seq, err)
		} else {
			monitoring.Logf("Frame %d: pose estimation failed: %v", rec.Seq, err)
		}
		return pose.Pose{}, false
	}

	e.cfg.State.Update(p, true)
	e.poses.Add(1)

	sample := e.cfg.Projection.Sample(p)
	if e.cfg.Trajectory != nil {
		e.cfg.Trajectory.Record(sample)
	}
	e.send(sample)

	monitoring.Debugf("Frame %d: x=%.3f y=%.3f yaw=%.2f (%d markers)", rec.Seq, p.X, p.Y, p.Yaw, len(detected))
	return p, true
}

func (e *Engine) handleDetectError(seq uint64, err error) {
	if errors.Is(err, detect.ErrUnavailable) {
		if !e.warnedUnavailable {
			e.warnedUnavailable = true
			monitoring.Logf("WARNING: marker detection unavailable, continuing without poses: %v", err)
		}
		return
	}
	e.detectErrors.Add(1)
	monitoring.Logf("Frame %d: marker detection failed: %v", seq, err)
}

func (e *Engine) send(sample pose.Sample) {
	for _, sink := range e.cfg.Sinks {
		err := sink.Send(sample)
		switch {
		case err == nil:
		case errors.Is(err, telemetry.ErrNotConnected), errors.Is(err, telemetry.ErrDropped):
			monitoring.Debugf("Telemetry send skipped: %v", err)
		default:
			monitoring.Logf("Telemetry send failed: %v", err)
		}
	}
}

func (e *Engine) startStats(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if e.cfg.StatsInterval <= 0 {
		close(done)
		return done
	}

	ticker := e.cfg.Clock.NewTicker(e.cfg.StatsInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				e.logStats()
			}
		}
	}()
	return done
}

func (e *Engine) logStats() {
	s := e.Stats()
	monitoring.Logf("Locator stats: frames=%d poses=%d misses=%d timeouts=%d detect_errors=%d panics=%d",
		s.Frames, s.Poses, s.Misses, s.Timeouts, s.DetectErrors, s.Panics)
}
