package locator_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/marker.locator/internal/camera"
	"github.com/banshee-data/marker.locator/internal/detect"
	"github.com/banshee-data/marker.locator/internal/framehistory"
	"github.com/banshee-data/marker.locator/internal/fsutil"
	"github.com/banshee-data/marker.locator/internal/locator"
	"github.com/banshee-data/marker.locator/internal/markermap"
	"github.com/banshee-data/marker.locator/internal/monitoring"
	"github.com/banshee-data/marker.locator/internal/pose"
	"github.com/banshee-data/marker.locator/internal/source"
	"github.com/banshee-data/marker.locator/internal/telemetry"
	"github.com/banshee-data/marker.locator/internal/testutil"
	"github.com/banshee-data/marker.locator/internal/timeutil"
	"github.com/banshee-data/marker.locator/internal/trajectory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quiet(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

// logCapture collects log lines from any goroutine.
type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func capture(t *testing.T) *logCapture {
	t.Helper()
	c := &logCapture{}
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lines = append(c.lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = original })
	return c
}

func (c *logCapture) contains(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// wallMarker is a single marker one metre in front of a camera at the
// origin of the X axis, facing it.
func wallMarker(t *testing.T) *markermap.Map {
	t.Helper()
	m, err := markermap.New(markermap.Marker{ID: 7, Center: r3.Vector{X: 1.8, Y: 1.0, Z: 0}, Side: 0.1})
	require.NoError(t, err)
	return m
}

func intrinsics() camera.Intrinsics {
	return camera.NewIntrinsics(615, 615, 320, 240, [5]float64{})
}

var headOn = source.Waypoint{Center: r3.Vector{X: 1.8, Y: 0, Z: 0}, Heading: 90}

type fixture struct {
	engine  *locator.Engine
	synth   *source.Synthetic
	traj    *trajectory.Logger
	fs      *fsutil.MemoryFileSystem
	clock   *timeutil.MockClock
	offset  float64
	headOnX float64
	headOnY float64
}

func newFixture(t *testing.T, path []source.Waypoint, mutate func(*locator.Config)) *fixture {
	t.Helper()
	m := wallMarker(t)
	in := intrinsics()
	clock := timeutil.NewMockClock(epoch)
	synth := source.NewSynthetic(source.SyntheticConfig{
		Map:        m,
		Intrinsics: in,
		Path:       path,
		Width:      640,
		Height:     480,
		Clock:      clock,
	})
	fs := fsutil.NewMemoryFileSystem()
	traj := trajectory.NewLogger(fs, "output")
	est := pose.NewEstimator(pose.DefaultEstimatorConfig(), in)

	cfg := locator.Config{
		Source:         synth,
		Detector:       synth,
		Map:            m,
		Estimator:      est,
		Trajectory:     traj,
		Projection:     pose.DefaultProjection(),
		RequiredFrames: 2,
		Clock:          clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := locator.NewEngine(cfg)
	require.NoError(t, err)

	offset := est.Config().ReferenceOffset
	return &fixture{
		engine:  e,
		synth:   synth,
		traj:    traj,
		fs:      fs,
		clock:   clock,
		offset:  offset,
		headOnX: headOn.Center.X,
		headOnY: headOn.Center.Y - offset,
	}
}

func TestEngine_ThreeFrameScenario(t *testing.T) {
	quiet(t)
	path := []source.Waypoint{{Center: headOn.Center, Heading: 90, Hidden: true}, headOn, headOn}
	f := newFixture(t, path, nil)
	ctx := context.Background()

	// frame 1: no recognised markers
	rec, err := f.synth.Next(ctx)
	require.NoError(t, err)
	_, ok := f.engine.ProcessFrame(ctx, rec)
	assert.False(t, ok)
	assert.Equal(t, pose.Pose{}, f.engine.State().Current())
	assert.Zero(t, f.engine.State().Updates())
	assert.False(t, f.engine.Ready())

	// frame 2: one marker head-on
	rec, err = f.synth.Next(ctx)
	require.NoError(t, err)
	second, ok := f.engine.ProcessFrame(ctx, rec)
	require.True(t, ok)
	assert.InDelta(t, f.headOnX, second.X, 1e-3)
	assert.InDelta(t, f.headOnY, second.Y, 1e-3)
	assert.Less(t, testutil.AngleDiffDeg(second.Yaw, 90), 0.5)
	assert.Equal(t, second, f.engine.State().Current())
	assert.True(t, f.engine.Ready())

	// frame 3: unchanged input re-estimates the same pose
	rec, err = f.synth.Next(ctx)
	require.NoError(t, err)
	third, ok := f.engine.ProcessFrame(ctx, rec)
	require.True(t, ok)
	assert.InDelta(t, second.X, third.X, 1e-9)
	assert.InDelta(t, second.Y, third.Y, 1e-9)
	assert.InDelta(t, second.Yaw, third.Yaw, 1e-9)

	assert.Equal(t, uint64(2), f.engine.State().Updates())
	assert.Equal(t, 2, f.traj.Len())
}

func TestEngine_RunToEndOfSource(t *testing.T) {
	quiet(t)
	path := []source.Waypoint{{Center: headOn.Center, Heading: 90, Hidden: true}, headOn, headOn}
	f := newFixture(t, path, nil)

	require.NoError(t, f.engine.Run(context.Background()))

	s := f.engine.Stats()
	assert.Equal(t, uint64(3), s.Frames, "every frame read is counted")
	assert.Equal(t, uint64(2), s.Poses)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Zero(t, s.Timeouts)
	assert.Zero(t, s.Panics)

	samples := f.traj.Samples()
	require.Len(t, samples, 2)
	want := pose.DefaultProjection().Sample(pose.Pose{X: f.headOnX, Y: f.headOnY, Yaw: 90})
	for _, s := range samples {
		assert.InDelta(t, want.X, s.X, 0.1)
		assert.InDelta(t, want.Y, s.Y, 0.1)
	}
	assert.Zero(t, f.fs.Writes(), "the engine never writes the trajectory itself")
}

type recordingSink struct {
	samples []pose.Sample
	err     error
}

func (s *recordingSink) Send(sample pose.Sample) error {
	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, sample)
	return nil
}
func (s *recordingSink) State() telemetry.ConnState { return telemetry.Connected }
func (s *recordingSink) Close() error               { return nil }

type bufferCloser struct{ bytes.Buffer }

func (*bufferCloser) Close() error { return nil }

func TestEngine_SendsToEverySink(t *testing.T) {
	quiet(t)
	var port bufferCloser
	serialSink := telemetry.NewSerialSink("test", &port, 2)
	rec := &recordingSink{}
	notConnected := &recordingSink{err: telemetry.ErrNotConnected}

	f := newFixture(t, []source.Waypoint{headOn, headOn}, func(c *locator.Config) {
		c.Sinks = []telemetry.Sink{notConnected, rec, serialSink}
	})
	require.NoError(t, f.engine.Run(context.Background()))

	assert.Len(t, rec.samples, 2)

	lines := strings.Split(strings.TrimSuffix(port.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 3, line)
		x, err := strconv.ParseFloat(fields[0], 64)
		require.NoError(t, err)
		assert.InDelta(t, f.headOnX*100, x, 0.1)
		// yaw limited to two decimals
		assert.Len(t, fields[2][strings.Index(fields[2], ".")+1:], 2, line)
	}
}

// blockingSource blocks each read until ctx is done. After the first
// `blocks` reads it reports the configured terminal error.
type blockingSource struct {
	mu     sync.Mutex
	calls  int
	blocks int
	end    error
}

func (s *blockingSource) Next(ctx context.Context) (framehistory.Record, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.blocks < 0 || n <= s.blocks {
		<-ctx.Done()
		return framehistory.Record{}, ctx.Err()
	}
	return framehistory.Record{}, s.end
}

func (s *blockingSource) Close() error { return nil }

func TestEngine_FrameTimeoutContinues(t *testing.T) {
	quiet(t)
	src := &blockingSource{blocks: 2, end: io.EOF}
	f := newFixture(t, nil, func(c *locator.Config) {
		c.Source = src
		c.FrameTimeout = 10 * time.Millisecond
	})

	require.NoError(t, f.engine.Run(context.Background()))
	s := f.engine.Stats()
	assert.Equal(t, uint64(2), s.Timeouts)
	assert.Zero(t, s.Frames)
}

func TestEngine_SourceErrorEndsRun(t *testing.T) {
	quiet(t)
	unplugged := errors.New("camera unplugged")
	f := newFixture(t, nil, func(c *locator.Config) {
		c.Source = &blockingSource{blocks: 0, end: unplugged}
	})

	err := f.engine.Run(context.Background())
	assert.ErrorIs(t, err, unplugged)
}

func TestEngine_CancelStopsRun(t *testing.T) {
	quiet(t)
	f := newFixture(t, nil, func(c *locator.Config) {
		c.Source = &blockingSource{blocks: -1}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestEngine_RecoversFramePanic(t *testing.T) {
	quiet(t)
	f := newFixture(t, []source.Waypoint{headOn, headOn, headOn}, func(c *locator.Config) {
		synth := c.Detector
		c.Detector = detect.Func(func(ctx context.Context, frame framehistory.Record) ([]detect.DetectedMarker, error) {
			if frame.Seq == 2 {
				panic("corrupt frame")
			}
			return synth.Detect(ctx, frame)
		})
	})
	require.NoError(t, f.engine.Run(context.Background()))
	s := f.engine.Stats()
	assert.Equal(t, uint64(3), s.Frames)
	assert.Equal(t, uint64(2), s.Poses)
	assert.Equal(t, uint64(1), s.Panics)
	assert.Equal(t, 2, f.traj.Len())
}

func TestEngine_DetectorUnavailable(t *testing.T) {
	logs := capture(t)
	calls := 0
	f := newFixture(t, []source.Waypoint{headOn, headOn, headOn}, func(c *locator.Config) {
		c.Detector = detect.Func(func(context.Context, framehistory.Record) ([]detect.DetectedMarker, error) {
			calls++
			return nil, detect.ErrUnavailable
		})
	})

	require.NoError(t, f.engine.Run(context.Background()))
	s := f.engine.Stats()
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(3), s.Misses)
	assert.Zero(t, s.Poses)
	assert.Zero(t, s.DetectErrors)
	assert.Equal(t, pose.Pose{}, f.engine.State().Current())
	assert.True(t, logs.contains("marker detection unavailable"))
}

func TestEngine_StatsLoggedOnInterval(t *testing.T) {
	logs := capture(t)
	f := newFixture(t, nil, func(c *locator.Config) {
		c.Source = &blockingSource{blocks: -1}
		c.StatsInterval = 10 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.clock.Advance(10 * time.Second)
		return logs.contains("Locator stats: frames=0")
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestNewEngine_Validation(t *testing.T) {
	m := wallMarker(t)
	est := pose.NewEstimator(pose.DefaultEstimatorConfig(), intrinsics())
	src := &blockingSource{}

	_, err := locator.NewEngine(locator.Config{Map: m, Estimator: est})
	assert.Error(t, err, "missing source")

	_, err = locator.NewEngine(locator.Config{Source: src, Map: m})
	assert.Error(t, err, "missing estimator")

	empty, err := markermap.New()
	require.NoError(t, err)
	_, err = locator.NewEngine(locator.Config{Source: src, Map: empty, Estimator: est})
	assert.Error(t, err, "empty map")

	e, err := locator.NewEngine(locator.Config{Source: src, Map: m, Estimator: est})
	require.NoError(t, err)
	assert.NotNil(t, e.State())
	assert.Nil(t, e.Trajectory())
	assert.False(t, e.Ready())
}
