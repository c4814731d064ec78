package pose_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/marker.locator/internal/camera"
	"github.com/banshee-data/marker.locator/internal/detect"
	"github.com/banshee-data/marker.locator/internal/markermap"
	"github.com/banshee-data/marker.locator/internal/pose"
	"github.com/banshee-data/marker.locator/internal/source"
	"github.com/banshee-data/marker.locator/internal/testutil"
	"github.com/banshee-data/marker.locator/internal/timeutil"
)

const (
	imageWidth  = 640
	imageHeight = 480
)

func testIntrinsics() camera.Intrinsics {
	return camera.NewIntrinsics(800, 810, 320, 240, [5]float64{-0.12, 0.05, 0.001, -0.0008, 0})
}

// expectedPose is what the estimator should report for a camera whose
// optical centre sits at center: the reference point lies offset metres
// behind it along the heading.
func expectedPose(center r3.Vector, heading, offset float64) pose.Pose {
	h := heading * math.Pi / 180
	return pose.Pose{
		X:   center.X - offset*math.Cos(h),
		Y:   center.Y - offset*math.Sin(h),
		Yaw: pose.WrapDegrees(heading),
	}
}

func TestEstimate_SyntheticRecovery(t *testing.T) {
	m, err := markermap.Build(markermap.DefaultLayout())
	require.NoError(t, err)
	in := testIntrinsics()
	est := pose.NewEstimator(pose.DefaultEstimatorConfig(), in)

	tests := []struct {
		name    string
		center  r3.Vector
		heading float64
	}{
		{"head-on middle page", r3.Vector{X: 1.8, Y: 0.5, Z: 0}, 90},
		{"angled left", r3.Vector{X: 1.2, Y: 0.3, Z: 0.05}, 80},
		{"angled right", r3.Vector{X: 2.4, Y: 0.8, Z: -0.02}, 100},
		{"close to wall", r3.Vector{X: 0.9, Y: 1.4, Z: 0}, 93},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := source.Observe(m, in, tt.center, tt.heading, imageWidth, imageHeight)
			require.NotEmpty(t, obs, "no markers visible from %v", tt.center)

			res, err := est.EstimateDetailed(obs, m)
			require.NoError(t, err)

			want := expectedPose(tt.center, tt.heading, est.Config().ReferenceOffset)
			assert.InDelta(t, want.X, res.Pose.X, 1e-3, "x")
			assert.InDelta(t, want.Y, res.Pose.Y, 1e-3, "y")
			assert.Less(t, testutil.AngleDiffDeg(res.Pose.Yaw, want.Yaw), 0.5, "yaw")
			assert.InDelta(t, tt.center.Z, res.Position3D.Z, 1e-3, "z")

			assert.Equal(t, len(obs), res.Markers)
			assert.Zero(t, res.Unknown)
			assert.Equal(t, pose.QualityExcellent, res.Quality)
		})
	}
}

func TestEstimate_SingleMarkerHeadOn(t *testing.T) {
	m, err := markermap.New(markermap.Marker{ID: 3, Center: r3.Vector{X: 1.8, Y: 1.0, Z: 0}, Side: 0.1})
	require.NoError(t, err)
	in := camera.NewIntrinsics(800, 800, 320, 240, [5]float64{})

	center := r3.Vector{X: 1.8, Y: 0, Z: 0}
	obs := source.Observe(m, in, center, 90, imageWidth, imageHeight)
	require.Len(t, obs, 1)

	cfg := pose.DefaultEstimatorConfig()
	cfg.ReferenceOffset = 0
	got, err := pose.NewEstimator(cfg, in).Estimate(obs, m)
	require.NoError(t, err)

	assert.InDelta(t, 1.8, got.X, 1e-3)
	assert.InDelta(t, 0.0, got.Y, 1e-3)
	assert.Less(t, testutil.AngleDiffDeg(got.Yaw, 90), 0.5)
}

func TestEstimate_NonCoplanarMarkers(t *testing.T) {
	m, err := markermap.New(
		markermap.Marker{ID: 1, Center: r3.Vector{X: 1.6, Y: 2.0, Z: 0}, Side: 0.1},
		markermap.Marker{ID: 2, Center: r3.Vector{X: 2.0, Y: 2.5, Z: 0.1}, Side: 0.1},
		markermap.Marker{ID: 3, Center: r3.Vector{X: 1.8, Y: 2.2, Z: -0.15}, Side: 0.06},
	)
	require.NoError(t, err)
	in := testIntrinsics()

	center := r3.Vector{X: 1.75, Y: 0.6, Z: 0.02}
	obs := source.Observe(m, in, center, 88, imageWidth, imageHeight)
	require.Len(t, obs, 3)

	est := pose.NewEstimator(pose.DefaultEstimatorConfig(), in)
	got, err := est.Estimate(obs, m)
	require.NoError(t, err)

	want := expectedPose(center, 88, est.Config().ReferenceOffset)
	assert.InDelta(t, want.X, got.X, 1e-3)
	assert.InDelta(t, want.Y, got.Y, 1e-3)
	assert.Less(t, testutil.AngleDiffDeg(got.Yaw, want.Yaw), 0.5)
}

func TestEstimate_UnknownIDsLeaveStateUnchanged(t *testing.T) {
	m, err := markermap.Build(markermap.DefaultLayout())
	require.NoError(t, err)
	est := pose.NewEstimator(pose.DefaultEstimatorConfig(), testIntrinsics())

	state := pose.NewState(timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	prior := pose.Pose{X: 0.4, Y: 0.2, Yaw: 45}
	state.Update(prior, true)

	detected := []detect.DetectedMarker{
		{ID: 500, Corners: [4]r2.Point{{X: 10, Y: 10}, {X: 50, Y: 10}, {X: 50, Y: 50}, {X: 10, Y: 50}}},
		{ID: 501, Corners: [4]r2.Point{{X: 100, Y: 10}, {X: 150, Y: 10}, {X: 150, Y: 50}, {X: 100, Y: 50}}},
	}
	p, err := est.Estimate(detected, m)
	state.Update(p, err == nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, pose.ErrNoPose))
	assert.True(t, errors.Is(err, pose.ErrInsufficientPoints))
	assert.Equal(t, pose.Pose{}, p)
	assert.Equal(t, prior, state.Current())
	assert.Equal(t, uint64(1), state.Updates())
}

func TestEstimate_NoDetections(t *testing.T) {
	m, err := markermap.Build(markermap.DefaultLayout())
	require.NoError(t, err)
	_, err = pose.NewEstimator(pose.DefaultEstimatorConfig(), testIntrinsics()).Estimate(nil, m)
	assert.ErrorIs(t, err, pose.ErrInsufficientPoints)
}

func TestEstimate_MinMarkers(t *testing.T) {
	m, err := markermap.Build(markermap.DefaultLayout())
	require.NoError(t, err)
	in := testIntrinsics()

	obs := source.Observe(m, in, r3.Vector{X: 1.8, Y: 0.5}, 90, imageWidth, imageHeight)
	require.NotEmpty(t, obs)

	cfg := pose.DefaultEstimatorConfig()
	cfg.MinMarkers = len(obs) + 1
	_, err = pose.NewEstimator(cfg, in).Estimate(obs, m)
	assert.ErrorIs(t, err, pose.ErrInsufficientPoints)
}

func TestEstimate_RejectsInconsistentCorners(t *testing.T) {
	m, err := markermap.New(markermap.Marker{ID: 3, Center: r3.Vector{X: 1.8, Y: 1.0, Z: 0}, Side: 0.1})
	require.NoError(t, err)
	in := camera.NewIntrinsics(800, 800, 320, 240, [5]float64{})

	obs := source.Observe(m, in, r3.Vector{X: 1.8}, 90, imageWidth, imageHeight)
	require.Len(t, obs, 1)

	// drag one corner far outward; no rigid pose explains the quad
	obs[0].Corners[2] = obs[0].Corners[2].Add(r2.Point{X: 40, Y: 40})

	cfg := pose.DefaultEstimatorConfig()
	cfg.MaxReprojectionErrorPx = 0.5
	_, err = pose.NewEstimator(cfg, in).Estimate(obs, m)
	assert.ErrorIs(t, err, pose.ErrSolverFailed)
	assert.ErrorIs(t, err, pose.ErrNoPose)
}

func TestEstimate_DegenerateCorners(t *testing.T) {
	m, err := markermap.New(markermap.Marker{ID: 3, Center: r3.Vector{X: 1.8, Y: 1.0, Z: 0}, Side: 0.1})
	require.NoError(t, err)
	in := camera.NewIntrinsics(800, 800, 320, 240, [5]float64{})

	same := r2.Point{X: 320, Y: 240}
	detected := []detect.DetectedMarker{{ID: 3, Corners: [4]r2.Point{same, same, same, same}}}

	assert.NotPanics(t, func() {
		_, err = pose.NewEstimator(pose.DefaultEstimatorConfig(), in).Estimate(detected, m)
	})
	assert.ErrorIs(t, err, pose.ErrSolverFailed)
}

func TestEstimate_Repeatable(t *testing.T) {
	m, err := markermap.Build(markermap.DefaultLayout())
	require.NoError(t, err)
	in := testIntrinsics()
	est := pose.NewEstimator(pose.DefaultEstimatorConfig(), in)

	obs := source.Observe(m, in, r3.Vector{X: 1.5, Y: 0.7}, 85, imageWidth, imageHeight)
	first, err := est.Estimate(obs, m)
	require.NoError(t, err)
	second, err := est.Estimate(obs, m)
	require.NoError(t, err)

	assert.InDelta(t, first.X, second.X, 1e-9)
	assert.InDelta(t, first.Y, second.Y, 1e-9)
	assert.InDelta(t, first.Yaw, second.Yaw, 1e-9)
}
