// Package pose recovers the camera's planar pose from detected fiducial
// markers and holds the most recent estimate.
package pose

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/banshee-data/marker.locator/internal/camera"
	"github.com/banshee-data/marker.locator/internal/detect"
	"github.com/banshee-data/marker.locator/internal/markermap"
)

var (
	// ErrNoPose is wrapped by every estimation failure.
	ErrNoPose = errors.New("no pose")
	// ErrInsufficientPoints is returned when too few detected markers are
	// present in the map.
	ErrInsufficientPoints = fmt.Errorf("%w: insufficient correspondences", ErrNoPose)
	// ErrSolverFailed is returned when the PnP solve fails or its result is
	// rejected.
	ErrSolverFailed = fmt.Errorf("%w: solver failed", ErrNoPose)
)

// Pose is the camera's planar position in world metres and its heading in
// degrees in [0, 360), counter-clockwise from world +X.
type Pose struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// EstimatorConfig tunes the estimator.
type EstimatorConfig struct {
	// MinMarkers is the number of recognised markers required to attempt a
	// solve.
	MinMarkers int
	// ReferenceOffset shifts the optical centre backward along the heading
	// to the platform's reference point, in metres.
	ReferenceOffset float64
	// MaxReprojectionErrorPx rejects solutions with a larger RMS pixel
	// error. Zero disables the check.
	MaxReprojectionErrorPx float64
	// MaxIterations bounds the nonlinear refinement.
	MaxIterations int
}

// DefaultEstimatorConfig returns the configuration used on the course.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		MinMarkers:             1,
		ReferenceOffset:        0.05,
		MaxReprojectionErrorPx: 4.0,
		MaxIterations:          50,
	}
}

// Result is a successful estimate with solver diagnostics.
type Result struct {
	Pose       Pose
	RMSEPx     float64
	Quality    Quality
	Markers    int // recognised markers used in the solve
	Unknown    int // detected IDs absent from the map
	Iterations int
	// Position3D is the optical centre in world coordinates before the
	// reference offset is applied.
	Position3D r3.Vector
	Rotation   Rotation
}

// Estimator solves camera pose for a fixed calibration. It holds no
// per-frame state and is safe for concurrent use.
type Estimator struct {
	cfg        EstimatorConfig
	intrinsics camera.Intrinsics
}

// NewEstimator creates an estimator for the given calibration.
func NewEstimator(cfg EstimatorConfig, intrinsics camera.Intrinsics) *Estimator {
	if cfg.MinMarkers < 1 {
		cfg.MinMarkers = 1
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = DefaultEstimatorConfig().MaxIterations
	}
	return &Estimator{cfg: cfg, intrinsics: intrinsics}
}

// Config returns the effective configuration.
func (e *Estimator) Config() EstimatorConfig { return e.cfg }

// Estimate returns the pose for one frame's detections. Every failure wraps
// ErrNoPose.
func (e *Estimator) Estimate(detected []detect.DetectedMarker, m *markermap.Map) (Pose, error) {
	res, err := e.EstimateDetailed(detected, m)
	if err != nil {
		return Pose{}, err
	}
	return res.Pose, nil
}

// EstimateDetailed is Estimate with solver diagnostics.
func (e *Estimator) EstimateDetailed(detected []detect.DetectedMarker, m *markermap.Map) (Result, error) {
	var object []r3.Vector
	var image []r2.Point
	var res Result

	for _, d := range detected {
		corners, ok := m.Corners(d.ID)
		if !ok {
			res.Unknown++
			continue
		}
		res.Markers++
		object = append(object, corners[:]...)
		image = append(image, d.Corners[:]...)
	}

	if res.Markers < e.cfg.MinMarkers || len(object) < 4 {
		return Result{}, fmt.Errorf("%w: %d recognised markers (%d unknown), need %d",
			ErrInsufficientPoints, res.Markers, res.Unknown, e.cfg.MinMarkers)
	}

	sol, err := solvePnP(object, image, e.intrinsics, e.cfg.MaxIterations)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSolverFailed, err)
	}
	if err := ValidateRotation(sol.R); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSolverFailed, err)
	}
	if e.cfg.MaxReprojectionErrorPx > 0 && sol.RMSEPx > e.cfg.MaxReprojectionErrorPx {
		return Result{}, fmt.Errorf("%w: reprojection error %.2fpx exceeds %.2fpx",
			ErrSolverFailed, sol.RMSEPx, e.cfg.MaxReprojectionErrorPx)
	}

	center := CameraCenter(sol.R, sol.T)
	yaw := YawFromRotation(sol.R)
	h := yaw * math.Pi / 180

	p := Pose{
		X:   center.X - e.cfg.ReferenceOffset*math.Cos(h),
		Y:   center.Y - e.cfg.ReferenceOffset*math.Sin(h),
		Yaw: yaw,
	}
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Yaw) {
		return Result{}, fmt.Errorf("%w: non-finite pose", ErrSolverFailed)
	}

	res.Pose = p
	res.RMSEPx = sol.RMSEPx
	res.Quality = QualityFor(sol.RMSEPx)
	res.Iterations = sol.Iterations
	res.Position3D = center
	res.Rotation = sol.R
	return res, nil
}
