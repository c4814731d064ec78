package pose

import (
	"fmt"
	"math"
)

// Quality grades a solve by its RMS reprojection error.
type Quality string

const (
	// QualityExcellent indicates RMSE < 0.5px
	QualityExcellent Quality = "excellent"
	// QualityGood indicates RMSE 0.5-1.5px
	QualityGood Quality = "good"
	// QualityFair indicates RMSE 1.5-3px, usable but check calibration
	QualityFair Quality = "fair"
	// QualityPoor indicates RMSE > 3px
	QualityPoor Quality = "poor"
	// QualityUnknown indicates the RMSE was not computed
	QualityUnknown Quality = "unknown"
)

// Reprojection RMSE thresholds (pixels)
const (
	RMSEThresholdExcellent = 0.5
	RMSEThresholdGood      = 1.5
	RMSEThresholdFair      = 3.0
	// RotationTolerance is the tolerance for checking rotation matrix validity
	RotationTolerance = 0.01
)

// QualityFor grades a reprojection RMSE in pixels.
func QualityFor(rmsePx float64) Quality {
	switch {
	case math.IsNaN(rmsePx) || rmsePx < 0:
		return QualityUnknown
	case rmsePx < RMSEThresholdExcellent:
		return QualityExcellent
	case rmsePx < RMSEThresholdGood:
		return QualityGood
	case rmsePx < RMSEThresholdFair:
		return QualityFair
	default:
		return QualityPoor
	}
}

// String returns a human-readable description of the quality.
func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent (RMSE < 0.5px)"
	case QualityGood:
		return "good (RMSE 0.5-1.5px)"
	case QualityFair:
		return "fair (RMSE 1.5-3px)"
	case QualityPoor:
		return "poor (RMSE > 3px)"
	case QualityUnknown:
		return "unknown (RMSE not computed)"
	default:
		return string(q)
	}
}

// ValidateRotation checks that r is a proper rotation: orthonormal rows
// and determinant 1 (not a reflection).
func ValidateRotation(r Rotation) error {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.IsNaN(r[i][j]) || math.IsInf(r[i][j], 0) {
				return fmt.Errorf("rotation has non-finite element [%d][%d]", i, j)
			}
		}
	}

	if det := r.Det(); math.Abs(det-1.0) > RotationTolerance {
		return fmt.Errorf("rotation determinant %.4f, want 1", det)
	}

	rrt := r.Mul(r.Transpose())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(rrt[i][j]-want) > RotationTolerance {
				return fmt.Errorf("rotation is not orthonormal: R·Rᵀ[%d][%d] = %.4f", i, j, rrt[i][j])
			}
		}
	}
	return nil
}
