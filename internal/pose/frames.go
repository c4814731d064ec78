package pose

import (
	"math"

	"github.com/golang/geo/r3"
)

// CameraCenter returns the optical centre in world coordinates for a
// world-to-camera transform X_c = R·X_w + t, which is -Rᵀ·t.
func CameraCenter(r Rotation, t r3.Vector) r3.Vector {
	return r.Transpose().Apply(t).Mul(-1)
}

// YawFromRotation extracts the map heading in degrees from a
// world-to-camera rotation. The raw angle atan2(R[2,0], R[2,1]) is measured
// from world +Y; the map convention is -yaw + 90 (counter-clockwise from
// world +X), wrapped to [0, 360).
func YawFromRotation(r Rotation) float64 {
	raw := math.Atan2(r[2][0], r[2][1]) * 180 / math.Pi
	return WrapDegrees(-raw + 90)
}

// WrapDegrees wraps an angle into [0, 360).
func WrapDegrees(deg float64) float64 {
	w := math.Mod(deg, 360)
	if w < 0 {
		w += 360
	}
	if w >= 360 {
		w = 0
	}
	return w
}

// LookAlong builds the world-to-camera transform for a level camera at
// centre, looking horizontally along the map heading headingDeg
// (counter-clockwise from world +X). Camera axes follow the pinhole
// convention: x right, y down, z forward. It is the inverse of what
// Estimate recovers and is used to synthesise observations.
func LookAlong(center r3.Vector, headingDeg float64) (Rotation, r3.Vector) {
	h := headingDeg * math.Pi / 180
	forward := r3.Vector{X: math.Cos(h), Y: math.Sin(h)}
	right := r3.Vector{X: math.Sin(h), Y: -math.Cos(h)}
	down := r3.Vector{Z: -1}

	r := Rotation{
		{right.X, right.Y, right.Z},
		{down.X, down.Y, down.Z},
		{forward.X, forward.Y, forward.Z},
	}
	return r, r.Apply(center).Mul(-1)
}
