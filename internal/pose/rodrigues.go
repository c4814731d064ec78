package pose

import (
	"math"

	"github.com/golang/geo/r3"
)

// Rotation is a row-major 3×3 rotation matrix.
type Rotation [3][3]float64

// Identity returns the identity rotation.
func Identity() Rotation {
	return Rotation{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Apply rotates v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// Transpose returns rᵀ, which is also the inverse rotation.
func (r Rotation) Transpose() Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[j][i]
		}
	}
	return out
}

// Mul returns r·o.
func (r Rotation) Mul(o Rotation) Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[i][0]*o[0][j] + r[i][1]*o[1][j] + r[i][2]*o[2][j]
		}
	}
	return out
}

// Det returns the determinant.
func (r Rotation) Det() float64 {
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

// Rodrigues converts an axis-angle rotation vector (axis scaled by the
// angle in radians) to a rotation matrix.
func Rodrigues(rvec r3.Vector) Rotation {
	theta := rvec.Norm()
	if theta < 1e-12 {
		// first order: I + [r]x
		return Rotation{
			{1, -rvec.Z, rvec.Y},
			{rvec.Z, 1, -rvec.X},
			{-rvec.Y, rvec.X, 1},
		}
	}

	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c

	return Rotation{
		{c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s},
		{k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s},
		{k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v},
	}
}

// RotationVector converts a rotation matrix back to its axis-angle vector,
// with the angle in [0, π].
func RotationVector(r Rotation) r3.Vector {
	cosTheta := (r[0][0] + r[1][1] + r[2][2] - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)

	skew := r3.Vector{
		X: r[2][1] - r[1][2],
		Y: r[0][2] - r[2][0],
		Z: r[1][0] - r[0][1],
	}

	switch {
	case theta < 1e-9:
		return skew.Mul(0.5)
	case math.Pi-theta < 1e-6:
		// sin θ vanishes; recover the axis from R = 2kkᵀ - I
		xx := math.Sqrt(math.Max(0, (r[0][0]+1)/2))
		yy := math.Sqrt(math.Max(0, (r[1][1]+1)/2))
		zz := math.Sqrt(math.Max(0, (r[2][2]+1)/2))
		var k r3.Vector
		switch {
		case xx >= yy && xx >= zz:
			k = r3.Vector{X: xx, Y: (r[0][1] + r[1][0]) / (4 * xx), Z: (r[0][2] + r[2][0]) / (4 * xx)}
		case yy >= zz:
			k = r3.Vector{X: (r[0][1] + r[1][0]) / (4 * yy), Y: yy, Z: (r[1][2] + r[2][1]) / (4 * yy)}
		default:
			k = r3.Vector{X: (r[0][2] + r[2][0]) / (4 * zz), Y: (r[1][2] + r[2][1]) / (4 * zz), Z: zz}
		}
		return k.Normalize().Mul(theta)
	default:
		return skew.Mul(theta / (2 * math.Sin(theta)))
	}
}
