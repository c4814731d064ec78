// Package camera holds the pinhole calibration used to relate image pixels
// to rays in the camera frame.
package camera

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// ErrInvalidIntrinsics is returned when a calibration cannot be used for
// projection.
var ErrInvalidIntrinsics = errors.New("invalid camera intrinsics")

// Intrinsics is the calibrated camera model: a 3×3 camera matrix and the
// five Brown–Conrady coefficients in k1, k2, p1, p2, k3 order.
type Intrinsics struct {
	Matrix     [3][3]float64 `json:"matrix"`
	Distortion [5]float64    `json:"distortion"`
}

// NewIntrinsics builds an Intrinsics from focal lengths, principal point and
// distortion coefficients, with zero skew.
func NewIntrinsics(fx, fy, cx, cy float64, distortion [5]float64) Intrinsics {
	return Intrinsics{
		Matrix: [3][3]float64{
			{fx, 0, cx},
			{0, fy, cy},
			{0, 0, 1},
		},
		Distortion: distortion,
	}
}

// Fx returns the horizontal focal length in pixels.
func (in Intrinsics) Fx() float64 { return in.Matrix[0][0] }

// Fy returns the vertical focal length in pixels.
func (in Intrinsics) Fy() float64 { return in.Matrix[1][1] }

// Cx returns the principal point column.
func (in Intrinsics) Cx() float64 { return in.Matrix[0][2] }

// Cy returns the principal point row.
func (in Intrinsics) Cy() float64 { return in.Matrix[1][2] }

// Skew returns the axis skew term of the camera matrix.
func (in Intrinsics) Skew() float64 { return in.Matrix[0][1] }

// Validate checks that the camera matrix is usable for projection.
func (in Intrinsics) Validate() error {
	if !(in.Fx() > 0) {
		return fmt.Errorf("%w: focal length fx = %v", ErrInvalidIntrinsics, in.Fx())
	}
	if !(in.Fy() > 0) {
		return fmt.Errorf("%w: focal length fy = %v", ErrInvalidIntrinsics, in.Fy())
	}
	if in.Matrix[1][0] != 0 || in.Matrix[2][0] != 0 || in.Matrix[2][1] != 0 || in.Matrix[2][2] != 1 {
		return fmt.Errorf("%w: camera matrix must be upper triangular with m22 = 1", ErrInvalidIntrinsics)
	}
	for i, k := range in.Distortion {
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return fmt.Errorf("%w: distortion[%d] = %v", ErrInvalidIntrinsics, i, k)
		}
	}
	return nil
}

// Distort applies the forward Brown–Conrady model to an ideal normalized
// image point.
func (in Intrinsics) Distort(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := in.Distortion[0], in.Distortion[1], in.Distortion[2], in.Distortion[3], in.Distortion[4]
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// Undistort inverts Distort with Newton–Raphson iterations, starting from
// the distorted point.
func (in Intrinsics) Undistort(xd, yd float64) (float64, float64) {
	k1, k2, p1, p2, k3 := in.Distortion[0], in.Distortion[1], in.Distortion[2], in.Distortion[3], in.Distortion[4]
	if k1 == 0 && k2 == 0 && p1 == 0 && p2 == 0 && k3 == 0 {
		return xd, yd
	}

	const maxIterations = 20
	const tolerance = 1e-12

	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		ex, ey := in.Distort(xu, yu)
		ex -= xd
		ey -= yd
		if ex*ex+ey*ey < tolerance*tolerance {
			break
		}

		r2 := xu*xu + yu*yu
		radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
		dRad := 2 * (k1 + 2*k2*r2 + 3*k3*r2*r2)
		dRdx := xu * dRad
		dRdy := yu * dRad

		j00 := radial + xu*dRdx + 2*p1*yu + 6*p2*xu
		j01 := xu*dRdy + 2*p1*xu + 2*p2*yu
		j10 := yu*dRdx + 2*p1*xu + 2*p2*yu
		j11 := radial + yu*dRdy + 6*p1*yu + 2*p2*xu

		det := j00*j11 - j01*j10
		if det == 0 {
			break
		}
		xu -= (j11*ex - j01*ey) / det
		yu -= (-j10*ex + j00*ey) / det
	}
	return xu, yu
}

// Normalize maps a pixel to its undistorted normalized image coordinates
// (the ray direction with z = 1).
func (in Intrinsics) Normalize(p r2.Point) r2.Point {
	yd := (p.Y - in.Cy()) / in.Fy()
	xd := (p.X - in.Cx() - in.Skew()*yd) / in.Fx()
	x, y := in.Undistort(xd, yd)
	return r2.Point{X: x, Y: y}
}

// ToPixel maps an undistorted normalized point to pixel coordinates,
// applying lens distortion.
func (in Intrinsics) ToPixel(n r2.Point) r2.Point {
	xd, yd := in.Distort(n.X, n.Y)
	return r2.Point{
		X: in.Fx()*xd + in.Skew()*yd + in.Cx(),
		Y: in.Fy()*yd + in.Cy(),
	}
}

// Project maps a point in the camera frame to a pixel. ok is false for
// points on or behind the image plane.
func (in Intrinsics) Project(p r3.Vector) (px r2.Point, ok bool) {
	if p.Z <= 0 {
		return r2.Point{}, false
	}
	return in.ToPixel(r2.Point{X: p.X / p.Z, Y: p.Y / p.Z}), true
}
