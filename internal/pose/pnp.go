package pose

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/marker.locator/internal/camera"
)

// errDegenerate marks point sets that do not constrain a pose.
var errDegenerate = errors.New("degenerate point configuration")

const (
	// planarityTolerance is the smallest-to-largest singular value ratio of
	// the centred object points below which they are treated as coplanar.
	planarityTolerance = 1e-6
	// minNonPlanarPoints is the minimum correspondences for the 3×4 DLT.
	minNonPlanarPoints = 6
)

// solution is a world-to-camera transform X_c = R·X_w + T.
type solution struct {
	R          Rotation
	T          r3.Vector
	RMSEPx     float64
	Iterations int
}

// solvePnP recovers the camera transform from object/image correspondences.
// A linear estimate (plane homography or DLT) seeds a Levenberg–Marquardt
// refinement of pixel reprojection error.
func solvePnP(object []r3.Vector, image []r2.Point, in camera.Intrinsics, maxIterations int) (solution, error) {
	if len(object) != len(image) {
		return solution{}, fmt.Errorf("%d object points for %d image points", len(object), len(image))
	}
	if len(object) < 4 {
		return solution{}, fmt.Errorf("%w: %d correspondences", errDegenerate, len(object))
	}

	normalized := make([]r2.Point, len(image))
	for i, p := range image {
		normalized[i] = in.Normalize(p)
	}

	centroid, basis, planar, err := objectPlane(object)
	if err != nil {
		return solution{}, err
	}

	var r Rotation
	var t r3.Vector
	if planar {
		r, t, err = initFromHomography(object, normalized, centroid, basis)
	} else {
		if len(object) < minNonPlanarPoints {
			return solution{}, fmt.Errorf("%w: %d non-coplanar correspondences, need %d", errDegenerate, len(object), minNonPlanarPoints)
		}
		r, t, err = initFromDLT(object, normalized)
	}
	if err != nil {
		return solution{}, err
	}

	lm := &reprojection{object: object, image: image, intrinsics: in}
	return lm.refine(r, t, maxIterations)
}

// objectPlane fits a plane to the object points. basis holds the plane
// axes as its first two columns and the normal as the third, forming a
// proper rotation.
func objectPlane(object []r3.Vector) (centroid r3.Vector, basis Rotation, planar bool, err error) {
	for _, p := range object {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(len(object)))

	a := mat.NewDense(len(object), 3, nil)
	for i, p := range object {
		d := p.Sub(centroid)
		a.SetRow(i, []float64{d.X, d.Y, d.Z})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThinV) {
		return centroid, basis, false, fmt.Errorf("%w: object point factorisation failed", errDegenerate)
	}
	s := svd.Values(nil)
	if s[0] < 1e-12 {
		return centroid, basis, false, fmt.Errorf("%w: coincident object points", errDegenerate)
	}
	if s[1] < planarityTolerance*s[0] {
		return centroid, basis, false, fmt.Errorf("%w: collinear object points", errDegenerate)
	}

	var v mat.Dense
	svd.VTo(&v)
	e0 := r3.Vector{X: v.At(0, 0), Y: v.At(1, 0), Z: v.At(2, 0)}
	e1 := r3.Vector{X: v.At(0, 1), Y: v.At(1, 1), Z: v.At(2, 1)}
	n := e0.Cross(e1)

	basis = Rotation{
		{e0.X, e1.X, n.X},
		{e0.Y, e1.Y, n.Y},
		{e0.Z, e1.Z, n.Z},
	}
	return centroid, basis, s[2] <= planarityTolerance*s[0], nil
}

// initFromHomography decomposes the plane-to-image homography of coplanar
// points into a rotation and translation.
func initFromHomography(object []r3.Vector, normalized []r2.Point, centroid r3.Vector, basis Rotation) (Rotation, r3.Vector, error) {
	bt := basis.Transpose()
	plane := make([]r2.Point, len(object))
	for i, p := range object {
		q := bt.Apply(p.Sub(centroid))
		plane[i] = r2.Point{X: q.X, Y: q.Y}
	}

	planeN, tPlane, err := hartley(plane)
	if err != nil {
		return Rotation{}, r3.Vector{}, err
	}
	imageN, tImage, err := hartley(normalized)
	if err != nil {
		return Rotation{}, r3.Vector{}, err
	}

	a := mat.NewDense(2*len(plane), 9, nil)
	for i := range planeN {
		u, v := planeN[i].X, planeN[i].Y
		x, y := imageN[i].X, imageN[i].Y
		a.SetRow(2*i, []float64{u, v, 1, 0, 0, 0, -x * u, -x * v, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, u, v, 1, -y * u, -y * v, -y})
	}
	h, err := nullVector(a)
	if err != nil {
		return Rotation{}, r3.Vector{}, err
	}

	var hImage mat.Dense
	hImage.Mul(inverseSimilarity(tImage), mat.NewDense(3, 3, h))
	var hm mat.Dense
	hm.Mul(&hImage, tPlane)

	h1 := r3.Vector{X: hm.At(0, 0), Y: hm.At(1, 0), Z: hm.At(2, 0)}
	h2 := r3.Vector{X: hm.At(0, 1), Y: hm.At(1, 1), Z: hm.At(2, 1)}
	h3 := r3.Vector{X: hm.At(0, 2), Y: hm.At(1, 2), Z: hm.At(2, 2)}

	lambda := (h1.Norm() + h2.Norm()) / 2
	if lambda < 1e-12 || math.IsNaN(lambda) {
		return Rotation{}, r3.Vector{}, fmt.Errorf("%w: homography has no scale", errDegenerate)
	}
	if h3.Z < 0 {
		lambda = -lambda
	}
	h1, h2, h3 = h1.Mul(1/lambda), h2.Mul(1/lambda), h3.Mul(1/lambda)

	h1x2 := h1.Cross(h2)
	rp, err := nearestRotation(Rotation{
		{h1.X, h2.X, h1x2.X},
		{h1.Y, h2.Y, h1x2.Y},
		{h1.Z, h2.Z, h1x2.Z},
	})
	if err != nil {
		return Rotation{}, r3.Vector{}, err
	}

	r := rp.Mul(bt)
	t := h3.Sub(r.Apply(centroid))
	return r, t, nil
}

// initFromDLT solves the general 3×4 projection matrix for non-coplanar
// points and splits it into rotation and translation.
func initFromDLT(object []r3.Vector, normalized []r2.Point) (Rotation, r3.Vector, error) {
	var c r3.Vector
	for _, p := range object {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(object)))
	var meanDist float64
	for _, p := range object {
		meanDist += p.Sub(c).Norm()
	}
	meanDist /= float64(len(object))
	if meanDist < 1e-12 {
		return Rotation{}, r3.Vector{}, fmt.Errorf("%w: coincident object points", errDegenerate)
	}
	s := math.Sqrt(3) / meanDist

	imageN, tImage, err := hartley(normalized)
	if err != nil {
		return Rotation{}, r3.Vector{}, err
	}

	a := mat.NewDense(2*len(object), 12, nil)
	for i, p := range object {
		q := p.Sub(c).Mul(s)
		x, y := imageN[i].X, imageN[i].Y
		a.SetRow(2*i, []float64{q.X, q.Y, q.Z, 1, 0, 0, 0, 0, -x * q.X, -x * q.Y, -x * q.Z, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, q.X, q.Y, q.Z, 1, -y * q.X, -y * q.Y, -y * q.Z, -y})
	}
	p, err := nullVector(a)
	if err != nil {
		return Rotation{}, r3.Vector{}, err
	}

	objectNorm := mat.NewDense(4, 4, []float64{
		s, 0, 0, -s * c.X,
		0, s, 0, -s * c.Y,
		0, 0, s, -s * c.Z,
		0, 0, 0, 1,
	})
	var pi, pm mat.Dense
	pi.Mul(inverseSimilarity(tImage), mat.NewDense(3, 4, p))
	pm.Mul(&pi, objectNorm)

	m := Rotation{
		{pm.At(0, 0), pm.At(0, 1), pm.At(0, 2)},
		{pm.At(1, 0), pm.At(1, 1), pm.At(1, 2)},
		{pm.At(2, 0), pm.At(2, 1), pm.At(2, 2)},
	}
	sign := 1.0
	if m.Det() < 0 {
		sign = -1
	}

	var svd mat.SVD
	if !svd.Factorize(rotationDense(m), mat.SVDNone) {
		return Rotation{}, r3.Vector{}, fmt.Errorf("%w: projection factorisation failed", errDegenerate)
	}
	scale := floats.Sum(svd.Values(nil)) / 3
	if scale < 1e-12 {
		return Rotation{}, r3.Vector{}, fmt.Errorf("%w: projection has no scale", errDegenerate)
	}

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] *= sign / scale
		}
	}
	r, err := nearestRotation(m)
	if err != nil {
		return Rotation{}, r3.Vector{}, err
	}
	t := r3.Vector{X: pm.At(0, 3), Y: pm.At(1, 3), Z: pm.At(2, 3)}.Mul(sign / scale)
	return r, t, nil
}

// hartley translates points to their centroid and scales them to a mean
// distance of √2. It returns the normalised points and the 3×3 similarity
// that produced them.
func hartley(pts []r2.Point) ([]r2.Point, *mat.Dense, error) {
	var mean r2.Point
	for _, p := range pts {
		mean = mean.Add(p)
	}
	mean = mean.Mul(1 / float64(len(pts)))

	var meanDist float64
	for _, p := range pts {
		meanDist += p.Sub(mean).Norm()
	}
	meanDist /= float64(len(pts))
	if meanDist < 1e-12 {
		return nil, nil, fmt.Errorf("%w: coincident points", errDegenerate)
	}

	s := math.Sqrt2 / meanDist
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(mean).Mul(s)
	}
	t := mat.NewDense(3, 3, []float64{
		s, 0, -s * mean.X,
		0, s, -s * mean.Y,
		0, 0, 1,
	})
	return out, t, nil
}

// inverseSimilarity inverts a similarity produced by hartley.
func inverseSimilarity(t *mat.Dense) *mat.Dense {
	s := t.At(0, 0)
	return mat.NewDense(3, 3, []float64{
		1 / s, 0, -t.At(0, 2) / s,
		0, 1 / s, -t.At(1, 2) / s,
		0, 0, 1,
	})
}

// nullVector returns the right singular vector of a with the smallest
// singular value, flattened row-major.
func nullVector(a *mat.Dense) ([]float64, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return nil, fmt.Errorf("%w: linear system factorisation failed", errDegenerate)
	}
	var v mat.Dense
	svd.VTo(&v)
	_, cols := v.Dims()
	return mat.Col(nil, cols-1, &v), nil
}

// nearestRotation projects m onto SO(3) in the Frobenius sense.
func nearestRotation(m Rotation) (Rotation, error) {
	var svd mat.SVD
	if !svd.Factorize(rotationDense(m), mat.SVDFull) {
		return Rotation{}, fmt.Errorf("%w: rotation factorisation failed", errDegenerate)
	}
	var u, v, rd mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	rd.Mul(&u, v.T())
	if mat.Det(&rd) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		rd.Mul(&u, v.T())
	}

	var r Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = rd.At(i, j)
		}
	}
	return r, nil
}

func rotationDense(r Rotation) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		r[0][0], r[0][1], r[0][2],
		r[1][0], r[1][1], r[1][2],
		r[2][0], r[2][1], r[2][2],
	})
}

// reprojection is the nonlinear least-squares problem over the six pose
// parameters (rotation vector, translation).
type reprojection struct {
	object     []r3.Vector
	image      []r2.Point
	intrinsics camera.Intrinsics
}

// residuals returns pixel reprojection errors, interleaved u then v. ok is
// false when any point falls behind the camera.
func (p *reprojection) residuals(x []float64, dst []float64) bool {
	r := Rodrigues(r3.Vector{X: x[0], Y: x[1], Z: x[2]})
	t := r3.Vector{X: x[3], Y: x[4], Z: x[5]}
	for i, obj := range p.object {
		px, ok := p.intrinsics.Project(r.Apply(obj).Add(t))
		if !ok {
			return false
		}
		dst[2*i] = px.X - p.image[i].X
		dst[2*i+1] = px.Y - p.image[i].Y
	}
	return true
}

func (p *reprojection) refine(r Rotation, t r3.Vector, maxIterations int) (solution, error) {
	if maxIterations < 1 {
		maxIterations = 1
	}
	rv := RotationVector(r)
	x := []float64{rv.X, rv.Y, rv.Z, t.X, t.Y, t.Z}
	n := 2 * len(p.object)

	res := make([]float64, n)
	if !p.residuals(x, res) {
		return solution{}, fmt.Errorf("%w: initial estimate places points behind the camera", errDegenerate)
	}
	cost := floats.Dot(res, res)

	jac := mat.NewDense(n, 6, nil)
	plus := make([]float64, n)
	minus := make([]float64, n)
	trial := make([]float64, n)
	xt := make([]float64, 6)
	mu := 1e-3

	iterations := 0
	for converged := false; !converged && iterations < maxIterations && cost > 1e-24; iterations++ {
		for k := 0; k < 6; k++ {
			h := 1e-7 * math.Max(1, math.Abs(x[k]))
			copy(xt, x)
			xt[k] = x[k] + h
			okP := p.residuals(xt, plus)
			xt[k] = x[k] - h
			okM := p.residuals(xt, minus)
			if !okP || !okM {
				return solution{}, fmt.Errorf("%w: jacobian step crossed the image plane", errDegenerate)
			}
			for i := 0; i < n; i++ {
				jac.Set(i, k, (plus[i]-minus[i])/(2*h))
			}
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var g mat.VecDense
		g.MulVec(jac.T(), mat.NewVecDense(n, res))
		g.ScaleVec(-1, &g)

		accepted := false
		var step mat.VecDense
		for mu < 1e12 {
			a := mat.DenseCopyOf(&jtj)
			for k := 0; k < 6; k++ {
				a.Set(k, k, jtj.At(k, k)+mu*(jtj.At(k, k)+1e-9))
			}
			if err := step.SolveVec(a, &g); err != nil {
				mu *= 10
				continue
			}
			for k := 0; k < 6; k++ {
				xt[k] = x[k] + step.AtVec(k)
			}
			if p.residuals(xt, trial) {
				if c := floats.Dot(trial, trial); c < cost {
					copy(x, xt)
					copy(res, trial)
					improvement := cost - c
					cost = c
					mu = math.Max(mu/10, 1e-12)
					accepted = true
					converged = improvement <= 1e-15*cost || mat.Norm(&step, 2) <= 1e-12*(floats.Norm(x, 2)+1e-12)
					break
				}
			}
			mu *= 10
		}
		if !accepted {
			break
		}
	}

	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return solution{}, fmt.Errorf("%w: solver diverged", errDegenerate)
		}
	}

	return solution{
		R:          Rodrigues(r3.Vector{X: x[0], Y: x[1], Z: x[2]}),
		T:          r3.Vector{X: x[3], Y: x[4], Z: x[5]},
		RMSEPx:     math.Sqrt(cost / float64(len(p.object))),
		Iterations: iterations,
	}, nil
}
