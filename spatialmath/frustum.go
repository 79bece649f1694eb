package spatialmath

import (
	"github.com/golang/geo/r3"
)

// Plane is the set of points p with Normal.Dot(p) + D == 0. Points with a positive value are on
// the inner side.
type Plane struct {
	Normal r3.Vector
	D      float64
}

// Distance returns the signed distance from p to the plane.
func (pl Plane) Distance(p r3.Vector) float64 {
	return pl.Normal.Dot(p) + pl.D
}

// Frustum is the six clipping planes of a view-projection matrix, ordered left, right, bottom,
// top, near, far.
type Frustum struct {
	Planes [6]Plane
}

// NewFrustum extracts the clipping planes from a view-projection matrix.
func NewFrustum(viewProjection Matrix4) Frustum {
	row := func(i int) [4]float64 {
		return [4]float64{viewProjection.At(i, 0), viewProjection.At(i, 1), viewProjection.At(i, 2), viewProjection.At(i, 3)}
	}
	r0, r1, r2, r3w := row(0), row(1), row(2), row(3)
	combine := func(a [4]float64, sign float64) Plane {
		n := r3.Vector{X: r3w[0] + sign*a[0], Y: r3w[1] + sign*a[1], Z: r3w[2] + sign*a[2]}
		d := r3w[3] + sign*a[3]
		length := n.Norm()
		if length == 0 {
			return Plane{Normal: n, D: d}
		}
		return Plane{Normal: n.Mul(1 / length), D: d / length}
	}

	return Frustum{Planes: [6]Plane{
		combine(r0, 1),
		combine(r0, -1),
		combine(r1, 1),
		combine(r1, -1),
		combine(r2, 1),
		combine(r2, -1),
	}}
}

// IntersectsBox returns false only when the box lies entirely outside one of the planes. Boxes
// near a frustum corner may be reported as intersecting even though they are outside.
func (f Frustum) IntersectsBox(b Box) bool {
	for _, pl := range f.Planes {
		// the corner furthest along the plane normal
		positive := b.Min
		if pl.Normal.X >= 0 {
			positive.X = b.Max.X
		}
		if pl.Normal.Y >= 0 {
			positive.Y = b.Max.Y
		}
		if pl.Normal.Z >= 0 {
			positive.Z = b.Max.Z
		}
		if pl.Distance(positive) < 0 {
			return false
		}
	}
	return true
}
