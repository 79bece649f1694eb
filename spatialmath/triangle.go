package spatialmath

import (
	"github.com/golang/geo/r3"
)

// Triangle is three vertices of a mesh face, counter clockwise when seen from the front.
type Triangle struct {
	P0, P1, P2 r3.Vector
}

// NewTriangle returns a triangle from three points.
func NewTriangle(p0, p1, p2 r3.Vector) Triangle {
	return Triangle{P0: p0, P1: p1, P2: p2}
}

// Normal returns the unit normal of the triangle's plane, or the zero vector for degenerate
// triangles.
func (t Triangle) Normal() r3.Vector {
	return PlaneNormal(t.P0, t.P1, t.P2)
}

// Area returns the surface area of the triangle.
func (t Triangle) Area() float64 {
	return t.P1.Sub(t.P0).Cross(t.P2.Sub(t.P0)).Norm() / 2
}

// Centroid returns the mean of the three vertices.
func (t Triangle) Centroid() r3.Vector {
	return t.P0.Add(t.P1).Add(t.P2).Mul(1. / 3)
}

// SignedVolume is the signed volume of the tetrahedron spanned by the triangle and the origin.
// Summed over a closed, consistently wound mesh it yields the enclosed volume.
func (t Triangle) SignedVolume() float64 {
	return t.P0.Dot(t.P1.Cross(t.P2)) / 6
}
