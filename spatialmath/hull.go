package spatialmath

import (
	"github.com/golang/geo/r3"
)

type hullFace struct {
	v      [3]int
	normal r3.Vector
	offset float64
}

func newHullFace(pts []r3.Vector, a, b, c int) hullFace {
	n := pts[b].Sub(pts[a]).Cross(pts[c].Sub(pts[a]))
	if n.Norm2() > 0 {
		n = n.Normalize()
	}
	return hullFace{v: [3]int{a, b, c}, normal: n, offset: n.Dot(pts[a])}
}

func (f hullFace) distance(p r3.Vector) float64 {
	return f.normal.Dot(p) - f.offset
}

type hullEdge struct{ a, b int }

// ConvexHull returns the convex hull of the points as an outward wound triangle mesh using the
// incremental algorithm. Fewer than four points, or points that are all coplanar, produce an
// empty mesh.
func ConvexHull(pts []r3.Vector) *TriangleMesh {
	empty := &TriangleMesh{}
	if len(pts) < 4 {
		return empty
	}
	eps := floatEpsilon * (1 + NewBoxFromPoints(pts).MaxDimension())

	// initial tetrahedron from extreme points
	i0 := 0
	for i, p := range pts {
		if p.X < pts[i0].X {
			i0 = i
		}
	}
	i1 := farthestFrom(pts, func(p r3.Vector) float64 { return p.Sub(pts[i0]).Norm2() })
	if pts[i1].Sub(pts[i0]).Norm() <= eps {
		return empty
	}
	axis := pts[i1].Sub(pts[i0]).Normalize()
	i2 := farthestFrom(pts, func(p r3.Vector) float64 {
		d := p.Sub(pts[i0])
		return d.Sub(axis.Mul(d.Dot(axis))).Norm2()
	})
	base := newHullFace(pts, i0, i1, i2)
	if base.normal.Norm2() == 0 {
		return empty
	}
	i3 := farthestFrom(pts, func(p r3.Vector) float64 {
		d := base.distance(p)
		return d * d
	})
	if d := base.distance(pts[i3]); d < eps && d > -eps {
		return empty
	}

	var faces []hullFace
	if base.distance(pts[i3]) > 0 {
		// the fourth point is in front of the base so the base must face the other way
		faces = []hullFace{
			newHullFace(pts, i0, i2, i1),
			newHullFace(pts, i0, i1, i3),
			newHullFace(pts, i1, i2, i3),
			newHullFace(pts, i2, i0, i3),
		}
	} else {
		faces = []hullFace{
			newHullFace(pts, i0, i1, i2),
			newHullFace(pts, i0, i3, i1),
			newHullFace(pts, i1, i3, i2),
			newHullFace(pts, i2, i3, i0),
		}
	}

	for pi, p := range pts {
		if pi == i0 || pi == i1 || pi == i2 || pi == i3 {
			continue
		}
		visibleEdges := map[hullEdge]bool{}
		kept := faces[:0:0]
		for _, f := range faces {
			if f.distance(p) > eps {
				for k := 0; k < 3; k++ {
					visibleEdges[hullEdge{f.v[k], f.v[(k+1)%3]}] = true
				}
				continue
			}
			kept = append(kept, f)
		}
		if len(visibleEdges) == 0 {
			continue
		}
		// horizon edges border exactly one visible face
		for e := range visibleEdges {
			if visibleEdges[hullEdge{e.b, e.a}] {
				continue
			}
			kept = append(kept, newHullFace(pts, e.a, e.b, pi))
		}
		faces = kept
	}

	remap := map[int]int{}
	mesh := &TriangleMesh{}
	for _, f := range faces {
		var face [3]int
		for k, idx := range f.v {
			newIdx, ok := remap[idx]
			if !ok {
				newIdx = len(mesh.Vertices)
				remap[idx] = newIdx
				mesh.Vertices = append(mesh.Vertices, pts[idx])
			}
			face[k] = newIdx
		}
		mesh.Faces = append(mesh.Faces, face)
	}
	return mesh
}

func farthestFrom(pts []r3.Vector, score func(r3.Vector) float64) int {
	best, bestScore := 0, -1.
	for i, p := range pts {
		if s := score(p); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}
