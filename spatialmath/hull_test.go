package spatialmath

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestConvexHull(t *testing.T) {
	t.Run("cube with interior points", func(t *testing.T) {
		var pts []r3.Vector
		for i := 0; i < 8; i++ {
			pts = append(pts, r3.Vector{X: float64(i >> 2 & 1), Y: float64(i >> 1 & 1), Z: float64(i & 1)}.Mul(2))
		}
		rng := rand.New(rand.NewSource(3))
		for i := 0; i < 200; i++ {
			pts = append(pts, r3.Vector{X: 0.1 + rng.Float64()*1.8, Y: 0.1 + rng.Float64()*1.8, Z: 0.1 + rng.Float64()*1.8})
		}
		hull := ConvexHull(pts)
		test.That(t, hull.Validate(), test.ShouldBeNil)
		test.That(t, hull.Vertices, test.ShouldHaveLength, 8)
		md := hull.MetaData()
		test.That(t, md.Volume, test.ShouldAlmostEqual, 8., 1e-9)
		test.That(t, md.SurfaceArea, test.ShouldAlmostEqual, 24., 1e-9)
		for i := range hull.Faces {
			tri := hull.Triangle(i)
			// outward wound: normals point away from the center
			test.That(t, tri.Normal().Dot(tri.Centroid().Sub(r3.Vector{X: 1, Y: 1, Z: 1})), test.ShouldBeGreaterThan, 0)
		}
	})

	t.Run("random cloud contains every point", func(t *testing.T) {
		rng := rand.New(rand.NewSource(11))
		pts := make([]r3.Vector, 500)
		for i := range pts {
			pts[i] = r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		}
		hull := ConvexHull(pts)
		test.That(t, len(hull.Faces), test.ShouldBeGreaterThan, 4)
		for i := range hull.Faces {
			tri := hull.Triangle(i)
			n := tri.Normal()
			for _, p := range pts {
				test.That(t, n.Dot(p.Sub(tri.P0)), test.ShouldBeLessThanOrEqualTo, 1e-6)
			}
		}
	})

	t.Run("degenerate", func(t *testing.T) {
		test.That(t, ConvexHull(nil).Faces, test.ShouldBeEmpty)
		planar := []r3.Vector{{}, {X: 1}, {Y: 1}, {X: 1, Y: 1}, {X: 0.5, Y: 0.5}}
		test.That(t, ConvexHull(planar).MetaData().Volume, test.ShouldEqual, 0.)
	})
}
