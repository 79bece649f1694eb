package pointcloud

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func randomPositions(n int, seed int64) []r3.Vector {
	rng := rand.New(rand.NewSource(seed))
	out := make([]r3.Vector, n)
	for i := range out {
		out[i] = r3.Vector{X: rng.Float64() * 10, Y: rng.Float64() * 10, Z: rng.Float64() * 10}
	}
	return out
}

func bruteForce(positions []r3.Vector, q r3.Vector) []Neighbor {
	out := make([]Neighbor, len(positions))
	for i, p := range positions {
		out[i] = Neighbor{Index: i, Distance: p.Sub(q).Norm()}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

func TestKDTree(t *testing.T) {
	positions := randomPositions(2000, 7)
	tree := NewKDTreeFromPositions(positions)
	test.That(t, tree.Size(), test.ShouldEqual, 2000)

	queries := randomPositions(20, 8)
	t.Run("k nearest matches brute force", func(t *testing.T) {
		for _, q := range queries {
			got := tree.KNearest(q, 8)
			want := bruteForce(positions, q)[:8]
			test.That(t, got, test.ShouldHaveLength, 8)
			for i := range got {
				test.That(t, got[i].Index, test.ShouldEqual, want[i].Index)
				test.That(t, got[i].Distance, test.ShouldAlmostEqual, want[i].Distance)
			}
		}
	})

	t.Run("radius matches brute force", func(t *testing.T) {
		for _, q := range queries {
			got := tree.WithinRadius(q, 1.5)
			var want []Neighbor
			for _, n := range bruteForce(positions, q) {
				if n.Distance <= 1.5 {
					want = append(want, n)
				}
			}
			test.That(t, len(got), test.ShouldEqual, len(want))
			for i := range got {
				test.That(t, got[i].Index, test.ShouldEqual, want[i].Index)
			}
		}
	})

	t.Run("nearest", func(t *testing.T) {
		n, ok := tree.Nearest(positions[42])
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, n.Index, test.ShouldEqual, 42)
		test.That(t, n.Distance, test.ShouldEqual, 0.)
	})

	t.Run("more than available", func(t *testing.T) {
		small := NewKDTreeFromPositions(positions[:3])
		test.That(t, small.KNearest(r3.Vector{}, 10), test.ShouldHaveLength, 3)
	})

	t.Run("lattice ties are stable across builds", func(t *testing.T) {
		var lattice []r3.Vector
		for x := 0; x < 12; x++ {
			for y := 0; y < 12; y++ {
				lattice = append(lattice, r3.Vector{X: float64(x), Y: float64(y)})
			}
		}
		first := NewKDTreeFromPositions(lattice)
		for i := 0; i < 5; i++ {
			again := NewKDTreeFromPositions(lattice)
			for _, q := range lattice {
				// inside the lattice the sixth neighbor is one of four tied diagonals
				test.That(t, again.KNearest(q, 6), test.ShouldResemble, first.KNearest(q, 6))
			}
		}
	})

	t.Run("empty", func(t *testing.T) {
		empty := NewKDTree(New())
		test.That(t, empty.KNearest(r3.Vector{}, 3), test.ShouldBeEmpty)
		test.That(t, empty.WithinRadius(r3.Vector{}, 3), test.ShouldBeEmpty)
		_, ok := empty.Nearest(r3.Vector{})
		test.That(t, ok, test.ShouldBeFalse)
		test.That(t, tree.KNearest(r3.Vector{}, 0), test.ShouldBeEmpty)
	})
}

func TestStatsAndPointInfo(t *testing.T) {
	// a 10x10x10 lattice with unit spacing
	pc := New()
	for x := 0; x < 10; x++ {
		for y := 0; y < 10; y++ {
			for z := 0; z < 10; z++ {
				pc.Positions = append(pc.Positions, r3.Vector{X: float64(x), Y: float64(y), Z: float64(z)})
			}
		}
	}
	s, err := ComputeStats(pc, 100)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.PointCount, test.ShouldEqual, 1000)
	test.That(t, s.Dimensions, test.ShouldResemble, r3.Vector{X: 9, Y: 9, Z: 9})
	test.That(t, s.Centroid, test.ShouldResemble, r3.Vector{X: 4.5, Y: 4.5, Z: 4.5})
	test.That(t, s.Density, test.ShouldAlmostEqual, 1000./729)
	test.That(t, s.AverageNearestNeighbor, test.ShouldAlmostEqual, 1.)
	test.That(t, s.MedianNearestNeighbor, test.ShouldAlmostEqual, 1.)

	t.Run("flat and tiny clouds", func(t *testing.T) {
		flat, err := ComputeStats(NewFromPositions([]r3.Vector{{}, {X: 1}}), 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, flat.Density, test.ShouldEqual, 0.)
		test.That(t, flat.AverageNearestNeighbor, test.ShouldEqual, 1.)

		empty, err := ComputeStats(New(), 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, empty.PointCount, test.ShouldEqual, 0)
	})

	t.Run("point info", func(t *testing.T) {
		info, err := PointInfo(pc, nil, 0, 3)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, info.Position, test.ShouldResemble, r3.Vector{})
		test.That(t, info.Neighbors, test.ShouldHaveLength, 3)
		for _, n := range info.Neighbors {
			test.That(t, n.Distance, test.ShouldEqual, 1.)
			test.That(t, n.Index, test.ShouldNotEqual, 0)
		}
		test.That(t, info.Color, test.ShouldBeNil)

		_, err = PointInfo(pc, nil, 1000, 3)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = PointInfo(pc, nil, -1, 3)
		test.That(t, err, test.ShouldNotBeNil)
	})
}
