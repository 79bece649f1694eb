package pointcloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a point of a cloud found by a nearest neighbor query.
type Neighbor struct {
	Index    int
	Distance float64
}

type kdPoint struct {
	r3.Vector
	index int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		return p.Z - q.Z
	}
}

func (p kdPoint) Dims() int { return 3 }

// Distance is the squared euclidean distance, as the kdtree package expects.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	return p.Sub(c.(kdPoint).Vector).Norm2()
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Pivot(d kdtree.Dim) int                { return kdPlane{kdPoints: p, Dim: d}.Pivot() }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type kdPlane struct {
	kdtree.Dim
	kdPoints
}

func (p kdPlane) Less(i, j int) bool {
	return p.kdPoints[i].Compare(p.kdPoints[j], p.Dim) < 0
}
// Pivot uses a deterministic median so the same positions always give the same tree.
func (p kdPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.kdPoints = p.kdPoints[start:end]
	return p
}
func (p kdPlane) Swap(i, j int) { p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i] }

// KDTree answers nearest neighbor queries over the positions of a cloud. It is immutable after
// construction and safe for concurrent queries.
type KDTree struct {
	tree *kdtree.Tree
	size int
}

// NewKDTree indexes the positions of the cloud.
func NewKDTree(pc *PointCloud) *KDTree {
	return NewKDTreeFromPositions(pc.Positions)
}

// NewKDTreeFromPositions indexes the given positions.
func NewKDTreeFromPositions(positions []r3.Vector) *KDTree {
	pts := make(kdPoints, len(positions))
	for i, p := range positions {
		pts[i] = kdPoint{Vector: p, index: i}
	}
	return &KDTree{tree: kdtree.New(pts, false), size: len(positions)}
}

// Size returns the number of indexed points.
func (t *KDTree) Size() int {
	return t.size
}

// KNearest returns up to k points closest to p sorted by ascending distance, then index. When
// several points tie at the k-th distance, which of them are kept depends on the tree layout; the
// layout is fixed for a given set of positions, so repeated builds return the same neighbors.
func (t *KDTree) KNearest(p r3.Vector, k int) []Neighbor {
	if k <= 0 || t.size == 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keeper, kdPoint{Vector: p, index: -1})
	return neighborsFromHeap(keeper.Heap)
}

// WithinRadius returns every point within radius r of p sorted by ascending distance.
func (t *KDTree) WithinRadius(p r3.Vector, r float64) []Neighbor {
	if r < 0 || t.size == 0 {
		return nil
	}
	keeper := kdtree.NewDistKeeper(r * r)
	t.tree.NearestSet(keeper, kdPoint{Vector: p, index: -1})
	return neighborsFromHeap(keeper.Heap)
}

// Nearest returns the closest point to p. It returns false for an empty tree.
func (t *KDTree) Nearest(p r3.Vector) (Neighbor, bool) {
	if t.size == 0 {
		return Neighbor{}, false
	}
	c, d := t.tree.Nearest(kdPoint{Vector: p, index: -1})
	if c == nil {
		return Neighbor{}, false
	}
	return Neighbor{Index: c.(kdPoint).index, Distance: math.Sqrt(d)}, true
}

func neighborsFromHeap(h kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(h))
	for _, cd := range h {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{Index: cd.Comparable.(kdPoint).index, Distance: math.Sqrt(cd.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Index < out[j].Index
	})
	return out
}
