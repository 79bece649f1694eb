package preprocess

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/utils"
)

// NeighborhoodParams selects the neighborhood used to fit each normal.
//
// With only KNN set the KNN nearest points are used. With Radius set every point within Radius
// is used, capped to the MaxNN nearest when MaxNN is positive. Setting KNN and Radius together
// behaves like Radius with MaxNN = KNN.
type NeighborhoodParams struct {
	KNN    int     `json:"knn"`
	Radius float64 `json:"radius"`
	MaxNN  int     `json:"max_nn"`
}

// Validate ensures the parameters select some neighborhood.
func (np NeighborhoodParams) Validate() error {
	if np.KNN < 0 || np.MaxNN < 0 || np.Radius < 0 {
		return errors.Errorf("neighborhood parameters must not be negative: %+v", np)
	}
	if np.KNN == 0 && np.Radius == 0 {
		return errors.New("neighborhood needs knn or radius")
	}
	return nil
}

func (np NeighborhoodParams) neighbors(tree *pointcloud.KDTree, p r3.Vector) []pointcloud.Neighbor {
	if np.Radius <= 0 {
		return tree.KNearest(p, np.KNN)
	}
	limit := np.MaxNN
	if np.KNN > 0 && (limit == 0 || np.KNN < limit) {
		limit = np.KNN
	}
	found := tree.WithinRadius(p, np.Radius)
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	return found
}

// EstimateNormals returns a copy of the cloud with a unit normal per point. Each normal is the
// eigenvector of the smallest eigenvalue of the neighborhood covariance, flipped into the +Z half
// space. Neighborhoods of fewer than three points get UpVector.
func (p *Processor) EstimateNormals(
	ctx context.Context,
	pc *pointcloud.PointCloud,
	params NeighborhoodParams,
) (*pointcloud.PointCloud, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	tree := pointcloud.NewKDTree(pc)
	normals := make([]r3.Vector, pc.Size())
	var fallbacks []bool
	if pc.Size() > 0 {
		fallbacks = make([]bool, pc.Size())
	}
	if err := utils.ParallelForEach(ctx, pc.Size(), func(i int) {
		nbs := params.neighbors(tree, pc.Positions[i])
		if len(nbs) < 3 {
			normals[i] = UpVector
			fallbacks[i] = true
			return
		}
		pts := make([]r3.Vector, len(nbs))
		for j, nb := range nbs {
			pts[j] = pc.Positions[nb.Index]
		}
		n, ok := fitNormal(pts)
		if !ok {
			normals[i] = UpVector
			fallbacks[i] = true
			return
		}
		normals[i] = n
	}); err != nil {
		return nil, err
	}

	out := pc.Clone()
	out.Normals = normals
	fallbackCount := 0
	for _, f := range fallbacks {
		if f {
			fallbackCount++
		}
	}
	p.logger.Debugw("estimated normals", "points", pc.Size(), "params", params, "fallbacks", fallbackCount)
	return out, nil
}

// fitNormal returns the direction of least variance of pts.
func fitNormal(pts []r3.Vector) (r3.Vector, bool) {
	var mean r3.Vector
	for _, p := range pts {
		mean = mean.Add(p)
	}
	mean = mean.Mul(1 / float64(len(pts)))

	var xx, xy, xz, yy, yz, zz float64
	for _, p := range pts {
		d := p.Sub(mean)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	inv := 1 / float64(len(pts))
	cov := mat.NewSymDense(3, []float64{
		xx * inv, xy * inv, xz * inv,
		xy * inv, yy * inv, yz * inv,
		xz * inv, yz * inv, zz * inv,
	})

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return r3.Vector{}, false
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// eigenvalues are ascending, so column 0 is the direction of least variance
	n := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if n.Norm2() == 0 {
		return r3.Vector{}, false
	}
	n = n.Normalize()
	if n.Z < 0 {
		n = n.Mul(-1)
	}
	return n, true
}
