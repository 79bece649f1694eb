package preprocess

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/spatialmath"
	"go.viam.com/pointstream/utils"
)

const (
	// MinICPCorrespondences is the fewest correspondences a transform is estimated from.
	MinICPCorrespondences = 3
	// MinICPFitness is the fitness below which registration stops iterating.
	MinICPFitness = 0.1
	// ICPConvergenceTolerance bounds the change of an iteration's transform at convergence.
	ICPConvergenceTolerance = 1e-9
)

// Correspondence pairs a source point with its nearest target point.
type Correspondence struct {
	Source   int     `json:"source"`
	Target   int     `json:"target"`
	Distance float64 `json:"distance"`
}

// ICPResult is the outcome of RegisterICP. Fitness and InlierRMSE are always filled in and
// describe the correspondences under the returned Transformation; a registration that stopped
// early is not an error, so callers should check Fitness before trusting the transform.
type ICPResult struct {
	Transformation  spatialmath.RigidTransform `json:"transformation"`
	Inliers         []int                      `json:"inliers"`
	Fitness         float64                    `json:"fitness"`
	InlierRMSE      float64                    `json:"inlier_rmse"`
	Correspondences []Correspondence           `json:"correspondences"`
	Iterations      int                        `json:"iterations"`
	Converged       bool                       `json:"converged"`
}

// RegisterICP estimates the rigid transform that moves source onto target with point to point
// ICP. Iteration stops when fewer than MinICPCorrespondences remain within distanceThreshold,
// when fitness drops below MinICPFitness, when an iteration's transform change falls under
// ICPConvergenceTolerance, or after maxIterations.
func (p *Processor) RegisterICP(
	ctx context.Context,
	source, target *pointcloud.PointCloud,
	distanceThreshold float64,
	maxIterations int,
) (*ICPResult, error) {
	if !(distanceThreshold > 0) {
		return nil, errors.Errorf("distance threshold must be positive, got %v", distanceThreshold)
	}
	if maxIterations < 0 {
		return nil, errors.Errorf("max iterations must not be negative, got %d", maxIterations)
	}
	tree := pointcloud.NewKDTree(target)
	current := spatialmath.IdentityTransform()
	res := &ICPResult{}

	for res.Iterations < maxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		corr, err := findCorrespondences(ctx, source, tree, current, distanceThreshold)
		if err != nil {
			return nil, err
		}
		if len(corr) < MinICPCorrespondences || fitness(corr, source.Size()) < MinICPFitness {
			break
		}
		res.Iterations++

		src := make([]r3.Vector, len(corr))
		dst := make([]r3.Vector, len(corr))
		for i, c := range corr {
			src[i] = current.Apply(source.Positions[c.Source])
			dst[i] = target.Positions[c.Target]
		}
		delta, err := EstimateRigidTransform(src, dst)
		if err != nil {
			break
		}
		current = spatialmath.Compose(delta, current)
		if transformChange(delta) < ICPConvergenceTolerance {
			res.Converged = true
			break
		}
	}

	corr, err := findCorrespondences(ctx, source, tree, current, distanceThreshold)
	if err != nil {
		return nil, err
	}
	res.Transformation = current
	res.Correspondences = corr
	res.Inliers = make([]int, len(corr))
	var sq float64
	for i, c := range corr {
		res.Inliers[i] = c.Source
		sq += c.Distance * c.Distance
	}
	res.Fitness = fitness(corr, source.Size())
	if len(corr) > 0 {
		res.InlierRMSE = math.Sqrt(sq / float64(len(corr)))
	}
	p.logger.Debugw("icp registration",
		"iterations", res.Iterations, "converged", res.Converged, "fitness", res.Fitness, "rmse", res.InlierRMSE)
	return res, nil
}

func fitness(corr []Correspondence, sourceSize int) float64 {
	if sourceSize == 0 {
		return 0
	}
	return float64(len(corr)) / float64(sourceSize)
}

// findCorrespondences returns, in source order, the nearest target point of every transformed
// source point that lies within threshold.
func findCorrespondences(
	ctx context.Context,
	source *pointcloud.PointCloud,
	tree *pointcloud.KDTree,
	rt spatialmath.RigidTransform,
	threshold float64,
) ([]Correspondence, error) {
	found := make([]Correspondence, source.Size())
	ok := make([]bool, source.Size())
	if err := utils.ParallelForEach(ctx, source.Size(), func(i int) {
		nb, hit := tree.Nearest(rt.Apply(source.Positions[i]))
		if !hit || nb.Distance > threshold {
			return
		}
		found[i] = Correspondence{Source: i, Target: nb.Index, Distance: nb.Distance}
		ok[i] = true
	}); err != nil {
		return nil, err
	}
	out := make([]Correspondence, 0, len(found))
	for i, c := range found {
		if ok[i] {
			out = append(out, c)
		}
	}
	return out, nil
}

// transformChange is the largest absolute entry of the transform's difference from identity.
func transformChange(rt spatialmath.RigidTransform) float64 {
	identity := spatialmath.IdentityRotation()
	var change float64
	for i, v := range rt.Rotation {
		change = math.Max(change, math.Abs(v-identity[i]))
	}
	change = math.Max(change, math.Abs(rt.Translation.X))
	change = math.Max(change, math.Abs(rt.Translation.Y))
	return math.Max(change, math.Abs(rt.Translation.Z))
}

// EstimateRigidTransform returns the least squares rotation and translation taking each src
// point onto the dst point at the same index (Kabsch). Reflections are corrected so the result is
// always a proper rotation.
func EstimateRigidTransform(src, dst []r3.Vector) (spatialmath.RigidTransform, error) {
	if len(src) != len(dst) {
		return spatialmath.RigidTransform{}, errors.Errorf("mismatched point sets: %d vs %d", len(src), len(dst))
	}
	if len(src) < MinICPCorrespondences {
		return spatialmath.RigidTransform{}, errors.Errorf("need at least %d point pairs, got %d", MinICPCorrespondences, len(src))
	}
	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	inv := 1 / float64(len(src))
	cs = cs.Mul(inv)
	cd = cd.Mul(inv)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(cs)
		d := dst[i].Sub(cd)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*dv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return spatialmath.RigidTransform{}, errors.New("svd factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1
	}
	var vd, r mat.Dense
	vd.Mul(&v, mat.NewDiagDense(3, []float64{1, 1, d}))
	r.Mul(&vd, u.T())

	rot, err := spatialmath.RotationMatrixFromDense(&r)
	if err != nil {
		return spatialmath.RigidTransform{}, err
	}
	return spatialmath.RigidTransform{Rotation: rot, Translation: cd.Sub(rot.Rotate(cs))}, nil
}
