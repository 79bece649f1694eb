package worker

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/pointstream/panorama"
	"go.viam.com/pointstream/preprocess"
	"go.viam.com/pointstream/stereo"
)

var errNoPoints = errors.New("request has no points")

func (p *Pool) execute(ctx context.Context, req Request) (*Result, error) {
	switch req.Operation {
	case OpVoxelDownsample:
		if req.Points == nil {
			return nil, errNoPoints
		}
		params := DefaultVoxelParams
		if err := decodeParameters(req.Parameters, &params); err != nil {
			return nil, err
		}
		out, err := p.processor.VoxelDownSample(req.Points, params.VoxelSize)
		if err != nil {
			return nil, err
		}
		return &Result{Points: out}, nil

	case OpRemoveOutliers:
		if req.Points == nil {
			return nil, errNoPoints
		}
		params := DefaultOutlierParams
		if err := decodeParameters(req.Parameters, &params); err != nil {
			return nil, err
		}
		res, err := p.processor.RemoveStatisticalOutliers(ctx, req.Points, params.Neighbors, params.StdRatio)
		if err != nil {
			return nil, err
		}
		return &Result{Points: res.Inliers, Outliers: res}, nil

	case OpEstimateNormals:
		if req.Points == nil {
			return nil, errNoPoints
		}
		params := DefaultNormalParams
		if err := decodeParameters(req.Parameters, &params); err != nil {
			return nil, err
		}
		out, err := p.processor.EstimateNormals(ctx, req.Points, params)
		if err != nil {
			return nil, err
		}
		return &Result{Points: out}, nil

	case OpRegisterICP:
		if req.Points == nil || req.Target == nil {
			return nil, errors.New("register_icp needs source points and a target")
		}
		params := DefaultICPParams
		if err := decodeParameters(req.Parameters, &params); err != nil {
			return nil, err
		}
		res, err := p.processor.RegisterICP(ctx, req.Points, req.Target, params.DistanceThreshold, params.MaxIterations)
		if err != nil {
			return nil, err
		}
		return &Result{Points: req.Points.Transform(res.Transformation), ICP: res}, nil

	case OpPipeline:
		if req.Points == nil {
			return nil, errNoPoints
		}
		var opts preprocess.PipelineOptions
		if err := decodeParameters(req.Parameters, &opts); err != nil {
			return nil, err
		}
		out, metrics, err := p.processor.Pipeline(ctx, req.Points, opts)
		if err != nil {
			return nil, err
		}
		return &Result{Points: out, Pipeline: &metrics}, nil

	case OpConvexHull:
		if req.Points == nil {
			return nil, errNoPoints
		}
		return &Result{Hull: p.processor.ConvexHull(req.Points)}, nil

	case OpEquirectToPerspective:
		if len(req.Images) != 1 {
			return nil, errors.Errorf("%s needs exactly one image, got %d", req.Operation, len(req.Images))
		}
		view, err := viewParameters(req.Parameters)
		if err != nil {
			return nil, err
		}
		img, err := panorama.EquirectToPerspective(req.Images[0], view)
		if err != nil {
			return nil, err
		}
		return &Result{Image: img}, nil

	case OpStereoDisparity:
		if len(req.Images) != 2 {
			return nil, errors.Errorf("%s needs a left and a right image, got %d", req.Operation, len(req.Images))
		}
		opts, err := stereoParameters(req.Parameters)
		if err != nil {
			return nil, err
		}
		dm, err := stereo.Disparity(req.Images[0], req.Images[1], opts)
		if err != nil {
			return nil, err
		}
		return &Result{Disparity: dm}, nil

	case OpCleanMesh:
		if req.Mesh == nil {
			return nil, errors.New("clean_mesh needs a mesh")
		}
		params := preprocess.DefaultMeshParams()
		if err := decodeParameters(req.Parameters, &params); err != nil {
			return nil, err
		}
		out, metrics, err := p.processor.CleanMesh(ctx, req.Mesh, params)
		if err != nil {
			return nil, err
		}
		return &Result{Mesh: out, MeshMetrics: &metrics}, nil

	default:
		return nil, errors.Wrapf(ErrUnknownOperation, "%q", req.Operation)
	}
}
