package preprocess

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/pointstream/pointcloud"
)

// PipelineOptions configures Pipeline.
type PipelineOptions struct {
	// TargetPoints is the point count above which the cloud is voxel downsampled.
	TargetPoints int `json:"target_points"`
	// VoxelSize is used instead of the adaptive size when positive.
	VoxelSize float64 `json:"voxel_size"`
	// FallbackVoxelSize is reported when no downsampling takes place.
	FallbackVoxelSize float64            `json:"fallback_voxel_size"`
	OutlierNeighbors  int                `json:"outlier_neighbors"`
	OutlierStdRatio   float64            `json:"outlier_std_ratio"`
	Normals           NeighborhoodParams `json:"normals"`
	SkipOutliers      bool               `json:"skip_outliers"`
	SkipNormals       bool               `json:"skip_normals"`
}

// DefaultPipelineOptions returns the options used for web delivery of a reconstruction.
func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		TargetPoints:      1000000,
		FallbackVoxelSize: 0.01,
		OutlierNeighbors:  20,
		OutlierStdRatio:   2.0,
		Normals:           NeighborhoodParams{Radius: 0.1, MaxNN: 30},
	}
}

func (o PipelineOptions) withDefaults(d PipelineOptions) PipelineOptions {
	if o.TargetPoints == 0 {
		o.TargetPoints = d.TargetPoints
	}
	if o.FallbackVoxelSize == 0 {
		o.FallbackVoxelSize = d.FallbackVoxelSize
	}
	if o.OutlierNeighbors == 0 {
		o.OutlierNeighbors = d.OutlierNeighbors
	}
	if o.OutlierStdRatio == 0 {
		o.OutlierStdRatio = d.OutlierStdRatio
	}
	if o.Normals == (NeighborhoodParams{}) {
		o.Normals = d.Normals
	}
	return o
}

// PipelineMetrics summarizes a Pipeline run.
type PipelineMetrics struct {
	OriginalPoints   int           `json:"original_points"`
	ProcessedPoints  int           `json:"processed_points"`
	CompressionRatio float64       `json:"compression_ratio"`
	OutliersRemoved  int           `json:"outliers_removed"`
	VoxelSizeUsed    float64       `json:"voxel_size_used"`
	Downsampled      bool          `json:"downsampled"`
	Duration         time.Duration `json:"duration"`
}

// AdaptiveVoxelSize returns a voxel size expected to bring the cloud near targetPoints. Clouds
// already at or below the target get fallback.
func AdaptiveVoxelSize(pc *pointcloud.PointCloud, targetPoints int, fallback float64) float64 {
	n := pc.Size()
	if targetPoints <= 0 || n <= targetPoints {
		return fallback
	}
	maxDim := pc.MetaData().BoundingBox.MaxDimension()
	linear := math.Cbrt(float64(targetPoints) / float64(n))
	return math.Max(maxDim*(1-linear)*0.1, maxDim/1000)
}

// Pipeline downsamples the cloud when it exceeds the target point count, removes statistical
// outliers and estimates normals. Zero fields of opts take the processor's defaults. The context
// is checked between stages.
func (p *Processor) Pipeline(
	ctx context.Context,
	pc *pointcloud.PointCloud,
	opts PipelineOptions,
) (*pointcloud.PointCloud, PipelineMetrics, error) {
	start := time.Now()
	opts = opts.withDefaults(p.defaults)
	metrics := PipelineMetrics{OriginalPoints: pc.Size()}

	out := pc
	metrics.VoxelSizeUsed = opts.FallbackVoxelSize
	if pc.Size() > opts.TargetPoints {
		voxelSize := opts.VoxelSize
		if voxelSize <= 0 {
			voxelSize = AdaptiveVoxelSize(pc, opts.TargetPoints, opts.FallbackVoxelSize)
		}
		if voxelSize > 0 {
			var err error
			if out, err = p.VoxelDownSample(pc, voxelSize); err != nil {
				return nil, metrics, errors.Wrap(err, "downsample")
			}
			metrics.VoxelSizeUsed = voxelSize
			metrics.Downsampled = true
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, metrics, err
	}

	if !opts.SkipOutliers {
		res, err := p.RemoveStatisticalOutliers(ctx, out, opts.OutlierNeighbors, opts.OutlierStdRatio)
		if err != nil {
			return nil, metrics, errors.Wrap(err, "outlier removal")
		}
		out = res.Inliers
		metrics.OutliersRemoved = len(res.OutlierIndices)
	}
	if err := ctx.Err(); err != nil {
		return nil, metrics, err
	}

	if !opts.SkipNormals && out.Size() > 0 {
		var err error
		if out, err = p.EstimateNormals(ctx, out, opts.Normals); err != nil {
			return nil, metrics, errors.Wrap(err, "normal estimation")
		}
	}

	metrics.ProcessedPoints = out.Size()
	if metrics.OriginalPoints > 0 {
		metrics.CompressionRatio = float64(metrics.ProcessedPoints) / float64(metrics.OriginalPoints)
	}
	metrics.Duration = time.Since(start)
	p.logger.Infow("preprocessing pipeline finished",
		"original", metrics.OriginalPoints,
		"processed", metrics.ProcessedPoints,
		"outliers", metrics.OutliersRemoved,
		"voxelSize", metrics.VoxelSizeUsed,
		"duration", metrics.Duration)
	return out, metrics, nil
}
