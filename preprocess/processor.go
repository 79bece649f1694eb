// Package preprocess implements the point cloud cleanup operations: voxel downsampling,
// statistical outlier removal, normal estimation and ICP registration.
//
// A Processor is explicitly constructed and holds no per-call state, so a single value may be
// shared by any number of goroutines.
package preprocess

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/spatialmath"
)

// ErrInvalidVoxelSize is returned for a voxel size that is not strictly positive.
var ErrInvalidVoxelSize = errors.New("voxel size must be positive")

// UpVector is the normal given to points whose neighborhood is too small to fit a plane.
var UpVector = r3.Vector{Z: 1}

// Processor runs preprocessing operations. The options it is constructed with only supply the
// defaults for Pipeline; the individual operations take their parameters explicitly.
type Processor struct {
	logger   logging.Logger
	defaults PipelineOptions
}

// NewProcessor returns a Processor that logs to logger. Zero fields of opts are replaced by the
// values of DefaultPipelineOptions.
func NewProcessor(logger logging.Logger, opts PipelineOptions) *Processor {
	return &Processor{logger: logger, defaults: opts.withDefaults(DefaultPipelineOptions())}
}

type voxelAccumulator struct {
	count     int
	position  r3.Vector
	r, g, b   float64
	a         float64
	normal    r3.Vector
	intensity float64
}

// VoxelDownSample replaces all points that fall in the same cubic cell of edge voxelSize with a
// single point at their mean position. Colors and intensities are averaged and normals are
// averaged then renormalized. Output points are ordered by the first input point of each cell.
func (p *Processor) VoxelDownSample(pc *pointcloud.PointCloud, voxelSize float64) (*pointcloud.PointCloud, error) {
	if !(voxelSize > 0) || math.IsInf(voxelSize, 1) {
		return nil, errors.Wrapf(ErrInvalidVoxelSize, "got %v", voxelSize)
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	withColors, withNormals, withIntensity := pc.HasColors(), pc.HasNormals(), pc.HasIntensities()
	cells := map[pointcloud.VoxelCoords]int{}
	var acc []voxelAccumulator
	for i, pos := range pc.Positions {
		key := pointcloud.NewVoxelCoords(pos, r3.Vector{}, voxelSize)
		idx, ok := cells[key]
		if !ok {
			idx = len(acc)
			cells[key] = idx
			acc = append(acc, voxelAccumulator{})
		}
		a := &acc[idx]
		a.count++
		a.position = a.position.Add(pos)
		if withColors {
			c := pc.Colors[i]
			a.r += float64(c.R)
			a.g += float64(c.G)
			a.b += float64(c.B)
			a.a += float64(c.A)
		}
		if withNormals {
			a.normal = a.normal.Add(pc.Normals[i])
		}
		if withIntensity {
			a.intensity += float64(pc.Intensities[i])
		}
	}

	out := pointcloud.NewWithPrealloc(len(acc))
	if withColors {
		out.Colors = make([]color.NRGBA, 0, len(acc))
	}
	if withNormals {
		out.Normals = make([]r3.Vector, 0, len(acc))
	}
	if withIntensity {
		out.Intensities = make([]uint16, 0, len(acc))
	}
	for _, a := range acc {
		n := float64(a.count)
		out.Positions = append(out.Positions, a.position.Mul(1/n))
		if withColors {
			out.Colors = append(out.Colors, color.NRGBA{
				R: uint8(math.Round(a.r / n)),
				G: uint8(math.Round(a.g / n)),
				B: uint8(math.Round(a.b / n)),
				A: uint8(math.Round(a.a / n)),
			})
		}
		if withNormals {
			normal := UpVector
			if a.normal.Norm2() > 0 {
				normal = a.normal.Normalize()
			}
			out.Normals = append(out.Normals, normal)
		}
		if withIntensity {
			out.Intensities = append(out.Intensities, uint16(math.Round(a.intensity/n)))
		}
	}
	p.logger.Debugw("voxel downsample", "voxelSize", voxelSize, "in", pc.Size(), "out", out.Size())
	return out, nil
}

// ConvexHull returns the convex hull of the cloud, or an empty mesh when the cloud spans no
// volume.
func (p *Processor) ConvexHull(pc *pointcloud.PointCloud) *spatialmath.TriangleMesh {
	hull := spatialmath.ConvexHull(pc.Positions)
	p.logger.Debugw("convex hull", "points", pc.Size(), "faces", len(hull.Faces))
	return hull
}
