package worker

import (
	"image"
	"image/color"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointstream/panorama"
	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/preprocess"
	"go.viam.com/pointstream/spatialmath"
	"go.viam.com/pointstream/stereo"
)

// Operation names a task a worker can run.
type Operation string

// The operations understood by a Pool.
const (
	OpVoxelDownsample       Operation = "voxel_downsample"
	OpRemoveOutliers        Operation = "remove_outliers"
	OpEstimateNormals       Operation = "estimate_normals"
	OpRegisterICP           Operation = "register_icp"
	OpPipeline              Operation = "pipeline"
	OpConvexHull            Operation = "convex_hull"
	OpEquirectToPerspective Operation = "equirect_to_perspective"
	OpStereoDisparity       Operation = "stereo_disparity"
	OpCleanMesh             Operation = "clean_mesh"
)

// Operations lists every supported operation.
var Operations = []Operation{
	OpVoxelDownsample,
	OpRemoveOutliers,
	OpEstimateNormals,
	OpRegisterICP,
	OpPipeline,
	OpConvexHull,
	OpEquirectToPerspective,
	OpStereoDisparity,
	OpCleanMesh,
}

// Known reports whether the pool can run op.
func (op Operation) Known() bool {
	for _, o := range Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Request is the payload of a task. Points is the input cloud of the point operations and
// Target the fixed cloud of register_icp. Images holds the panorama for equirect_to_perspective
// and the left then right image for stereo_disparity. Mesh is the input of clean_mesh.
// Parameters are decoded into the operation's parameter struct using its json field names.
type Request struct {
	ID         string
	Operation  Operation
	Points     *pointcloud.PointCloud
	Target     *pointcloud.PointCloud
	Images     []image.Image
	Mesh       *spatialmath.TriangleMesh
	Parameters map[string]interface{}
}

// clone deep copies the payload so the worker never touches caller memory.
func (r Request) clone() Request {
	out := r
	if r.Points != nil {
		out.Points = r.Points.Clone()
	}
	if r.Target != nil {
		out.Target = r.Target.Clone()
	}
	if r.Mesh != nil {
		out.Mesh = cloneMesh(r.Mesh)
	}
	if r.Images != nil {
		out.Images = make([]image.Image, len(r.Images))
		for i, img := range r.Images {
			if img != nil {
				out.Images[i] = imaging.Clone(img)
			}
		}
	}
	if r.Parameters != nil {
		out.Parameters = make(map[string]interface{}, len(r.Parameters))
		for k, v := range r.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

func cloneMesh(m *spatialmath.TriangleMesh) *spatialmath.TriangleMesh {
	return &spatialmath.TriangleMesh{
		Vertices: append([]r3.Vector(nil), m.Vertices...),
		Faces:    append([][3]int(nil), m.Faces...),
		Normals:  append([]r3.Vector(nil), m.Normals...),
		Colors:   append([]color.NRGBA(nil), m.Colors...),
		UVs:      append([]spatialmath.UV(nil), m.UVs...),
	}
}

// Result holds the output of a task. Only the fields relevant to the operation are set.
type Result struct {
	Points      *pointcloud.PointCloud
	Outliers    *preprocess.OutlierResult
	ICP         *preprocess.ICPResult
	Pipeline    *preprocess.PipelineMetrics
	Hull        *spatialmath.TriangleMesh
	Image       image.Image
	Disparity   *stereo.DisparityMap
	Mesh        *spatialmath.TriangleMesh
	MeshMetrics *preprocess.MeshMetrics
}

// Response is delivered once per submitted request.
type Response struct {
	ID             string
	Operation      Operation
	Result         *Result
	ProcessingTime time.Duration
	Err            error
}

// VoxelParams are the parameters of voxel_downsample.
type VoxelParams struct {
	VoxelSize float64 `json:"voxel_size"`
}

// OutlierParams are the parameters of remove_outliers.
type OutlierParams struct {
	Neighbors int     `json:"nb_neighbors"`
	StdRatio  float64 `json:"std_ratio"`
}

// ICPParams are the parameters of register_icp.
type ICPParams struct {
	DistanceThreshold float64 `json:"distance_threshold"`
	MaxIterations     int     `json:"max_iterations"`
}

// Default parameter values used when a request leaves them out.
var (
	DefaultVoxelParams   = VoxelParams{VoxelSize: 0.05}
	DefaultOutlierParams = OutlierParams{Neighbors: 20, StdRatio: 2.0}
	DefaultNormalParams  = preprocess.NeighborhoodParams{Radius: 0.1, MaxNN: 30}
	DefaultICPParams     = ICPParams{DistanceThreshold: 0.05, MaxIterations: 30}
)

// decodeParameters overlays params onto out, which already holds the defaults. Unknown keys are
// rejected and numeric strings are accepted.
func decodeParameters(params map[string]interface{}, out interface{}) error {
	if len(params) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return errors.Wrap(dec.Decode(params), "invalid parameters")
}

func viewParameters(params map[string]interface{}) (panorama.View, error) {
	view := panorama.DefaultView()
	err := decodeParameters(params, &view)
	return view, err
}

func stereoParameters(params map[string]interface{}) (stereo.Options, error) {
	opts := stereo.DefaultOptions()
	err := decodeParameters(params, &opts)
	return opts, err
}
