// Package config reads the JSON configuration shared by the pointstream commands.
package config

import (
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.viam.com/utils"

	"go.viam.com/pointstream/loader"
	"go.viam.com/pointstream/lod"
	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/octree"
	"go.viam.com/pointstream/preprocess"
	"go.viam.com/pointstream/spatialmath"
	"go.viam.com/pointstream/worker"
)

// ByteSize is a byte count that reads either a number or a human readable size such as "512MiB".
type ByteSize int64

// UnmarshalText parses a size with binary or decimal suffixes.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText writes the size in binary units.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// PreprocessConfig holds the cleanup and registration parameters.
type PreprocessConfig struct {
	TargetPoints         int                           `json:"target_points"`
	VoxelSize            float64                       `json:"voxel_size"`
	FallbackVoxelSize    float64                       `json:"fallback_voxel_size"`
	OutlierNeighbors     int                           `json:"outlier_neighbors"`
	OutlierStdRatio      float64                       `json:"outlier_std_ratio"`
	Normals              preprocess.NeighborhoodParams `json:"normals"`
	ICPDistanceThreshold float64                       `json:"icp_distance_threshold"`
	ICPMaxIterations     int                           `json:"icp_max_iterations"`
	Mesh                 preprocess.MeshParams         `json:"mesh"`
}

// PipelineOptions returns the pipeline part of the configuration.
func (c PreprocessConfig) PipelineOptions() preprocess.PipelineOptions {
	return preprocess.PipelineOptions{
		TargetPoints:      c.TargetPoints,
		VoxelSize:         c.VoxelSize,
		FallbackVoxelSize: c.FallbackVoxelSize,
		OutlierNeighbors:  c.OutlierNeighbors,
		OutlierStdRatio:   c.OutlierStdRatio,
		Normals:           c.Normals,
	}
}

// Validate ensures the preprocessing parameters are usable.
func (c PreprocessConfig) Validate(path string) error {
	if c.TargetPoints <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("target_points must be positive, got %d", c.TargetPoints))
	}
	if c.VoxelSize < 0 || c.FallbackVoxelSize < 0 {
		return utils.NewConfigValidationError(path, errors.New("voxel sizes must not be negative"))
	}
	if c.OutlierNeighbors < 0 || c.OutlierStdRatio <= 0 {
		return utils.NewConfigValidationError(path,
			errors.Errorf("invalid outlier parameters k=%d std_ratio=%v", c.OutlierNeighbors, c.OutlierStdRatio))
	}
	if err := c.Normals.Validate(); err != nil {
		return utils.NewConfigValidationError(path+".normals", err)
	}
	if c.ICPDistanceThreshold <= 0 || c.ICPMaxIterations < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf(
			"invalid icp parameters threshold=%v iterations=%d", c.ICPDistanceThreshold, c.ICPMaxIterations))
	}
	if err := c.Mesh.Validate(); err != nil {
		return utils.NewConfigValidationError(path+".mesh", err)
	}
	return nil
}

// OctreeConfig configures the octree builder.
type OctreeConfig struct {
	MaxPointsPerNode  int                `json:"max_points_per_node"`
	MaxDepth          int                `json:"max_depth"`
	SubdivisionFactor int                `json:"subdivision_factor"`
	Attributes        []octree.Attribute `json:"attributes"`
}

// Builder returns a builder with these settings.
func (c OctreeConfig) Builder(logger logging.Logger) *octree.Builder {
	b := octree.NewBuilder(logger)
	b.MaxPointsPerNode = c.MaxPointsPerNode
	b.MaxDepth = c.MaxDepth
	b.SubdivisionFactor = c.SubdivisionFactor
	b.Attributes = append([]octree.Attribute(nil), c.Attributes...)
	return b
}

// Validate ensures the builder settings are usable.
func (c OctreeConfig) Validate(path string) error {
	if c.MaxPointsPerNode <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_points_per_node must be positive, got %d", c.MaxPointsPerNode))
	}
	if c.MaxDepth <= 0 || c.MaxDepth > octree.MaxLevel {
		return utils.NewConfigValidationError(path, errors.Errorf("max_depth must be in [1, %d], got %d", octree.MaxLevel, c.MaxDepth))
	}
	if c.SubdivisionFactor <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("subdivision_factor must be positive, got %d", c.SubdivisionFactor))
	}
	if _, err := octree.NewMetadata(spatialmath.Box{}, 0, c.Attributes, c.SubdivisionFactor, 0); err != nil {
		return utils.NewConfigValidationError(path+".attributes", err)
	}
	return nil
}

// CacheConfig bounds the decoded node cache.
type CacheConfig struct {
	// MaxMemory is the memory ceiling of decoded buffers. Zero means unbounded.
	MaxMemory ByteSize `json:"max_memory"`
}

// LoaderConfig configures node fetching.
type LoaderConfig struct {
	MaxConcurrentFetches int64 `json:"max_concurrent_fetches"`
}

// LogConfig sets the log level of the commands and optionally mirrors their logs to a file.
type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
	// MaxSize rotates File once it grows past this size. Zero uses the rotation default.
	MaxSize    ByteSize `json:"max_size"`
	MaxBackups int      `json:"max_backups"`
	Compress   bool     `json:"compress"`
}

// FileAppender returns the appender for File, or nil when no file is configured.
func (c LogConfig) FileAppender() *logging.FileAppender {
	if strings.TrimSpace(c.File) == "" {
		return nil
	}
	mb := 0
	if c.MaxSize > 0 {
		mb = int(max(c.MaxSize/units.MiB, 1))
	}
	return logging.NewFileAppender(logging.FileConfig{
		Path:       c.File,
		MaxSizeMB:  mb,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	})
}

// Config is the whole configuration document.
type Config struct {
	Preprocess PreprocessConfig `json:"preprocess"`
	Octree     OctreeConfig     `json:"octree"`
	LOD        lod.Settings     `json:"lod"`
	Cache      CacheConfig      `json:"cache"`
	Loader     LoaderConfig     `json:"loader"`
	Worker     worker.Config    `json:"worker"`
	Log        LogConfig        `json:"log"`
}

// Default returns the reference configuration.
func Default() *Config {
	pipeline := preprocess.DefaultPipelineOptions()
	return &Config{
		Preprocess: PreprocessConfig{
			TargetPoints:         pipeline.TargetPoints,
			FallbackVoxelSize:    pipeline.FallbackVoxelSize,
			OutlierNeighbors:     pipeline.OutlierNeighbors,
			OutlierStdRatio:      pipeline.OutlierStdRatio,
			Normals:              pipeline.Normals,
			ICPDistanceThreshold: worker.DefaultICPParams.DistanceThreshold,
			ICPMaxIterations:     worker.DefaultICPParams.MaxIterations,
			Mesh:                 preprocess.DefaultMeshParams(),
		},
		Octree: OctreeConfig{
			MaxPointsPerNode:  octree.DefaultMaxPointsPerNode,
			MaxDepth:          octree.DefaultMaxDepth,
			SubdivisionFactor: octree.DefaultSubdivisionFactor,
			Attributes:        append([]octree.Attribute(nil), octree.DefaultAttributes...),
		},
		LOD:    lod.DefaultSettings(),
		Cache:  CacheConfig{MaxMemory: 512 * units.MiB},
		Loader: LoaderConfig{MaxConcurrentFetches: loader.DefaultMaxConcurrentFetches},
		Worker: worker.DefaultConfig(),
		Log:    LogConfig{Level: logging.INFO.String()},
	}
}

// Validate returns the first invalid field of the configuration.
func (c *Config) Validate() error {
	if err := c.Preprocess.Validate("preprocess"); err != nil {
		return err
	}
	if err := c.Octree.Validate("octree"); err != nil {
		return err
	}
	if err := c.LOD.Validate(); err != nil {
		return utils.NewConfigValidationError("lod", err)
	}
	if c.Cache.MaxMemory < 0 {
		return utils.NewConfigValidationError("cache", errors.Errorf("max_memory must not be negative, got %d", c.Cache.MaxMemory))
	}
	if c.Loader.MaxConcurrentFetches < 0 {
		return utils.NewConfigValidationError("loader",
			errors.Errorf("max_concurrent_fetches must not be negative, got %d", c.Loader.MaxConcurrentFetches))
	}
	if err := c.Worker.Validate(); err != nil {
		return utils.NewConfigValidationError("worker", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return utils.NewConfigValidationError("log", err)
	}
	if c.Log.MaxSize < 0 || c.Log.MaxBackups < 0 {
		return utils.NewConfigValidationError("log", errors.New("max_size and max_backups must not be negative"))
	}
	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (logging.Level, error) {
	if strings.TrimSpace(c.Log.Level) == "" {
		return logging.INFO, nil
	}
	return logging.LevelFromString(c.Log.Level)
}

// Read reads and validates the configuration at path.
func Read(path string) (*Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	cfg, err := FromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return cfg, nil
}

// FromReader reads and validates a configuration document. The document is JSON5, so comments
// and trailing commas are accepted. Fields it leaves out keep their Default values.
func FromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "cannot parse config json")
	}
	cfg := Default()
	if err := decode(raw, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays raw onto out using json field names. Durations read strings such as "30s",
// and any TextUnmarshaler reads its text form.
func decode(raw map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		Result:      out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
