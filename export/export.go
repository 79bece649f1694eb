// Package export writes point clouds to the interchange formats offered for download, capping
// the point count by adaptive voxel downsampling when asked to.
package export

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/preprocess"
)

// ErrUnsupportedFormat is returned for a format name that is not one of Formats.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Format is a file format a cloud can be exported to.
type Format string

// The supported formats.
const (
	PLY Format = "ply"
	OBJ Format = "obj"
	XYZ Format = "xyz"
	CSV Format = "csv"
	LAS Format = "las"
	PCD Format = "pcd"
)

// Formats lists every supported format.
var Formats = []Format{PLY, OBJ, XYZ, CSV, LAS, PCD}

// ParseFormat accepts a format name or file extension, case insensitively. "txt" is read as XYZ.
func ParseFormat(s string) (Format, error) {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")
	if name == "txt" {
		return XYZ, nil
	}
	f := Format(name)
	if !lo.Contains(Formats, f) {
		return "", errors.Wrapf(ErrUnsupportedFormat, "%q", s)
	}
	return f, nil
}

// FormatFromPath picks the format from the file extension of path.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// Extension returns the file extension for f, including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// Carries reports whether the format can hold colors, normals and intensities.
func (f Format) Carries() (colors, normals, intensity bool) {
	switch f {
	case PLY, XYZ, CSV, PCD:
		return true, true, true
	case OBJ:
		return true, true, false
	case LAS:
		return true, false, true
	default:
		return false, false, false
	}
}

// maxDownsampleAttempts bounds how many times the voxel size grows before the cloud is truncated.
const maxDownsampleAttempts = 20

// voxelGrowth is the factor the voxel size grows by per attempt.
const voxelGrowth = 1.5

// Options controls what is written.
type Options struct {
	IncludeColors    bool `json:"include_colors"`
	IncludeNormals   bool `json:"include_normals"`
	IncludeIntensity bool `json:"include_intensity"`
	// Precision is the number of decimals for the text formats. Zero uses the writer default.
	Precision int `json:"precision"`
	// MaxPoints caps the exported point count. Zero means no cap.
	MaxPoints int `json:"max_points"`
	// Compress writes PCD as LZF binary_compressed instead of ascii. Other formats ignore it.
	Compress bool `json:"compress"`
}

// DefaultOptions includes every attribute at six decimals with no cap.
func DefaultOptions() Options {
	return Options{IncludeColors: true, IncludeNormals: true, IncludeIntensity: true, Precision: pointcloud.DefaultPrecision}
}

// Result describes an exported file.
type Result struct {
	Path           string        `json:"path"`
	Format         Format        `json:"format"`
	PointCount     int           `json:"point_count"`
	FileSizeBytes  int64         `json:"file_size_bytes"`
	ProcessingTime time.Duration `json:"processing_time"`
	// VoxelSize is the voxel edge used to meet MaxPoints, or zero when no downsampling took place.
	VoxelSize float64 `json:"voxel_size,omitempty"`
	Truncated bool    `json:"truncated,omitempty"`
}

// Exporter writes clouds to files.
type Exporter struct {
	processor *preprocess.Processor
	logger    logging.Logger
}

// NewExporter returns an Exporter that downsamples with processor.
func NewExporter(processor *preprocess.Processor, logger logging.Logger) *Exporter {
	return &Exporter{processor: processor, logger: logger}
}

// Export writes cloud to path in format. When opts.MaxPoints is exceeded the cloud is voxel
// downsampled, growing the voxel size until the count fits, and truncated if it still does not.
func (e *Exporter) Export(
	ctx context.Context,
	cloud *pointcloud.PointCloud,
	format Format,
	opts Options,
	path string,
) (*Result, error) {
	start := time.Now()
	if !lo.Contains(Formats, format) {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%q", format)
	}
	if err := cloud.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxPoints < 0 {
		return nil, errors.Errorf("max points must not be negative, got %d", opts.MaxPoints)
	}

	res := &Result{Path: path, Format: format}
	out, err := e.limit(ctx, cloud, opts.MaxPoints, res)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wopts := pointcloud.WriteOptions{
		IncludeColors:    opts.IncludeColors,
		IncludeNormals:   opts.IncludeNormals,
		IncludeIntensity: opts.IncludeIntensity,
		Precision:        opts.Precision,
	}
	pcdType := pointcloud.PCDAscii
	if opts.Compress {
		pcdType = pointcloud.PCDCompressed
	}
	if err := write(out, format, wopts, pcdType, path); err != nil {
		return nil, errors.Wrapf(err, "writing %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	res.PointCount = out.Size()
	res.FileSizeBytes = info.Size()
	res.ProcessingTime = time.Since(start)
	e.logger.Infow("exported point cloud",
		"path", path,
		"format", format,
		"points", res.PointCount,
		"size", units.HumanSize(float64(res.FileSizeBytes)),
		"took", res.ProcessingTime)
	return res, nil
}

func (e *Exporter) limit(ctx context.Context, pc *pointcloud.PointCloud, maxPoints int, res *Result) (*pointcloud.PointCloud, error) {
	if maxPoints == 0 || pc.Size() <= maxPoints {
		return pc, nil
	}
	out := pc
	voxel := preprocess.AdaptiveVoxelSize(pc, maxPoints, 0)
	for attempt := 0; voxel > 0 && attempt < maxDownsampleAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		down, err := e.processor.VoxelDownSample(pc, voxel)
		if err != nil {
			return nil, err
		}
		out = down
		res.VoxelSize = voxel
		if out.Size() <= maxPoints {
			return out, nil
		}
		voxel *= voxelGrowth
	}
	e.logger.Warnw("truncating export after downsampling", "points", out.Size(), "max", maxPoints)
	res.Truncated = true
	return out.Subset(lo.Range(maxPoints)), nil
}

func write(pc *pointcloud.PointCloud, format Format, opts pointcloud.WriteOptions, pcdType pointcloud.PCDType, path string) (err error) {
	if format == LAS {
		return pointcloud.WriteToLASFile(pc, path, opts)
	}
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	defer func() {
		err = multierr.Combine(err, w.Flush(), f.Close())
	}()

	switch format {
	case PLY:
		return pointcloud.WritePLY(w, pc, opts)
	case OBJ:
		return pointcloud.WriteOBJ(w, pc, opts)
	case XYZ:
		return pointcloud.WriteXYZ(w, pc, opts)
	case CSV:
		return pointcloud.WriteCSV(w, pc, opts)
	case PCD:
		return pointcloud.WritePCD(w, pc, pcdType, opts)
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "%q", format)
	}
}

// Parse reads a file previously written in format.
func Parse(path string, format Format, logger logging.Logger) (*pointcloud.PointCloud, error) {
	if format == LAS {
		return pointcloud.NewFromLASFile(path, logger)
	}
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	r := bufio.NewReader(f)

	switch format {
	case PLY:
		return pointcloud.ReadPLY(r)
	case OBJ:
		return pointcloud.ReadOBJ(r)
	case XYZ:
		return pointcloud.ReadXYZ(r)
	case CSV:
		return pointcloud.ReadCSV(r)
	case PCD:
		return pointcloud.ReadPCD(r)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%q", format)
	}
}
