package pointcloud

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/pointstream/logging"
)

// DefaultPrecision is the number of decimals written for coordinates by the text formats.
const DefaultPrecision = 6

// WriteOptions selects which attributes a writer emits. Attributes the cloud does not carry are
// never written.
type WriteOptions struct {
	IncludeColors    bool
	IncludeNormals   bool
	IncludeIntensity bool
	// Precision is the number of decimals for text formats. Zero means DefaultPrecision.
	Precision int
}

// DefaultWriteOptions writes every attribute at the default precision.
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{IncludeColors: true, IncludeNormals: true, IncludeIntensity: true, Precision: DefaultPrecision}
}

func (o WriteOptions) precision() int {
	if o.Precision <= 0 {
		return DefaultPrecision
	}
	return o.Precision
}

func (o WriteOptions) colors(pc *PointCloud) bool {
	return o.IncludeColors && pc.HasColors()
}

func (o WriteOptions) normals(pc *PointCloud) bool {
	return o.IncludeNormals && pc.HasNormals()
}

func (o WriteOptions) intensity(pc *PointCloud) bool {
	return o.IncludeIntensity && pc.HasIntensities()
}

// NewFromFile returns a pointcloud read in from the given file, picking the format from the
// extension.
func NewFromFile(fn string, logger logging.Logger) (*PointCloud, error) {
	ext := strings.ToLower(filepath.Ext(fn))
	if ext == ".las" {
		return NewFromLASFile(fn, logger)
	}

	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	r := bufio.NewReader(f)

	switch ext {
	case ".ply":
		return ReadPLY(r)
	case ".pcd":
		return ReadPCD(r)
	case ".xyz", ".txt":
		return ReadXYZ(r)
	case ".csv":
		return ReadCSV(r)
	case ".obj":
		return ReadOBJ(r)
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

// WriteToFile writes the cloud to fn in the format picked from the extension.
func WriteToFile(pc *PointCloud, fn string, opts WriteOptions) (err error) {
	ext := strings.ToLower(filepath.Ext(fn))
	if ext == ".las" {
		return WriteToLASFile(pc, fn, opts)
	}

	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	defer func() {
		err = multierr.Combine(err, w.Flush(), f.Close())
	}()

	switch ext {
	case ".ply":
		return WritePLY(w, pc, opts)
	case ".pcd":
		return WritePCD(w, pc, PCDAscii, opts)
	case ".xyz", ".txt":
		return WriteXYZ(w, pc, opts)
	case ".csv":
		return WriteCSV(w, pc, opts)
	case ".obj":
		return WriteOBJ(w, pc, opts)
	default:
		return errors.Errorf("do not know how to write file %q", fn)
	}
}
