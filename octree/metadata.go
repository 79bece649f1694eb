// Package octree builds, encodes and decodes the multi resolution point hierarchy that scans are
// streamed from.
//
// A built octree is three resources: a JSON Metadata record, a hierarchy stream with one fixed
// size record per node in pre-order, and a payload blob holding every node's points. Node bounds
// are never stored; they are derived from the metadata bounding box and the node's level and grid
// coordinates.
package octree

import (
	"encoding/json"
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointstream/spatialmath"
)

const (
	// Version is written to every metadata record.
	Version = "2.0"
	// DefaultSubdivisionFactor divides the largest bounding box dimension to get the root spacing.
	DefaultSubdivisionFactor = 128
	// HierarchyStepSize is the size of a hierarchy record carrying an explicit payload range.
	HierarchyStepSize = 17
	// LegacyHierarchyStepSize is the size of a record holding only the child mask and point count.
	LegacyHierarchyStepSize = 5
	// MaxLevel bounds node depth so grid coordinates stay within uint32.
	MaxLevel = 30
	// quantizationSteps is the number of position steps across the root cube when no explicit
	// scale is given.
	quantizationSteps = 1 << 20
)

// Attribute names a per point field of the payload.
type Attribute string

// The known payload attributes.
const (
	AttributePosition Attribute = "POSITION_CARTESIAN"
	AttributeRGBA     Attribute = "RGBA"
	AttributeNormal   Attribute = "NORMAL_OCT16"
)

// DefaultAttributes are written when a builder is not told otherwise.
var DefaultAttributes = []Attribute{AttributePosition, AttributeRGBA, AttributeNormal}

// Size returns the number of bytes the attribute takes per point.
func (a Attribute) Size() (int, error) {
	switch a {
	case AttributePosition:
		return 12, nil
	case AttributeRGBA:
		return 4, nil
	case AttributeNormal:
		return 2, nil
	default:
		return 0, errors.Errorf("unknown point attribute %q", a)
	}
}

// Metadata describes a built octree.
type Metadata struct {
	Version    string `json:"version"`
	PointCount uint64 `json:"pointCount"`
	// BoundingBox is the cube every node is derived from.
	BoundingBox      spatialmath.Box `json:"-"`
	TightBoundingBox spatialmath.Box `json:"-"`
	PointAttributes  []Attribute     `json:"pointAttributes"`
	// Spacing is the minimum distance between the root's sampled points.
	Spacing           float64    `json:"spacing"`
	Scale             [3]float64 `json:"scale"`
	HierarchyStepSize int        `json:"hierarchyStepSize"`
	Projection        string     `json:"projection"`
	BytesPerPoint     int        `json:"bytesPerPoint"`
}

type jsonBox struct {
	Min [3]float64 `json:"min"`
	Max [3]float64 `json:"max"`
}

func boxToJSON(b spatialmath.Box) jsonBox {
	return jsonBox{Min: [3]float64{b.Min.X, b.Min.Y, b.Min.Z}, Max: [3]float64{b.Max.X, b.Max.Y, b.Max.Z}}
}

func (b jsonBox) box() spatialmath.Box {
	return spatialmath.Box{
		Min: r3.Vector{X: b.Min[0], Y: b.Min[1], Z: b.Min[2]},
		Max: r3.Vector{X: b.Max[0], Y: b.Max[1], Z: b.Max[2]},
	}
}

type metadataAlias Metadata

type metadataJSON struct {
	metadataAlias
	BoundingBox      jsonBox `json:"boundingBox"`
	TightBoundingBox jsonBox `json:"tightBoundingBox"`
}

// MarshalJSON writes bounding boxes as min/max triples.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(metadataJSON{
		metadataAlias:    metadataAlias(m),
		BoundingBox:      boxToJSON(m.BoundingBox),
		TightBoundingBox: boxToJSON(m.TightBoundingBox),
	})
}

// UnmarshalJSON reads the format written by MarshalJSON.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var mj metadataJSON
	if err := json.Unmarshal(data, &mj); err != nil {
		return err
	}
	*m = Metadata(mj.metadataAlias)
	m.BoundingBox = mj.BoundingBox.box()
	m.TightBoundingBox = mj.TightBoundingBox.box()
	return nil
}

// NewMetadata derives the metadata of an octree over points with the given tight bounds. The
// cube starts at the tight minimum and its edge is the largest tight dimension; a zero sized
// cloud gets a unit cube. A non positive scale selects a scale fine enough for the cube.
func NewMetadata(
	tight spatialmath.Box,
	pointCount uint64,
	attrs []Attribute,
	subdivisionFactor int,
	scale float64,
) (Metadata, error) {
	if subdivisionFactor <= 0 {
		subdivisionFactor = DefaultSubdivisionFactor
	}
	if tight.Empty() {
		tight = spatialmath.Box{}
	}
	cube := tight.Cubic()
	if cube.MaxDimension() == 0 {
		cube.Max = cube.Min.Add(r3.Vector{X: 1, Y: 1, Z: 1})
	}
	if scale <= 0 {
		scale = cube.MaxDimension() / quantizationSteps
	}
	if cube.MaxDimension()/scale > math.MaxInt32 {
		return Metadata{}, errors.Errorf("scale %v is too fine for a cube of size %v", scale, cube.MaxDimension())
	}
	bpp, err := bytesPerPoint(attrs)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Version:           Version,
		PointCount:        pointCount,
		BoundingBox:       cube,
		TightBoundingBox:  tight,
		PointAttributes:   append([]Attribute(nil), attrs...),
		Spacing:           cube.MaxDimension() / float64(subdivisionFactor),
		Scale:             [3]float64{scale, scale, scale},
		HierarchyStepSize: HierarchyStepSize,
		BytesPerPoint:     bpp,
	}, nil
}

func bytesPerPoint(attrs []Attribute) (int, error) {
	if len(attrs) == 0 || attrs[0] != AttributePosition {
		return 0, errors.Errorf("point attributes must start with %s, got %v", AttributePosition, attrs)
	}
	total := 0
	seen := map[Attribute]bool{}
	for _, a := range attrs {
		if seen[a] {
			return 0, errors.Errorf("duplicate point attribute %s", a)
		}
		seen[a] = true
		size, err := a.Size()
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

// Validate checks that the record can be used to decode a hierarchy and payload.
func (m Metadata) Validate() error {
	bpp, err := bytesPerPoint(m.PointAttributes)
	if err != nil {
		return err
	}
	if m.BytesPerPoint != 0 && m.BytesPerPoint != bpp {
		return errors.Errorf("bytesPerPoint %d does not match attributes (%d)", m.BytesPerPoint, bpp)
	}
	if m.HierarchyStepSize != HierarchyStepSize && m.HierarchyStepSize != LegacyHierarchyStepSize {
		return errors.Errorf("unsupported hierarchy step size %d", m.HierarchyStepSize)
	}
	if m.BoundingBox.Empty() || m.BoundingBox.MaxDimension() <= 0 {
		return errors.New("metadata bounding box is empty")
	}
	for _, s := range m.Scale {
		if !(s > 0) {
			return errors.Errorf("scale must be positive, got %v", m.Scale)
		}
	}
	return nil
}

// PointSize returns the payload bytes per point.
func (m Metadata) PointSize() int {
	if m.BytesPerPoint > 0 {
		return m.BytesPerPoint
	}
	bpp, err := bytesPerPoint(m.PointAttributes)
	if err != nil {
		return 0
	}
	return bpp
}

// HasAttribute returns whether the payload carries a.
func (m Metadata) HasAttribute(a Attribute) bool {
	for _, have := range m.PointAttributes {
		if have == a {
			return true
		}
	}
	return false
}

// NodeSize returns the edge length of nodes at level.
func NodeSize(meta Metadata, level int) float64 {
	return meta.BoundingBox.MaxDimension() / math.Exp2(float64(level))
}

// NodeSpacing returns the sampling distance of nodes at level.
func NodeSpacing(meta Metadata, level int) float64 {
	return meta.Spacing / math.Exp2(float64(level))
}

// NodeBounds returns the box of the node at the given level and grid coordinates. Faces on the
// boundary of the cube coincide exactly with it.
func NodeBounds(meta Metadata, level int, x, y, z uint32) spatialmath.Box {
	cube := meta.BoundingBox
	cells := math.Exp2(float64(level))
	return spatialmath.Box{
		Min: r3.Vector{
			X: gridPlane(cube.Min.X, cube.Max.X, float64(x), cells),
			Y: gridPlane(cube.Min.Y, cube.Max.Y, float64(y), cells),
			Z: gridPlane(cube.Min.Z, cube.Max.Z, float64(z), cells),
		},
		Max: r3.Vector{
			X: gridPlane(cube.Min.X, cube.Max.X, float64(x)+1, cells),
			Y: gridPlane(cube.Min.Y, cube.Max.Y, float64(y)+1, cells),
			Z: gridPlane(cube.Min.Z, cube.Max.Z, float64(z)+1, cells),
		},
	}
}

func gridPlane(lo, hi, i, cells float64) float64 {
	if i >= cells {
		return hi
	}
	return lo + i*(hi-lo)/cells
}

// ReadMetadata decodes and validates a metadata record.
func ReadMetadata(r io.Reader) (Metadata, error) {
	var meta Metadata
	if err := json.NewDecoder(r).Decode(&meta); err != nil {
		return Metadata{}, errors.Wrap(err, "decoding octree metadata")
	}
	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	if meta.BytesPerPoint == 0 {
		meta.BytesPerPoint = meta.PointSize()
	}
	return meta, nil
}
