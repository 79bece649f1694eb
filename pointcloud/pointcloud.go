// Package pointcloud defines a point cloud with index-aligned optional attributes, nearest
// neighbor search over it, and readers/writers for the common interchange formats.
package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/pointstream/spatialmath"
)

// ErrMismatchedAttributes is returned when an optional attribute is not index-aligned with the
// positions of a cloud.
var ErrMismatchedAttributes = errors.New("point attributes must be empty or have one entry per position")

// PointCloud is an unordered set of points. Colors, Normals and Intensities are optional; when
// present they have exactly one entry per position.
type PointCloud struct {
	Positions   []r3.Vector
	Colors      []color.NRGBA
	Normals     []r3.Vector
	Intensities []uint16
}

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	Count          int
	BoundingBox    spatialmath.Box
	Centroid       r3.Vector
	HasColors      bool
	HasNormals     bool
	HasIntensities bool
}

// New returns an empty point cloud.
func New() *PointCloud {
	return &PointCloud{}
}

// NewWithPrealloc returns an empty point cloud with room for size positions.
func NewWithPrealloc(size int) *PointCloud {
	return &PointCloud{Positions: make([]r3.Vector, 0, size)}
}

// NewFromPositions wraps the given positions in a cloud without attributes.
func NewFromPositions(positions []r3.Vector) *PointCloud {
	return &PointCloud{Positions: positions}
}

// Size returns the number of points in the cloud.
func (pc *PointCloud) Size() int {
	return len(pc.Positions)
}

// HasColors is true when every point carries a color.
func (pc *PointCloud) HasColors() bool {
	return len(pc.Positions) > 0 && len(pc.Colors) == len(pc.Positions)
}

// HasNormals is true when every point carries a normal.
func (pc *PointCloud) HasNormals() bool {
	return len(pc.Positions) > 0 && len(pc.Normals) == len(pc.Positions)
}

// HasIntensities is true when every point carries an intensity.
func (pc *PointCloud) HasIntensities() bool {
	return len(pc.Positions) > 0 && len(pc.Intensities) == len(pc.Positions)
}

// Validate checks that all attributes are index-aligned with positions.
func (pc *PointCloud) Validate() error {
	n := len(pc.Positions)
	if len(pc.Colors) != 0 && len(pc.Colors) != n {
		return errors.Wrapf(ErrMismatchedAttributes, "%d colors for %d positions", len(pc.Colors), n)
	}
	if len(pc.Normals) != 0 && len(pc.Normals) != n {
		return errors.Wrapf(ErrMismatchedAttributes, "%d normals for %d positions", len(pc.Normals), n)
	}
	if len(pc.Intensities) != 0 && len(pc.Intensities) != n {
		return errors.Wrapf(ErrMismatchedAttributes, "%d intensities for %d positions", len(pc.Intensities), n)
	}
	return nil
}

// Point is a single point and its optional attributes.
type Point struct {
	Position  r3.Vector
	Color     *color.NRGBA
	Normal    *r3.Vector
	Intensity *uint16
}

// At returns the i-th point with whatever attributes the cloud carries.
func (pc *PointCloud) At(i int) Point {
	p := Point{Position: pc.Positions[i]}
	if pc.HasColors() {
		c := pc.Colors[i]
		p.Color = &c
	}
	if pc.HasNormals() {
		n := pc.Normals[i]
		p.Normal = &n
	}
	if pc.HasIntensities() {
		v := pc.Intensities[i]
		p.Intensity = &v
	}
	return p
}

// Append adds a point. Attributes given for a point must be given for every point.
func (pc *PointCloud) Append(p Point) error {
	n := len(pc.Positions)
	if err := appendAttribute(&pc.Colors, p.Color, n, "color"); err != nil {
		return err
	}
	if err := appendAttribute(&pc.Normals, p.Normal, n, "normal"); err != nil {
		return err
	}
	if err := appendAttribute(&pc.Intensities, p.Intensity, n, "intensity"); err != nil {
		return err
	}
	pc.Positions = append(pc.Positions, p.Position)
	return nil
}

func appendAttribute[T any](dst *[]T, v *T, n int, name string) error {
	switch {
	case v != nil && len(*dst) == n:
		*dst = append(*dst, *v)
	case v == nil && len(*dst) == 0:
	default:
		return errors.Wrapf(ErrMismatchedAttributes, "point %d %s", n, name)
	}
	return nil
}

// Subset returns a new cloud made of the points at the given indices, in order.
func (pc *PointCloud) Subset(indices []int) *PointCloud {
	out := &PointCloud{Positions: lo.Map(indices, func(i, _ int) r3.Vector { return pc.Positions[i] })}
	if pc.HasColors() {
		out.Colors = lo.Map(indices, func(i, _ int) color.NRGBA { return pc.Colors[i] })
	}
	if pc.HasNormals() {
		out.Normals = lo.Map(indices, func(i, _ int) r3.Vector { return pc.Normals[i] })
	}
	if pc.HasIntensities() {
		out.Intensities = lo.Map(indices, func(i, _ int) uint16 { return pc.Intensities[i] })
	}
	return out
}

// Clone returns a deep copy of the cloud.
func (pc *PointCloud) Clone() *PointCloud {
	return &PointCloud{
		Positions:   append([]r3.Vector(nil), pc.Positions...),
		Colors:      append([]color.NRGBA(nil), pc.Colors...),
		Normals:     append([]r3.Vector(nil), pc.Normals...),
		Intensities: append([]uint16(nil), pc.Intensities...),
	}
}

// Transform returns a copy of the cloud with every position and normal moved by rt.
func (pc *PointCloud) Transform(rt spatialmath.RigidTransform) *PointCloud {
	out := pc.Clone()
	for i, p := range out.Positions {
		out.Positions[i] = rt.Apply(p)
	}
	for i, n := range out.Normals {
		out.Normals[i] = rt.Rotation.Rotate(n)
	}
	return out
}

// MetaData computes the summary of the cloud.
func (pc *PointCloud) MetaData() MetaData {
	md := MetaData{
		Count:          pc.Size(),
		BoundingBox:    spatialmath.NewBoxFromPoints(pc.Positions),
		HasColors:      pc.HasColors(),
		HasNormals:     pc.HasNormals(),
		HasIntensities: pc.HasIntensities(),
	}
	if md.Count > 0 {
		var sum r3.Vector
		for _, p := range pc.Positions {
			sum = sum.Add(p)
		}
		md.Centroid = sum.Mul(1 / float64(md.Count))
	}
	return md
}
