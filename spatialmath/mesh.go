package spatialmath

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrInvalidFaceIndex is returned when a mesh face references a vertex that does not exist.
var ErrInvalidFaceIndex = errors.New("face references a vertex index out of range")

// UV is a texture coordinate.
type UV struct {
	U, V float64
}

// TriangleMesh is an indexed triangle mesh. Normals, Colors and UVs are optional but when present
// are index-aligned with Vertices.
type TriangleMesh struct {
	Vertices []r3.Vector
	Faces    [][3]int
	Normals  []r3.Vector
	Colors   []color.NRGBA
	UVs      []UV
}

// MeshMetaData summarizes a mesh.
type MeshMetaData struct {
	VertexCount int
	FaceCount   int
	BoundingBox Box
	SurfaceArea float64
	// Volume is the absolute divergence theorem sum over all faces. It is only meaningful for
	// closed, consistently wound meshes.
	Volume float64
}

// NewTriangleMesh returns a mesh over the given vertices and faces, validating face indices.
func NewTriangleMesh(vertices []r3.Vector, faces [][3]int) (*TriangleMesh, error) {
	m := &TriangleMesh{Vertices: vertices, Faces: faces}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that faces only reference existing vertices and attributes are index-aligned.
func (m *TriangleMesh) Validate() error {
	n := len(m.Vertices)
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return errors.Wrapf(ErrInvalidFaceIndex, "face %d index %d (vertex count %d)", i, idx, n)
			}
		}
	}
	if len(m.Normals) != 0 && len(m.Normals) != n {
		return errors.Errorf("mesh has %d normals for %d vertices", len(m.Normals), n)
	}
	if len(m.Colors) != 0 && len(m.Colors) != n {
		return errors.Errorf("mesh has %d colors for %d vertices", len(m.Colors), n)
	}
	if len(m.UVs) != 0 && len(m.UVs) != n {
		return errors.Errorf("mesh has %d uvs for %d vertices", len(m.UVs), n)
	}
	return nil
}

// Triangle returns face i as a Triangle.
func (m *TriangleMesh) Triangle(i int) Triangle {
	f := m.Faces[i]
	return NewTriangle(m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]])
}

// MetaData computes the summary of the mesh. Degenerate faces contribute nothing.
func (m *TriangleMesh) MetaData() MeshMetaData {
	md := MeshMetaData{
		VertexCount: len(m.Vertices),
		FaceCount:   len(m.Faces),
		BoundingBox: NewBoxFromPoints(m.Vertices),
	}
	var volume float64
	for i := range m.Faces {
		t := m.Triangle(i)
		md.SurfaceArea += t.Area()
		volume += t.SignedVolume()
	}
	md.Volume = math.Abs(volume)
	return md
}

// ComputeVertexNormals sets Normals to the area weighted average of adjacent face normals.
func (m *TriangleMesh) ComputeVertexNormals() {
	normals := make([]r3.Vector, len(m.Vertices))
	for i := range m.Faces {
		t := m.Triangle(i)
		// the unnormalized cross product is already area weighted
		n := t.P1.Sub(t.P0).Cross(t.P2.Sub(t.P0))
		for _, idx := range m.Faces[i] {
			normals[idx] = normals[idx].Add(n)
		}
	}
	for i, n := range normals {
		if n.Norm2() > 0 {
			normals[i] = n.Normalize()
		} else {
			normals[i] = r3.Vector{Z: 1}
		}
	}
	m.Normals = normals
}
