package pointcloud

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chenzhekl/goply"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/pointstream/spatialmath"
)

// ReadPLYMesh reads an ASCII PLY mesh. Faces with more than three vertices are fan triangulated.
// Vertex normals and colors are kept when every vertex carries them.
func ReadPLYMesh(in io.Reader) (m *spatialmath.TriangleMesh, err error) {
	defer func() {
		// goply reports malformed input by panicking
		if r := recover(); r != nil {
			m = nil
			err = errors.Errorf("invalid ply mesh: %v", r)
		}
	}()

	ply := goply.New(in)
	vertices := ply.Elements("vertex")
	positions := make([]r3.Vector, 0, len(vertices))
	normals := make([]r3.Vector, 0, len(vertices))
	colors := make([]color.NRGBA, 0, len(vertices))
	for i, v := range vertices {
		x, okX := plyFloat(v["x"])
		y, okY := plyFloat(v["y"])
		z, okZ := plyFloat(v["z"])
		if !okX || !okY || !okZ {
			return nil, errors.Errorf("ply vertex %d is missing a coordinate", i)
		}
		positions = append(positions, r3.Vector{X: x, Y: y, Z: z})
		if nx, ok := plyFloat(v["nx"]); ok {
			ny, _ := plyFloat(v["ny"])
			nz, _ := plyFloat(v["nz"])
			normals = append(normals, r3.Vector{X: nx, Y: ny, Z: nz})
		}
		if r, ok := plyFloat(v["red"]); ok {
			g, _ := plyFloat(v["green"])
			b, _ := plyFloat(v["blue"])
			colors = append(colors, color.NRGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 255})
		}
	}
	var faces [][3]int
	for i, f := range ply.Elements("face") {
		list, ok := f["vertex_indices"].([]interface{})
		if !ok {
			list, ok = f["vertex_index"].([]interface{})
		}
		if !ok {
			return nil, errors.Errorf("ply face %d has no vertex index list", i)
		}
		idx := make([]int, len(list))
		for j, v := range list {
			fv, ok := plyFloat(v)
			if !ok {
				return nil, errors.Errorf("ply face %d has a non numeric index", i)
			}
			idx[j] = int(fv)
		}
		if faces, err = appendFan(faces, idx); err != nil {
			return nil, errors.Wrapf(err, "ply face %d", i)
		}
	}
	return newMesh(positions, faces, normals, colors)
}

// newMesh validates the faces and attaches the attributes every vertex carries.
func newMesh(positions []r3.Vector, faces [][3]int, normals []r3.Vector, colors []color.NRGBA) (*spatialmath.TriangleMesh, error) {
	m, err := spatialmath.NewTriangleMesh(positions, faces)
	if err != nil {
		return nil, err
	}
	if len(normals) > 0 && len(normals) == len(positions) {
		m.Normals = normals
	}
	if len(colors) > 0 && len(colors) == len(positions) {
		m.Colors = colors
	}
	return m, nil
}

// appendFan triangulates a polygon around its first vertex.
func appendFan(faces [][3]int, idx []int) ([][3]int, error) {
	if len(idx) < 3 {
		return faces, errors.Errorf("polygon has %d vertices", len(idx))
	}
	for k := 1; k+1 < len(idx); k++ {
		faces = append(faces, [3]int{idx[0], idx[k], idx[k+1]})
	}
	return faces, nil
}

// WritePLYMesh writes the mesh as an ASCII PLY file with a vertex and a face element.
func WritePLYMesh(out io.Writer, m *spatialmath.TriangleMesh, prec int) error {
	withNormals, withColors := len(m.Normals) == len(m.Vertices), len(m.Colors) == len(m.Vertices)
	withNormals = withNormals && len(m.Normals) > 0
	withColors = withColors && len(m.Colors) > 0

	var header strings.Builder
	header.WriteString("ply\nformat ascii 1.0\ncomment pointstream\n")
	fmt.Fprintf(&header, "element vertex %d\n", len(m.Vertices))
	header.WriteString("property double x\nproperty double y\nproperty double z\n")
	if withNormals {
		header.WriteString("property double nx\nproperty double ny\nproperty double nz\n")
	}
	if withColors {
		header.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	fmt.Fprintf(&header, "element face %d\n", len(m.Faces))
	header.WriteString("property list uchar int vertex_indices\nend_header\n")
	if _, err := io.WriteString(out, header.String()); err != nil {
		return err
	}

	line := make([]byte, 0, 128)
	for i, v := range m.Vertices {
		line = appendFloats(line[:0], prec, v.X, v.Y, v.Z)
		if withNormals {
			n := m.Normals[i]
			line = append(line, ' ')
			line = appendFloats(line, prec, n.X, n.Y, n.Z)
		}
		if withColors {
			c := m.Colors[i]
			line = fmt.Appendf(line, " %d %d %d", c.R, c.G, c.B)
		}
		line = append(line, '\n')
		if _, err := out.Write(line); err != nil {
			return err
		}
	}
	for _, f := range m.Faces {
		line = fmt.Appendf(line[:0], "3 %d %d %d\n", f[0], f[1], f[2])
		if _, err := out.Write(line); err != nil {
			return err
		}
	}
	return nil
}

// ReadOBJMesh reads the vertices, vertex normals and faces of an OBJ file. Face tokens may take
// the v, v/vt, v//vn or v/vt/vn forms and negative indices count back from the last vertex.
// Normals are kept only when there is exactly one per vertex.
func ReadOBJMesh(in io.Reader) (*spatialmath.TriangleMesh, error) {
	scanner := bufio.NewScanner(in)
	var positions, normals []r3.Vector
	var colors []color.NRGBA
	var faces [][3]int
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "v":
			vals, err := parseFloats(fields[1:])
			if err != nil || (len(vals) != 3 && len(vals) != 6) {
				return nil, errors.Errorf("line %d: malformed vertex", lineNum)
			}
			positions = append(positions, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
			if len(vals) == 6 {
				colors = append(colors, color.NRGBA{
					R: uint8(clamp01(vals[3])*255 + 0.5),
					G: uint8(clamp01(vals[4])*255 + 0.5),
					B: uint8(clamp01(vals[5])*255 + 0.5),
					A: 255,
				})
			}
		case "vn":
			vals, err := parseFloats(fields[1:])
			if err != nil || len(vals) != 3 {
				return nil, errors.Errorf("line %d: malformed normal", lineNum)
			}
			normals = append(normals, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
		case "f":
			idx := make([]int, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				ref, _, _ := strings.Cut(tok, "/")
				v, err := strconv.Atoi(ref)
				if err != nil || v == 0 {
					return nil, errors.Errorf("line %d: malformed face index %q", lineNum, tok)
				}
				if v < 0 {
					v += len(positions)
				} else {
					v--
				}
				idx = append(idx, v)
			}
			var err error
			if faces, err = appendFan(faces, idx); err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNum)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return newMesh(positions, faces, normals, colors)
}

// WriteOBJMesh writes "v", "vn" and "f" lines. Faces reference the normal with the same index as
// their vertex.
func WriteOBJMesh(out io.Writer, m *spatialmath.TriangleMesh, prec int) error {
	withNormals := len(m.Normals) > 0 && len(m.Normals) == len(m.Vertices)
	withColors := len(m.Colors) > 0 && len(m.Colors) == len(m.Vertices)
	if _, err := io.WriteString(out, "# pointstream\n"); err != nil {
		return err
	}
	line := make([]byte, 0, 128)
	for i, v := range m.Vertices {
		line = append(line[:0], "v "...)
		line = appendFloats(line, prec, v.X, v.Y, v.Z)
		if withColors {
			c := m.Colors[i]
			line = append(line, ' ')
			line = appendFloats(line, prec, float64(c.R)/255, float64(c.G)/255, float64(c.B)/255)
		}
		line = append(line, '\n')
		if _, err := out.Write(line); err != nil {
			return err
		}
	}
	if withNormals {
		for _, n := range m.Normals {
			line = append(line[:0], "vn "...)
			line = appendFloats(line, prec, n.X, n.Y, n.Z)
			line = append(line, '\n')
			if _, err := out.Write(line); err != nil {
				return err
			}
		}
	}
	for _, f := range m.Faces {
		a, b, c := f[0]+1, f[1]+1, f[2]+1
		if withNormals {
			line = fmt.Appendf(line[:0], "f %d//%d %d//%d %d//%d\n", a, a, b, b, c, c)
		} else {
			line = fmt.Appendf(line[:0], "f %d %d %d\n", a, b, c)
		}
		if _, err := out.Write(line); err != nil {
			return err
		}
	}
	return nil
}

// IsMeshFile reports whether fn has an extension a mesh can be read from.
func IsMeshFile(fn string) bool {
	switch strings.ToLower(filepath.Ext(fn)) {
	case ".ply", ".obj":
		return true
	}
	return false
}

// NewMeshFromFile reads a PLY or OBJ triangle mesh, picking the format from the extension.
func NewMeshFromFile(fn string) (*spatialmath.TriangleMesh, error) {
	ext := strings.ToLower(filepath.Ext(fn))
	if !IsMeshFile(fn) {
		return nil, errors.Errorf("do not know how to read mesh file %q", fn)
	}
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	r := bufio.NewReader(f)
	if ext == ".obj" {
		return ReadOBJMesh(r)
	}
	return ReadPLYMesh(r)
}

// WriteMeshToFile writes the mesh to fn as PLY or OBJ, picking the format from the extension.
func WriteMeshToFile(m *spatialmath.TriangleMesh, fn string, prec int) (err error) {
	ext := strings.ToLower(filepath.Ext(fn))
	if !IsMeshFile(fn) {
		return errors.Errorf("do not know how to write mesh file %q", fn)
	}
	if prec <= 0 {
		prec = DefaultPrecision
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
	if ext == ".obj" {
		return WriteOBJMesh(w, m, prec)
	}
	return WritePLYMesh(w, m, prec)
}
