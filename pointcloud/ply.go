package pointcloud

import (
	"fmt"
	"image/color"
	"io"
	"strconv"
	"strings"

	"github.com/chenzhekl/goply"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// WritePLY writes the cloud as an ASCII PLY file with double precision positions.
func WritePLY(out io.Writer, pc *PointCloud, opts WriteOptions) error {
	withColors, withNormals, withIntensity := opts.colors(pc), opts.normals(pc), opts.intensity(pc)

	var header strings.Builder
	header.WriteString("ply\nformat ascii 1.0\ncomment pointstream\n")
	fmt.Fprintf(&header, "element vertex %d\n", pc.Size())
	header.WriteString("property double x\nproperty double y\nproperty double z\n")
	if withNormals {
		header.WriteString("property double nx\nproperty double ny\nproperty double nz\n")
	}
	if withColors {
		header.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	if withIntensity {
		header.WriteString("property ushort intensity\n")
	}
	header.WriteString("end_header\n")
	if _, err := io.WriteString(out, header.String()); err != nil {
		return err
	}

	prec := opts.precision()
	line := make([]byte, 0, 128)
	for i, p := range pc.Positions {
		line = appendFloats(line[:0], prec, p.X, p.Y, p.Z)
		if withNormals {
			n := pc.Normals[i]
			line = append(line, ' ')
			line = appendFloats(line, prec, n.X, n.Y, n.Z)
		}
		if withColors {
			c := pc.Colors[i]
			line = fmt.Appendf(line, " %d %d %d", c.R, c.G, c.B)
		}
		if withIntensity {
			line = fmt.Appendf(line, " %d", pc.Intensities[i])
		}
		line = append(line, '\n')
		if _, err := out.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func appendFloats(dst []byte, prec int, vals ...float64) []byte {
	for i, v := range vals {
		if i > 0 {
			dst = append(dst, ' ')
		}
		dst = strconv.AppendFloat(dst, v, 'f', prec, 64)
	}
	return dst
}

// ReadPLY reads an ASCII PLY file. Vertex colors and normals are picked up when present.
func ReadPLY(in io.Reader) (pc *PointCloud, err error) {
	defer func() {
		// goply reports malformed input by panicking
		if r := recover(); r != nil {
			pc = nil
			err = errors.Errorf("invalid ply file: %v", r)
		}
	}()

	ply := goply.New(in)
	vertices := ply.Elements("vertex")
	pc = NewWithPrealloc(len(vertices))
	for i, v := range vertices {
		x, okX := plyFloat(v["x"])
		y, okY := plyFloat(v["y"])
		z, okZ := plyFloat(v["z"])
		if !okX || !okY || !okZ {
			return nil, errors.Errorf("ply vertex %d is missing a coordinate", i)
		}
		point := Point{Position: r3.Vector{X: x, Y: y, Z: z}}

		if nx, ok := plyFloat(v["nx"]); ok {
			ny, _ := plyFloat(v["ny"])
			nz, _ := plyFloat(v["nz"])
			point.Normal = &r3.Vector{X: nx, Y: ny, Z: nz}
		}
		if r, ok := plyFloat(v["red"]); ok {
			g, _ := plyFloat(v["green"])
			b, _ := plyFloat(v["blue"])
			point.Color = &color.NRGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 255}
		}
		if intensity, ok := plyFloat(v["intensity"]); ok {
			iv := uint16(intensity)
			point.Intensity = &iv
		}
		if err := pc.Append(point); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func plyFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	default:
		return 0, false
	}
}
