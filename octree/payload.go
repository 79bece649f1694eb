package octree

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointstream/pointcloud"
)

// PointBuffer holds decoded node points laid out for upload to a renderer. Positions and
// Normals hold three values per point and Colors four.
type PointBuffer struct {
	Count     int
	Positions []float32
	Colors    []uint8
	Normals   []float32
}

// MemoryBytes returns the size of the buffer's point data.
func (pb *PointBuffer) MemoryBytes() int64 {
	return int64(4*len(pb.Positions) + len(pb.Colors) + 4*len(pb.Normals))
}

// PointCloud converts the buffer back into a cloud.
func (pb *PointBuffer) PointCloud() *pointcloud.PointCloud {
	pc := pointcloud.NewWithPrealloc(pb.Count)
	for i := 0; i < pb.Count; i++ {
		pc.Positions = append(pc.Positions, r3.Vector{
			X: float64(pb.Positions[3*i]),
			Y: float64(pb.Positions[3*i+1]),
			Z: float64(pb.Positions[3*i+2]),
		})
		if len(pb.Colors) > 0 {
			c := pb.Colors[4*i : 4*i+4]
			pc.Colors = append(pc.Colors, color.NRGBA{R: c[0], G: c[1], B: c[2], A: c[3]})
		}
		if len(pb.Normals) > 0 {
			pc.Normals = append(pc.Normals, r3.Vector{
				X: float64(pb.Normals[3*i]),
				Y: float64(pb.Normals[3*i+1]),
				Z: float64(pb.Normals[3*i+2]),
			})
		}
	}
	return pc
}

// EncodePoints appends the points of pc at the given indices to dst in the attribute layout of
// meta. Clouds without colors are written opaque white and clouds without normals face up.
func EncodePoints(dst []byte, meta Metadata, pc *pointcloud.PointCloud, indices []int) ([]byte, error) {
	origin := meta.BoundingBox.Min
	var buf [12]byte
	for _, i := range indices {
		for _, attr := range meta.PointAttributes {
			switch attr {
			case AttributePosition:
				p := pc.Positions[i].Sub(origin)
				byteOrder.PutUint32(buf[0:4], uint32(int32(math.Round(p.X/meta.Scale[0]))))
				byteOrder.PutUint32(buf[4:8], uint32(int32(math.Round(p.Y/meta.Scale[1]))))
				byteOrder.PutUint32(buf[8:12], uint32(int32(math.Round(p.Z/meta.Scale[2]))))
				dst = append(dst, buf[:12]...)
			case AttributeRGBA:
				c := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
				if pc.HasColors() {
					c = pc.Colors[i]
				}
				dst = append(dst, c.R, c.G, c.B, c.A)
			case AttributeNormal:
				n := r3.Vector{Z: 1}
				if pc.HasNormals() {
					n = pc.Normals[i]
				}
				enc := OctEncode(n)
				dst = append(dst, enc[0], enc[1])
			default:
				return nil, errors.Errorf("unknown point attribute %q", attr)
			}
		}
	}
	return dst, nil
}

// DecodePoints decodes a node payload laid out as described by meta.
func DecodePoints(meta Metadata, data []byte) (*PointBuffer, error) {
	pointSize := meta.PointSize()
	if pointSize == 0 {
		return nil, errors.Errorf("no point layout for attributes %v", meta.PointAttributes)
	}
	if len(data)%pointSize != 0 {
		return nil, errors.Errorf("payload of %d bytes is not a multiple of the %d byte point size", len(data), pointSize)
	}
	count := len(data) / pointSize
	pb := &PointBuffer{Count: count, Positions: make([]float32, 0, 3*count)}
	if meta.HasAttribute(AttributeRGBA) {
		pb.Colors = make([]uint8, 0, 4*count)
	}
	if meta.HasAttribute(AttributeNormal) {
		pb.Normals = make([]float32, 0, 3*count)
	}

	origin := meta.BoundingBox.Min
	for off := 0; off < len(data); {
		for _, attr := range meta.PointAttributes {
			switch attr {
			case AttributePosition:
				x := float64(int32(byteOrder.Uint32(data[off:])))*meta.Scale[0] + origin.X
				y := float64(int32(byteOrder.Uint32(data[off+4:])))*meta.Scale[1] + origin.Y
				z := float64(int32(byteOrder.Uint32(data[off+8:])))*meta.Scale[2] + origin.Z
				pb.Positions = append(pb.Positions, float32(x), float32(y), float32(z))
				off += 12
			case AttributeRGBA:
				pb.Colors = append(pb.Colors, data[off:off+4]...)
				off += 4
			case AttributeNormal:
				n := OctDecode(data[off], data[off+1])
				pb.Normals = append(pb.Normals, float32(n.X), float32(n.Y), float32(n.Z))
				off += 2
			}
		}
	}
	return pb, nil
}

func clamp(val, minVal, maxVal float64) float64 {
	return math.Max(math.Min(val, maxVal), minVal)
}

func signNotZero(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

func toSnorm(v float64) uint8 {
	return uint8(math.Round((clamp(v, -1, 1)*0.5 + 0.5) * 255))
}

func fromSnorm(v uint8) float64 {
	return float64(v)/255*2 - 1
}

// OctEncode packs a unit vector into two bytes by projecting it onto an octahedron.
func OctEncode(n r3.Vector) [2]uint8 {
	l1 := math.Abs(n.X) + math.Abs(n.Y) + math.Abs(n.Z)
	if l1 == 0 {
		return [2]uint8{toSnorm(0), toSnorm(0)}
	}
	x, y := n.X/l1, n.Y/l1
	if n.Z < 0 {
		x, y = (1-math.Abs(y))*signNotZero(x), (1-math.Abs(x))*signNotZero(y)
	}
	return [2]uint8{toSnorm(x), toSnorm(y)}
}

// OctDecode unpacks a vector written by OctEncode.
func OctDecode(x, y uint8) r3.Vector {
	v := r3.Vector{X: fromSnorm(x), Y: fromSnorm(y)}
	v.Z = 1 - math.Abs(v.X) - math.Abs(v.Y)
	if v.Z < 0 {
		v.X, v.Y = (1-math.Abs(v.Y))*signNotZero(v.X), (1-math.Abs(v.X))*signNotZero(v.Y)
	}
	return v.Normalize()
}
