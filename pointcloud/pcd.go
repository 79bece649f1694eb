package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	lzf "github.com/zhuyie/golzf"
)

// PCDType is the data encoding of a PCD file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = iota
	// PCDBinary binary format for pcd.
	PCDBinary
	// PCDCompressed is binary data compressed with LZF, stored field by field.
	PCDCompressed
)

func colorToPCDInt(c color.NRGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

func pcdIntToColor(c uint32) color.NRGBA {
	return color.NRGBA{R: uint8(0xFF & (c >> 16)), G: uint8(0xFF & (c >> 8)), B: uint8(0xFF & c), A: 255}
}

// WritePCD writes the cloud as a PCD v0.7 file. Colors are packed into a single rgb field.
func WritePCD(out io.Writer, pc *PointCloud, outputType PCDType, opts WriteOptions) error {
	withColors, withNormals, withIntensity := opts.colors(pc), opts.normals(pc), opts.intensity(pc)
	fields := []string{"x", "y", "z"}
	types := []string{"F", "F", "F"}
	if withColors {
		fields = append(fields, "rgb")
		types = append(types, "U")
	}
	if withNormals {
		fields = append(fields, "normal_x", "normal_y", "normal_z")
		types = append(types, "F", "F", "F")
	}
	if withIntensity {
		fields = append(fields, "intensity")
		types = append(types, "F")
	}
	sizes := strings.TrimSpace(strings.Repeat("4 ", len(fields)))
	counts := strings.TrimSpace(strings.Repeat("1 ", len(fields)))

	var dataLine string
	switch outputType {
	case PCDAscii:
		dataLine = "ascii"
	case PCDBinary:
		dataLine = "binary"
	case PCDCompressed:
		dataLine = "binary_compressed"
	default:
		return errors.Errorf("unknown pcd type %d", outputType)
	}

	if _, err := fmt.Fprintf(out, "VERSION .7\nFIELDS %s\nSIZE %s\nTYPE %s\nCOUNT %s\n"+
		"WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA %s\n",
		strings.Join(fields, " "), sizes, strings.Join(types, " "), counts,
		pc.Size(), pc.Size(), dataLine); err != nil {
		return err
	}

	// words holds point i's fields as stored in binary files, floats as their IEEE bits.
	words := func(i int, dst []uint32) []uint32 {
		p := pc.Positions[i]
		dst = append(dst[:0], math.Float32bits(float32(p.X)), math.Float32bits(float32(p.Y)), math.Float32bits(float32(p.Z)))
		if withColors {
			dst = append(dst, colorToPCDInt(pc.Colors[i]))
		}
		if withNormals {
			n := pc.Normals[i]
			dst = append(dst, math.Float32bits(float32(n.X)), math.Float32bits(float32(n.Y)), math.Float32bits(float32(n.Z)))
		}
		if withIntensity {
			dst = append(dst, math.Float32bits(float32(pc.Intensities[i])))
		}
		return dst
	}

	switch outputType {
	case PCDCompressed:
		return writePCDCompressed(out, pc.Size(), len(fields), words)
	case PCDBinary:
		var w []uint32
		buf := make([]byte, 0, 4*len(fields))
		for i := range pc.Positions {
			w = words(i, w)
			buf = buf[:0]
			for _, v := range w {
				buf = binary.LittleEndian.AppendUint32(buf, v)
			}
			if _, err := out.Write(buf); err != nil {
				return err
			}
		}
		return nil
	}

	prec := opts.precision()
	var buf []byte
	for i, p := range pc.Positions {
		buf = appendFloats(buf[:0], prec, p.X, p.Y, p.Z)
		if withColors {
			buf = fmt.Appendf(buf, " %d", colorToPCDInt(pc.Colors[i]))
		}
		if withNormals {
			n := pc.Normals[i]
			buf = append(buf, ' ')
			buf = appendFloats(buf, prec, n.X, n.Y, n.Z)
		}
		if withIntensity {
			buf = append(buf, ' ')
			buf = appendFloats(buf, prec, float64(pc.Intensities[i]))
		}
		buf = append(buf, '\n')
		if _, err := out.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// writePCDCompressed writes the binary_compressed body: the LZF compressed and uncompressed
// sizes as little endian uint32s, then the compressed bytes. Uncompressed data is laid out field
// by field, all x values first.
func writePCDCompressed(out io.Writer, points, fieldCount int, words func(int, []uint32) []uint32) error {
	raw := make([]byte, 4*points*fieldCount)
	var w []uint32
	for i := 0; i < points; i++ {
		w = words(i, w)
		for j, v := range w {
			binary.LittleEndian.PutUint32(raw[4*(j*points+i):], v)
		}
	}
	var compressed []byte
	if len(raw) > 0 {
		// lzf output can exceed its input for incompressible data
		compressed = make([]byte, len(raw)+len(raw)/16+64)
		n, err := lzf.Compress(raw, compressed)
		if err != nil {
			return errors.Wrap(err, "compressing pcd data")
		}
		compressed = compressed[:n]
	}
	head := binary.LittleEndian.AppendUint32(nil, uint32(len(compressed)))
	head = binary.LittleEndian.AppendUint32(head, uint32(len(raw)))
	if _, err := out.Write(head); err != nil {
		return err
	}
	_, err := out.Write(compressed)
	return err
}

// readPCDCompressed inflates a binary_compressed body into field major order.
func readPCDCompressed(in io.Reader, header *pcdHeader) ([]byte, error) {
	var sizes [8]byte
	if _, err := io.ReadFull(in, sizes[:]); err != nil {
		return nil, errors.Wrap(err, "reading compressed pcd sizes")
	}
	compressedSize := binary.LittleEndian.Uint32(sizes[:4])
	rawSize := binary.LittleEndian.Uint32(sizes[4:])
	if want := 4 * header.points * uint64(len(header.fields)); uint64(rawSize) != want {
		return nil, errors.Errorf("compressed pcd holds %d bytes, header describes %d", rawSize, want)
	}
	compressed := make([]byte, compressedSize)
	if _, err := io.ReadFull(in, compressed); err != nil {
		return nil, errors.Wrap(err, "reading compressed pcd data")
	}
	raw := make([]byte, rawSize)
	if rawSize == 0 {
		return raw, nil
	}
	n, err := lzf.Decompress(compressed, raw)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing pcd data")
	}
	if n != len(raw) {
		return nil, errors.Errorf("decompressed %d pcd bytes, expected %d", n, len(raw))
	}
	return raw, nil
}

// pcdValue converts a field's stored bits according to its TYPE.
func pcdValue(bits uint32, typ string) float64 {
	switch typ {
	case "F":
		return float64(math.Float32frombits(bits))
	case "I":
		return float64(int32(bits))
	default:
		return float64(bits)
	}
}

type pcdHeader struct {
	fields []string
	size   []uint64
	types  []string
	count  []uint64
	width  uint64
	height uint64
	points uint64
	data   PCDType
}

func (h *pcdHeader) field(name string) int {
	for i, f := range h.fields {
		if f == name {
			return i
		}
	}
	return -1
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	value = strings.TrimSpace(value)
	tokens := strings.Fields(value)
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		header.fields = tokens
		for _, required := range positionColumns {
			if header.field(required) < 0 {
				return errors.Errorf("pcd fields %q lack %s", value, required)
			}
		}
	case "SIZE":
		if len(tokens) != len(header.fields) {
			return errors.New("unexpected number of fields in SIZE line")
		}
		header.size = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.size[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return errors.Errorf("invalid SIZE field %s", token)
			}
			if header.size[i] != 4 {
				return errors.Errorf("unsupported field size %d", header.size[i])
			}
		}
	case "TYPE":
		if len(tokens) != len(header.fields) {
			return errors.New("unexpected number of fields in TYPE line")
		}
		header.types = tokens
	case "COUNT":
		if len(tokens) != len(header.fields) {
			return errors.New("unexpected number of fields in COUNT line")
		}
		header.count = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.count[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid COUNT field %s", token)
			}
			if header.count[i] != 1 {
				return errors.Errorf("unsupported field count %d", header.count[i])
			}
		}
	case "WIDTH":
		header.width, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid WIDTH field %s", value)
		}
	case "HEIGHT":
		header.height, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid HEIGHT field %s", value)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return errors.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
	case "POINTS":
		header.points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid POINTS field %s", value)
		}
		if header.points != header.width*header.height {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", header.points, header.width*header.height)
		}
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return errors.Errorf("unknown pcd data %q", value)
		}
	}
	return nil
}

// ReadPCD reads an ascii, binary or binary_compressed PCD v0.7 file.
func ReadPCD(inRaw io.Reader) (*PointCloud, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, "error reading header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}

	var values func() ([]float64, error)
	switch header.data {
	case PCDAscii:
		values = func() ([]float64, error) {
			line, err := in.ReadString('\n')
			if err != nil && !(errors.Is(err, io.EOF) && line != "") {
				return nil, err
			}
			return parseFloats(strings.Fields(line))
		}
	case PCDBinary:
		raw := make([]byte, 4*len(header.fields))
		values = func() ([]float64, error) {
			if _, err := io.ReadFull(in, raw); err != nil {
				return nil, err
			}
			out := make([]float64, len(header.fields))
			for j := range header.fields {
				out[j] = pcdValue(binary.LittleEndian.Uint32(raw[4*j:]), header.types[j])
			}
			return out, nil
		}
	case PCDCompressed:
		raw, err := readPCDCompressed(in, &header)
		if err != nil {
			return nil, err
		}
		points, next := int(header.points), 0
		values = func() ([]float64, error) {
			out := make([]float64, len(header.fields))
			for j := range header.fields {
				out[j] = pcdValue(binary.LittleEndian.Uint32(raw[4*(j*points+next):]), header.types[j])
			}
			next++
			return out, nil
		}
	}

	pc := NewWithPrealloc(int(header.points))
	for i := 0; i < int(header.points); i++ {
		vals, err := values()
		if err != nil {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		if len(vals) != len(header.fields) {
			return nil, errors.Errorf("unexpected number of fields in point %d", i)
		}
		p, err := pcdPoint(vals, &header)
		if err != nil {
			return nil, err
		}
		if err := pc.Append(p); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func pcdPoint(vals []float64, header *pcdHeader) (Point, error) {
	p := Point{Position: r3.Vector{
		X: vals[header.field("x")],
		Y: vals[header.field("y")],
		Z: vals[header.field("z")],
	}}
	if idx := header.field("rgb"); idx >= 0 {
		c := pcdIntToColor(uint32(vals[idx]))
		if header.data != PCDAscii && header.types[idx] == "F" {
			// some writers pack rgb into the bits of a float
			c = pcdIntToColor(math.Float32bits(float32(vals[idx])))
		}
		p.Color = &c
	}
	if nx := header.field("normal_x"); nx >= 0 {
		ny, nz := header.field("normal_y"), header.field("normal_z")
		if ny < 0 || nz < 0 {
			return Point{}, errors.New("pcd normal fields are incomplete")
		}
		p.Normal = &r3.Vector{X: vals[nx], Y: vals[ny], Z: vals[nz]}
	}
	if idx := header.field("intensity"); idx >= 0 {
		v := uint16(math.Max(0, math.Min(math.MaxUint16, vals[idx])))
		p.Intensity = &v
	}
	return p, nil
}
