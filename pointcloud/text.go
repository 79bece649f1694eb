package pointcloud

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"image/color"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// column names shared by the XYZ and CSV formats.
var (
	positionColumns  = []string{"x", "y", "z"}
	colorColumns     = []string{"r", "g", "b"}
	normalColumns    = []string{"nx", "ny", "nz"}
	intensityColumns = []string{"intensity"}
)

func textColumns(pc *PointCloud, opts WriteOptions) []string {
	cols := append([]string{}, positionColumns...)
	if opts.colors(pc) {
		cols = append(cols, colorColumns...)
	}
	if opts.normals(pc) {
		cols = append(cols, normalColumns...)
	}
	if opts.intensity(pc) {
		cols = append(cols, intensityColumns...)
	}
	return cols
}

func textRecord(pc *PointCloud, i int, opts WriteOptions, prec int) []string {
	p := pc.Positions[i]
	rec := []string{formatFloat(p.X, prec), formatFloat(p.Y, prec), formatFloat(p.Z, prec)}
	if opts.colors(pc) {
		c := pc.Colors[i]
		rec = append(rec, strconv.Itoa(int(c.R)), strconv.Itoa(int(c.G)), strconv.Itoa(int(c.B)))
	}
	if opts.normals(pc) {
		n := pc.Normals[i]
		rec = append(rec, formatFloat(n.X, prec), formatFloat(n.Y, prec), formatFloat(n.Z, prec))
	}
	if opts.intensity(pc) {
		rec = append(rec, strconv.Itoa(int(pc.Intensities[i])))
	}
	return rec
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// WriteXYZ writes one whitespace separated point per line, preceded by a "//" comment naming
// the columns.
func WriteXYZ(out io.Writer, pc *PointCloud, opts WriteOptions) error {
	if _, err := fmt.Fprintf(out, "// %s\n", strings.Join(textColumns(pc, opts), " ")); err != nil {
		return err
	}
	prec := opts.precision()
	for i := range pc.Positions {
		if _, err := io.WriteString(out, strings.Join(textRecord(pc, i, opts, prec), " ")+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteCSV writes a header row followed by one row per point.
func WriteCSV(out io.Writer, pc *PointCloud, opts WriteOptions) error {
	w := csv.NewWriter(out)
	if err := w.Write(textColumns(pc, opts)); err != nil {
		return err
	}
	prec := opts.precision()
	for i := range pc.Positions {
		if err := w.Write(textRecord(pc, i, opts, prec)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// columnLayout guesses the columns of a headerless XYZ file from the number of values per line.
func columnLayout(n int) ([]string, error) {
	switch n {
	case 3:
		return positionColumns, nil
	case 4:
		return lo.Flatten([][]string{positionColumns, intensityColumns}), nil
	case 6:
		return lo.Flatten([][]string{positionColumns, colorColumns}), nil
	case 7:
		return lo.Flatten([][]string{positionColumns, colorColumns, intensityColumns}), nil
	case 9:
		return lo.Flatten([][]string{positionColumns, colorColumns, normalColumns}), nil
	case 10:
		return lo.Flatten([][]string{positionColumns, colorColumns, normalColumns, intensityColumns}), nil
	}
	return nil, errors.Errorf("cannot infer the layout of %d columns", n)
}

// recordReader turns named columns into points.
type recordReader struct {
	index map[string]int
}

func newRecordReader(cols []string) (*recordReader, error) {
	rr := &recordReader{index: map[string]int{}}
	for i, c := range cols {
		rr.index[strings.ToLower(strings.TrimSpace(c))] = i
	}
	for _, c := range positionColumns {
		if _, ok := rr.index[c]; !ok {
			return nil, errors.Errorf("missing %q column", c)
		}
	}
	return rr, nil
}

func (rr *recordReader) has(cols []string) bool {
	for _, c := range cols {
		if _, ok := rr.index[c]; !ok {
			return false
		}
	}
	return true
}

func (rr *recordReader) floats(rec []string, cols []string) ([]float64, error) {
	out := make([]float64, len(cols))
	for i, c := range cols {
		idx := rr.index[c]
		if idx >= len(rec) {
			return nil, errors.Errorf("record has %d values, missing %q", len(rec), c)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[idx]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", c)
		}
		out[i] = v
	}
	return out, nil
}

func (rr *recordReader) point(rec []string) (Point, error) {
	pos, err := rr.floats(rec, positionColumns)
	if err != nil {
		return Point{}, err
	}
	p := Point{Position: r3.Vector{X: pos[0], Y: pos[1], Z: pos[2]}}
	if rr.has(colorColumns) {
		c, err := rr.floats(rec, colorColumns)
		if err != nil {
			return Point{}, err
		}
		p.Color = &color.NRGBA{R: uint8(c[0]), G: uint8(c[1]), B: uint8(c[2]), A: 255}
	}
	if rr.has(normalColumns) {
		n, err := rr.floats(rec, normalColumns)
		if err != nil {
			return Point{}, err
		}
		p.Normal = &r3.Vector{X: n[0], Y: n[1], Z: n[2]}
	}
	if rr.has(intensityColumns) {
		v, err := rr.floats(rec, intensityColumns)
		if err != nil {
			return Point{}, err
		}
		iv := uint16(v[0])
		p.Intensity = &iv
	}
	return p, nil
}

// ReadXYZ reads whitespace separated points. A leading "//" or "#" comment names the columns,
// otherwise the layout is inferred from the value count of the first point.
func ReadXYZ(in io.Reader) (*PointCloud, error) {
	scanner := bufio.NewScanner(in)
	pc := New()
	var rr *recordReader
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") {
			if rr == nil {
				fields := strings.Fields(strings.TrimLeft(line, "/#"))
				if named, err := newRecordReader(fields); err == nil {
					rr = named
				}
			}
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
		if rr == nil {
			cols, err := columnLayout(len(fields))
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", lineNum)
			}
			if rr, err = newRecordReader(cols); err != nil {
				return nil, err
			}
		}
		p, err := rr.point(fields)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
		if err := pc.Append(p); err != nil {
			return nil, err
		}
	}
	return pc, scanner.Err()
}

// ReadCSV reads a CSV file whose first row names the columns.
func ReadCSV(in io.Reader) (*PointCloud, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading csv header")
	}
	rr, err := newRecordReader(header)
	if err != nil {
		return nil, err
	}
	pc := New()
	for row := 1; ; row++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return pc, nil
		}
		if err != nil {
			return nil, err
		}
		p, err := rr.point(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", row)
		}
		if err := pc.Append(p); err != nil {
			return nil, err
		}
	}
}

// WriteOBJ writes vertices, with colors as the common "v x y z r g b" extension in [0, 1], and
// vertex normals as "vn" lines.
func WriteOBJ(out io.Writer, pc *PointCloud, opts WriteOptions) error {
	prec := opts.precision()
	withColors, withNormals := opts.colors(pc), opts.normals(pc)
	if _, err := io.WriteString(out, "# pointstream\n"); err != nil {
		return err
	}
	line := make([]byte, 0, 128)
	for i, p := range pc.Positions {
		line = append(line[:0], "v "...)
		line = appendFloats(line, prec, p.X, p.Y, p.Z)
		if withColors {
			c := pc.Colors[i]
			line = append(line, ' ')
			line = appendFloats(line, prec, float64(c.R)/255, float64(c.G)/255, float64(c.B)/255)
		}
		line = append(line, '\n')
		if _, err := out.Write(line); err != nil {
			return err
		}
	}
	if withNormals {
		for _, n := range pc.Normals {
			line = append(line[:0], "vn "...)
			line = appendFloats(line, prec, n.X, n.Y, n.Z)
			line = append(line, '\n')
			if _, err := out.Write(line); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadOBJ reads the vertices of an OBJ file. Faces and texture coordinates are ignored. Normals
// are kept only when there is exactly one per vertex.
func ReadOBJ(in io.Reader) (*PointCloud, error) {
	scanner := bufio.NewScanner(in)
	pc := New()
	var colors []color.NRGBA
	var normals []r3.Vector
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
			pc.Positions = append(pc.Positions, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
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
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(colors) == len(pc.Positions) {
		pc.Colors = colors
	}
	if len(normals) == len(pc.Positions) {
		pc.Normals = normals
	}
	return pc, nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
