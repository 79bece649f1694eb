package pointcloud

import (
	"image/color"
	"math"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/pointstream/logging"
)

// lasPreciseLimit bounds coordinates that survive LAS's scaled int32 storage unchanged.
const lasPreciseLimit = float64(1 << 31)

// LAS point formats 2 and 3 carry RGB.
func lasHasRGB(formatID byte) bool {
	return formatID == 2 || formatID == 3
}

func lasPrecise(v r3.Vector) bool {
	return math.Abs(v.X) <= lasPreciseLimit && math.Abs(v.Y) <= lasPreciseLimit && math.Abs(v.Z) <= lasPreciseLimit
}

// NewFromLASFile reads a LAS file. Points whose coordinates may have lost precision are counted
// and reported in a single warning.
func NewFromLASFile(fn string, logger logging.Logger) (*PointCloud, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(lf.Close)

	n := lf.Header.NumberPoints
	pc := &PointCloud{
		Positions:   make([]r3.Vector, 0, n),
		Intensities: make([]uint16, 0, n),
	}
	withRGB := lasHasRGB(lf.Header.PointFormatID)
	if withRGB {
		pc.Colors = make([]color.NRGBA, 0, n)
	}
	imprecise := 0
	for i := 0; i < n; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		data := p.PointData()
		pos := r3.Vector{X: data.X, Y: data.Y, Z: data.Z}
		if !lasPrecise(pos) {
			imprecise++
		}
		pc.Positions = append(pc.Positions, pos)
		pc.Intensities = append(pc.Intensities, data.Intensity)
		if withRGB {
			pc.Colors = append(pc.Colors, colorFromLAS(p.RgbData()))
		}
	}
	if imprecise > 0 {
		logger.Warnw("LAS coordinates outside the precise range", "file", fn, "points", imprecise, "limit", lasPreciseLimit)
	}
	return pc, nil
}

// colorFromLAS narrows 16 bit LAS channels. A point without RGB data is white.
func colorFromLAS(rgb *lidario.RgbData) color.NRGBA {
	if rgb == nil {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return color.NRGBA{R: uint8(rgb.Red >> 8), G: uint8(rgb.Green >> 8), B: uint8(rgb.Blue >> 8), A: 255}
}

// WriteToLASFile writes pc as LAS point format 0, or 2 when colors are written. LAS has no field
// for normals so they are dropped.
func WriteToLASFile(pc *PointCloud, fn string, opts WriteOptions) (err error) {
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	withColors, withIntensity := opts.colors(pc), opts.intensity(pc)
	var formatID byte
	if withColors {
		formatID = 2
	}
	if err := lf.AddHeader(lidario.LasHeader{PointFormatID: formatID}); err != nil {
		return err
	}
	for i, pos := range pc.Positions {
		var intensity uint16
		if withIntensity {
			intensity = pc.Intensities[i]
		}
		var c *color.NRGBA
		if withColors {
			c = &pc.Colors[i]
		}
		if err := lf.AddLasPoint(lasRecord(pos, intensity, c)); err != nil {
			return err
		}
	}
	return nil
}

// lasRecord builds a single return record, upgraded to format 2 when c is set.
func lasRecord(pos r3.Vector, intensity uint16, c *color.NRGBA) lidario.LasPointer {
	const singleReturn = 1 | 1<<3 // return 1 of 1
	rec := &lidario.PointRecord0{
		X:             pos.X,
		Y:             pos.Y,
		Z:             pos.Z,
		Intensity:     intensity,
		BitField:      lidario.PointBitField{Value: singleReturn},
		PointSourceID: 1,
	}
	if c == nil {
		return rec
	}
	return &lidario.PointRecord2{
		PointRecord0: rec,
		RGB: &lidario.RgbData{
			Red:   uint16(c.R) << 8,
			Green: uint16(c.G) << 8,
			Blue:  uint16(c.B) << 8,
		},
	}
}
