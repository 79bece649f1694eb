package pointcloud

import (
	"image/color"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// Colormap maps a normalized value in [0, 1] to a color.
type Colormap string

// Supported height colormaps.
const (
	ColormapJet     Colormap = "jet"
	ColormapViridis Colormap = "viridis"
	ColormapHot     Colormap = "hot"
)

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Color returns the color for v, clamping v into [0, 1].
func (cm Colormap) Color(v float64) (color.NRGBA, error) {
	v = clamp01(v)
	var c colorful.Color
	switch cm {
	case ColormapJet:
		c = colorful.Color{
			R: 1.5 - 4*math.Abs(v-0.75),
			G: 1.5 - 4*math.Abs(v-0.5),
			B: 1.5 - 4*math.Abs(v-0.25),
		}
	case ColormapViridis:
		c = colorful.Color{R: 0.282 + 0.718*v, G: 0.855 * v, B: 0.545 - 0.545*v}
	case ColormapHot:
		c = colorful.Color{R: 3 * v, G: 3 * (v - 0.33), B: 3 * (v - 0.66)}
	default:
		return color.NRGBA{}, errors.Errorf("unknown colormap %q", cm)
	}
	r, g, b := c.Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}

// ApplyColormap returns a copy of the cloud colored by height (Z). A cloud with no height range
// is colored with the middle of the colormap.
func ApplyColormap(pc *PointCloud, cm Colormap) (*PointCloud, error) {
	out := pc.Clone()
	out.Colors = make([]color.NRGBA, pc.Size())
	if pc.Size() == 0 {
		out.Colors = nil
		return out, nil
	}
	box := pc.MetaData().BoundingBox
	zRange := box.Max.Z - box.Min.Z
	for i, p := range pc.Positions {
		v := 0.5
		if zRange > 0 {
			v = (p.Z - box.Min.Z) / zRange
		}
		c, err := cm.Color(v)
		if err != nil {
			return nil, err
		}
		out.Colors[i] = c
	}
	return out, nil
}
