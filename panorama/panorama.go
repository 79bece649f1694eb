// Package panorama reprojects 360 degree equirectangular images into pinhole views.
package panorama

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointstream/spatialmath"
	"go.viam.com/pointstream/utils"
)

// View describes a virtual pinhole camera placed at the center of the panorama. Angles are in
// degrees. Yaw rotates about the vertical axis with 0 looking at the horizontal center of the
// source image and positive values turning right; pitch tilts up.
type View struct {
	Yaw    float64 `json:"yaw"`
	Pitch  float64 `json:"pitch"`
	Roll   float64 `json:"roll"`
	FOV    float64 `json:"fov"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// DefaultView looks straight ahead with a 90 degree horizontal field of view.
func DefaultView() View {
	return View{FOV: 90, Width: 1024, Height: 768}
}

// Validate returns an error if the view cannot be rendered.
func (v View) Validate() error {
	if v.FOV <= 0 || v.FOV >= 180 {
		return errors.Errorf("field of view must be in (0, 180), got %v", v.FOV)
	}
	if v.Width <= 0 || v.Height <= 0 {
		return errors.Errorf("view size must be positive, got %dx%d", v.Width, v.Height)
	}
	return nil
}

// Direction returns the unit ray, in panorama coordinates, through pixel (x, y) of the view.
// Panorama coordinates have +Y up and +Z at the horizontal center of the source image.
func (v View) Direction(x, y float64) r3.Vector {
	tanX := math.Tan(v.FOV * math.Pi / 360)
	tanY := tanX * float64(v.Height) / float64(v.Width)
	cam := r3.Vector{
		X: (2*(x+0.5)/float64(v.Width) - 1) * tanX,
		Y: (1 - 2*(y+0.5)/float64(v.Height)) * tanY,
		Z: 1,
	}.Normalize()
	return v.rotate(cam)
}

// rotate applies roll about Z, then pitch about X, then yaw about Y.
func (v View) rotate(d r3.Vector) r3.Vector {
	roll, pitch, yaw := v.Roll*math.Pi/180, v.Pitch*math.Pi/180, v.Yaw*math.Pi/180

	d = spatialmath.RotationAboutZ(roll).Rotate(d)

	sp, cp := math.Sincos(pitch)
	d = r3.Vector{X: d.X, Y: d.Y*cp + d.Z*sp, Z: -d.Y*sp + d.Z*cp}

	sy, cy := math.Sincos(yaw)
	return r3.Vector{X: d.X*cy + d.Z*sy, Y: d.Y, Z: -d.X*sy + d.Z*cy}
}

// SourcePixel maps a ray to continuous equirectangular coordinates of a source image with the
// given size.
func SourcePixel(d r3.Vector, size image.Point) (float64, float64) {
	lon := math.Atan2(d.X, d.Z)
	lat := math.Asin(math.Max(-1, math.Min(1, d.Y/d.Norm())))
	sx := (lon/(2*math.Pi) + 0.5) * float64(size.X)
	sy := (0.5 - lat/math.Pi) * float64(size.Y)
	return sx - 0.5, sy - 0.5
}

// EquirectToPerspective renders view out of the equirectangular panorama src using bilinear
// sampling. Longitude wraps around the seam; latitude clamps at the poles.
func EquirectToPerspective(src image.Image, view View) (*image.NRGBA, error) {
	if err := view.Validate(); err != nil {
		return nil, err
	}
	if src == nil || src.Bounds().Empty() {
		return nil, errors.New("source panorama is empty")
	}
	in := imaging.Clone(src)
	size := in.Bounds().Size()
	out := imaging.New(view.Width, view.Height, color.NRGBA{})

	utils.ParallelForEachPixel(image.Pt(view.Width, view.Height), func(x, y int) {
		sx, sy := SourcePixel(view.Direction(float64(x), float64(y)), size)
		c := bilinear(in, size, sx, sy)
		i := out.PixOffset(x, y)
		copy(out.Pix[i:i+4], c[:])
	})
	return out, nil
}

func bilinear(img *image.NRGBA, size image.Point, x, y float64) [4]uint8 {
	x0f, y0f := math.Floor(x), math.Floor(y)
	fx, fy := x-x0f, y-y0f
	x0 := wrap(int(x0f), size.X)
	x1 := wrap(int(x0f)+1, size.X)
	y0 := clamp(int(y0f), size.Y)
	y1 := clamp(int(y0f)+1, size.Y)

	p00 := img.PixOffset(x0, y0)
	p10 := img.PixOffset(x1, y0)
	p01 := img.PixOffset(x0, y1)
	p11 := img.PixOffset(x1, y1)

	var c [4]uint8
	for ch := 0; ch < 4; ch++ {
		top := float64(img.Pix[p00+ch])*(1-fx) + float64(img.Pix[p10+ch])*fx
		bottom := float64(img.Pix[p01+ch])*(1-fx) + float64(img.Pix[p11+ch])*fx
		c[ch] = uint8(math.Round(top*(1-fy) + bottom*fy))
	}
	return c
}

func wrap(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
