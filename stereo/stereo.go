// Package stereo computes dense disparity maps from rectified stereo image pairs.
package stereo

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/utils"
)

// InvalidDisparity marks pixels where no candidate match could be evaluated.
const InvalidDisparity = -1

// Options controls block matching.
type Options struct {
	BlockSize    int `json:"block_size"`
	MinDisparity int `json:"min_disparity"`
	MaxDisparity int `json:"max_disparity"`
}

// DefaultOptions returns a 9x9 block searched over 64 disparities.
func DefaultOptions() Options {
	return Options{BlockSize: 9, MaxDisparity: 64}
}

// Validate returns an error if the options cannot be used for matching.
func (o Options) Validate() error {
	if o.BlockSize < 1 || o.BlockSize%2 == 0 {
		return errors.Errorf("block size must be a positive odd number, got %d", o.BlockSize)
	}
	if o.MinDisparity < 0 || o.MaxDisparity < o.MinDisparity {
		return errors.Errorf("invalid disparity range [%d, %d]", o.MinDisparity, o.MaxDisparity)
	}
	return nil
}

// DisparityMap holds one disparity per pixel of the left image, row-major.
type DisparityMap struct {
	Width, Height int
	Values        []float32
}

// At returns the disparity at (x, y).
func (m *DisparityMap) At(x, y int) float32 {
	return m.Values[y*m.Width+x]
}

// Max returns the largest valid disparity.
func (m *DisparityMap) Max() float32 {
	var best float32
	for _, v := range m.Values {
		if v > best {
			best = v
		}
	}
	return best
}

// Image renders the map as 8-bit grayscale scaled so the largest disparity is white. Invalid
// pixels are black.
func (m *DisparityMap) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	maxD := m.Max()
	if maxD <= 0 {
		return img
	}
	for i, v := range m.Values {
		if v > 0 {
			img.Pix[i] = uint8(math.Round(float64(v/maxD) * 255))
		}
	}
	return img
}

// PointCloud back-projects every valid pixel through a pinhole camera with focal length fx (in
// pixels), principal point (cx, cy) and the given stereo baseline. Depth is fx*baseline/d.
func (m *DisparityMap) PointCloud(fx, cx, cy, baseline float64) (*pointcloud.PointCloud, error) {
	if fx <= 0 || baseline <= 0 {
		return nil, errors.Errorf("focal length and baseline must be positive, got %v and %v", fx, baseline)
	}
	var positions []r3.Vector
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			d := float64(m.At(x, y))
			if d <= 0 {
				continue
			}
			z := fx * baseline / d
			positions = append(positions, r3.Vector{
				X: (float64(x) - cx) * z / fx,
				Y: (float64(y) - cy) * z / fx,
				Z: z,
			})
		}
	}
	return pointcloud.NewFromPositions(positions), nil
}

// Disparity matches each pixel of left against pixels of right on the same row, shifted left by
// the candidate disparity, and keeps the shift with the lowest sum of absolute differences. Ties
// go to the smaller disparity. Block windows are clamped at the image borders.
func Disparity(left, right image.Image, opts Options) (*DisparityMap, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if left == nil || right == nil {
		return nil, errors.New("stereo pair is missing an image")
	}
	size := left.Bounds().Size()
	if size != right.Bounds().Size() {
		return nil, errors.Errorf("stereo pair sizes differ: %v and %v", size, right.Bounds().Size())
	}
	if size.X == 0 || size.Y == 0 {
		return nil, errors.New("stereo pair is empty")
	}

	l := intensities(left)
	r := intensities(right)
	half := opts.BlockSize / 2
	out := &DisparityMap{Width: size.X, Height: size.Y, Values: make([]float32, size.X*size.Y)}

	utils.ParallelForEachPixel(size, func(x, y int) {
		best := InvalidDisparity
		bestCost := math.MaxInt
		for d := opts.MinDisparity; d <= opts.MaxDisparity && x-d >= 0; d++ {
			cost := 0
			for dy := -half; dy <= half; dy++ {
				yy := clamp(y+dy, size.Y)
				row := yy * size.X
				for dx := -half; dx <= half; dx++ {
					lx := clamp(x+dx, size.X)
					rx := clamp(x-d+dx, size.X)
					diff := int(l[row+lx]) - int(r[row+rx])
					if diff < 0 {
						diff = -diff
					}
					cost += diff
				}
			}
			if cost < bestCost {
				best, bestCost = d, cost
			}
		}
		out.Values[y*size.X+x] = float32(best)
	})
	return out, nil
}

func intensities(img image.Image) []uint8 {
	gray := imaging.Grayscale(img)
	size := gray.Bounds().Size()
	values := make([]uint8, size.X*size.Y)
	for i := range values {
		values[i] = gray.Pix[i*4]
	}
	return values
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
