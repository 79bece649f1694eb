package stereo

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"go.viam.com/test"
)

// shiftedPair returns a random texture as the right image and the same texture shifted right by
// shift pixels as the left image.
func shiftedPair(w, h, shift int) (*image.Gray, *image.Gray) {
	//nolint:gosec
	rng := rand.New(rand.NewSource(3))
	right := image.NewGray(image.Rect(0, 0, w, h))
	for i := range right.Pix {
		right.Pix[i] = uint8(rng.Intn(256))
	}
	left := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := x - shift
			if src < 0 {
				src = 0
			}
			left.SetGray(x, y, right.GrayAt(src, y))
		}
	}
	return left, right
}

func TestDisparity(t *testing.T) {
	const shift = 5
	left, right := shiftedPair(64, 32, shift)
	opts := Options{BlockSize: 5, MaxDisparity: 12}

	t.Run("recovers a constant shift", func(t *testing.T) {
		dm, err := Disparity(left, right, opts)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dm.Width, test.ShouldEqual, 64)
		test.That(t, dm.Height, test.ShouldEqual, 32)
		for y := 2; y < 30; y++ {
			for x := 20; x < 62; x++ {
				test.That(t, dm.At(x, y), test.ShouldEqual, float32(shift))
			}
		}
		test.That(t, dm.Max(), test.ShouldBeGreaterThanOrEqualTo, float32(shift))
	})

	t.Run("identical images have zero disparity", func(t *testing.T) {
		dm, err := Disparity(right, right, opts)
		test.That(t, err, test.ShouldBeNil)
		for _, v := range dm.Values {
			test.That(t, v, test.ShouldEqual, 0)
		}
	})

	t.Run("min disparity", func(t *testing.T) {
		dm, err := Disparity(left, right, Options{BlockSize: 3, MinDisparity: 8, MaxDisparity: 10})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dm.At(3, 10), test.ShouldEqual, float32(InvalidDisparity))
		test.That(t, dm.At(40, 10), test.ShouldBeGreaterThanOrEqualTo, float32(8))
	})

	t.Run("image and cloud", func(t *testing.T) {
		dm, err := Disparity(left, right, opts)
		test.That(t, err, test.ShouldBeNil)
		img := dm.Image()
		test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 64, 32))
		test.That(t, img.GrayAt(40, 10), test.ShouldNotResemble, color.Gray{})

		pc, err := dm.PointCloud(100, 32, 16, 0.1)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pc.Size(), test.ShouldBeGreaterThan, 0)
		for i := 0; i < pc.Size(); i++ {
			test.That(t, pc.Positions[i].Z, test.ShouldBeGreaterThan, 0)
		}

		_, err = dm.PointCloud(0, 0, 0, 0.1)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Disparity(left, right, Options{BlockSize: 4, MaxDisparity: 8})
		test.That(t, err, test.ShouldNotBeNil)
		_, err = Disparity(left, right, Options{BlockSize: 3, MinDisparity: 5, MaxDisparity: 2})
		test.That(t, err, test.ShouldNotBeNil)
		_, err = Disparity(left, image.NewGray(image.Rect(0, 0, 10, 10)), opts)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = Disparity(nil, right, opts)
		test.That(t, err, test.ShouldNotBeNil)
	})
}
