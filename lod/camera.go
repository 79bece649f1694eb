package lod

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/pointstream/spatialmath"
)

// Camera is the view state a selection pass is computed for.
type Camera struct {
	Position       r3.Vector
	Direction      r3.Vector
	ViewportWidth  int
	ViewportHeight int
	// Projection and View are column-major.
	Projection spatialmath.Matrix4
	View       spatialmath.Matrix4
}

// NewPerspectiveCamera returns a camera at eye looking at target with a vertical field of view
// in radians.
func NewPerspectiveCamera(eye, target, up r3.Vector, fovY float64, width, height int, near, far float64) Camera {
	return Camera{
		Position:       eye,
		Direction:      target.Sub(eye).Normalize(),
		ViewportWidth:  width,
		ViewportHeight: height,
		Projection:     spatialmath.PerspectiveMatrix(fovY, float64(width)/float64(height), near, far),
		View:           spatialmath.LookAtMatrix(eye, target, up),
	}
}

// NewOrthographicCamera returns a camera at eye looking at target that shows viewHeight world
// units vertically, the width following the viewport aspect ratio.
func NewOrthographicCamera(eye, target, up r3.Vector, viewHeight float64, width, height int, near, far float64) Camera {
	top := viewHeight / 2
	right := top
	if height > 0 {
		right = top * float64(width) / float64(height)
	}
	return Camera{
		Position:       eye,
		Direction:      target.Sub(eye).Normalize(),
		ViewportWidth:  width,
		ViewportHeight: height,
		Projection:     spatialmath.OrthographicMatrix(-right, right, -top, top, near, far),
		View:           spatialmath.LookAtMatrix(eye, target, up),
	}
}

// Validate checks the viewport and projection.
func (c Camera) Validate() error {
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		return errors.Errorf("viewport must be positive, got %dx%d", c.ViewportWidth, c.ViewportHeight)
	}
	if c.Projection.At(1, 1) == 0 {
		return errors.New("projection has no vertical scale")
	}
	return nil
}

// ViewProjection returns Projection * View.
func (c Camera) ViewProjection() spatialmath.Matrix4 {
	return c.Projection.Mul(c.View)
}

// PixelSizeAtDistance returns the world size covered by one pixel at distance from the camera.
// Orthographic projections ignore distance.
func PixelSizeAtDistance(distance float64, viewportHeight int, projection spatialmath.Matrix4) float64 {
	scale := projection.At(1, 1)
	if scale == 0 || viewportHeight <= 0 {
		return math.Inf(1)
	}
	if projection.IsOrthographic() {
		return 2 / (scale * float64(viewportHeight))
	}
	return 2 * distance / (scale * float64(viewportHeight))
}

// ScreenSpaceError returns the projected size in pixels of a node of the given size at
// distance. A node at zero distance has infinite error.
func ScreenSpaceError(nodeSize, distance float64, viewportHeight int, projection spatialmath.Matrix4) float64 {
	pixel := PixelSizeAtDistance(distance, viewportHeight, projection)
	if pixel <= 0 {
		return math.Inf(1)
	}
	return nodeSize / pixel
}
