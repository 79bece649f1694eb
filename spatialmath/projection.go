package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// Matrix4 is a column-major 4x4 matrix, the layout used by WebGL style renderers.
type Matrix4 [16]float64

// IdentityMatrix4 returns the identity matrix.
func IdentityMatrix4() Matrix4 {
	return Matrix4{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

// At returns the element at row, col.
func (m Matrix4) At(row, col int) float64 {
	return m[col*4+row]
}

func (m *Matrix4) set(row, col int, v float64) {
	m[col*4+row] = v
}

// Mul returns m * other.
func (m Matrix4) Mul(other Matrix4) Matrix4 {
	var out Matrix4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m.At(r, k) * other.At(k, c)
			}
			out.set(r, c, sum)
		}
	}
	return out
}

// IsOrthographic reports whether the matrix is an orthographic projection.
func (m Matrix4) IsOrthographic() bool {
	return m.At(3, 3) == 1 && m.At(3, 2) == 0
}

// PerspectiveMatrix returns an OpenGL style projection for a vertical field of view in radians.
func PerspectiveMatrix(fovY, aspect, near, far float64) Matrix4 {
	f := 1 / math.Tan(fovY/2)
	var m Matrix4
	m.set(0, 0, f/aspect)
	m.set(1, 1, f)
	m.set(2, 2, (far+near)/(near-far))
	m.set(2, 3, 2*far*near/(near-far))
	m.set(3, 2, -1)
	return m
}

// OrthographicMatrix returns an OpenGL style orthographic projection.
func OrthographicMatrix(left, right, bottom, top, near, far float64) Matrix4 {
	var m Matrix4
	m.set(0, 0, 2/(right-left))
	m.set(1, 1, 2/(top-bottom))
	m.set(2, 2, -2/(far-near))
	m.set(0, 3, -(right+left)/(right-left))
	m.set(1, 3, -(top+bottom)/(top-bottom))
	m.set(2, 3, -(far+near)/(far-near))
	m.set(3, 3, 1)
	return m
}

// LookAtMatrix returns the view matrix of a camera at eye looking at target.
func LookAtMatrix(eye, target, up r3.Vector) Matrix4 {
	f := target.Sub(eye).Normalize()
	s := f.Cross(up)
	if s.Norm2() < floatEpsilon {
		// looking along up, pick any perpendicular axis
		s = f.Ortho()
	}
	s = s.Normalize()
	u := s.Cross(f)

	m := IdentityMatrix4()
	m.set(0, 0, s.X)
	m.set(0, 1, s.Y)
	m.set(0, 2, s.Z)
	m.set(1, 0, u.X)
	m.set(1, 1, u.Y)
	m.set(1, 2, u.Z)
	m.set(2, 0, -f.X)
	m.set(2, 1, -f.Y)
	m.set(2, 2, -f.Z)
	m.set(0, 3, -s.Dot(eye))
	m.set(1, 3, -u.Dot(eye))
	m.set(2, 3, f.Dot(eye))
	return m
}
