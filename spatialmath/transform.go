package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// RotationMatrix is a row-major 3x3 rotation.
type RotationMatrix [9]float64

// IdentityRotation returns the identity rotation.
func IdentityRotation() RotationMatrix {
	return RotationMatrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns the element at row, col.
func (rm RotationMatrix) At(row, col int) float64 {
	return rm[row*3+col]
}

// Rotate applies the rotation to v.
func (rm RotationMatrix) Rotate(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rm[0]*v.X + rm[1]*v.Y + rm[2]*v.Z,
		Y: rm[3]*v.X + rm[4]*v.Y + rm[5]*v.Z,
		Z: rm[6]*v.X + rm[7]*v.Y + rm[8]*v.Z,
	}
}

// Mul returns rm * other.
func (rm RotationMatrix) Mul(other RotationMatrix) RotationMatrix {
	var out RotationMatrix
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = rm[r*3]*other[c] + rm[r*3+1]*other[3+c] + rm[r*3+2]*other[6+c]
		}
	}
	return out
}

// RotationMatrixFromDense copies a 3x3 gonum matrix.
func RotationMatrixFromDense(m mat.Matrix) (RotationMatrix, error) {
	var out RotationMatrix
	if r, c := m.Dims(); r != 3 || c != 3 {
		return out, errors.Errorf("rotation must be 3x3, got %dx%d", r, c)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = m.At(r, c)
		}
	}
	return out, nil
}

// RotationAboutZ returns the rotation by theta radians around the Z axis.
func RotationAboutZ(theta float64) RotationMatrix {
	s, c := math.Sincos(theta)
	return RotationMatrix{c, -s, 0, s, c, 0, 0, 0, 1}
}

// RigidTransform is a rotation followed by a translation.
type RigidTransform struct {
	Rotation    RotationMatrix
	Translation r3.Vector
}

// IdentityTransform returns the transform that leaves points unchanged.
func IdentityTransform() RigidTransform {
	return RigidTransform{Rotation: IdentityRotation()}
}

// Apply transforms p.
func (rt RigidTransform) Apply(p r3.Vector) r3.Vector {
	return rt.Rotation.Rotate(p).Add(rt.Translation)
}

// Compose returns the transform equivalent to applying b then a.
func Compose(a, b RigidTransform) RigidTransform {
	return RigidTransform{
		Rotation:    a.Rotation.Mul(b.Rotation),
		Translation: a.Rotation.Rotate(b.Translation).Add(a.Translation),
	}
}

// Matrix returns the homogeneous row-major 4x4 matrix of the transform.
func (rt RigidTransform) Matrix() *mat.Dense {
	r := rt.Rotation
	t := rt.Translation
	return mat.NewDense(4, 4, []float64{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	})
}
