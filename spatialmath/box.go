package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// Box is an axis aligned bounding box. A box whose Min exceeds its Max on any axis is empty.
type Box struct {
	Min r3.Vector `json:"min"`
	Max r3.Vector `json:"max"`
}

// EmptyBox returns a box that contains nothing and grows to fit the first point added to it.
func EmptyBox() Box {
	return Box{
		Min: r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
		Max: r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
	}
}

// NewBoxFromPoints returns the tight bounding box around the given points.
func NewBoxFromPoints(pts []r3.Vector) Box {
	b := EmptyBox()
	for _, p := range pts {
		b = b.Expand(p)
	}
	return b
}

// Empty returns true when the box contains no points.
func (b Box) Empty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Expand returns the smallest box that contains both b and p.
func (b Box) Expand(p r3.Vector) Box {
	return Box{
		Min: r3.Vector{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)},
		Max: r3.Vector{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)},
	}
}

// Center returns the midpoint of the box.
func (b Box) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Size returns the extent of the box along each axis.
func (b Box) Size() r3.Vector {
	if b.Empty() {
		return r3.Vector{}
	}
	return b.Max.Sub(b.Min)
}

// MaxDimension returns the largest extent of the box.
func (b Box) MaxDimension() float64 {
	s := b.Size()
	return math.Max(s.X, math.Max(s.Y, s.Z))
}

// Volume returns the product of the box extents.
func (b Box) Volume() float64 {
	s := b.Size()
	return s.X * s.Y * s.Z
}

// Contains returns true if p lies inside or on the boundary of the box.
func (b Box) Contains(p r3.Vector) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Cubic returns the cube anchored at Min whose edge is the largest dimension of b.
func (b Box) Cubic() Box {
	d := b.MaxDimension()
	return Box{Min: b.Min, Max: b.Min.Add(r3.Vector{X: d, Y: d, Z: d})}
}
