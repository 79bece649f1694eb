package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// VoxelCoords stores voxel coordinates on a regular grid.
type VoxelCoords struct {
	I, J, K int64
}

// NewVoxelCoords returns the grid cell of edge size that contains p when the grid starts at
// origin.
func NewVoxelCoords(p, origin r3.Vector, size float64) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor((p.X - origin.X) / size)),
		J: int64(math.Floor((p.Y - origin.Y) / size)),
		K: int64(math.Floor((p.Z - origin.Z) / size)),
	}
}
