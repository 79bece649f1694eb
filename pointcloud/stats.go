package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/pointstream/spatialmath"
)

// DefaultStatsSampleSize bounds the number of points used to estimate nearest neighbor spacing.
const DefaultStatsSampleSize = 1000

// Stats describes the extent and density of a cloud.
type Stats struct {
	PointCount  int             `json:"pointCount"`
	BoundingBox spatialmath.Box `json:"boundingBox"`
	Centroid    r3.Vector       `json:"centroid"`
	Dimensions  r3.Vector       `json:"dimensions"`
	// Density is points per cubic unit of the bounding box, zero for flat or empty clouds.
	Density                   float64 `json:"density"`
	AverageNearestNeighbor    float64 `json:"averageNearestNeighbor"`
	MedianNearestNeighbor     float64 `json:"medianNearestNeighbor"`
	NearestNeighborPercentile float64 `json:"nearestNeighbor95thPercentile"`
	HasColors                 bool    `json:"hasColors"`
	HasNormals                bool    `json:"hasNormals"`
}

// ComputeStats summarizes the cloud. Nearest neighbor spacing is estimated from an evenly strided
// sample of at most sampleSize points; sampleSize <= 0 uses DefaultStatsSampleSize.
func ComputeStats(pc *PointCloud, sampleSize int) (Stats, error) {
	md := pc.MetaData()
	s := Stats{
		PointCount:  md.Count,
		BoundingBox: md.BoundingBox,
		Centroid:    md.Centroid,
		Dimensions:  md.BoundingBox.Size(),
		HasColors:   md.HasColors,
		HasNormals:  md.HasNormals,
	}
	if md.Count == 0 {
		return s, nil
	}
	if volume := md.BoundingBox.Volume(); volume > 0 {
		s.Density = float64(md.Count) / volume
	}
	if md.Count < 2 {
		return s, nil
	}

	if sampleSize <= 0 {
		sampleSize = DefaultStatsSampleSize
	}
	stride := int(math.Max(1, math.Ceil(float64(md.Count)/float64(sampleSize))))
	tree := NewKDTree(pc)
	distances := make(stats.Float64Data, 0, sampleSize)
	for i := 0; i < md.Count; i += stride {
		// the closest result is the point itself
		nn := tree.KNearest(pc.Positions[i], 2)
		if len(nn) == 2 {
			distances = append(distances, nn[1].Distance)
		}
	}

	var err error
	if s.AverageNearestNeighbor, err = distances.Mean(); err != nil {
		return s, errors.Wrap(err, "mean nearest neighbor distance")
	}
	if s.MedianNearestNeighbor, err = distances.Median(); err != nil {
		return s, errors.Wrap(err, "median nearest neighbor distance")
	}
	if s.NearestNeighborPercentile, err = distances.Percentile(95); err != nil {
		return s, errors.Wrap(err, "nearest neighbor percentile")
	}
	return s, nil
}

// PointDetails describes one point of a cloud and its surroundings.
type PointDetails struct {
	Index     int          `json:"index"`
	Position  r3.Vector    `json:"position"`
	Color     *color.NRGBA `json:"color,omitempty"`
	Normal    *r3.Vector   `json:"normal,omitempty"`
	Neighbors []Neighbor   `json:"neighbors"`
}

// DefaultPointInfoNeighbors is the number of neighbors PointInfo reports by default.
const DefaultPointInfoNeighbors = 10

// PointInfo returns the attributes of the point at index and its k nearest neighbors, excluding
// itself. A nil tree is built on demand.
func PointInfo(pc *PointCloud, tree *KDTree, index, k int) (PointDetails, error) {
	if index < 0 || index >= pc.Size() {
		return PointDetails{}, errors.Errorf("point index %d out of range [0, %d)", index, pc.Size())
	}
	if k <= 0 {
		k = DefaultPointInfoNeighbors
	}
	if tree == nil {
		tree = NewKDTree(pc)
	}
	p := pc.At(index)
	details := PointDetails{Index: index, Position: p.Position, Color: p.Color, Normal: p.Normal}
	for _, n := range tree.KNearest(p.Position, k+1) {
		if n.Index == index {
			continue
		}
		details.Neighbors = append(details.Neighbors, n)
	}
	if len(details.Neighbors) > k {
		details.Neighbors = details.Neighbors[:k]
	}
	return details, nil
}
