package preprocess

import (
	"context"

	"gonum.org/v1/gonum/stat"

	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/utils"
)

// OutlierResult partitions the input cloud. InlierIndices and OutlierIndices are disjoint,
// ascending and together cover every input index.
type OutlierResult struct {
	Inliers        *pointcloud.PointCloud
	InlierIndices  []int
	OutlierIndices []int
	// MeanDistance and StdDevDistance describe the distribution of per point mean neighbor
	// distances the threshold was derived from.
	MeanDistance   float64
	StdDevDistance float64
	Threshold      float64
}

// RemoveStatisticalOutliers removes points whose mean distance to their k nearest neighbors is
// more than stdRatio standard deviations above the cloud wide mean of that quantity. A cloud with
// no more than k points, or k <= 0, is returned unchanged.
func (p *Processor) RemoveStatisticalOutliers(
	ctx context.Context,
	pc *pointcloud.PointCloud,
	k int,
	stdRatio float64,
) (*OutlierResult, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	n := pc.Size()
	if k <= 0 || n <= k {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return &OutlierResult{Inliers: pc.Clone(), InlierIndices: all, OutlierIndices: []int{}}, nil
	}

	tree := pointcloud.NewKDTree(pc)
	meanDistances := make([]float64, n)
	if err := utils.ParallelForEach(ctx, n, func(i int) {
		var sum float64
		found := 0
		for _, nb := range tree.KNearest(pc.Positions[i], k+1) {
			if nb.Index == i || found == k {
				continue
			}
			sum += nb.Distance
			found++
		}
		if found > 0 {
			meanDistances[i] = sum / float64(found)
		}
	}); err != nil {
		return nil, err
	}

	mean, std := stat.MeanStdDev(meanDistances, nil)
	threshold := mean + stdRatio*std
	res := &OutlierResult{MeanDistance: mean, StdDevDistance: std, Threshold: threshold, OutlierIndices: []int{}}
	for i, d := range meanDistances {
		if d <= threshold {
			res.InlierIndices = append(res.InlierIndices, i)
		} else {
			res.OutlierIndices = append(res.OutlierIndices, i)
		}
	}
	res.Inliers = pc.Subset(res.InlierIndices)
	p.logger.Debugw("statistical outlier removal",
		"k", k, "stdRatio", stdRatio, "threshold", threshold, "removed", len(res.OutlierIndices))
	return res, nil
}
