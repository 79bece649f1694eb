package octree

import (
	"context"
	"math"

	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/spatialmath"
)

// Builder defaults.
const (
	DefaultMaxPointsPerNode = 20000
	DefaultMaxDepth         = 12
)

// Builder turns a preprocessed cloud into an octree.
type Builder struct {
	// MaxPointsPerNode is the count at or below which a node keeps all its points and becomes a
	// leaf.
	MaxPointsPerNode int
	// MaxDepth is the deepest level; nodes there are always leaves.
	MaxDepth          int
	SubdivisionFactor int
	Attributes        []Attribute
	// Scale is the position quantization step; zero derives one from the bounding cube.
	Scale float64

	logger logging.Logger
}

// NewBuilder returns a Builder with default settings.
func NewBuilder(logger logging.Logger) *Builder {
	return &Builder{
		MaxPointsPerNode:  DefaultMaxPointsPerNode,
		MaxDepth:          DefaultMaxDepth,
		SubdivisionFactor: DefaultSubdivisionFactor,
		Attributes:        DefaultAttributes,
		logger:            logger,
	}
}

// BuildResult holds the three octree resources and the decoded form of the hierarchy.
type BuildResult struct {
	Metadata  Metadata
	Hierarchy []byte
	Payload   []byte
	Tree      *Hierarchy
}

type buildState struct {
	ctx     context.Context
	b       *Builder
	meta    Metadata
	pc      *pointcloud.PointCloud
	nodes   []Node
	payload []byte
}

// Build partitions the cloud. Each node keeps one point per cell of a grid whose cells are the
// node's spacing wide and passes the remaining points down to the child octant containing them.
// Nodes with few enough points, or at MaxDepth, keep everything. Every input point is stored in
// exactly one node.
func (b *Builder) Build(ctx context.Context, pc *pointcloud.PointCloud) (*BuildResult, error) {
	if b.MaxPointsPerNode <= 0 {
		return nil, errors.Errorf("max points per node must be positive, got %d", b.MaxPointsPerNode)
	}
	if b.MaxDepth < 0 || b.MaxDepth > MaxLevel {
		return nil, errors.Errorf("max depth must be within [0, %d], got %d", MaxLevel, b.MaxDepth)
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	attrs := b.Attributes
	if len(attrs) == 0 {
		attrs = DefaultAttributes
	}
	meta, err := NewMetadata(spatialmath.NewBoxFromPoints(pc.Positions), uint64(pc.Size()), attrs, b.SubdivisionFactor, b.Scale)
	if err != nil {
		return nil, err
	}

	state := &buildState{ctx: ctx, b: b, meta: meta, pc: pc}
	all := make([]int, pc.Size())
	for i := range all {
		all[i] = i
	}
	if err := state.build(NoNode, 0, 0, 0, 0, 0, all); err != nil {
		return nil, err
	}

	tree := newHierarchy(meta, state.nodes, false)
	res := &BuildResult{
		Metadata:  meta,
		Hierarchy: EncodeHierarchy(tree),
		Payload:   state.payload,
		Tree:      tree,
	}
	b.logger.Infow("built octree",
		"points", pc.Size(),
		"nodes", tree.Len(),
		"spacing", meta.Spacing,
		"payload", units.BytesSize(float64(len(res.Payload))))
	return res, nil
}

func (s *buildState) build(parent NodeID, childIndex, level int, x, y, z uint32, indices []int) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	var keep []int
	var children [8][]int
	if len(indices) <= s.b.MaxPointsPerNode || level >= s.b.MaxDepth {
		keep = indices
	} else {
		keep, children = s.sample(level, x, y, z, indices)
	}

	n := newNode(parent, childIndex, level, x, y, z)
	n.PointCount = uint32(len(keep))
	n.ByteOffset = uint64(len(s.payload))
	var err error
	if s.payload, err = EncodePoints(s.payload, s.meta, s.pc, keep); err != nil {
		return err
	}
	n.ByteSize = uint32(uint64(len(s.payload)) - n.ByteOffset)
	for i, c := range children {
		if len(c) > 0 {
			n.ChildMask |= 1 << i
		}
	}

	id := NodeID(len(s.nodes))
	s.nodes = append(s.nodes, n)
	if parent != NoNode {
		s.nodes[parent].Children[childIndex] = id
	}
	for i, c := range children {
		if len(c) == 0 {
			continue
		}
		cx, cy, cz := childCoords(x, y, z, i)
		if err := s.build(id, i, level+1, cx, cy, cz, c); err != nil {
			return err
		}
	}
	return nil
}

// sample keeps the first point of every occupied spacing cell of the node and routes the rest to
// child octants by grid coordinate so that routing agrees with NodeBounds.
func (s *buildState) sample(level int, x, y, z uint32, indices []int) ([]int, [8][]int) {
	bounds := NodeBounds(s.meta, level, x, y, z)
	cell := NodeSpacing(s.meta, level)
	childSize := NodeSize(s.meta, level+1)
	origin := s.meta.BoundingBox.Min

	var keep []int
	var children [8][]int
	occupied := map[pointcloud.VoxelCoords]struct{}{}
	for _, i := range indices {
		p := s.pc.Positions[i]
		key := pointcloud.NewVoxelCoords(p, bounds.Min, cell)
		if _, ok := occupied[key]; !ok {
			occupied[key] = struct{}{}
			keep = append(keep, i)
			continue
		}
		octant := 0
		if childGrid(p.X-origin.X, childSize, x) {
			octant |= 4
		}
		if childGrid(p.Y-origin.Y, childSize, y) {
			octant |= 2
		}
		if childGrid(p.Z-origin.Z, childSize, z) {
			octant |= 1
		}
		children[octant] = append(children[octant], i)
	}
	return keep, children
}

// childGrid returns whether offset falls in the upper child along an axis of a node at parent
// grid coordinate g.
func childGrid(offset, childSize float64, g uint32) bool {
	c := math.Floor(offset / childSize)
	return c >= float64(2*g+1)
}
