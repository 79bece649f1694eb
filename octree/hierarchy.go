package octree

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/pointstream/spatialmath"
)

// ErrNodeNotFound is returned when a path or id names no node of a hierarchy.
var ErrNodeNotFound = errors.New("octree node not found")

// RootPath is the path of the root node. Each level below appends the child index digit.
const RootPath = "r"

// NodeID addresses a node within its Hierarchy.
type NodeID int32

// NoNode marks an absent child or parent.
const NoNode NodeID = -1

// Node is a single octree node. Nodes hold their own sampled points, not an aggregate of their
// subtree.
type Node struct {
	Level      int
	X, Y, Z    uint32
	ChildIndex int
	Parent     NodeID
	// Children has the id of each present child octant. A child whose bit is set in ChildMask may
	// still be NoNode when the hierarchy was truncated before it.
	Children   [8]NodeID
	ChildMask  uint8
	PointCount uint32
	ByteOffset uint64
	ByteSize   uint32
}

// HasChildren returns whether any child of the node was decoded.
func (n *Node) HasChildren() bool {
	for _, c := range n.Children {
		if c != NoNode {
			return true
		}
	}
	return false
}

func newNode(parent NodeID, childIndex, level int, x, y, z uint32) Node {
	n := Node{Level: level, X: x, Y: y, Z: z, Parent: parent, ChildIndex: childIndex}
	for i := range n.Children {
		n.Children[i] = NoNode
	}
	return n
}

// childCoords returns the grid coordinates of child i of a node at x, y, z.
func childCoords(x, y, z uint32, i int) (uint32, uint32, uint32) {
	return 2*x + uint32(i>>2&1), 2*y + uint32(i>>1&1), 2*z + uint32(i&1)
}

// Hierarchy is an arena of nodes in pre-order; the root, if any, has id 0. The structure is
// immutable once built or decoded, apart from the per node loaded flags.
type Hierarchy struct {
	meta      Metadata
	nodes     []Node
	loaded    []atomic.Bool
	truncated bool
}

func newHierarchy(meta Metadata, nodes []Node, truncated bool) *Hierarchy {
	return &Hierarchy{meta: meta, nodes: nodes, loaded: make([]atomic.Bool, len(nodes)), truncated: truncated}
}

// Metadata returns the record the hierarchy was built or decoded with.
func (h *Hierarchy) Metadata() Metadata {
	return h.meta
}

// Len returns the number of nodes.
func (h *Hierarchy) Len() int {
	return len(h.nodes)
}

// Root returns the root id, or NoNode for an empty hierarchy.
func (h *Hierarchy) Root() NodeID {
	if len(h.nodes) == 0 {
		return NoNode
	}
	return 0
}

// Truncated returns true when decoding stopped before the end of the tree.
func (h *Hierarchy) Truncated() bool {
	return h.truncated
}

func (h *Hierarchy) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(h.nodes)
}

// Node returns the node with the given id.
func (h *Hierarchy) Node(id NodeID) (*Node, error) {
	if !h.valid(id) {
		return nil, errors.Wrapf(ErrNodeNotFound, "id %d", id)
	}
	return &h.nodes[id], nil
}

// Bounds returns the analytic bounding box of a node.
func (h *Hierarchy) Bounds(id NodeID) spatialmath.Box {
	n := &h.nodes[id]
	return NodeBounds(h.meta, n.Level, n.X, n.Y, n.Z)
}

// Path returns the node's path, RootPath followed by one child digit per level.
func (h *Hierarchy) Path(id NodeID) string {
	if !h.valid(id) {
		return ""
	}
	digits := make([]byte, h.nodes[id].Level)
	for cur := id; h.nodes[cur].Parent != NoNode; cur = h.nodes[cur].Parent {
		digits[h.nodes[cur].Level-1] = byte('0' + h.nodes[cur].ChildIndex)
	}
	return RootPath + string(digits)
}

// Lookup returns the id of the node at path.
func (h *Hierarchy) Lookup(path string) (NodeID, error) {
	if !strings.HasPrefix(path, RootPath) || len(h.nodes) == 0 {
		return NoNode, errors.Wrapf(ErrNodeNotFound, "path %q", path)
	}
	cur := h.Root()
	for _, d := range path[len(RootPath):] {
		if d < '0' || d > '7' {
			return NoNode, errors.Wrapf(ErrNodeNotFound, "path %q", path)
		}
		cur = h.nodes[cur].Children[d-'0']
		if cur == NoNode {
			return NoNode, errors.Wrapf(ErrNodeNotFound, "path %q", path)
		}
	}
	return cur, nil
}

// Loaded returns whether the node's points are currently cached.
func (h *Hierarchy) Loaded(id NodeID) bool {
	return h.valid(id) && h.loaded[id].Load()
}

// SetLoaded records whether the node's points are currently cached.
func (h *Hierarchy) SetLoaded(id NodeID, loaded bool) {
	if h.valid(id) {
		h.loaded[id].Store(loaded)
	}
}

// TotalPoints sums the point counts of every node.
func (h *Hierarchy) TotalPoints() uint64 {
	var total uint64
	for i := range h.nodes {
		total += uint64(h.nodes[i].PointCount)
	}
	return total
}

// Walk calls f for every node in pre-order until f returns false.
func (h *Hierarchy) Walk(f func(id NodeID, n *Node) bool) {
	for i := range h.nodes {
		if !f(NodeID(i), &h.nodes[i]) {
			return
		}
	}
}
