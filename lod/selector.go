package lod

import (
	"container/heap"

	"go.viam.com/pointstream/octree"
	"go.viam.com/pointstream/spatialmath"
)

// Selection is the result of one selection pass.
type Selection struct {
	// Nodes are in the order they were accepted, largest projected size first.
	Nodes      []octree.NodeID
	PointCount uint64
	// Visited counts nodes taken off the queue; Culled counts nodes rejected by the frustum or
	// the minimum pixel size.
	Visited       int
	Culled        int
	BudgetReached bool
}

// Paths returns the paths of the selected nodes.
func (s Selection) Paths(h *octree.Hierarchy) []string {
	out := make([]string, len(s.Nodes))
	for i, id := range s.Nodes {
		out[i] = h.Path(id)
	}
	return out
}

type candidate struct {
	id  octree.NodeID
	sse float64
}

// candidateQueue pops the largest projected size first; ties go to the lower id, which is
// earlier in pre-order.
type candidateQueue []candidate

func (q candidateQueue) Len() int { return len(q) }

func (q candidateQueue) Less(i, j int) bool {
	if q[i].sse != q[j].sse {
		return q[i].sse > q[j].sse
	}
	return q[i].id < q[j].id
}

func (q candidateQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *candidateQueue) Push(x any) { *q = append(*q, x.(candidate)) }

func (q *candidateQueue) Pop() any {
	old := *q
	c := old[len(old)-1]
	*q = old[:len(old)-1]
	return c
}

// Selector chooses nodes to render. It keeps no state between passes and only reads the
// hierarchy, so passes may run concurrently over the same fully built hierarchy.
type Selector struct{}

// Select traverses the hierarchy from the root in order of projected size. Nodes outside the
// view frustum are skipped with their subtrees. A node whose screen space error is above the
// threshold and that has children is refined; which nodes are returned then depends on the
// refinement mode. Traversal stops as soon as the selected point count reaches the budget.
func (Selector) Select(h *octree.Hierarchy, cam Camera, settings Settings) (Selection, error) {
	var sel Selection
	if err := settings.Validate(); err != nil {
		return sel, err
	}
	if err := cam.Validate(); err != nil {
		return sel, err
	}
	root := h.Root()
	if root == octree.NoNode {
		return sel, nil
	}

	frustum := spatialmath.NewFrustum(cam.ViewProjection())
	meta := h.Metadata()
	project := func(id octree.NodeID) (float64, bool) {
		bounds := h.Bounds(id)
		if !frustum.IntersectsBox(bounds) {
			return 0, false
		}
		n, _ := h.Node(id)
		radius := bounds.Size().Norm() / 2
		distance := bounds.Center().Sub(cam.Position).Norm() - radius
		if distance < 0 {
			distance = 0
		}
		return ScreenSpaceError(octree.NodeSize(meta, n.Level), distance, cam.ViewportHeight, cam.Projection), true
	}

	queue := &candidateQueue{}
	if sse, visible := project(root); visible {
		heap.Push(queue, candidate{id: root, sse: sse})
	} else {
		sel.Culled++
	}

	accept := func(id octree.NodeID, n *octree.Node) bool {
		sel.Nodes = append(sel.Nodes, id)
		sel.PointCount += uint64(n.PointCount)
		if sel.PointCount >= settings.PointBudget {
			sel.BudgetReached = true
			return false
		}
		return true
	}

	for queue.Len() > 0 {
		c := heap.Pop(queue).(candidate)
		sel.Visited++
		n, _ := h.Node(c.id)
		refine := c.sse > settings.ScreenSpaceErrorThreshold && n.HasChildren()

		if !refine || settings.Refinement == Additive {
			if !accept(c.id, n) {
				break
			}
		}
		if !refine {
			continue
		}
		queued := 0
		for _, child := range n.Children {
			if child == octree.NoNode {
				continue
			}
			sse, visible := project(child)
			if !visible || sse < settings.MinimumNodePixelSize {
				sel.Culled++
				continue
			}
			heap.Push(queue, candidate{id: child, sse: sse})
			queued++
		}
		// A replaced node stands in for its children when none of them survived.
		if queued == 0 && settings.Refinement == Replace && !accept(c.id, n) {
			break
		}
	}
	return sel, nil
}
