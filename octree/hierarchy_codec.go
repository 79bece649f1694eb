package octree

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var byteOrder = binary.LittleEndian

// EncodeHierarchy writes one HierarchyStepSize record per node in pre-order:
// child mask (u8), point count (u32), payload byte offset (u64) and payload byte size (u32).
func EncodeHierarchy(h *Hierarchy) []byte {
	out := make([]byte, 0, h.Len()*HierarchyStepSize)
	var rec [HierarchyStepSize]byte
	h.Walk(func(_ NodeID, n *Node) bool {
		rec[0] = n.ChildMask
		byteOrder.PutUint32(rec[1:5], n.PointCount)
		byteOrder.PutUint64(rec[5:13], n.ByteOffset)
		byteOrder.PutUint32(rec[13:17], n.ByteSize)
		out = append(out, rec[:]...)
		return true
	})
	return out
}

type hierarchyDecoder struct {
	data      []byte
	stride    int
	pointSize uint64
	pos       int
	// next payload offset for records without an explicit range
	offset    uint64
	nodes     []Node
	truncated bool
}

// DecodeHierarchy reads a hierarchy stream written at meta.HierarchyStepSize strides. Records of
// LegacyHierarchyStepSize carry no payload range, so offsets are accumulated from point counts in
// pre-order. Decoding stops at the first missing or unusable record; the nodes read up to that
// point are returned with Truncated set rather than an error.
func DecodeHierarchy(meta Metadata, data []byte) (*Hierarchy, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	d := &hierarchyDecoder{data: data, stride: meta.HierarchyStepSize, pointSize: uint64(meta.PointSize())}
	d.decode(NoNode, 0, 0, 0, 0, 0)
	return newHierarchy(meta, d.nodes, d.truncated), nil
}

// decode reads the record of one node and then its subtree. It returns false once the stream
// is exhausted or broken.
func (d *hierarchyDecoder) decode(parent NodeID, childIndex, level int, x, y, z uint32) bool {
	if d.pos+d.stride > len(d.data) || level > MaxLevel {
		d.truncated = true
		return false
	}
	rec := d.data[d.pos : d.pos+d.stride]
	d.pos += d.stride

	n := newNode(parent, childIndex, level, x, y, z)
	n.ChildMask = rec[0]
	n.PointCount = byteOrder.Uint32(rec[1:5])
	if d.stride == HierarchyStepSize {
		n.ByteOffset = byteOrder.Uint64(rec[5:13])
		n.ByteSize = byteOrder.Uint32(rec[13:17])
		if uint64(n.ByteSize) != uint64(n.PointCount)*d.pointSize {
			d.truncated = true
			return false
		}
	} else {
		n.ByteOffset = d.offset
		size := uint64(n.PointCount) * d.pointSize
		if size > uint64(^uint32(0)) {
			d.truncated = true
			return false
		}
		n.ByteSize = uint32(size)
		d.offset += size
	}

	id := NodeID(len(d.nodes))
	d.nodes = append(d.nodes, n)
	if parent != NoNode {
		d.nodes[parent].Children[childIndex] = id
	}
	for i := 0; i < 8; i++ {
		if n.ChildMask&(1<<i) == 0 {
			continue
		}
		cx, cy, cz := childCoords(x, y, z, i)
		if !d.decode(id, i, level+1, cx, cy, cz) {
			return false
		}
	}
	return true
}

// ValidatePayloadRange checks that every node's payload lies within a blob of size bytes.
func ValidatePayloadRange(h *Hierarchy, size uint64) error {
	var err error
	h.Walk(func(id NodeID, n *Node) bool {
		if n.ByteOffset+uint64(n.ByteSize) > size {
			err = errors.Errorf("node %s payload [%d, %d) exceeds blob of %d bytes",
				h.Path(id), n.ByteOffset, n.ByteOffset+uint64(n.ByteSize), size)
			return false
		}
		return true
	})
	return err
}
