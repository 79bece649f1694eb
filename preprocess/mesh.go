package preprocess

import (
	"context"
	"image/color"
	"math"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/spatialmath"
)

// maxClusterAttempts bounds how often decimation grows its cell before truncating.
const maxClusterAttempts = 20

// MeshParams configures CleanMesh.
type MeshParams struct {
	// TargetTriangles is the triangle count above which the mesh is decimated.
	TargetTriangles  int     `json:"target_triangles"`
	SmoothIterations int     `json:"smooth_iterations"`
	SmoothLambda     float64 `json:"smooth_lambda"`
}

// DefaultMeshParams returns the parameters used for web delivery of a reconstructed mesh.
func DefaultMeshParams() MeshParams {
	return MeshParams{TargetTriangles: 500000, SmoothIterations: 1, SmoothLambda: 0.5}
}

// Validate checks the parameters are usable.
func (mp MeshParams) Validate() error {
	if mp.TargetTriangles <= 0 {
		return errors.Errorf("target_triangles must be positive, got %d", mp.TargetTriangles)
	}
	if mp.SmoothIterations < 0 {
		return errors.Errorf("smooth_iterations must not be negative, got %d", mp.SmoothIterations)
	}
	if mp.SmoothIterations > 0 && !(mp.SmoothLambda > 0 && mp.SmoothLambda <= 1) {
		return errors.Errorf("smooth_lambda must be in (0, 1], got %v", mp.SmoothLambda)
	}
	return nil
}

// MeshMetrics summarizes a CleanMesh run.
type MeshMetrics struct {
	OriginalVertices         int           `json:"original_vertices"`
	OriginalTriangles        int           `json:"original_triangles"`
	ProcessedVertices        int           `json:"processed_vertices"`
	ProcessedTriangles       int           `json:"processed_triangles"`
	VertexCompressionRatio   float64       `json:"vertex_compression_ratio"`
	TriangleCompressionRatio float64       `json:"triangle_compression_ratio"`
	DuplicateVertices        int           `json:"duplicate_vertices"`
	DegenerateTriangles      int           `json:"degenerate_triangles"`
	DuplicateTriangles       int           `json:"duplicate_triangles"`
	NonManifoldTriangles     int           `json:"non_manifold_triangles"`
	UnreferencedVertices     int           `json:"unreferenced_vertices"`
	Decimated                bool          `json:"decimated"`
	Duration                 time.Duration `json:"duration"`
}

func (mm *MeshMetrics) finish(m *spatialmath.TriangleMesh, start time.Time) {
	mm.ProcessedVertices = len(m.Vertices)
	mm.ProcessedTriangles = len(m.Faces)
	if mm.OriginalVertices > 0 {
		mm.VertexCompressionRatio = float64(mm.ProcessedVertices) / float64(mm.OriginalVertices)
	}
	if mm.OriginalTriangles > 0 {
		mm.TriangleCompressionRatio = float64(mm.ProcessedTriangles) / float64(mm.OriginalTriangles)
	}
	mm.Duration = time.Since(start)
}

// CleanMesh prepares a reconstructed mesh for delivery. It merges vertices at identical positions,
// drops degenerate and duplicate triangles, keeps at most two triangles on every edge, drops
// unreferenced vertices, decimates down to params.TargetTriangles, applies Laplacian smoothing
// and finally computes vertex normals. The input mesh is not modified. A mesh without triangles
// is returned unchanged.
func (p *Processor) CleanMesh(
	ctx context.Context,
	m *spatialmath.TriangleMesh,
	params MeshParams,
) (*spatialmath.TriangleMesh, MeshMetrics, error) {
	start := time.Now()
	if err := params.Validate(); err != nil {
		return nil, MeshMetrics{}, err
	}
	if err := m.Validate(); err != nil {
		return nil, MeshMetrics{}, err
	}
	metrics := MeshMetrics{OriginalVertices: len(m.Vertices), OriginalTriangles: len(m.Faces)}
	out := cloneMesh(m)
	if len(out.Faces) == 0 {
		p.logger.Warn("mesh has no triangles, leaving it unchanged")
		metrics.finish(out, start)
		return out, metrics, nil
	}

	metrics.DuplicateVertices = mergeDuplicateVertices(out)
	metrics.DegenerateTriangles = removeDegenerateTriangles(out)
	metrics.DuplicateTriangles = removeDuplicateTriangles(out)
	metrics.NonManifoldTriangles = removeNonManifoldEdges(out)
	metrics.UnreferencedVertices = removeUnreferencedVertices(out)
	if err := ctx.Err(); err != nil {
		return nil, metrics, err
	}

	if len(out.Faces) > params.TargetTriangles {
		before := len(out.Faces)
		out = decimate(out, params.TargetTriangles)
		metrics.Decimated = true
		p.logger.Debugw("decimated mesh", "before", before, "after", len(out.Faces))
	}
	if err := ctx.Err(); err != nil {
		return nil, metrics, err
	}

	if params.SmoothIterations > 0 {
		neighbors := vertexNeighbors(out)
		for i := 0; i < params.SmoothIterations; i++ {
			smoothLaplacian(out, neighbors, params.SmoothLambda)
			if err := ctx.Err(); err != nil {
				return nil, metrics, err
			}
		}
	}
	out.ComputeVertexNormals()

	metrics.finish(out, start)
	p.logger.Infow("mesh cleanup finished",
		"originalVertices", metrics.OriginalVertices,
		"originalTriangles", metrics.OriginalTriangles,
		"vertices", metrics.ProcessedVertices,
		"triangles", metrics.ProcessedTriangles,
		"decimated", metrics.Decimated,
		"duration", metrics.Duration)
	return out, metrics, nil
}

func cloneMesh(m *spatialmath.TriangleMesh) *spatialmath.TriangleMesh {
	out := &spatialmath.TriangleMesh{
		Vertices: append([]r3.Vector(nil), m.Vertices...),
		Faces:    append([][3]int(nil), m.Faces...),
	}
	if len(m.Normals) > 0 {
		out.Normals = append([]r3.Vector(nil), m.Normals...)
	}
	if len(m.Colors) > 0 {
		out.Colors = append([]color.NRGBA(nil), m.Colors...)
	}
	if len(m.UVs) > 0 {
		out.UVs = append([]spatialmath.UV(nil), m.UVs...)
	}
	return out
}

// compactVertices keeps the vertices marked in keep, preserving their order, and remaps the
// faces. Faces must only reference kept vertices. It returns the number of vertices dropped.
func compactVertices(m *spatialmath.TriangleMesh, keep []bool) int {
	newIndex := make([]int, len(m.Vertices))
	n := 0
	for i, k := range keep {
		if !k {
			newIndex[i] = -1
			continue
		}
		newIndex[i] = n
		m.Vertices[n] = m.Vertices[i]
		if len(m.Normals) > 0 {
			m.Normals[n] = m.Normals[i]
		}
		if len(m.Colors) > 0 {
			m.Colors[n] = m.Colors[i]
		}
		if len(m.UVs) > 0 {
			m.UVs[n] = m.UVs[i]
		}
		n++
	}
	removed := len(m.Vertices) - n
	m.Vertices = m.Vertices[:n]
	if len(m.Normals) > 0 {
		m.Normals = m.Normals[:n]
	}
	if len(m.Colors) > 0 {
		m.Colors = m.Colors[:n]
	}
	if len(m.UVs) > 0 {
		m.UVs = m.UVs[:n]
	}
	for i := range m.Faces {
		for k := range m.Faces[i] {
			m.Faces[i][k] = newIndex[m.Faces[i][k]]
		}
	}
	return removed
}

// mergeDuplicateVertices points every face at the first vertex with the same position. The
// attributes of the first vertex win.
func mergeDuplicateVertices(m *spatialmath.TriangleMesh) int {
	first := make(map[r3.Vector]int, len(m.Vertices))
	remap := make([]int, len(m.Vertices))
	keep := make([]bool, len(m.Vertices))
	for i, v := range m.Vertices {
		if j, ok := first[v]; ok {
			remap[i] = j
			continue
		}
		first[v] = i
		remap[i] = i
		keep[i] = true
	}
	for i := range m.Faces {
		for k := range m.Faces[i] {
			m.Faces[i][k] = remap[m.Faces[i][k]]
		}
	}
	return compactVertices(m, keep)
}

// filterFaces keeps the faces for which keep returns true and returns how many were dropped.
func filterFaces(m *spatialmath.TriangleMesh, keep func(f [3]int) bool) int {
	kept := make([][3]int, 0, len(m.Faces))
	for _, f := range m.Faces {
		if keep(f) {
			kept = append(kept, f)
		}
	}
	removed := len(m.Faces) - len(kept)
	m.Faces = kept
	return removed
}

func faceArea(m *spatialmath.TriangleMesh, f [3]int) float64 {
	return spatialmath.NewTriangle(m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]).Area()
}

// removeDegenerateTriangles drops faces that repeat a vertex or have no area.
func removeDegenerateTriangles(m *spatialmath.TriangleMesh) int {
	return filterFaces(m, func(f [3]int) bool {
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			return false
		}
		return faceArea(m, f) > 0
	})
}

func sortedFace(f [3]int) [3]int {
	s := f[:]
	sort.Ints(s)
	return [3]int{s[0], s[1], s[2]}
}

// removeDuplicateTriangles drops faces over the same three vertices as an earlier face,
// regardless of winding.
func removeDuplicateTriangles(m *spatialmath.TriangleMesh) int {
	seen := make(map[[3]int]struct{}, len(m.Faces))
	return filterFaces(m, func(f [3]int) bool {
		key := sortedFace(f)
		if _, ok := seen[key]; ok {
			return false
		}
		seen[key] = struct{}{}
		return true
	})
}

type meshEdge [2]int

func newMeshEdge(a, b int) meshEdge {
	if a > b {
		a, b = b, a
	}
	return meshEdge{a, b}
}

// removeNonManifoldEdges keeps the two largest faces on every edge shared by more than two.
func removeNonManifoldEdges(m *spatialmath.TriangleMesh) int {
	edgeFaces := map[meshEdge][]int{}
	for i, f := range m.Faces {
		for k := range f {
			e := newMeshEdge(f[k], f[(k+1)%3])
			edgeFaces[e] = append(edgeFaces[e], i)
		}
	}
	var crowded []meshEdge
	for e, faces := range edgeFaces {
		if len(faces) > 2 {
			crowded = append(crowded, e)
		}
	}
	if len(crowded) == 0 {
		return 0
	}
	sort.Slice(crowded, func(i, j int) bool {
		if crowded[i][0] != crowded[j][0] {
			return crowded[i][0] < crowded[j][0]
		}
		return crowded[i][1] < crowded[j][1]
	})

	dropped := make([]bool, len(m.Faces))
	for _, e := range crowded {
		alive := lo.Filter(edgeFaces[e], func(i, _ int) bool { return !dropped[i] })
		if len(alive) <= 2 {
			continue
		}
		sort.SliceStable(alive, func(i, j int) bool {
			return faceArea(m, m.Faces[alive[i]]) > faceArea(m, m.Faces[alive[j]])
		})
		for _, i := range alive[2:] {
			dropped[i] = true
		}
	}
	kept := make([][3]int, 0, len(m.Faces))
	for i, f := range m.Faces {
		if !dropped[i] {
			kept = append(kept, f)
		}
	}
	removed := len(m.Faces) - len(kept)
	m.Faces = kept
	return removed
}

func removeUnreferencedVertices(m *spatialmath.TriangleMesh) int {
	keep := make([]bool, len(m.Vertices))
	for _, f := range m.Faces {
		for _, idx := range f {
			keep[idx] = true
		}
	}
	return compactVertices(m, keep)
}

// decimate reduces the mesh to at most target faces by vertex clustering. The cell starts at the
// size that would put target cells on a square of the mesh's largest extent and grows until the
// clustered mesh fits. Faces past target are dropped if it never does.
func decimate(m *spatialmath.TriangleMesh, target int) *spatialmath.TriangleMesh {
	box := spatialmath.NewBoxFromPoints(m.Vertices)
	cell := box.MaxDimension() / math.Sqrt(float64(target))
	out := m
	if cell > 0 {
		for attempt := 0; attempt < maxClusterAttempts; attempt++ {
			out = clusterVertices(m, box.Min, cell)
			if len(out.Faces) <= target {
				return out
			}
			cell *= 1.5
		}
	}
	out.Faces = out.Faces[:target]
	removeUnreferencedVertices(out)
	return out
}

type vertexCluster struct {
	count      int
	position   r3.Vector
	r, g, b, a float64
}

// clusterVertices replaces the vertices of every cubic cell with their mean. Faces that collapse
// are dropped. Normals and texture coordinates do not survive.
func clusterVertices(m *spatialmath.TriangleMesh, origin r3.Vector, cell float64) *spatialmath.TriangleMesh {
	withColors := len(m.Colors) > 0
	index := map[pointcloud.VoxelCoords]int{}
	var clusters []vertexCluster
	remap := make([]int, len(m.Vertices))
	for i, v := range m.Vertices {
		key := pointcloud.NewVoxelCoords(v, origin, cell)
		ci, ok := index[key]
		if !ok {
			ci = len(clusters)
			index[key] = ci
			clusters = append(clusters, vertexCluster{})
		}
		c := &clusters[ci]
		c.count++
		c.position = c.position.Add(v)
		if withColors {
			col := m.Colors[i]
			c.r += float64(col.R)
			c.g += float64(col.G)
			c.b += float64(col.B)
			c.a += float64(col.A)
		}
		remap[i] = ci
	}

	out := &spatialmath.TriangleMesh{Vertices: make([]r3.Vector, len(clusters))}
	if withColors {
		out.Colors = make([]color.NRGBA, len(clusters))
	}
	for i, c := range clusters {
		n := float64(c.count)
		out.Vertices[i] = c.position.Mul(1 / n)
		if withColors {
			out.Colors[i] = color.NRGBA{
				R: uint8(c.r/n + 0.5),
				G: uint8(c.g/n + 0.5),
				B: uint8(c.b/n + 0.5),
				A: uint8(c.a/n + 0.5),
			}
		}
	}
	out.Faces = make([][3]int, 0, len(m.Faces))
	for _, f := range m.Faces {
		out.Faces = append(out.Faces, [3]int{remap[f[0]], remap[f[1]], remap[f[2]]})
	}
	removeDegenerateTriangles(out)
	removeDuplicateTriangles(out)
	removeUnreferencedVertices(out)
	return out
}

func vertexNeighbors(m *spatialmath.TriangleMesh) [][]int {
	neighbors := make([][]int, len(m.Vertices))
	for _, f := range m.Faces {
		for k := range f {
			a, b := f[k], f[(k+1)%3]
			neighbors[a] = append(neighbors[a], b)
			neighbors[b] = append(neighbors[b], a)
		}
	}
	for i, ns := range neighbors {
		neighbors[i] = lo.Uniq(ns)
	}
	return neighbors
}

// smoothLaplacian moves every vertex lambda of the way towards the mean of its neighbors.
func smoothLaplacian(m *spatialmath.TriangleMesh, neighbors [][]int, lambda float64) {
	next := make([]r3.Vector, len(m.Vertices))
	for i, v := range m.Vertices {
		ns := neighbors[i]
		if len(ns) == 0 {
			next[i] = v
			continue
		}
		var mean r3.Vector
		for _, j := range ns {
			mean = mean.Add(m.Vertices[j])
		}
		mean = mean.Mul(1 / float64(len(ns)))
		next[i] = v.Add(mean.Sub(v).Mul(lambda))
	}
	m.Vertices = next
}
