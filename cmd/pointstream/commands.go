package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/docker/go-units"
	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	// registers the QOI decoder so panoramas may be .qoi files
	_ "github.com/xfmoulet/qoi"

	"go.viam.com/pointstream/config"
	"go.viam.com/pointstream/export"
	"go.viam.com/pointstream/loader"
	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/lod"
	"go.viam.com/pointstream/octree"
	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/preprocess"
	"go.viam.com/pointstream/server"
	"go.viam.com/pointstream/worker"
)

// watchInterval is how often select --watch checks for reloaded settings.
const watchInterval = 250 * time.Millisecond

func checkArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return errors.Errorf("%s expects %d arguments (%s), got %d", c.Command.Name, n, c.Command.ArgsUsage, c.NArg())
	}
	return nil
}

func newTable(w io.Writer, header ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if len(header) > 0 {
		t.AppendHeader(header)
	}
	return t
}

func parseVector(s string) (r3.Vector, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vector{}, errors.Errorf("expected X,Y,Z but got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vector{}, errors.Wrapf(err, "parsing %q", s)
		}
		v[i] = f
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

func formatVector(v r3.Vector) string {
	return fmt.Sprintf("(%.4g, %.4g, %.4g)", v.X, v.Y, v.Z)
}

// parseParams turns KEY=VALUE pairs into request parameters. Values stay strings; the pool
// converts them to the parameter's type.
func parseParams(pairs []string) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("parameter %q is not KEY=VALUE", pair)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params, nil
}

// operationArgs returns how many inputs op reads and whether it writes an output.
func operationArgs(op worker.Operation) (int, bool) {
	switch op {
	case worker.OpRegisterICP, worker.OpStereoDisparity:
		return 2, true
	case worker.OpConvexHull:
		return 1, false
	default:
		return 1, true
	}
}

// configParameters are the request parameters the configuration sets for op.
func (ps *pointstream) configParameters(op worker.Operation) map[string]interface{} {
	pre := ps.cfg.Preprocess
	switch op {
	case worker.OpVoxelDownsample:
		if pre.VoxelSize > 0 {
			return map[string]interface{}{"voxel_size": pre.VoxelSize}
		}
	case worker.OpRemoveOutliers:
		return map[string]interface{}{"nb_neighbors": pre.OutlierNeighbors, "std_ratio": pre.OutlierStdRatio}
	case worker.OpEstimateNormals:
		return map[string]interface{}{"knn": pre.Normals.KNN, "radius": pre.Normals.Radius, "max_nn": pre.Normals.MaxNN}
	case worker.OpRegisterICP:
		return map[string]interface{}{
			"distance_threshold": pre.ICPDistanceThreshold,
			"max_iterations":     pre.ICPMaxIterations,
		}
	case worker.OpCleanMesh:
		return map[string]interface{}{
			"target_triangles":  pre.Mesh.TargetTriangles,
			"smooth_iterations": pre.Mesh.SmoothIterations,
			"smooth_lambda":     pre.Mesh.SmoothLambda,
		}
	case worker.OpPipeline, worker.OpConvexHull, worker.OpEquirectToPerspective, worker.OpStereoDisparity:
	}
	return map[string]interface{}{}
}

func (ps *pointstream) preprocessAction(c *cli.Context) error {
	op := worker.Operation(c.String(flagOperation))
	if !op.Known() {
		return errors.Wrapf(worker.ErrUnknownOperation, "%q, expected one of %v", op, worker.Operations)
	}
	inputs, writes := operationArgs(op)
	n := inputs
	if writes {
		n++
	}
	if err := checkArgs(c, n); err != nil {
		return err
	}
	args := c.Args().Slice()

	req := worker.Request{Operation: op, Parameters: ps.configParameters(op)}
	params, err := parseParams(c.StringSlice(flagParam))
	if err != nil {
		return err
	}
	for k, v := range params {
		req.Parameters[k] = v
	}

	switch op {
	case worker.OpEquirectToPerspective, worker.OpStereoDisparity:
		for _, in := range args[:inputs] {
			img, err := imaging.Open(in)
			if err != nil {
				return errors.Wrapf(err, "reading image %s", in)
			}
			req.Images = append(req.Images, img)
		}
	case worker.OpVoxelDownsample, worker.OpRemoveOutliers, worker.OpEstimateNormals,
		worker.OpRegisterICP, worker.OpPipeline, worker.OpConvexHull:
		if req.Points, err = pointcloud.NewFromFile(args[0], ps.logger); err != nil {
			return err
		}
		if op == worker.OpRegisterICP {
			if req.Target, err = pointcloud.NewFromFile(args[1], ps.logger); err != nil {
				return err
			}
		}
	case worker.OpCleanMesh:
		if req.Mesh, err = pointcloud.NewMeshFromFile(args[0]); err != nil {
			return err
		}
	}

	processor := preprocess.NewProcessor(ps.logger.Sublogger("preprocess"), ps.cfg.Preprocess.PipelineOptions())
	wcfg := ps.cfg.Worker
	if d := c.Duration(flagTimeout); d > 0 {
		wcfg.ConversionTimeout = d
		wcfg.StereoTimeout = d
	}
	pool, err := worker.NewPool(wcfg, processor, nil, ps.logger.Sublogger("worker"))
	if err != nil {
		return err
	}
	defer pool.Close()

	resp, err := pool.Do(c.Context, req)
	if err != nil {
		return err
	}
	if writes {
		if err := writeResult(resp.Result, args[len(args)-1]); err != nil {
			return err
		}
	}
	printResponse(c.App.Writer, req, resp)
	return nil
}

func writeResult(res *worker.Result, path string) error {
	switch {
	case res.Mesh != nil:
		return pointcloud.WriteMeshToFile(res.Mesh, path, pointcloud.DefaultPrecision)
	case res.Points != nil:
		return pointcloud.WriteToFile(res.Points, path, pointcloud.DefaultWriteOptions())
	case res.Image != nil:
		return imaging.Save(res.Image, path)
	case res.Disparity != nil:
		return imaging.Save(res.Disparity.Image(), path)
	default:
		return errors.New("operation produced nothing to write")
	}
}

func printResponse(w io.Writer, req worker.Request, resp worker.Response) {
	t := newTable(w, "Field", "Value")
	t.AppendRow(table.Row{"operation", resp.Operation})
	t.AppendRow(table.Row{"took", resp.ProcessingTime})
	res := resp.Result
	if req.Points != nil {
		t.AppendRow(table.Row{"input points", req.Points.Size()})
	}
	if res.Points != nil {
		t.AppendRow(table.Row{"output points", res.Points.Size()})
	}
	if res.Outliers != nil {
		t.AppendRow(table.Row{"outliers removed", len(res.Outliers.OutlierIndices)})
	}
	if m := res.Pipeline; m != nil {
		t.AppendRow(table.Row{"downsampled", m.Downsampled})
		t.AppendRow(table.Row{"voxel size", m.VoxelSizeUsed})
		t.AppendRow(table.Row{"outliers removed", m.OutliersRemoved})
		t.AppendRow(table.Row{"compression ratio", fmt.Sprintf("%.3f", m.CompressionRatio)})
	}
	if icp := res.ICP; icp != nil {
		t.AppendRow(table.Row{"fitness", fmt.Sprintf("%.4f", icp.Fitness)})
		t.AppendRow(table.Row{"inlier rmse", fmt.Sprintf("%.6f", icp.InlierRMSE)})
		t.AppendRow(table.Row{"iterations", icp.Iterations})
		t.AppendRow(table.Row{"converged", icp.Converged})
		t.AppendRow(table.Row{"translation", formatVector(icp.Transformation.Translation)})
	}
	if res.Hull != nil {
		t.AppendRow(table.Row{"hull vertices", len(res.Hull.Vertices)})
		t.AppendRow(table.Row{"hull faces", len(res.Hull.Faces)})
	}
	if m := res.MeshMetrics; m != nil {
		t.AppendRow(table.Row{"vertices", fmt.Sprintf("%d -> %d", m.OriginalVertices, m.ProcessedVertices)})
		t.AppendRow(table.Row{"triangles", fmt.Sprintf("%d -> %d", m.OriginalTriangles, m.ProcessedTriangles)})
		t.AppendRow(table.Row{"vertex compression ratio", fmt.Sprintf("%.3f", m.VertexCompressionRatio)})
		t.AppendRow(table.Row{"triangle compression ratio", fmt.Sprintf("%.3f", m.TriangleCompressionRatio)})
		t.AppendRow(table.Row{"degenerate triangles removed", m.DegenerateTriangles})
		t.AppendRow(table.Row{"duplicate triangles removed", m.DuplicateTriangles})
		t.AppendRow(table.Row{"non manifold triangles removed", m.NonManifoldTriangles})
		t.AppendRow(table.Row{"decimated", m.Decimated})
	}
	if res.Image != nil {
		t.AppendRow(table.Row{"image size", res.Image.Bounds().Size()})
	}
	if dm := res.Disparity; dm != nil {
		t.AppendRow(table.Row{"disparity size", fmt.Sprintf("%dx%d", dm.Width, dm.Height)})
		t.AppendRow(table.Row{"max disparity", dm.Max()})
	}
	t.Render()
}

func (ps *pointstream) buildAction(c *cli.Context) error {
	if err := checkArgs(c, 2); err != nil {
		return err
	}
	in, dir := c.Args().Get(0), c.Args().Get(1)
	pc, err := pointcloud.NewFromFile(in, ps.logger)
	if err != nil {
		return err
	}
	res, err := ps.cfg.Octree.Builder(ps.logger.Sublogger("octree")).Build(c.Context, pc)
	if err != nil {
		return err
	}
	if err := octree.WriteDir(dir, res); err != nil {
		return err
	}

	depth := 0
	res.Tree.Walk(func(_ octree.NodeID, n *octree.Node) bool {
		depth = max(depth, n.Level)
		return true
	})
	t := newTable(c.App.Writer, "Field", "Value")
	t.AppendRow(table.Row{"directory", dir})
	t.AppendRow(table.Row{"points", res.Metadata.PointCount})
	t.AppendRow(table.Row{"nodes", res.Tree.Len()})
	t.AppendRow(table.Row{"depth", depth})
	t.AppendRow(table.Row{"spacing", fmt.Sprintf("%.4g", res.Metadata.Spacing)})
	t.AppendRow(table.Row{"attributes", res.Metadata.PointAttributes})
	t.AppendRow(table.Row{"hierarchy size", units.HumanSize(float64(len(res.Hierarchy)))})
	t.AppendRow(table.Row{"payload size", units.HumanSize(float64(len(res.Payload)))})
	t.Render()
	return nil
}

func (ps *pointstream) selectAction(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	ctx := c.Context
	store, err := ps.selectStore(ctx, c.Args().First())
	if err != nil {
		return err
	}
	tree, err := loader.Open(ctx, store, ps.logger.Sublogger("loader"))
	if err != nil {
		return err
	}

	eye, err := parseVector(c.String(flagEye))
	if err != nil {
		return err
	}
	lookAt := tree.Metadata.TightBoundingBox.Center()
	if s := c.String(flagLookAt); s != "" {
		if lookAt, err = parseVector(s); err != nil {
			return err
		}
	}
	up, err := parseVector(c.String(flagUp))
	if err != nil {
		return err
	}
	var cam lod.Camera
	if h := c.Float64(flagOrtho); h > 0 {
		cam = lod.NewOrthographicCamera(eye, lookAt, up, h,
			c.Int(flagWidth), c.Int(flagHeight), c.Float64(flagNear), c.Float64(flagFar))
	} else {
		cam = lod.NewPerspectiveCamera(eye, lookAt, up, c.Float64(flagFOV)*math.Pi/180,
			c.Int(flagWidth), c.Int(flagHeight), c.Float64(flagNear), c.Float64(flagFar))
	}
	if err := cam.Validate(); err != nil {
		return err
	}

	var l *loader.Loader
	if c.Bool(flagLoad) {
		cache := loader.NewCache(tree.Hierarchy, int64(ps.cfg.Cache.MaxMemory), ps.logger.Sublogger("cache"))
		l = loader.NewLoader(tree, cache, ps.cfg.Loader.MaxConcurrentFetches, ps.logger.Sublogger("loader"))
		defer l.Close()
	}

	if !c.Bool(flagWatch) {
		return ps.selectOnce(ctx, c.App.Writer, tree, l, cam, ps.cfg.LOD)
	}
	if ps.configPath == "" {
		return errors.Errorf("--%s needs --%s", flagWatch, flagConfig)
	}
	w, err := config.WatchLODSettings(ctx, ps.configPath, ps.logger.Sublogger("config"))
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			ps.logger.Warnw("closing config watcher", "error", err)
		}
	}()
	if err := ps.selectOnce(ctx, c.App.Writer, tree, l, cam, w.Settings().Load()); err != nil {
		return err
	}
	seen := w.Reloads()
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if n := w.Reloads(); n != seen {
			seen = n
			if err := ps.selectOnce(ctx, c.App.Writer, tree, l, cam, w.Settings().Load()); err != nil {
				return err
			}
		}
	}
}

// selectStore serves an octree directory from disk and builds a point cloud file in memory.
func (ps *pointstream) selectStore(ctx context.Context, path string) (loader.Store, error) {
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return loader.FileStore{Dir: path}, nil
	}
	pc, err := pointcloud.NewFromFile(path, ps.logger)
	if err != nil {
		return nil, err
	}
	res, err := ps.cfg.Octree.Builder(ps.logger.Sublogger("octree")).Build(ctx, pc)
	if err != nil {
		return nil, err
	}
	return loader.NewMemoryStoreFromBuild(res)
}

func (ps *pointstream) selectOnce(
	ctx context.Context,
	w io.Writer,
	tree *loader.Octree,
	l *loader.Loader,
	cam lod.Camera,
	settings lod.Settings,
) error {
	sel, err := lod.Selector{}.Select(tree.Hierarchy, cam, settings)
	if err != nil {
		return err
	}
	t := newTable(w, "#", "Node", "Level", "Points")
	paths := sel.Paths(tree.Hierarchy)
	for i, id := range sel.Nodes {
		n, err := tree.Hierarchy.Node(id)
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{i, paths[i], n.Level, n.PointCount})
	}
	t.AppendFooter(table.Row{"", "total", "", sel.PointCount})
	t.Render()
	fmt.Fprintf(w, "budget %d (%s refinement): visited %d, culled %d, budget reached %t\n",
		settings.PointBudget, settings.Refinement, sel.Visited, sel.Culled, sel.BudgetReached)

	if l == nil {
		return nil
	}
	pbs, err := l.LoadNodes(ctx, sel.Nodes)
	if err != nil {
		return err
	}
	loaded := 0
	for _, pb := range pbs {
		loaded += pb.Count
	}
	fmt.Fprintf(w, "loaded %d points; cache %s\n", loaded, l.Cache().Stats())
	return nil
}

func (ps *pointstream) exportAction(c *cli.Context) error {
	if err := checkArgs(c, 2); err != nil {
		return err
	}
	in, out := c.Args().Get(0), c.Args().Get(1)
	var format export.Format
	var err error
	if f := c.String(flagFormat); f != "" {
		if format, err = export.ParseFormat(f); err != nil {
			return err
		}
		if filepath.Ext(out) == "" {
			out += format.Extension()
		}
	} else if format, err = export.FormatFromPath(out); err != nil {
		return err
	}
	pc, err := readExportInput(in, c.String(flagInputFormat), ps.logger)
	if err != nil {
		return err
	}

	opts := export.DefaultOptions()
	opts.MaxPoints = c.Int(flagMaxPoints)
	if c.IsSet(flagPrecision) {
		opts.Precision = c.Int(flagPrecision)
	}
	opts.IncludeColors = !c.Bool(flagNoColors)
	opts.IncludeNormals = !c.Bool(flagNoNormals)
	opts.IncludeIntensity = !c.Bool(flagNoIntensity)
	opts.Compress = c.Bool(flagCompress)

	processor := preprocess.NewProcessor(ps.logger.Sublogger("preprocess"), ps.cfg.Preprocess.PipelineOptions())
	res, err := export.NewExporter(processor, ps.logger.Sublogger("export")).Export(c.Context, pc, format, opts, out)
	if err != nil {
		return err
	}
	t := newTable(c.App.Writer, "Path", "Format", "Points", "Size", "Took")
	t.AppendRow(table.Row{res.Path, res.Format, res.PointCount, units.HumanSize(float64(res.FileSizeBytes)), res.ProcessingTime})
	t.Render()
	if res.VoxelSize > 0 || res.Truncated {
		fmt.Fprintf(c.App.Writer, "reduced from %d points (voxel size %.4g, truncated %t)\n", pc.Size(), res.VoxelSize, res.Truncated)
	}
	colors, normals, intensity := format.Carries()
	var dropped []string
	if pc.HasColors() && opts.IncludeColors && !colors {
		dropped = append(dropped, "colors")
	}
	if pc.HasNormals() && opts.IncludeNormals && !normals {
		dropped = append(dropped, "normals")
	}
	if pc.HasIntensities() && opts.IncludeIntensity && !intensity {
		dropped = append(dropped, "intensity")
	}
	if len(dropped) > 0 {
		fmt.Fprintf(c.App.Writer, "%s cannot hold %s\n", format, strings.Join(dropped, ", "))
	}
	return nil
}

// readExportInput reads the export source, by its extension unless a format is named.
func readExportInput(in, format string, logger logging.Logger) (*pointcloud.PointCloud, error) {
	if format == "" {
		return pointcloud.NewFromFile(in, logger)
	}
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return export.Parse(in, f, logger)
}

func (ps *pointstream) statsAction(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	pc, err := pointcloud.NewFromFile(c.Args().First(), ps.logger)
	if err != nil {
		return err
	}
	s, err := pointcloud.ComputeStats(pc, c.Int(flagSampleSize))
	if err != nil {
		return err
	}
	t := newTable(c.App.Writer, "Field", "Value")
	t.AppendRows([]table.Row{
		{"points", s.PointCount},
		{"min", formatVector(s.BoundingBox.Min)},
		{"max", formatVector(s.BoundingBox.Max)},
		{"centroid", formatVector(s.Centroid)},
		{"dimensions", formatVector(s.Dimensions)},
		{"density", fmt.Sprintf("%.4g", s.Density)},
		{"mean nn distance", fmt.Sprintf("%.4g", s.AverageNearestNeighbor)},
		{"median nn distance", fmt.Sprintf("%.4g", s.MedianNearestNeighbor)},
		{"p95 nn distance", fmt.Sprintf("%.4g", s.NearestNeighborPercentile)},
		{"colors", s.HasColors},
		{"normals", s.HasNormals},
	})
	t.Render()

	if idx := c.Int(flagPoint); idx >= 0 {
		if err := printPointInfo(c.App.Writer, pc, idx, c.Int(flagNeighbors)); err != nil {
			return err
		}
	}

	cm := c.String(flagColormap)
	if cm == "" {
		return nil
	}
	out := c.Path(flagOutput)
	if out == "" {
		return errors.Errorf("--%s needs --%s", flagColormap, flagOutput)
	}
	colored, err := pointcloud.ApplyColormap(pc, pointcloud.Colormap(cm))
	if err != nil {
		return err
	}
	return pointcloud.WriteToFile(colored, out, pointcloud.DefaultWriteOptions())
}

func printPointInfo(w io.Writer, pc *pointcloud.PointCloud, idx, k int) error {
	info, err := pointcloud.PointInfo(pc, nil, idx, k)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "point %d at %s", info.Index, formatVector(info.Position))
	if info.Color != nil {
		fmt.Fprintf(w, " color #%02x%02x%02x", info.Color.R, info.Color.G, info.Color.B)
	}
	if info.Normal != nil {
		fmt.Fprintf(w, " normal %s", formatVector(*info.Normal))
	}
	fmt.Fprintln(w)
	t := newTable(w, "Neighbor", "Position", "Distance")
	for _, n := range info.Neighbors {
		t.AppendRow(table.Row{n.Index, formatVector(pc.Positions[n.Index]), fmt.Sprintf("%.4g", n.Distance)})
	}
	t.Render()
	return nil
}

func (ps *pointstream) fetchAction(c *cli.Context) error {
	if err := checkArgs(c, 2); err != nil {
		return err
	}
	m := &loader.Mirror{Logger: ps.logger.Sublogger("mirror")}
	tree, err := m.Octree(c.Context, c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "mirrored %d points in %d nodes to %s\n",
		tree.Metadata.PointCount, tree.Hierarchy.Len(), c.Args().Get(1))
	return nil
}

func (ps *pointstream) serveAction(c *cli.Context) error {
	if err := checkArgs(c, 1); err != nil {
		return err
	}
	s, err := server.New(c.Args().First(), ps.logger.Sublogger("server"),
		server.WithRateLimit(c.Float64(flagRateLimit), c.Int(flagBurst)))
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", c.String(flagAddr))
	if err != nil {
		return err
	}
	return s.Serve(c.Context, l)
}
