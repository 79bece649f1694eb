package main

import (
	"bytes"
	"image"
	"image/color"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/xfmoulet/qoi"
	"go.viam.com/test"

	"go.viam.com/pointstream/export"
	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/octree"
	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/server"
	"go.viam.com/pointstream/spatialmath"
)

// writePlane writes a 20x20 grid with 5 cm spacing and returns its path.
func writePlane(t *testing.T, dir string) string {
	t.Helper()
	pc := pointcloud.New()
	for i := 0; i < 20; i++ {
		for j := 0; j < 20; j++ {
			pc.Positions = append(pc.Positions, r3.Vector{X: float64(i) * 0.05, Y: float64(j) * 0.05, Z: 0.01 * float64((i+j)%3)})
		}
	}
	path := filepath.Join(dir, "plane.ply")
	test.That(t, pointcloud.WriteToFile(pc, path, pointcloud.DefaultWriteOptions()), test.ShouldBeNil)
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out, logging.NewTestLogger(t)).Run(append([]string{"pointstream"}, args...))
	return out.String(), err
}

func readCloud(t *testing.T, path string) *pointcloud.PointCloud {
	t.Helper()
	pc, err := pointcloud.NewFromFile(path, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return pc
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	in := writePlane(t, dir)

	out, err := run(t, "stats", in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "points")
	test.That(t, out, test.ShouldContainSubstring, "400")

	out, err = run(t, "stats", "--point", "21", "--neighbors", "4", in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "point 21 at ")
	test.That(t, strings.Count(out, "0.05"), test.ShouldBeGreaterThanOrEqualTo, 4)
	_, err = run(t, "stats", "--point", "400", in)
	test.That(t, err, test.ShouldNotBeNil)

	colored := filepath.Join(dir, "colored.ply")
	_, err = run(t, "stats", "--colormap", "viridis", "--output", colored, in)
	test.That(t, err, test.ShouldBeNil)
	pc := readCloud(t, colored)
	test.That(t, pc.Size(), test.ShouldEqual, 400)
	test.That(t, pc.HasColors(), test.ShouldBeTrue)

	_, err = run(t, "stats", "--colormap", "viridis", in)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = run(t, "stats", "--colormap", "rainbow", "--output", colored, in)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = run(t, "stats")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPreprocess(t *testing.T) {
	dir := t.TempDir()
	in := writePlane(t, dir)

	t.Run("pipeline", func(t *testing.T) {
		outPath := filepath.Join(dir, "clean.ply")
		out, err := run(t, "preprocess", in, outPath)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out, test.ShouldContainSubstring, "compression ratio")
		pc := readCloud(t, outPath)
		test.That(t, pc.Size(), test.ShouldBeGreaterThan, 0)
		test.That(t, pc.Size(), test.ShouldBeLessThanOrEqualTo, 400)
		test.That(t, pc.HasNormals(), test.ShouldBeTrue)
	})

	t.Run("voxel parameters", func(t *testing.T) {
		outPath := filepath.Join(dir, "coarse.xyz")
		_, err := run(t, "preprocess", "--operation", "voxel_downsample", "--param", "voxel_size=0.2", in, outPath)
		test.That(t, err, test.ShouldBeNil)
		pc := readCloud(t, outPath)
		test.That(t, pc.Size(), test.ShouldBeLessThan, 400)
		test.That(t, pc.Size(), test.ShouldBeGreaterThan, 0)
	})

	t.Run("icp", func(t *testing.T) {
		outPath := filepath.Join(dir, "aligned.ply")
		out, err := run(t, "preprocess", "--operation", "register_icp", in, in, outPath)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out, test.ShouldContainSubstring, "fitness")
		test.That(t, readCloud(t, outPath).Size(), test.ShouldEqual, 400)
	})

	t.Run("convex hull", func(t *testing.T) {
		out, err := run(t, "preprocess", "--operation", "convex_hull", in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out, test.ShouldContainSubstring, "hull faces")
	})

	t.Run("mesh cleanup", func(t *testing.T) {
		mesh := &spatialmath.TriangleMesh{}
		for j := 0; j <= 10; j++ {
			for i := 0; i <= 10; i++ {
				mesh.Vertices = append(mesh.Vertices, r3.Vector{X: float64(i) * 0.1, Y: float64(j) * 0.1})
			}
		}
		for j := 0; j < 10; j++ {
			for i := 0; i < 10; i++ {
				a := j*11 + i
				mesh.Faces = append(mesh.Faces, [3]int{a, a + 1, a + 12}, [3]int{a, a + 12, a + 11})
			}
		}
		mesh.Faces = append(mesh.Faces, mesh.Faces[0])
		meshIn := filepath.Join(dir, "room.obj")
		test.That(t, pointcloud.WriteMeshToFile(mesh, meshIn, 0), test.ShouldBeNil)

		meshOut := filepath.Join(dir, "room-clean.ply")
		out, err := run(t, "preprocess", "--operation", "clean_mesh", "--param", "target_triangles=100", meshIn, meshOut)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out, test.ShouldContainSubstring, "triangle compression ratio")
		test.That(t, out, test.ShouldContainSubstring, "201 -> ")

		cleaned, err := pointcloud.NewMeshFromFile(meshOut)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(cleaned.Faces), test.ShouldBeLessThanOrEqualTo, 100)
		test.That(t, len(cleaned.Faces), test.ShouldBeGreaterThan, 0)
		test.That(t, cleaned.Normals, test.ShouldHaveLength, len(cleaned.Vertices))

		_, err = run(t, "preprocess", "--operation", "clean_mesh", in+".las", meshOut)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("panorama", func(t *testing.T) {
		pano := filepath.Join(dir, "pano.png")
		test.That(t, imaging.Save(imaging.New(360, 180, color.NRGBA{R: 200, A: 255}), pano), test.ShouldBeNil)
		view := filepath.Join(dir, "view.png")
		_, err := run(t, "preprocess", "--operation", "equirect_to_perspective",
			"--param", "width=64", "--param", "height=48", "--param", "yaw=30", pano, view)
		test.That(t, err, test.ShouldBeNil)
		img, err := imaging.Open(view)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, img.Bounds().Size(), test.ShouldResemble, image.Pt(64, 48))
	})

	t.Run("qoi panorama", func(t *testing.T) {
		pano := filepath.Join(dir, "pano.qoi")
		f, err := os.Create(pano)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, qoi.Encode(f, imaging.New(360, 180, color.NRGBA{B: 200, A: 255})), test.ShouldBeNil)
		test.That(t, f.Close(), test.ShouldBeNil)

		view := filepath.Join(dir, "qoi-view.png")
		_, err = run(t, "preprocess", "--operation", "equirect_to_perspective", "--param", "width=32", "--param", "height=32", pano, view)
		test.That(t, err, test.ShouldBeNil)
		img, err := imaging.Open(view)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, img.Bounds().Size(), test.ShouldResemble, image.Pt(32, 32))
	})

	t.Run("invalid", func(t *testing.T) {
		outPath := filepath.Join(dir, "never.ply")
		_, err := run(t, "preprocess", "--operation", "sharpen", in, outPath)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = run(t, "preprocess", in)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = run(t, "preprocess", "--operation", "voxel_downsample", "--param", "voxel_size", in, outPath)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = run(t, "preprocess", "--operation", "voxel_downsample", "--param", "cell=2", in, outPath)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = os.Stat(outPath)
		test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	})
}

func TestBuildAndSelect(t *testing.T) {
	dir := t.TempDir()
	in := writePlane(t, dir)
	cfgPath := filepath.Join(dir, "pointstream.json")
	test.That(t, os.WriteFile(cfgPath, []byte(`{
		"octree": {"max_points_per_node": 50, "subdivision_factor": 4},
		"cache": {"max_memory": "1MiB"},
		"log": {"level": "debug"}
	}`), 0o600), test.ShouldBeNil)
	scan := filepath.Join(dir, "scan")

	out, err := run(t, "--config", cfgPath, "build", in, scan)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "payload size")
	for _, name := range []string{octree.MetadataFile, octree.HierarchyFile, octree.PayloadFile} {
		_, err := os.Stat(filepath.Join(scan, name))
		test.That(t, err, test.ShouldBeNil)
	}

	out, err = run(t, "--config", cfgPath, "select", "--eye", "2,2,3", "--load", scan)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "visited")
	test.That(t, out, test.ShouldContainSubstring, "loaded ")

	out, err = run(t, "select", "--eye", "2,2,3", "--ortho-height", "10", scan)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "visited")

	// a point cloud file is built in memory
	out, err = run(t, "--config", cfgPath, "select", "--eye", "2,2,3", "--load", in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "loaded ")

	_, err = run(t, "select", scan)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = run(t, "select", "--eye", "2,2", scan)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = run(t, "select", "--eye", "2,2,3", "--watch", scan)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = run(t, "select", "--eye", "2,2,3", filepath.Join(dir, "missing"))
	test.That(t, err, test.ShouldNotBeNil)

	s, err := server.New(dir, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	mirror := filepath.Join(t.TempDir(), "mirror")
	out, err = run(t, "fetch", srv.URL+"/scans/scan", mirror)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "mirrored 400 points")
	_, err = run(t, "fetch", srv.URL+"/scans/nothing", mirror)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, os.WriteFile(cfgPath, []byte(`{"octree": {"depth": 3}}`), 0o600), test.ShouldBeNil)
	_, err = run(t, "--config", cfgPath, "build", in, scan)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	in := writePlane(t, dir)

	xyz := filepath.Join(dir, "plane.xyz")
	out, err := run(t, "export", in, xyz)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "xyz")
	pc, err := export.Parse(xyz, export.XYZ, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 400)

	csvPath := filepath.Join(dir, "plane.out")
	out, err = run(t, "export", "--format", "csv", "--max-points", "100", in, csvPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "reduced from 400 points")
	pc, err = export.Parse(csvPath, export.CSV, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldBeLessThanOrEqualTo, 100)

	// an unrecognized extension is read with --input-format and the output extension is added
	dat := filepath.Join(dir, "plane.dat")
	raw, err := os.ReadFile(xyz)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(dat, raw, 0o600), test.ShouldBeNil)
	_, err = run(t, "export", "--input-format", "txt", "--format", "ply", dat, filepath.Join(dir, "from-dat"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, readCloud(t, filepath.Join(dir, "from-dat.ply")).Size(), test.ShouldEqual, 400)
	_, err = run(t, "export", dat, filepath.Join(dir, "never.ply"))
	test.That(t, err, test.ShouldNotBeNil)

	withNormals := readCloud(t, in)
	for range withNormals.Positions {
		withNormals.Normals = append(withNormals.Normals, r3.Vector{Z: 1})
	}
	oriented := filepath.Join(dir, "oriented.ply")
	test.That(t, pointcloud.WriteToFile(withNormals, oriented, pointcloud.DefaultWriteOptions()), test.ShouldBeNil)
	out, err = run(t, "export", oriented, filepath.Join(dir, "oriented.las"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "las cannot hold normals")

	_, err = run(t, "export", in, filepath.Join(dir, "plane.stl"))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = run(t, "export", "--format", "e57", in, xyz)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseHelpers(t *testing.T) {
	v, err := parseVector(" 1, -2.5,3 ")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldResemble, r3.Vector{X: 1, Y: -2.5, Z: 3})
	_, err = parseVector("1,2,x")
	test.That(t, err, test.ShouldNotBeNil)

	params, err := parseParams([]string{"voxel_size=0.1", "label = a=b"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params, test.ShouldResemble, map[string]interface{}{"voxel_size": "0.1", "label": "a=b"})
	_, err = parseParams([]string{"=3"})
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, strings.Contains(formatVector(r3.Vector{X: 1}), "1"), test.ShouldBeTrue)
}

func TestLogFile(t *testing.T) {
	dir := t.TempDir()
	in := writePlane(t, dir)
	logPath := filepath.Join(dir, "pointstream.log")
	cfgPath := filepath.Join(dir, "pointstream.json")
	test.That(t, os.WriteFile(cfgPath, []byte(`{"log": {"file": "`+filepath.ToSlash(logPath)+`"}}`), 0o600), test.ShouldBeNil)

	_, err := run(t, "--config", cfgPath, "build", in, filepath.Join(dir, "scan"))
	test.That(t, err, test.ShouldBeNil)
	data, err := os.ReadFile(logPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, "built octree")
}
