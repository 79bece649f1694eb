package export

import (
	"context"
	"errors"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/pointcloud"
	"go.viam.com/pointstream/preprocess"
)

func newTestExporter(t *testing.T) *Exporter {
	t.Helper()
	logger := logging.NewTestLogger(t)
	return NewExporter(preprocess.NewProcessor(logger, preprocess.PipelineOptions{}), logger)
}

func scanCloud(n int) *pointcloud.PointCloud {
	//nolint:gosec
	rng := rand.New(rand.NewSource(9))
	pc := pointcloud.NewWithPrealloc(n)
	for i := 0; i < n; i++ {
		pc.Positions = append(pc.Positions, r3.Vector{X: rng.Float64() * 4, Y: rng.Float64() * 2, Z: rng.Float64()})
		pc.Colors = append(pc.Colors, color.NRGBA{R: uint8(i), G: uint8(i * 3), B: 200, A: 255})
		pc.Normals = append(pc.Normals, r3.Vector{Z: 1})
		pc.Intensities = append(pc.Intensities, uint16(i))
	}
	return pc
}

func TestParseFormat(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Format
	}{
		{"ply", PLY},
		{".PLY", PLY},
		{"Obj", OBJ},
		{"txt", XYZ},
		{" csv ", CSV},
		{"las", LAS},
		{"pcd", PCD},
	} {
		got, err := ParseFormat(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, tc.want)
	}
	_, err := ParseFormat("e57")
	test.That(t, errors.Is(err, ErrUnsupportedFormat), test.ShouldBeTrue)

	f, err := FormatFromPath("/tmp/scan.xyz")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldEqual, XYZ)
	test.That(t, LAS.Extension(), test.ShouldEqual, ".las")
}

func TestExportRoundTrip(t *testing.T) {
	e := newTestExporter(t)
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	pc := scanCloud(200)

	for _, format := range Formats {
		t.Run(string(format), func(t *testing.T) {
			path := filepath.Join(dir, "scan"+format.Extension())
			res, err := e.Export(context.Background(), pc, format, DefaultOptions(), path)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, res.Path, test.ShouldEqual, path)
			test.That(t, res.Format, test.ShouldEqual, format)
			test.That(t, res.PointCount, test.ShouldEqual, 200)
			test.That(t, res.Truncated, test.ShouldBeFalse)

			info, err := os.Stat(path)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, res.FileSizeBytes, test.ShouldEqual, info.Size())

			got, err := Parse(path, format, logger)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got.Size(), test.ShouldEqual, pc.Size())
			tolerance := 1e-4
			if format == LAS {
				tolerance = 1e-2
			}
			for i := range pc.Positions {
				test.That(t, got.Positions[i].Distance(pc.Positions[i]), test.ShouldBeLessThan, tolerance)
			}

			colors, normals, intensity := format.Carries()
			test.That(t, got.HasColors(), test.ShouldEqual, colors)
			test.That(t, got.HasNormals(), test.ShouldEqual, normals)
			test.That(t, got.HasIntensities(), test.ShouldEqual, intensity)
			if colors {
				test.That(t, got.Colors, test.ShouldResemble, pc.Colors)
			}
		})
	}
}

func TestExportOptions(t *testing.T) {
	e := newTestExporter(t)
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	pc := scanCloud(50)

	t.Run("attributes left out", func(t *testing.T) {
		path := filepath.Join(dir, "bare.ply")
		_, err := e.Export(context.Background(), pc, PLY, Options{Precision: 3}, path)
		test.That(t, err, test.ShouldBeNil)
		got, err := Parse(path, PLY, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.HasColors(), test.ShouldBeFalse)
		test.That(t, got.HasNormals(), test.ShouldBeFalse)
		test.That(t, got.HasIntensities(), test.ShouldBeFalse)
	})

	t.Run("precision shrinks text output", func(t *testing.T) {
		coarse, err := e.Export(context.Background(), pc, XYZ, Options{Precision: 2}, filepath.Join(dir, "coarse.xyz"))
		test.That(t, err, test.ShouldBeNil)
		fine, err := e.Export(context.Background(), pc, XYZ, Options{Precision: 9}, filepath.Join(dir, "fine.xyz"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, coarse.FileSizeBytes, test.ShouldBeLessThan, fine.FileSizeBytes)
	})

	t.Run("compressed pcd", func(t *testing.T) {
		ascii, err := e.Export(context.Background(), pc, PCD, DefaultOptions(), filepath.Join(dir, "ascii.pcd"))
		test.That(t, err, test.ShouldBeNil)
		opts := DefaultOptions()
		opts.Compress = true
		path := filepath.Join(dir, "lzf.pcd")
		compressed, err := e.Export(context.Background(), pc, PCD, opts, path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, compressed.FileSizeBytes, test.ShouldBeLessThan, ascii.FileSizeBytes)

		raw, err := os.ReadFile(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(raw), test.ShouldContainSubstring, "DATA binary_compressed\n")
		got, err := Parse(path, PCD, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Size(), test.ShouldEqual, pc.Size())
		test.That(t, got.Colors, test.ShouldResemble, pc.Colors)
		test.That(t, got.Intensities, test.ShouldResemble, pc.Intensities)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := e.Export(context.Background(), pc, "e57", DefaultOptions(), filepath.Join(dir, "x.e57"))
		test.That(t, errors.Is(err, ErrUnsupportedFormat), test.ShouldBeTrue)
		_, err = e.Export(context.Background(), pc, PLY, Options{MaxPoints: -1}, filepath.Join(dir, "x.ply"))
		test.That(t, err, test.ShouldNotBeNil)
		_, err = e.Export(context.Background(), pc, PLY, DefaultOptions(), filepath.Join(dir, "missing", "x.ply"))
		test.That(t, err, test.ShouldNotBeNil)
		_, err = Parse(filepath.Join(dir, "nothing.ply"), PLY, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestExportMaxPoints(t *testing.T) {
	e := newTestExporter(t)
	dir := t.TempDir()
	pc := scanCloud(5000)

	t.Run("downsampled under the cap", func(t *testing.T) {
		res, err := e.Export(context.Background(), pc, CSV, Options{MaxPoints: 1000}, filepath.Join(dir, "capped.csv"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.PointCount, test.ShouldBeLessThanOrEqualTo, 1000)
		test.That(t, res.PointCount, test.ShouldBeGreaterThan, 0)
		test.That(t, res.VoxelSize, test.ShouldBeGreaterThan, 0)
	})

	t.Run("under the cap is untouched", func(t *testing.T) {
		res, err := e.Export(context.Background(), pc, CSV, Options{MaxPoints: 10000}, filepath.Join(dir, "full.csv"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.PointCount, test.ShouldEqual, 5000)
		test.That(t, res.VoxelSize, test.ShouldEqual, 0)
	})

	t.Run("degenerate extent truncates", func(t *testing.T) {
		same := pointcloud.NewFromPositions(make([]r3.Vector, 300))
		res, err := e.Export(context.Background(), same, XYZ, Options{MaxPoints: 10}, filepath.Join(dir, "same.xyz"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.PointCount, test.ShouldEqual, 10)
		test.That(t, res.Truncated, test.ShouldBeTrue)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Export(ctx, pc, CSV, Options{MaxPoints: 1000}, filepath.Join(dir, "canceled.csv"))
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	})
}
