package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-units"
	"go.viam.com/test"

	"go.viam.com/pointstream/lod"
	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/octree"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Octree.SubdivisionFactor, test.ShouldEqual, 128)
	test.That(t, cfg.Worker.ConversionTimeout, test.ShouldEqual, 30*time.Second)
	test.That(t, cfg.Worker.StereoTimeout, test.ShouldEqual, 120*time.Second)
	test.That(t, cfg.Preprocess.OutlierNeighbors, test.ShouldEqual, 20)
	test.That(t, cfg.Preprocess.OutlierStdRatio, test.ShouldEqual, 2.0)
	test.That(t, cfg.Preprocess.Mesh.TargetTriangles, test.ShouldEqual, 500000)
	test.That(t, cfg.Preprocess.Mesh.SmoothIterations, test.ShouldEqual, 1)
	test.That(t, cfg.LOD, test.ShouldResemble, lod.DefaultSettings())

	level, err := cfg.LogLevel()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, logging.INFO)
}

func TestFromReader(t *testing.T) {
	t.Run("overlays defaults", func(t *testing.T) {
		cfg, err := FromReader(strings.NewReader(`{
			"preprocess": {"target_points": 500000, "normals": {"knn": 16}},
			"octree": {"max_depth": 8, "attributes": ["POSITION_CARTESIAN", "RGBA"]},
			"lod": {"point_budget": 2000000, "refinement": "replace"},
			"cache": {"max_memory": "256MiB"},
			"loader": {"max_concurrent_fetches": 4},
			"worker": {"workers": 3, "conversion_timeout": "45s"},
			"log": {"level": "debug"}
		}`))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.Preprocess.TargetPoints, test.ShouldEqual, 500000)
		test.That(t, cfg.Preprocess.Normals.KNN, test.ShouldEqual, 16)
		test.That(t, cfg.Preprocess.OutlierNeighbors, test.ShouldEqual, 20)
		test.That(t, cfg.Octree.MaxDepth, test.ShouldEqual, 8)
		test.That(t, cfg.Octree.MaxPointsPerNode, test.ShouldEqual, octree.DefaultMaxPointsPerNode)
		test.That(t, cfg.Octree.Attributes, test.ShouldResemble, []octree.Attribute{octree.AttributePosition, octree.AttributeRGBA})
		test.That(t, cfg.LOD.PointBudget, test.ShouldEqual, 2000000)
		test.That(t, cfg.LOD.Refinement, test.ShouldEqual, lod.Replace)
		test.That(t, cfg.LOD.ScreenSpaceErrorThreshold, test.ShouldEqual, lod.DefaultSettings().ScreenSpaceErrorThreshold)
		test.That(t, int64(cfg.Cache.MaxMemory), test.ShouldEqual, 256*units.MiB)
		test.That(t, cfg.Loader.MaxConcurrentFetches, test.ShouldEqual, 4)
		test.That(t, cfg.Worker.Workers, test.ShouldEqual, 3)
		test.That(t, cfg.Worker.ConversionTimeout, test.ShouldEqual, 45*time.Second)
		test.That(t, cfg.Worker.StereoTimeout, test.ShouldEqual, 120*time.Second)

		level, err := cfg.LogLevel()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, logging.DEBUG)

		b := cfg.Octree.Builder(logging.NewTestLogger(t))
		test.That(t, b.MaxDepth, test.ShouldEqual, 8)
		test.That(t, b.Attributes, test.ShouldResemble, cfg.Octree.Attributes)
	})

	t.Run("comments and trailing commas", func(t *testing.T) {
		cfg, err := FromReader(strings.NewReader(`{
			// tuned for the lobby scans
			"lod": {"point_budget": 3000000, "refinement": "replace",},
			"cache": {"max_memory": "64MiB"}, // smaller than the default
		}`))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.LOD.PointBudget, test.ShouldEqual, 3000000)
		test.That(t, cfg.LOD.Refinement, test.ShouldEqual, lod.Replace)
		test.That(t, int64(cfg.Cache.MaxMemory), test.ShouldEqual, 64*units.MiB)
	})

	t.Run("numeric sizes", func(t *testing.T) {
		cfg, err := FromReader(strings.NewReader(`{"cache": {"max_memory": 1048576}}`))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, int64(cfg.Cache.MaxMemory), test.ShouldEqual, units.MiB)
		test.That(t, cfg.Cache.MaxMemory.String(), test.ShouldEqual, "1MiB")
	})

	for _, tc := range []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"unknown section", `{"render": {}}`},
		{"unknown field", `{"lod": {"budget": 5}}`},
		{"bad size", `{"cache": {"max_memory": "lots"}}`},
		{"bad duration", `{"worker": {"stereo_timeout": "soon"}}`},
		{"bad refinement", `{"lod": {"refinement": "sideways"}}`},
		{"zero budget", `{"lod": {"point_budget": 0}}`},
		{"bad attributes", `{"octree": {"attributes": ["RGBA"]}}`},
		{"deep tree", `{"octree": {"max_depth": 40}}`},
		{"no neighborhood", `{"preprocess": {"normals": {"knn": 0, "radius": 0, "max_nn": 0}}}`},
		{"no mesh target", `{"preprocess": {"mesh": {"target_triangles": 0}}}`},
		{"bad log level", `{"log": {"level": "loud"}}`},
		{"no workers", `{"worker": {"workers": 0}}`},
		{"negative log backups", `{"log": {"file": "x.log", "max_backups": -1}}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromReader(strings.NewReader(tc.doc))
			test.That(t, err, test.ShouldNotBeNil)
		})
	}
}

func TestLogFile(t *testing.T) {
	test.That(t, Default().Log.FileAppender(), test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "pointstream.log")
	cfg, err := FromReader(strings.NewReader(`{"log": {"file": "` + filepath.ToSlash(path) + `", "max_size": "10MiB", "max_backups": 2}}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, int64(cfg.Log.MaxSize), test.ShouldEqual, 10*units.MiB)

	file := cfg.Log.FileAppender()
	test.That(t, file, test.ShouldNotBeNil)
	logger := logging.NewBlankLogger("config")
	logger.AddAppender(file)
	logger.Info("to file")
	test.That(t, file.Close(), test.ShouldBeNil)
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, "to file")
}

func TestRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pointstream.json")
	test.That(t, os.WriteFile(path, []byte(`{"lod": {"point_budget": 42}}`), 0o600), test.ShouldBeNil)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.LOD.PointBudget, test.ShouldEqual, 42)

	_, err = Read(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchLODSettings(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "pointstream.json")
	write := func(doc string) {
		test.That(t, os.WriteFile(path, []byte(doc), 0o600), test.ShouldBeNil)
	}
	write(`{"lod": {"point_budget": 5000}}`)

	w, err := WatchLODSettings(context.Background(), path, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, w.Close(), test.ShouldBeNil)
	}()
	test.That(t, w.Settings().Load().PointBudget, test.ShouldEqual, 5000)

	t.Run("write", func(t *testing.T) {
		write(`{"lod": {"point_budget": 7000, "refinement": "replace"}}`)
		waitFor(t, func() bool { return w.Settings().Load().PointBudget == 7000 })
		test.That(t, w.Settings().Load().Refinement, test.ShouldEqual, lod.Replace)
	})

	t.Run("invalid keeps previous", func(t *testing.T) {
		reloads := w.Reloads()
		write(`{"lod": {"point_budget": 0}}`)
		time.Sleep(100 * time.Millisecond)
		test.That(t, w.Settings().Load().PointBudget, test.ShouldEqual, 7000)
		test.That(t, w.Reloads(), test.ShouldEqual, reloads)
	})

	t.Run("atomic replace", func(t *testing.T) {
		tmp := filepath.Join(dir, "pointstream.json.tmp")
		test.That(t, os.WriteFile(tmp, []byte(`{"lod": {"point_budget": 9000}}`), 0o600), test.ShouldBeNil)
		test.That(t, os.Rename(tmp, path), test.ShouldBeNil)
		waitFor(t, func() bool { return w.Settings().Load().PointBudget == 9000 })
	})

	_, err = WatchLODSettings(context.Background(), filepath.Join(dir, "missing.json"), logger)
	test.That(t, err, test.ShouldNotBeNil)
}
