package server

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/pointstream/loader"
	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/octree"
	"go.viam.com/pointstream/pointcloud"
)

func writeTestScan(t *testing.T, dir string) *octree.BuildResult {
	t.Helper()
	//nolint:gosec
	rng := rand.New(rand.NewSource(11))
	pc := pointcloud.NewWithPrealloc(2000)
	for i := 0; i < 2000; i++ {
		pc.Positions = append(pc.Positions, r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()})
	}
	b := octree.NewBuilder(logging.NewTestLogger(t))
	b.MaxPointsPerNode = 100
	b.SubdivisionFactor = 4
	res, err := b.Build(context.Background(), pc)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, octree.WriteDir(dir, res), test.ShouldBeNil)
	return res
}

func get(t *testing.T, url, byteRange string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	test.That(t, err, test.ShouldBeNil)
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	return resp, body
}

func TestServer(t *testing.T) {
	logger := logging.NewTestLogger(t)
	root := t.TempDir()
	res := writeTestScan(t, filepath.Join(root, "lobby"))
	test.That(t, os.Mkdir(filepath.Join(root, "empty"), 0o755), test.ShouldBeNil)

	s, err := New(root, logger)
	test.That(t, err, test.ShouldBeNil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	t.Run("healthz", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/healthz", "")
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
		test.That(t, string(body), test.ShouldEqual, "ok\n")
	})

	t.Run("list", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/scans", "")
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
		var scans []ScanInfo
		test.That(t, json.Unmarshal(body, &scans), test.ShouldBeNil)
		test.That(t, scans, test.ShouldResemble, []ScanInfo{
			{Name: "lobby", PointCount: 2000, Version: octree.Version, Nodes: res.Tree.Len()},
		})
	})

	t.Run("list skips short payloads", func(t *testing.T) {
		broken := filepath.Join(root, "broken")
		writeTestScan(t, broken)
		payload := filepath.Join(broken, octree.PayloadFile)
		data, err := os.ReadFile(payload)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, os.WriteFile(payload, data[:len(data)/2], 0o600), test.ShouldBeNil)

		scans, err := s.Scans()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, scans, test.ShouldHaveLength, 1)
		test.That(t, scans[0].Name, test.ShouldEqual, "lobby")
	})

	t.Run("whole file", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/scans/lobby/"+octree.HierarchyFile, "")
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
		test.That(t, body, test.ShouldResemble, res.Hierarchy)

		resp, _ = get(t, srv.URL+"/scans/lobby/"+octree.MetadataFile, "")
		test.That(t, resp.Header.Get("Content-Type"), test.ShouldEqual, "application/json")
	})

	t.Run("cors", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/scans/lobby/"+octree.MetadataFile, nil)
		test.That(t, err, test.ShouldBeNil)
		req.Header.Set("Origin", "http://viewer.example")
		resp, err := http.DefaultClient.Do(req)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
		test.That(t, resp.Header.Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")

		preflight, err := http.NewRequest(http.MethodOptions, srv.URL+"/scans/lobby/"+octree.PayloadFile, nil)
		test.That(t, err, test.ShouldBeNil)
		preflight.Header.Set("Origin", "http://viewer.example")
		preflight.Header.Set("Access-Control-Request-Method", http.MethodGet)
		preflight.Header.Set("Access-Control-Request-Headers", "range")
		resp, err = http.DefaultClient.Do(preflight)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
		test.That(t, resp.Header.Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")
	})

	t.Run("byte range", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/scans/lobby/"+octree.PayloadFile, "bytes=10-29")
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusPartialContent)
		test.That(t, body, test.ShouldResemble, res.Payload[10:30])

		etag := resp.Header.Get("Etag")
		test.That(t, etag, test.ShouldNotBeEmpty)

		resp, _ = get(t, srv.URL+"/scans/lobby/"+octree.PayloadFile, "bytes=999999999-")
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusRequestedRangeNotSatisfiable)

		req, err := http.NewRequest(http.MethodGet, srv.URL+"/scans/lobby/"+octree.PayloadFile, nil)
		test.That(t, err, test.ShouldBeNil)
		req.Header.Set("Range", "bytes=10-")
		req.Header.Set("If-Match", `"stale"`)
		stale, err := http.DefaultClient.Do(req)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, stale.Body.Close(), test.ShouldBeNil)
		test.That(t, stale.StatusCode, test.ShouldEqual, http.StatusPreconditionFailed)

		req.Header.Set("If-Match", etag)
		fresh, err := http.DefaultClient.Do(req)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fresh.Body.Close(), test.ShouldBeNil)
		test.That(t, fresh.StatusCode, test.ShouldEqual, http.StatusPartialContent)
	})

	t.Run("node", func(t *testing.T) {
		h := res.Tree
		child := octree.NoNode
		h.Walk(func(id octree.NodeID, n *octree.Node) bool {
			if child == octree.NoNode && n.Level == 1 {
				child = id
			}
			return true
		})
		test.That(t, child, test.ShouldNotEqual, octree.NoNode)
		want, err := h.Node(child)
		test.That(t, err, test.ShouldBeNil)

		resp, body := get(t, srv.URL+"/scans/lobby/nodes/"+h.Path(child), "")
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
		var info NodeInfo
		test.That(t, json.Unmarshal(body, &info), test.ShouldBeNil)
		test.That(t, info.Path, test.ShouldEqual, h.Path(child))
		test.That(t, info.Level, test.ShouldEqual, 1)
		test.That(t, info.PointCount, test.ShouldEqual, want.PointCount)
		test.That(t, info.ByteOffset, test.ShouldEqual, want.ByteOffset)
		test.That(t, info.ByteSize, test.ShouldEqual, want.ByteSize)

		resp, body = get(t, srv.URL+"/scans/lobby/nodes/"+octree.RootPath, "")
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
		test.That(t, json.Unmarshal(body, &info), test.ShouldBeNil)
		test.That(t, info.Children, test.ShouldContain, h.Path(child))

		for _, path := range []string{"/scans/lobby/nodes/r9", "/scans/lobby/nodes/x", "/scans/missing/nodes/r"} {
			resp, _ := get(t, srv.URL+path, "")
			test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)
		}
	})

	t.Run("not found", func(t *testing.T) {
		for _, path := range []string{
			"/scans/lobby/secrets.txt",
			"/scans/empty/" + octree.MetadataFile,
			"/scans/missing/" + octree.PayloadFile,
			"/scans/..%2F..%2Fetc/" + octree.MetadataFile,
			"/nothing",
		} {
			resp, _ := get(t, srv.URL+path, "")
			test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)
		}
	})

	t.Run("loader over http", func(t *testing.T) {
		ctx := context.Background()
		store := loader.HTTPStore{BaseURL: srv.URL + "/scans/lobby"}
		tree, err := loader.Open(ctx, store, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tree.Hierarchy.Len(), test.ShouldEqual, res.Tree.Len())

		l := loader.NewLoader(tree, loader.NewCache(tree.Hierarchy, 0, logger), 2, logger)
		defer l.Close()
		total := 0
		for id := 0; id < tree.Hierarchy.Len(); id++ {
			pb, err := l.LoadNode(ctx, octree.NodeID(id))
			test.That(t, err, test.ShouldBeNil)
			total += pb.Count
		}
		test.That(t, total, test.ShouldEqual, 2000)
	})

	_, err = New(filepath.Join(root, "lobby", octree.MetadataFile), logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(filepath.Join(root, "nope"), logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestServe(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, l) }()

	resp, body := get(t, "http://"+l.Addr().String()+"/healthz", "")
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, string(body), test.ShouldEqual, "ok\n")

	cancel()
	test.That(t, <-errCh, test.ShouldBeNil)

	t.Run("listener failure", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, l.Close(), test.ShouldBeNil)
		errCh := make(chan error, 1)
		go func() { errCh <- s.Serve(context.Background(), l) }()
		select {
		case err := <-errCh:
			test.That(t, err, test.ShouldNotBeNil)
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return after its listener failed")
		}
	})
}

func TestRateLimit(t *testing.T) {
	s, err := New(t.TempDir(), logging.NewTestLogger(t), WithRateLimit(0.01, 2))
	test.That(t, err, test.ShouldBeNil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, _ := get(t, srv.URL+"/healthz", "")
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	}
	resp, _ := get(t, srv.URL+"/healthz", "")
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusTooManyRequests)
	test.That(t, resp.Header.Get("Retry-After"), test.ShouldEqual, "1")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	test.That(t, err, test.ShouldBeNil)
	req.Header.Set("Origin", "http://viewer.example")
	limited, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, limited.Body.Close(), test.ShouldBeNil)
	test.That(t, limited.StatusCode, test.ShouldEqual, http.StatusTooManyRequests)
	test.That(t, limited.Header.Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")

	unlimited, err := New(t.TempDir(), logging.NewTestLogger(t), WithRateLimit(0, 0))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, unlimited.limiter, test.ShouldBeNil)
}
