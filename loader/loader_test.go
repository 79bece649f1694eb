package loader

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/octree"
	"go.viam.com/pointstream/pointcloud"
)

func buildTestOctree(t *testing.T) *octree.BuildResult {
	t.Helper()
	rng := rand.New(rand.NewSource(8))
	pc := pointcloud.NewWithPrealloc(4000)
	for i := 0; i < 4000; i++ {
		pc.Positions = append(pc.Positions, r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()})
	}
	b := octree.NewBuilder(logging.NewTestLogger(t))
	b.MaxPointsPerNode = 100
	b.SubdivisionFactor = 4
	res, err := b.Build(context.Background(), pc)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Tree.Len(), test.ShouldBeGreaterThan, 4)
	return res
}

func memoryStore(t *testing.T, res *octree.BuildResult) *MemoryStore {
	t.Helper()
	store, err := NewMemoryStoreFromBuild(res)
	test.That(t, err, test.ShouldBeNil)
	return store
}

// gatedStore blocks payload reads until the gate is opened and records how many run at once.
type gatedStore struct {
	Store
	gate     chan struct{}
	reads    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func newGatedStore(inner Store) *gatedStore {
	return &gatedStore{Store: inner, gate: make(chan struct{})}
}

func (gs *gatedStore) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	gs.reads.Inc()
	cur := gs.inFlight.Inc()
	defer gs.inFlight.Dec()
	for {
		seen := gs.maxSeen.Load()
		if cur <= seen || gs.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	select {
	case <-gs.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return gs.Store.ReadRange(ctx, name, offset, length)
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

func nodesWithPoints(tree *octree.Hierarchy) []octree.NodeID {
	var ids []octree.NodeID
	tree.Walk(func(id octree.NodeID, n *octree.Node) bool {
		if n.PointCount > 0 {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func TestOpen(t *testing.T) {
	res := buildTestOctree(t)
	logger := logging.NewTestLogger(t)

	tree, err := Open(context.Background(), memoryStore(t, res), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tree.Metadata, test.ShouldResemble, res.Metadata)
	test.That(t, tree.Hierarchy.Len(), test.ShouldEqual, res.Tree.Len())
	test.That(t, tree.Hierarchy.Truncated(), test.ShouldBeFalse)

	t.Run("truncated hierarchy", func(t *testing.T) {
		store := memoryStore(t, res)
		store.Put(octree.HierarchyFile, res.Hierarchy[:octree.HierarchyStepSize*2+5])
		tree, err := Open(context.Background(), store, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tree.Hierarchy.Truncated(), test.ShouldBeTrue)
		test.That(t, tree.Hierarchy.Len(), test.ShouldEqual, 2)
	})

	t.Run("missing resources", func(t *testing.T) {
		_, err := Open(context.Background(), NewMemoryStore(), logger)
		test.That(t, errors.Is(err, os.ErrNotExist), test.ShouldBeTrue)

		store := memoryStore(t, res)
		store.Put(octree.MetadataFile, []byte("not json"))
		_, err = Open(context.Background(), store, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestLoader(t *testing.T) {
	res := buildTestOctree(t)
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	open := func(t *testing.T, store Store, maxBytes, maxConcurrent int64) *Loader {
		t.Helper()
		tree, err := Open(ctx, store, logger)
		test.That(t, err, test.ShouldBeNil)
		l := NewLoader(tree, NewCache(tree.Hierarchy, maxBytes, logger), maxConcurrent, logger)
		t.Cleanup(l.Close)
		return l
	}

	t.Run("cache hit returns identical buffer", func(t *testing.T) {
		l := open(t, memoryStore(t, res), 0, 0)
		id := nodesWithPoints(l.tree.Hierarchy)[0]

		first, err := l.LoadNode(ctx, id)
		test.That(t, err, test.ShouldBeNil)
		node, _ := res.Tree.Node(id)
		test.That(t, first.Count, test.ShouldEqual, int(node.PointCount))
		test.That(t, l.tree.Hierarchy.Loaded(id), test.ShouldBeTrue)
		stats := l.Cache().Stats()
		test.That(t, stats.LoadedNodeCount, test.ShouldEqual, 1)

		second, err := l.LoadNode(ctx, id)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, second, test.ShouldResemble, first)
		stats = l.Cache().Stats()
		test.That(t, stats.LoadedNodeCount, test.ShouldEqual, 1)
		test.That(t, stats.Hits, test.ShouldEqual, 1)
		test.That(t, stats.Misses, test.ShouldEqual, 1)
		test.That(t, stats.HitRate, test.ShouldAlmostEqual, 0.5)
		test.That(t, stats.MemoryBytes, test.ShouldEqual, first.MemoryBytes())
		test.That(t, stats.String(), test.ShouldContainSubstring, "unbounded")
	})

	t.Run("load many", func(t *testing.T) {
		l := open(t, memoryStore(t, res), 0, 2)
		ids := nodesWithPoints(l.tree.Hierarchy)
		bufs, err := l.LoadNodes(ctx, ids)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, bufs, test.ShouldHaveLength, len(ids))
		var points uint64
		for _, pb := range bufs {
			points += uint64(pb.Count)
		}
		test.That(t, points, test.ShouldEqual, res.Tree.TotalPoints())
		test.That(t, l.Cache().Stats().LoadedNodeCount, test.ShouldEqual, len(ids))
	})

	t.Run("concurrent loads share one fetch", func(t *testing.T) {
		store := newGatedStore(memoryStore(t, res))
		l := open(t, store, 0, 0)
		id := nodesWithPoints(l.tree.Hierarchy)[0]

		var wg sync.WaitGroup
		results := make([]*octree.PointBuffer, 10)
		errs := make([]error, 10)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = l.LoadNode(ctx, id)
			}()
		}
		waitFor(t, func() bool { return store.reads.Load() == 1 })
		close(store.gate)
		wg.Wait()
		for i := range results {
			test.That(t, errs[i], test.ShouldBeNil)
			test.That(t, results[i], test.ShouldEqual, results[0])
		}
		test.That(t, store.reads.Load(), test.ShouldEqual, 1)
	})

	t.Run("concurrent fetches are capped", func(t *testing.T) {
		store := newGatedStore(memoryStore(t, res))
		l := open(t, store, 0, 2)
		ids := nodesWithPoints(l.tree.Hierarchy)

		done := make(chan error, 1)
		go func() {
			_, err := l.LoadNodes(ctx, ids)
			done <- err
		}()
		waitFor(t, func() bool { return store.inFlight.Load() == 2 })
		time.Sleep(20 * time.Millisecond)
		close(store.gate)
		test.That(t, <-done, test.ShouldBeNil)
		test.That(t, store.maxSeen.Load(), test.ShouldEqual, 2)
	})

	t.Run("canceled wait still fills cache", func(t *testing.T) {
		store := newGatedStore(memoryStore(t, res))
		l := open(t, store, 0, 0)
		id := nodesWithPoints(l.tree.Hierarchy)[0]

		cctx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			_, err := l.LoadNode(cctx, id)
			errCh <- err
		}()
		waitFor(t, func() bool { return store.reads.Load() == 1 })
		cancel()
		test.That(t, errors.Is(<-errCh, context.Canceled), test.ShouldBeTrue)
		test.That(t, l.Cache().Contains(id), test.ShouldBeFalse)

		close(store.gate)
		waitFor(t, func() bool { return l.Cache().Contains(id) })
	})

	t.Run("memory ceiling evicts least recently used", func(t *testing.T) {
		probe := open(t, memoryStore(t, res), 0, 0)
		ids := nodesWithPoints(probe.tree.Hierarchy)[:3]
		bufs, err := probe.LoadNodes(ctx, ids)
		test.That(t, err, test.ShouldBeNil)
		ceiling := bufs[0].MemoryBytes() + bufs[1].MemoryBytes() + bufs[2].MemoryBytes() - 1

		l := open(t, memoryStore(t, res), ceiling, 0)
		for _, id := range ids {
			_, err := l.LoadNode(ctx, id)
			test.That(t, err, test.ShouldBeNil)
		}
		h := l.tree.Hierarchy
		test.That(t, h.Loaded(ids[0]), test.ShouldBeFalse)
		test.That(t, h.Loaded(ids[2]), test.ShouldBeTrue)
		stats := l.Cache().Stats()
		test.That(t, stats.Evictions, test.ShouldEqual, 1)
		test.That(t, stats.MemoryBytes, test.ShouldBeLessThanOrEqualTo, ceiling)

		// evicted nodes load again
		_, err = l.LoadNode(ctx, ids[0])
		test.That(t, err, test.ShouldBeNil)
		test.That(t, h.Loaded(ids[0]), test.ShouldBeTrue)
	})

	t.Run("clear", func(t *testing.T) {
		l := open(t, memoryStore(t, res), 0, 0)
		ids := nodesWithPoints(l.tree.Hierarchy)
		_, err := l.LoadNodes(ctx, ids)
		test.That(t, err, test.ShouldBeNil)
		l.Cache().Clear()
		stats := l.Cache().Stats()
		test.That(t, stats.LoadedNodeCount, test.ShouldEqual, 0)
		test.That(t, stats.MemoryBytes, test.ShouldEqual, 0)
		test.That(t, stats.Evictions, test.ShouldEqual, 0)
		for _, id := range ids {
			test.That(t, l.tree.Hierarchy.Loaded(id), test.ShouldBeFalse)
		}
	})

	t.Run("close refuses late results", func(t *testing.T) {
		store := newGatedStore(memoryStore(t, res))
		l := open(t, store, 0, 0)
		ids := nodesWithPoints(l.tree.Hierarchy)

		errCh := make(chan error, 1)
		go func() {
			_, err := l.LoadNode(ctx, ids[0])
			errCh <- err
		}()
		waitFor(t, func() bool { return store.reads.Load() == 1 })
		l.Close()
		test.That(t, <-errCh, test.ShouldNotBeNil)

		pb, err := octree.DecodePoints(l.tree.Metadata, res.Payload[:0])
		test.That(t, err, test.ShouldBeNil)
		test.That(t, l.Cache().Add(ids[0], pb), test.ShouldBeFalse)
		test.That(t, l.Cache().Contains(ids[0]), test.ShouldBeFalse)
		test.That(t, l.Cache().Stats().LoadedNodeCount, test.ShouldEqual, 0)

		cleared := NewCache(l.tree.Hierarchy, 0, logger)
		cleared.Clear()
		test.That(t, cleared.Add(ids[0], pb), test.ShouldBeTrue)
	})

	t.Run("errors", func(t *testing.T) {
		store := memoryStore(t, res)
		store.Put(octree.PayloadFile, res.Payload[:len(res.Payload)/2])
		l := open(t, store, 0, 0)
		ids := nodesWithPoints(l.tree.Hierarchy)
		_, err := l.LoadNode(ctx, ids[len(ids)-1])
		test.That(t, errors.Is(err, ErrPayloadRange), test.ShouldBeTrue)

		_, err = l.LoadNodes(ctx, ids)
		test.That(t, err, test.ShouldNotBeNil)

		_, err = l.LoadNode(ctx, octree.NodeID(l.tree.Hierarchy.Len()))
		test.That(t, errors.Is(err, octree.ErrNodeNotFound), test.ShouldBeTrue)

		l.Close()
		_, err = l.LoadNode(ctx, ids[0])
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestStores(t *testing.T) {
	res := buildTestOctree(t)
	dir := t.TempDir()
	test.That(t, octree.WriteDir(dir, res), test.ShouldBeNil)
	ctx := context.Background()
	want := res.Payload[18:54]

	t.Run("file", func(t *testing.T) {
		fs := FileStore{Dir: dir}
		got, err := fs.ReadRange(ctx, octree.PayloadFile, 18, 36)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldResemble, want)

		_, err = fs.ReadRange(ctx, octree.PayloadFile, int64(len(res.Payload))-4, 36)
		test.That(t, errors.Is(err, ErrPayloadRange), test.ShouldBeTrue)
		_, err = fs.Read(ctx, "missing.bin")
		test.That(t, err, test.ShouldNotBeNil)

		tree, err := Open(ctx, fs, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tree.Hierarchy.Len(), test.ShouldEqual, res.Tree.Len())
	})

	t.Run("http ranges", func(t *testing.T) {
		srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
		defer srv.Close()
		hs := HTTPStore{BaseURL: srv.URL}
		got, err := hs.ReadRange(ctx, octree.PayloadFile, 18, 36)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldResemble, want)

		_, err = hs.ReadRange(ctx, octree.PayloadFile, int64(len(res.Payload))+10, 36)
		test.That(t, errors.Is(err, ErrPayloadRange), test.ShouldBeTrue)

		empty, err := hs.ReadRange(ctx, octree.PayloadFile, 0, 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, empty, test.ShouldBeEmpty)

		tree, err := Open(ctx, hs, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tree.Hierarchy.Len(), test.ShouldEqual, res.Tree.Len())
	})

	t.Run("http without range support", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, err := os.ReadFile(filepath.Join(dir, filepath.Base(r.URL.Path)))
			if err != nil {
				http.NotFound(w, r)
				return
			}
			//nolint:errcheck
			w.Write(data)
		}))
		defer srv.Close()
		hs := HTTPStore{BaseURL: srv.URL, Client: srv.Client()}
		got, err := hs.ReadRange(ctx, octree.PayloadFile, 18, 36)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldResemble, want)

		_, err = hs.ReadRange(ctx, "missing.bin", 0, 10)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, errors.Is(err, ErrPayloadRange), test.ShouldBeFalse)
	})

	t.Run("memory", func(t *testing.T) {
		ms := NewMemoryStore()
		ms.Put("a", []byte{1, 2, 3})
		got, err := ms.ReadRange(ctx, "a", 1, 2)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldResemble, []byte{2, 3})
		_, err = ms.ReadRange(ctx, "a", 2, 2)
		test.That(t, errors.Is(err, ErrPayloadRange), test.ShouldBeTrue)
	})
}
