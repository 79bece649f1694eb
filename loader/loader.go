package loader

import (
	"bytes"
	"context"
	"strconv"
	"sync"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/octree"
)

// DefaultMaxConcurrentFetches caps payload requests in flight per loader.
const DefaultMaxConcurrentFetches = 6

var errLoaderClosed = errors.New("loader is closed")

// Octree is an opened octree whose payload is fetched on demand.
type Octree struct {
	Metadata  octree.Metadata
	Hierarchy *octree.Hierarchy
	Store     Store
}

// Open fetches and decodes the metadata and hierarchy of the octree served by store. A
// truncated hierarchy is returned as is and logged.
func Open(ctx context.Context, store Store, logger logging.Logger) (*Octree, error) {
	raw, err := store.Read(ctx, octree.MetadataFile)
	if err != nil {
		return nil, errors.Wrap(err, "reading octree metadata")
	}
	meta, err := octree.ReadMetadata(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	data, err := store.Read(ctx, octree.HierarchyFile)
	if err != nil {
		return nil, errors.Wrap(err, "reading octree hierarchy")
	}
	h, err := octree.DecodeHierarchy(meta, data)
	if err != nil {
		return nil, err
	}
	if h.Truncated() {
		logger.Warnw("octree hierarchy is truncated; continuing with partial tree",
			"nodes", h.Len(), "bytes", len(data))
	}
	logger.Debugw("opened octree", "points", meta.PointCount, "nodes", h.Len())
	return &Octree{Metadata: meta, Hierarchy: h, Store: store}, nil
}

// Loader loads node payloads through a Cache. Concurrent loads of the same node share a single
// fetch and at most maxConcurrent fetches run at once. Failed fetches are not retried.
type Loader struct {
	tree   *Octree
	cache  *Cache
	sem    *semaphore.Weighted
	flight singleflight.Group
	logger logging.Logger

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewLoader returns a loader for tree. A non positive maxConcurrent uses
// DefaultMaxConcurrentFetches.
func NewLoader(tree *Octree, cache *Cache, maxConcurrent int64, logger logging.Logger) *Loader {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentFetches
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		tree:   tree,
		cache:  cache,
		sem:    semaphore.NewWeighted(maxConcurrent),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Cache returns the loader's cache.
func (l *Loader) Cache() *Cache {
	return l.cache
}

// LoadNode returns the decoded points of a node, fetching them if they are not cached. When ctx
// ends first the context error is returned; a fetch already started still completes and fills
// the cache for later calls.
func (l *Loader) LoadNode(ctx context.Context, id octree.NodeID) (*octree.PointBuffer, error) {
	if pb, ok := l.cache.Get(id); ok {
		return pb, nil
	}
	if _, err := l.tree.Hierarchy.Node(id); err != nil {
		return nil, err
	}
	if l.ctx.Err() != nil {
		return nil, errLoaderClosed
	}

	ch := l.flight.DoChan(strconv.Itoa(int(id)), func() (interface{}, error) {
		return l.fetch(id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*octree.PointBuffer), nil
	}
}

func (l *Loader) fetch(id octree.NodeID) (*octree.PointBuffer, error) {
	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)

	// another flight may have finished between the cache miss and this one starting
	if pb, ok := l.cache.peek(id); ok {
		return pb, nil
	}
	node, err := l.tree.Hierarchy.Node(id)
	if err != nil {
		return nil, err
	}
	path := l.tree.Hierarchy.Path(id)
	data, err := l.tree.Store.ReadRange(l.ctx, octree.PayloadFile, int64(node.ByteOffset), int64(node.ByteSize))
	if err != nil {
		return nil, errors.Wrapf(err, "loading node %s", path)
	}
	pb, err := octree.DecodePoints(l.tree.Metadata, data)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding node %s", path)
	}
	if !l.cache.Add(id, pb) {
		return nil, errLoaderClosed
	}
	l.logger.Debugw("loaded node", "node", path, "points", pb.Count, "size", units.BytesSize(float64(len(data))))
	return pb, nil
}

// LoadNodes loads several nodes concurrently. The result is index aligned with ids. The first
// failure cancels the remaining waits and is returned.
func (l *Loader) LoadNodes(ctx context.Context, ids []octree.NodeID) ([]*octree.PointBuffer, error) {
	out := make([]*octree.PointBuffer, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			pb, err := l.LoadNode(gctx, id)
			if err != nil {
				return err
			}
			out[i] = pb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close stops pending fetches and empties the cache. Fetches finishing afterwards are not cached.
func (l *Loader) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		l.cache.Close()
	})
}
