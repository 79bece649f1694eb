// Package loader fetches octree resources and node payloads and caches decoded nodes.
package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/pointstream/octree"
)

// ErrPayloadRange is returned when a requested byte range is not available in full.
var ErrPayloadRange = errors.New("byte range not satisfiable")

// Store serves the named resources of one octree.
type Store interface {
	// Read returns a whole resource.
	Read(ctx context.Context, name string) ([]byte, error)
	// ReadRange returns length bytes of a resource starting at offset.
	ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error)
}

func rangeError(name string, offset, length int64) error {
	return errors.Wrapf(ErrPayloadRange, "%s [%d, %d)", name, offset, offset+length)
}

// FileStore reads resources from a local directory.
type FileStore struct {
	Dir string
}

// Read implements Store.
func (fs FileStore) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(fs.Dir, name))
}

// ReadRange implements Store.
func (fs FileStore) ReadRange(ctx context.Context, name string, offset, length int64) (_ []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, rangeError(name, offset, length)
	}
	f, err := os.Open(filepath.Join(fs.Dir, name))
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if int64(n) < length {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, rangeError(name, offset, length)
		}
		return nil, err
	}
	return buf, nil
}

// HTTPStore reads resources below a base URL. Ranges are fetched with Range requests; servers
// that ignore the header and answer with the whole resource are tolerated.
type HTTPStore struct {
	BaseURL string
	Client  *http.Client
}

func (hs HTTPStore) client() *http.Client {
	if hs.Client != nil {
		return hs.Client
	}
	return http.DefaultClient
}

func (hs HTTPStore) get(ctx context.Context, name, byteRange string) (*http.Response, error) {
	u, err := url.JoinPath(hs.BaseURL, name)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	return hs.client().Do(req)
}

// Read implements Store.
func (hs HTTPStore) Read(ctx context.Context, name string) ([]byte, error) {
	resp, err := hs.get(ctx, name, "")
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s", name)
	}
	defer goutils.UncheckedErrorFunc(resp.Body.Close)
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching %s: unexpected status %s", name, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// ReadRange implements Store.
func (hs HTTPStore) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, rangeError(name, offset, length)
	}
	if length == 0 {
		return []byte{}, nil
	}
	resp, err := hs.get(ctx, name, fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s [%d, %d)", name, offset, offset+length)
	}
	defer goutils.UncheckedErrorFunc(resp.Body.Close)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		buf := make([]byte, length)
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, rangeError(name, offset, length)
			}
			return nil, err
		}
		return buf, nil
	case http.StatusOK:
		all, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if int64(len(all)) < offset+length {
			return nil, rangeError(name, offset, length)
		}
		return all[offset : offset+length], nil
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, rangeError(name, offset, length)
	default:
		return nil, errors.Errorf("fetching %s [%d, %d): unexpected status %s", name, offset, offset+length, resp.Status)
	}
}

// MemoryStore keeps resources in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: map[string][]byte{}}
}

// NewMemoryStoreFromBuild serves a freshly built octree without writing it to disk.
func NewMemoryStoreFromBuild(res *octree.BuildResult) (*MemoryStore, error) {
	raw, err := res.Metadata.MarshalJSON()
	if err != nil {
		return nil, err
	}
	ms := NewMemoryStore()
	ms.Put(octree.MetadataFile, raw)
	ms.Put(octree.HierarchyFile, res.Hierarchy)
	ms.Put(octree.PayloadFile, res.Payload)
	return ms, nil
}

// Put stores a resource.
func (ms *MemoryStore) Put(name string, data []byte) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.files[name] = data
}

func (ms *MemoryStore) lookup(name string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	data, ok := ms.files[name]
	if !ok {
		return nil, errors.Wrapf(os.ErrNotExist, "resource %s", name)
	}
	return data, nil
}

// Read implements Store.
func (ms *MemoryStore) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := ms.lookup(name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

// ReadRange implements Store.
func (ms *MemoryStore) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := ms.lookup(name)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > int64(len(data)) {
		return nil, rangeError(name, offset, length)
	}
	return append([]byte{}, data[offset:offset+length]...), nil
}
