package loader

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/octree"
)

const (
	partSuffix = ".part"
	etagSuffix = ".etag"
)

// errStopped is returned when a test limit ends a download early.
var errStopped = errors.New("download stopped at read limit")

// Mirror copies served octree resources to a local directory. A download interrupted part way
// is resumed with a range request on the next run when the server sent an ETag and still
// serves the same version of the resource; otherwise it starts over.
type Mirror struct {
	Client *http.Client
	Logger logging.Logger

	// readLimit stops a download after this many bytes; zero means no limit.
	readLimit int64
	noResume  bool
}

// Octree mirrors the metadata, hierarchy and payload served under baseURL into dir and opens the
// result.
func (m *Mirror) Octree(ctx context.Context, baseURL, dir string) (*Octree, error) {
	names := []string{octree.MetadataFile, octree.HierarchyFile, octree.PayloadFile}
	if err := m.All(ctx, baseURL, dir, names); err != nil {
		return nil, err
	}
	tree, err := Open(ctx, FileStore{Dir: dir}, m.Logger)
	if err != nil {
		return nil, err
	}
	payload, err := os.Stat(filepath.Join(dir, octree.PayloadFile))
	if err != nil {
		return nil, err
	}
	if err := octree.ValidatePayloadRange(tree.Hierarchy, uint64(payload.Size())); err != nil {
		return nil, errors.Wrap(err, "mirrored payload does not match its hierarchy")
	}
	return tree, nil
}

// All mirrors each named resource under baseURL into dir, stopping at the first failure.
func (m *Mirror) All(ctx context.Context, baseURL, dir string, names []string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	for _, name := range names {
		u, err := url.JoinPath(baseURL, name)
		if err != nil {
			return err
		}
		if err := m.File(ctx, u, filepath.Join(dir, name)); err != nil {
			return errors.Wrapf(err, "mirroring %s", name)
		}
	}
	return nil
}

// File downloads u to dest.
func (m *Mirror) File(ctx context.Context, u, dest string) error {
	if m.noResume {
		return m.fresh(ctx, u, dest)
	}
	part, err := os.Stat(dest + partSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return m.fresh(ctx, u, dest)
		}
		return err
	}
	etag, err := os.ReadFile(dest + etagSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return m.fresh(ctx, u, dest)
		}
		return err
	}
	return m.resume(ctx, u, dest, part.Size(), string(etag))
}

func (m *Mirror) client() *http.Client {
	if m.Client != nil {
		return m.Client
	}
	return http.DefaultClient
}

func (m *Mirror) get(ctx context.Context, u string, header map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return m.client().Do(req)
}

func (m *Mirror) fresh(ctx context.Context, u, dest string) error {
	resp, err := m.get(ctx, u, nil)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(resp.Body.Close)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetching %s: unexpected status %s", u, resp.Status)
	}

	etag := resp.Header.Get("Etag")
	if resp.Header.Get("Accept-Ranges") != "bytes" || etag == "" {
		m.Logger.Debugw("server cannot resume, downloading whole file", "url", u)
		return m.copyTo(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, resp.Body)
	}
	if err := os.WriteFile(dest+etagSuffix, []byte(etag), 0o600); err != nil {
		return err
	}
	if err := m.copyTo(dest+partSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, resp.Body); err != nil {
		return err
	}
	return m.finish(dest, true)
}

func (m *Mirror) resume(ctx context.Context, u, dest string, have int64, etag string) error {
	m.Logger.Debugw("resuming download", "url", u, "have", have)
	resp, err := m.get(ctx, u, map[string]string{
		"Range":    "bytes=" + strconv.FormatInt(have, 10) + "-",
		"If-Match": etag,
	})
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(resp.Body.Close)

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK, http.StatusPreconditionFailed, http.StatusRequestedRangeNotSatisfiable:
		// the range was ignored or the resource changed
		m.Logger.Debugw("cannot resume, starting over", "url", u, "status", resp.Status)
		if err := m.finish(dest, false); err != nil {
			return err
		}
		return m.fresh(ctx, u, dest)
	default:
		return errors.Errorf("resuming %s: unexpected status %s", u, resp.Status)
	}

	if err := m.copyTo(dest+partSuffix, os.O_APPEND|os.O_WRONLY, resp.Body); err != nil {
		return err
	}
	return m.finish(dest, true)
}

func (m *Mirror) copyTo(path string, flag int, body io.Reader) (err error) {
	//nolint:gosec
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	if m.readLimit > 0 {
		if _, err := io.CopyN(f, body, m.readLimit); err != nil {
			return err
		}
		return errStopped
	}
	_, err = io.Copy(f, body)
	return err
}

// finish moves a complete part file into place, or drops an unusable one, and forgets its ETag.
func (m *Mirror) finish(dest string, complete bool) error {
	var err error
	if complete {
		err = os.Rename(dest+partSuffix, dest)
	} else if rmErr := os.Remove(dest + partSuffix); rmErr != nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	if rmErr := os.Remove(dest + etagSuffix); rmErr != nil && !os.IsNotExist(rmErr) {
		err = multierr.Combine(err, rmErr)
	}
	return err
}
