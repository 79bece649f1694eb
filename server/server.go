// Package server serves built octrees over HTTP so viewers can fetch metadata, hierarchy and
// per node payload byte ranges.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.viam.com/utils"
	"goji.io"
	"goji.io/pat"
	"golang.org/x/time/rate"

	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/octree"
	"go.viam.com/pointstream/spatialmath"
)

// servedFiles are the only file names a scan directory exposes.
var servedFiles = map[string]string{
	octree.MetadataFile:  "application/json",
	octree.HierarchyFile: "application/octet-stream",
	octree.PayloadFile:   "application/octet-stream",
}

// ScanInfo summarizes one served scan.
type ScanInfo struct {
	Name       string `json:"name"`
	PointCount uint64 `json:"point_count"`
	Version    string `json:"version"`
	Nodes      int    `json:"nodes"`
	// Truncated is set when the hierarchy ends early; PointCount then only covers decoded nodes.
	Truncated bool `json:"truncated,omitempty"`
}

// NodeInfo describes one node of a served hierarchy, addressed by its path.
type NodeInfo struct {
	Path       string          `json:"path"`
	Level      int             `json:"level"`
	PointCount uint32          `json:"point_count"`
	ByteOffset uint64          `json:"byte_offset"`
	ByteSize   uint32          `json:"byte_size"`
	Bounds     spatialmath.Box `json:"bounds"`
	Children   []string        `json:"children"`
}

// Server exposes every octree directory under a root directory as /scans/<name>/<file>.
type Server struct {
	root    string
	mux     *goji.Mux
	limiter *rate.Limiter
	logger  logging.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit answers 429 to requests beyond perSecond, allowing bursts of up to burst
// requests. A non positive perSecond disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// New returns a server for the scans under root.
func New(root string, logger logging.Logger, opts ...Option) (*Server, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", root)
	}
	s := &Server{root: root, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	s.mux = s.initMux()
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) initMux() *goji.Mux {
	mux := goji.NewMux()
	mux.Use(s.logRequests)
	// viewers fetch byte ranges from other origins; rejections must carry CORS headers too
	mux.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedHeaders: []string{"Range", "If-Match"},
		ExposedHeaders: []string{"Content-Length", "Content-Range", "Etag", "Retry-After"},
	}).Handler)
	if s.limiter != nil {
		mux.Use(s.limit)
	}
	mux.HandleFunc(pat.Get("/healthz"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		//nolint:errcheck
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc(pat.Get("/scans"), s.listScans)
	mux.HandleFunc(pat.Get("/scans/:scan/:file"), s.serveFile)
	mux.HandleFunc(pat.Get("/scans/:scan/nodes/:node"), s.serveNode)
	return mux
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	scan, file := pat.Param(r, "scan"), pat.Param(r, "file")
	contentType, ok := servedFiles[file]
	if !ok || !validScanName(scan) {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(s.root, scan, file)
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		s.logger.Errorw("cannot open scan file", "path", path, "error", err)
		http.Error(w, "cannot open file", http.StatusInternalServerError)
		return
	}
	defer utils.UncheckedErrorFunc(f.Close)
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "cannot stat file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	// lets interrupted mirrors resume only against the same build
	w.Header().Set("Etag", fmt.Sprintf(`"%x-%x"`, info.ModTime().UnixNano(), info.Size()))
	http.ServeContent(w, r, file, info.ModTime(), f)
}

// serveNode answers with the node at a path such as r04 so a viewer can fetch its payload range
// without decoding the hierarchy itself.
func (s *Server) serveNode(w http.ResponseWriter, r *http.Request) {
	scan, path := pat.Param(r, "scan"), pat.Param(r, "node")
	if !validScanName(scan) {
		http.NotFound(w, r)
		return
	}
	h, err := octree.ReadDir(filepath.Join(s.root, scan))
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		s.logger.Errorw("cannot read hierarchy", "scan", scan, "error", err)
		http.Error(w, "cannot read hierarchy", http.StatusInternalServerError)
		return
	}
	id, err := h.Lookup(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	n, err := h.Node(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	info := NodeInfo{
		Path:       path,
		Level:      n.Level,
		PointCount: n.PointCount,
		ByteOffset: n.ByteOffset,
		ByteSize:   n.ByteSize,
		Bounds:     h.Bounds(id),
		Children:   []string{},
	}
	for _, c := range n.Children {
		if c != octree.NoNode {
			info.Children = append(info.Children, h.Path(c))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		s.logger.Debugw("writing node", "error", err)
	}
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.Scans()
	if err != nil {
		s.logger.Errorw("cannot list scans", "root", s.root, "error", err)
		http.Error(w, "cannot list scans", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(scans); err != nil {
		s.logger.Debugw("writing scan list", "error", err)
	}
}

// Scans lists the directories under the root that hold a readable octree, by name. Directories
// whose payload is shorter than their hierarchy describes are skipped.
func (s *Server) Scans() ([]ScanInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	scans := []ScanInfo{}
	for _, e := range entries {
		if !e.IsDir() || !validScanName(e.Name()) {
			continue
		}
		info, err := s.scanInfo(e.Name())
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warnw("skipping unreadable scan", "scan", e.Name(), "error", err)
			}
			continue
		}
		scans = append(scans, info)
	}
	sort.Slice(scans, func(i, j int) bool { return scans[i].Name < scans[j].Name })
	return scans, nil
}

// scanInfo reads the hierarchy of a scan and checks that the payload on disk covers every node.
func (s *Server) scanInfo(name string) (ScanInfo, error) {
	dir := filepath.Join(s.root, name)
	h, err := octree.ReadDir(dir)
	if err != nil {
		return ScanInfo{}, err
	}
	payload, err := os.Stat(filepath.Join(dir, octree.PayloadFile))
	if err != nil {
		return ScanInfo{}, err
	}
	if err := octree.ValidatePayloadRange(h, uint64(payload.Size())); err != nil {
		return ScanInfo{}, err
	}
	info := ScanInfo{Name: name, PointCount: h.Metadata().PointCount, Version: h.Metadata().Version, Nodes: h.Len()}
	if h.Truncated() {
		info.PointCount = h.TotalPoints()
		info.Truncated = true
	}
	return info, nil
}

func validScanName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debugw("request", "method", r.Method, "path", r.URL.Path, "range", r.Header.Get("Range"), "took", time.Since(start))
	})
}

// Serve accepts connections on l until ctx is done, then shuts the server down. It also returns
// when accepting fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	httpServer := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	shutdownDone := make(chan struct{})
	utils.PanicCapturingGo(func() {
		defer close(shutdownDone)
		<-ctx.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorw("error shutting down", "error", err)
		}
	})
	s.logger.Infow("serving scans", "root", s.root, "addr", l.Addr().String())
	err := httpServer.Serve(l)
	cancel()
	<-shutdownDone
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
