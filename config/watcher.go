package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/pointstream/lod"
	"go.viam.com/pointstream/logging"
	"go.viam.com/pointstream/utils"
)

// LODWatcher keeps a lod.SharedSettings in sync with the "lod" section of a config file. A
// change that does not parse or validate is logged and the previous settings stay in effect.
type LODWatcher struct {
	path     string
	settings *lod.SharedSettings
	watcher  *fsnotify.Watcher
	workers  *utils.StoppableWorkers
	reloads  atomic.Uint64
	logger   logging.Logger

	debounced func(func())
	pending   chan struct{}
}

// reloadDelay coalesces the bursts of events a single save produces.
const reloadDelay = 25 * time.Millisecond

// WatchLODSettings reads the LOD settings from the config at path and reloads them whenever the
// file is written or replaced, until ctx is done or the watcher is closed.
func WatchLODSettings(ctx context.Context, path string, logger logging.Logger) (*LODWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Read(abs)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating config watcher")
	}
	// editors and atomic writers replace the file, so watch its directory
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "watching %s", filepath.Dir(abs)), fw.Close())
	}

	w := &LODWatcher{
		path:     abs,
		settings: lod.NewSharedSettings(cfg.LOD),
		watcher:  fw,
		logger:   logger,

		debounced: debounce.New(reloadDelay),
		pending:   make(chan struct{}, 1),
	}
	w.workers = utils.NewStoppableWorkers(ctx, w.watch)
	return w, nil
}

// Settings returns the live settings.
func (w *LODWatcher) Settings() *lod.SharedSettings {
	return w.settings
}

// Reloads returns how many times new settings were applied.
func (w *LODWatcher) Reloads() uint64 {
	return w.reloads.Load()
}

// Close stops watching.
func (w *LODWatcher) Close() error {
	w.workers.Stop()
	return w.watcher.Close()
}

func (w *LODWatcher) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			w.debounced(w.schedule)
		case <-w.pending:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		}
	}
}

// schedule runs on the debounce timer and hands the reload back to the watch goroutine, which
// stops with the watcher.
func (w *LODWatcher) schedule() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

func (w *LODWatcher) reload() {
	cfg, err := Read(w.path)
	if err != nil {
		w.logger.Warnw("keeping previous lod settings", "path", w.path, "error", err)
		return
	}
	if cfg.LOD == w.settings.Load() {
		return
	}
	if err := w.settings.Store(cfg.LOD); err != nil {
		w.logger.Warnw("keeping previous lod settings", "path", w.path, "error", err)
		return
	}
	w.reloads.Inc()
	w.logger.Infow("reloaded lod settings",
		"point_budget", cfg.LOD.PointBudget,
		"minimum_node_pixel_size", cfg.LOD.MinimumNodePixelSize,
		"screen_space_error_threshold", cfg.LOD.ScreenSpaceErrorThreshold,
		"refinement", cfg.LOD.Refinement)
}
