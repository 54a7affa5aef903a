package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"noderun/internal/domain"
	"noderun/internal/queue"
)

// Watch builds once, then rebuilds after every burst of changes under the
// watch paths until ctx is done. Each build fires the watch-run taps before
// it starts and the done taps after it finishes.
func (c *Compiler) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	for _, p := range c.opts.WatchPaths {
		root := p
		if !filepath.IsAbs(root) {
			root = filepath.Join(c.opts.Dir, p)
		}
		if err := c.addTree(w, root); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Warn("watch path does not exist", "path", root)
				continue
			}
			return err
		}
	}

	d := queue.NewDispatcher(c.watchBuild)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return c.watchLoop(gctx, w, d) })
	d.Enqueue(domain.BuildRequest{Reason: "initial"})
	return g.Wait()
}

func (c *Compiler) watchBuild(ctx context.Context, req domain.BuildRequest) {
	c.fireWatchRun()
	result := c.Build(ctx, req)
	if ctx.Err() != nil {
		return
	}
	c.fireDone(result)
}

func (c *Compiler) watchLoop(ctx context.Context, w *fsnotify.Watcher, d *queue.Dispatcher) error {
	var (
		mu      sync.Mutex
		pending []string
		timer   *time.Timer
	)
	flush := func() {
		mu.Lock()
		paths := pending
		pending = nil
		mu.Unlock()
		if len(paths) > 0 {
			d.Enqueue(domain.BuildRequest{Reason: "change", Paths: paths})
		}
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod || c.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := c.addTree(w, ev.Name); err != nil {
						slog.Warn("watch new directory failed", "path", ev.Name, "error", err)
					}
				}
			}
			slog.Debug("change detected", "path", ev.Name, "op", ev.Op.String())
			mu.Lock()
			pending = append(pending, ev.Name)
			if timer == nil {
				timer = time.AfterFunc(c.opts.Debounce, flush)
			} else {
				timer.Reset(c.opts.Debounce)
			}
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "error", err)
		}
	}
}

// addTree watches root and every directory below it that is not ignored.
func (c *Compiler) addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && c.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// ignored reports whether a change at path should not trigger a build. The
// output directory is ignored when a build command writes it.
func (c *Compiler) ignored(path string) bool {
	if c.opts.Command != "" && within(path, c.OutputDir()) {
		return true
	}
	rel := path
	absDir, err1 := filepath.Abs(c.opts.Dir)
	absPath, err2 := filepath.Abs(path)
	if err1 == nil && err2 == nil {
		if r, err := filepath.Rel(absDir, absPath); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	rel = filepath.ToSlash(rel)
	for _, p := range c.opts.WatchIgnore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func within(path, dir string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
