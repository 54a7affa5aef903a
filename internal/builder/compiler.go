package builder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"noderun/internal/config"
	"noderun/internal/domain"
)

type Options struct {
	// Command is a shell command that produces the output directory. When
	// empty the output directory is only scanned.
	Command   string
	Dir       string
	OutputDir string
	Include   []string
	Exclude   []string
	Timeout   time.Duration

	WatchPaths  []string
	WatchIgnore []string
	Debounce    time.Duration

	Stdout io.Writer
	Stderr io.Writer
}

func OptionsFromConfig(cfg config.BuildConfig) Options {
	return Options{
		Command:     cfg.Command,
		Dir:         cfg.Dir,
		OutputDir:   cfg.OutputDir,
		Include:     cfg.Include,
		Exclude:     cfg.Exclude,
		Timeout:     time.Duration(cfg.TimeoutMS) * time.Millisecond,
		WatchPaths:  cfg.Watch.Paths,
		WatchIgnore: cfg.Watch.Ignore,
		Debounce:    time.Duration(cfg.Watch.DebounceMS) * time.Millisecond,
	}
}

type watchRunTap struct {
	name string
	fn   func()
}

type doneTap struct {
	name string
	fn   func(domain.BuildResult)
}

// Compiler runs builds and reports them to registered taps. It is the host
// the plugin attaches to.
type Compiler struct {
	opts     Options
	observer domain.Observer

	mu       sync.Mutex
	watchRun []watchRunTap
	done     []doneTap
	hashes   map[string][]byte
}

func New(opts Options, observer domain.Observer) *Compiler {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "dist"
	}
	if len(opts.Include) == 0 {
		opts.Include = []string{"**"}
	}
	if len(opts.WatchPaths) == 0 {
		opts.WatchPaths = []string{"."}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stderr
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Compiler{opts: opts, observer: observer}
}

func (c *Compiler) TapWatchRun(name string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchRun = append(c.watchRun, watchRunTap{name: name, fn: fn})
}

func (c *Compiler) TapDone(name string, fn func(domain.BuildResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = append(c.done, doneTap{name: name, fn: fn})
}

// OutputDir returns the output directory resolved against Dir as an
// absolute path, so asset paths stay valid under any child cwd.
func (c *Compiler) OutputDir() string {
	dir := c.opts.OutputDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.opts.Dir, dir)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

// Run performs one build and fires the done taps.
func (c *Compiler) Run(ctx context.Context) domain.BuildResult {
	result := c.Build(ctx, domain.BuildRequest{Reason: "run"})
	c.fireDone(result)
	return result
}

// Build performs one build without firing taps.
func (c *Compiler) Build(ctx context.Context, req domain.BuildRequest) domain.BuildResult {
	result := domain.BuildResult{ID: domain.NewID(), OutputDir: c.OutputDir()}
	started := time.Now()
	c.emit(domain.EventBuildStarted, result.ID, req.Reason)
	slog.Debug("build started", "build_id", result.ID, "reason", req.Reason, "paths", len(req.Paths))

	if c.opts.Command != "" {
		if err := c.runCommand(ctx); err != nil {
			result.HasErrors = true
			result.Errors = append(result.Errors, err.Error())
		}
	}

	c.mu.Lock()
	prev := c.hashes
	c.mu.Unlock()
	assets, hashes, err := scanOutput(result.OutputDir, c.opts.Include, c.opts.Exclude, prev)
	if err != nil {
		result.HasErrors = true
		result.Errors = append(result.Errors, err.Error())
	} else {
		c.mu.Lock()
		c.hashes = hashes
		c.mu.Unlock()
	}
	result.Assets = assets

	emitted := 0
	for _, a := range assets {
		if a.Emitted {
			emitted++
		}
	}
	msg := fmt.Sprintf("%d assets, %d emitted", len(assets), emitted)
	if result.HasErrors {
		msg += "; errors: " + strings.Join(result.Errors, "; ")
	}
	c.emit(domain.EventBuildFinished, result.ID, msg)
	slog.Info("build finished",
		"build_id", result.ID,
		"assets", len(assets),
		"emitted", emitted,
		"has_errors", result.HasErrors,
		"duration", time.Since(started).Round(time.Millisecond),
	)
	return result
}

func (c *Compiler) runCommand(ctx context.Context) error {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", c.opts.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", c.opts.Command)
	}
	cmd.Dir = c.opts.Dir
	cmd.Stdout = c.opts.Stdout
	cmd.Stderr = c.opts.Stderr
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build command failed: %w", err)
	}
	return nil
}

func (c *Compiler) fireWatchRun() {
	c.mu.Lock()
	taps := append([]watchRunTap(nil), c.watchRun...)
	c.mu.Unlock()
	for _, t := range taps {
		t.fn()
	}
}

func (c *Compiler) fireDone(result domain.BuildResult) {
	c.mu.Lock()
	taps := append([]doneTap(nil), c.done...)
	c.mu.Unlock()
	for _, t := range taps {
		t.fn(result)
	}
}

func (c *Compiler) emit(kind domain.EventKind, buildID, msg string) {
	if c.observer == nil {
		return
	}
	ev := domain.NewEvent(kind)
	ev.BuildID = buildID
	ev.Message = msg
	c.observer.Observe(ev)
}
