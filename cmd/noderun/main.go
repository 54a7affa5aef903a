package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"noderun/internal/builder"
	"noderun/internal/config"
	"noderun/internal/domain"
	"noderun/internal/executor"
	"noderun/internal/logging"
	"noderun/internal/plugin"
	"noderun/internal/store"
	"noderun/internal/stream"
	statushttp "noderun/internal/transport/http"

	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var version = "0.1.0"

const stopTimeout = 10 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "noderun",
		Usage: "Build a Node project and keep its entry script running",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file (YAML or JSON)",
				Value:   config.DefaultPath,
				EnvVars: []string{"NODERUN_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override logging.level",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Build once, start the script and wait for it to exit",
				Action: runRunCommand,
			},
			{
				Name:   "watch",
				Usage:  "Rebuild on changes and restart the script after each build",
				Action: runWatchCommand,
			},
			{
				Name:  "history",
				Usage: "Print recent events from the journal",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "number of events"},
					&cli.StringFlag{Name: "build", Usage: "only events of this build id"},
					&cli.BoolFlag{Name: "json", Usage: "print JSON lines"},
				},
				Action: runHistoryCommand,
			},
			{
				Name:  "config",
				Usage: "Manage the config file",
				Subcommands: []*cli.Command{
					{
						Name:  "init",
						Usage: "Write a starter config file",
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
						},
						Action: runConfigInitCommand,
					},
					{Name: "validate", Usage: "Check the config file", Action: runConfigValidateCommand},
					{Name: "show", Usage: "Print the effective config", Action: runConfigShowCommand},
					{Name: "schema", Usage: "Print the config JSON schema", Action: runConfigSchemaCommand},
				},
			},
			{
				Name:   "version",
				Usage:  "Show noderun version",
				Action: runVersionCommand,
			},
		},
	}
}

func runRunCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	result := e.compiler.Run(ctx)
	if err := e.procs.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if ctx.Err() != nil {
		return e.shutdown()
	}
	if result.HasErrors {
		return cli.Exit("build finished with errors", 1)
	}
	return nil
}

func runWatchCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.compiler.Watch(gctx) })
	if addr := cfg.Status.ListenAddr; addr != "" {
		var history statushttp.History
		if e.store != nil {
			history = e.store
		}
		srv := statushttp.NewServer(addr, e.plugin, e.hub, history)
		g.Go(func() error { return srv.Start(gctx) })
	}
	err = g.Wait()
	if serr := e.shutdown(); err == nil {
		err = serr
	}
	return err
}

func runHistoryCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if !cfg.Storage.Enabled {
		return cli.Exit("journal disabled: set storage.enabled or NODERUN_DB_PATH", 1)
	}
	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer st.Close()

	var events []domain.Event
	if id := c.String("build"); id != "" {
		events, err = st.BuildEvents(c.Context, id)
	} else {
		events, err = st.RecentEvents(c.Context, c.Int("limit"))
	}
	if err != nil {
		return err
	}
	return printEvents(c.App.Writer, events, c.Bool("json"))
}

func printEvents(w io.Writer, events []domain.Event, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-18s", ev.At.Local().Format(time.DateTime), ev.Kind)
		if ev.BuildID != "" {
			line += "  build=" + ev.BuildID
		}
		if ev.Script != "" {
			line += "  script=" + ev.Script
		}
		if ev.PID != 0 {
			line += fmt.Sprintf("  pid=%d", ev.PID)
		}
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func runConfigInitCommand(c *cli.Context) error {
	path := c.String("config")
	if fileExists(path) && !c.Bool("force") {
		return fmt.Errorf("config already exists: %s (use --force to overwrite)", path)
	}
	if err := config.Save(path, config.Starter()); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Config written: %s\n", path)
	return nil
}

func runConfigValidateCommand(c *cli.Context) error {
	path := c.String("config")
	if !fileExists(path) {
		return fmt.Errorf("config not found: %s", path)
	}
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Config OK: %s\n", path)
	return nil
}

func runConfigShowCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = c.App.Writer.Write(out)
	return err
}

func runConfigSchemaCommand(c *cli.Context) error {
	fmt.Fprintln(c.App.Writer, config.Schema())
	return nil
}

func runVersionCommand(c *cli.Context) error {
	fmt.Fprintln(c.App.Writer, version)
	return nil
}

// loadConfig reads the --config file. The default path may be absent, in
// which case the built-in defaults apply; an explicit path must exist.
func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String("config")
	if !fileExists(path) {
		if c.IsSet("config") {
			return config.Config{}, fmt.Errorf("config not found: %s", path)
		}
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// engine is the wired set of components shared by run and watch.
type engine struct {
	hub      *stream.Broadcaster
	store    *store.SQLiteStore
	procs    *executor.ProcessManager
	plugin   *plugin.Plugin
	compiler *builder.Compiler
	closers  []io.Closer
}

func newEngine(cfg config.Config) (*engine, error) {
	logger, logCloser, err := logging.Open(cfg.Logging.Level, logging.Format(cfg.Logging.Format), cfg.Logging.Path)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	e := &engine{closers: []io.Closer{logCloser}}

	e.hub = stream.NewBroadcaster(64)
	observers := domain.Observers{e.hub}
	if cfg.Storage.Enabled {
		st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.store = st
		e.closers = append(e.closers, st)
		observers = append(observers, st)
	}

	console := logging.Stdout(logging.ParseColorMode(cfg.Logging.Color))
	e.procs = executor.NewProcessManager(executor.Runner{}, console, observers)
	e.plugin = plugin.New(&cfg.Plugin, console, e.procs, observers)
	e.compiler = builder.New(builder.OptionsFromConfig(cfg.Build), observers)
	e.plugin.Apply(e.compiler)

	slog.Debug("noderun configured",
		"output_dir", e.compiler.OutputDir(),
		"command", cfg.Build.Command,
		"journal", cfg.Storage.Enabled,
	)
	return e, nil
}

// shutdown stops the child process and waits for it to exit.
func (e *engine) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := e.procs.Stop(ctx); err != nil {
		return fmt.Errorf("stop script: %w", err)
	}
	return nil
}

func (e *engine) Close() {
	e.hub.Close()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
