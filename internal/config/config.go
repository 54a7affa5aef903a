package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"noderun/internal/domain"
)

const DefaultPath = "noderun.yaml"

type Config struct {
	Plugin  PluginOptions `json:"plugin" yaml:"plugin"`
	Build   BuildConfig   `json:"build" yaml:"build"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Status  StatusConfig  `json:"status" yaml:"status"`
}

// PluginOptions is the plugin configuration as written by the user. Nil
// pointers mean "use the default".
type PluginOptions struct {
	ScriptToRun         string              `json:"script_to_run,omitempty" yaml:"script_to_run,omitempty"`
	ScriptsToWatch      []string            `json:"scripts_to_watch,omitempty" yaml:"scripts_to_watch,omitempty"`
	RunOnlyOnChanges    *bool               `json:"run_only_on_changes,omitempty" yaml:"run_only_on_changes,omitempty"`
	RunOnlyInWatchMode  *bool               `json:"run_only_in_watch_mode,omitempty" yaml:"run_only_in_watch_mode,omitempty"`
	RunOnlyInNormalMode *bool               `json:"run_only_in_normal_mode,omitempty" yaml:"run_only_in_normal_mode,omitempty"`
	IgnoreErrors        *bool               `json:"ignore_errors,omitempty" yaml:"ignore_errors,omitempty"`
	Interpreter         string              `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	ExtraProcessArgs    []string            `json:"extra_process_args,omitempty" yaml:"extra_process_args,omitempty"`
	Spawn               domain.SpawnOptions `json:"spawn,omitempty" yaml:"spawn,omitempty"`
}

// PluginSettings is PluginOptions merged over the defaults. It does not
// change after the plugin is constructed.
type PluginSettings struct {
	ScriptToRun         string
	ScriptsToWatch      []string
	RunOnlyOnChanges    bool
	RunOnlyInWatchMode  bool
	RunOnlyInNormalMode bool
	IgnoreErrors        bool
	Interpreter         string
	ExtraProcessArgs    []string
	Spawn               domain.SpawnOptions
}

type BuildConfig struct {
	Command   string      `json:"command,omitempty" yaml:"command,omitempty"`
	Dir       string      `json:"dir,omitempty" yaml:"dir,omitempty"`
	OutputDir string      `json:"output_dir" yaml:"output_dir"`
	Include   []string    `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude   []string    `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	TimeoutMS int         `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Watch     WatchConfig `json:"watch" yaml:"watch"`
}

type WatchConfig struct {
	Paths      []string `json:"paths,omitempty" yaml:"paths,omitempty"`
	Ignore     []string `json:"ignore,omitempty" yaml:"ignore,omitempty"`
	DebounceMS int      `json:"debounce_ms,omitempty" yaml:"debounce_ms,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Color  string `json:"color" yaml:"color"`
}

type StorageConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`
}

type StatusConfig struct {
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
}

func Default() Config {
	return Config{
		Build: BuildConfig{
			OutputDir: "dist",
			Include:   []string{"**"},
			Watch: WatchConfig{
				Paths:      []string{"."},
				Ignore:     []string{".git/**", "node_modules/**", ".noderun/**"},
				DebounceMS: 200,
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Color: "auto"},
		Storage: StorageConfig{Enabled: false, SQLitePath: filepath.Join(".noderun", "history.db")},
	}
}

// Starter is the configuration written by `noderun config init`: the
// defaults with every plugin option spelled out.
func Starter() Config {
	cfg := Default()
	s := DefaultPluginSettings()
	cfg.Plugin = PluginOptions{
		RunOnlyOnChanges:    boolPtr(s.RunOnlyOnChanges),
		RunOnlyInWatchMode:  boolPtr(s.RunOnlyInWatchMode),
		RunOnlyInNormalMode: boolPtr(s.RunOnlyInNormalMode),
		IgnoreErrors:        boolPtr(s.IgnoreErrors),
		Interpreter:         s.Interpreter,
		Spawn:               domain.SpawnOptions{Stdio: s.Spawn.Stdio},
	}
	return cfg
}

func DefaultPluginSettings() PluginSettings {
	return PluginSettings{
		RunOnlyOnChanges:    true,
		RunOnlyInWatchMode:  false,
		RunOnlyInNormalMode: false,
		IgnoreErrors:        false,
		Interpreter:         "node",
		ExtraProcessArgs:    []string{},
		Spawn:               domain.SpawnOptions{Stdio: domain.StdioInherit},
	}
}

// Resolve merges the options over DefaultPluginSettings. A nil receiver
// yields the defaults.
func (o *PluginOptions) Resolve() PluginSettings {
	s := DefaultPluginSettings()
	if o == nil {
		return s
	}
	s.ScriptToRun = strings.TrimSpace(o.ScriptToRun)
	if len(o.ScriptsToWatch) > 0 {
		s.ScriptsToWatch = append([]string(nil), o.ScriptsToWatch...)
	}
	if o.RunOnlyOnChanges != nil {
		s.RunOnlyOnChanges = *o.RunOnlyOnChanges
	}
	if o.RunOnlyInWatchMode != nil {
		s.RunOnlyInWatchMode = *o.RunOnlyInWatchMode
	}
	if o.RunOnlyInNormalMode != nil {
		s.RunOnlyInNormalMode = *o.RunOnlyInNormalMode
	}
	if o.IgnoreErrors != nil {
		s.IgnoreErrors = *o.IgnoreErrors
	}
	if v := strings.TrimSpace(o.Interpreter); v != "" {
		s.Interpreter = v
	}
	if len(o.ExtraProcessArgs) > 0 {
		s.ExtraProcessArgs = append([]string{}, o.ExtraProcessArgs...)
	}
	s.Spawn.Cwd = strings.TrimSpace(o.Spawn.Cwd)
	if v := strings.ToLower(strings.TrimSpace(o.Spawn.Stdio)); v != "" {
		s.Spawn.Stdio = v
	}
	if len(o.Spawn.Env) > 0 {
		s.Spawn.Env = make(map[string]string, len(o.Spawn.Env))
		for k, v := range o.Spawn.Env {
			s.Spawn.Env[k] = v
		}
	}
	if len(o.Spawn.InterpreterArgs) > 0 {
		s.Spawn.InterpreterArgs = append([]string(nil), o.Spawn.InterpreterArgs...)
	}
	return s
}

// Load reads a YAML or JSON config file (chosen by extension), validates it
// against the embedded schema, applies environment overrides and validates
// the result. An empty path yields the defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		isJSON := strings.EqualFold(filepath.Ext(path), ".json")
		if err := checkSchema(b, isJSON); err != nil {
			return Config{}, err
		}
		if isJSON {
			err = decodeJSONStrict(b, &cfg)
		} else {
			err = decodeYAMLStrict(b, &cfg)
		}
		if err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	overrideEnv(&cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, or JSON when path ends in .json.
func Save(path string, cfg Config) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Normalize canonicalizes config values so validation and runtime logic
// operate on stable representations.
func (c *Config) Normalize() {
	c.Plugin.ScriptToRun = strings.TrimSpace(c.Plugin.ScriptToRun)
	c.Plugin.ScriptsToWatch = trimNonEmpty(c.Plugin.ScriptsToWatch)
	c.Plugin.Interpreter = strings.TrimSpace(c.Plugin.Interpreter)
	c.Plugin.Spawn.Stdio = strings.ToLower(strings.TrimSpace(c.Plugin.Spawn.Stdio))
	c.Build.Command = strings.TrimSpace(c.Build.Command)
	c.Build.OutputDir = strings.TrimSpace(c.Build.OutputDir)
	c.Build.Include = trimNonEmpty(c.Build.Include)
	if len(c.Build.Include) == 0 {
		c.Build.Include = []string{"**"}
	}
	c.Build.Exclude = trimNonEmpty(c.Build.Exclude)
	c.Build.Watch.Paths = trimNonEmpty(c.Build.Watch.Paths)
	c.Build.Watch.Ignore = trimNonEmpty(c.Build.Watch.Ignore)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Color = strings.ToLower(strings.TrimSpace(c.Logging.Color))
	if c.Logging.Color == "" {
		c.Logging.Color = "auto"
	}
	c.Logging.Path = strings.TrimSpace(c.Logging.Path)
	c.Storage.SQLitePath = strings.TrimSpace(c.Storage.SQLitePath)
	c.Status.ListenAddr = strings.TrimSpace(c.Status.ListenAddr)
}

func (c Config) Validate() error {
	switch c.Plugin.Spawn.Stdio {
	case "", domain.StdioInherit, domain.StdioIgnore, domain.StdioPipe:
	default:
		return fmt.Errorf("plugin.spawn.stdio must be one of [inherit ignore pipe]: got %q", c.Plugin.Spawn.Stdio)
	}
	if c.Build.OutputDir == "" {
		return errors.New("build.output_dir is required")
	}
	for _, group := range [][]string{c.Build.Include, c.Build.Exclude, c.Build.Watch.Ignore} {
		for _, p := range group {
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("invalid glob pattern %q", p)
			}
		}
	}
	if c.Build.TimeoutMS < 0 {
		return errors.New("build.timeout_ms must be >= 0")
	}
	if c.Build.Watch.DebounceMS < 0 {
		return errors.New("build.watch.debounce_ms must be >= 0")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	validColors := map[string]bool{"auto": true, "always": true, "never": true}
	if !validColors[c.Logging.Color] {
		return fmt.Errorf("invalid logging.color %q: expected one of [auto always never]", c.Logging.Color)
	}
	if c.Storage.Enabled && c.Storage.SQLitePath == "" {
		return errors.New("storage.sqlite_path is required when storage.enabled=true")
	}
	return nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func overrideEnv(cfg *Config) {
	if v := os.Getenv("NODERUN_SCRIPT_TO_RUN"); v != "" {
		cfg.Plugin.ScriptToRun = v
	}
	if v := os.Getenv("NODERUN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NODERUN_STATUS_ADDR"); v != "" {
		cfg.Status.ListenAddr = v
	}
	if v := os.Getenv("NODERUN_DB_PATH"); v != "" {
		cfg.Storage.Enabled = true
		cfg.Storage.SQLitePath = v
	}
}

func trimNonEmpty(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		if trim := strings.TrimSpace(item); trim != "" {
			out = append(out, trim)
		}
	}
	return out
}

func boolPtr(v bool) *bool { return &v }
