package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Asset is one output artifact of a build.
type Asset struct {
	Name    string
	Emitted bool
	Path    string
}

type BuildResult struct {
	ID        string
	HasErrors bool
	Errors    []string
	Assets    []Asset
	OutputDir string
}

// AssetNames returns the asset names in build order.
func (r BuildResult) AssetNames() []string {
	names := make([]string, 0, len(r.Assets))
	for _, a := range r.Assets {
		names = append(names, a.Name)
	}
	return names
}

func (r BuildResult) Asset(name string) (Asset, bool) {
	for _, a := range r.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// Host is the build tool a plugin attaches to. TapWatchRun callbacks fire
// before every watch-mode build; TapDone callbacks fire after every build.
type Host interface {
	TapWatchRun(name string, fn func())
	TapDone(name string, fn func(BuildResult))
}

type BuildRequest struct {
	Reason string
	Paths  []string
}

const (
	StdioInherit = "inherit"
	StdioIgnore  = "ignore"
	StdioPipe    = "pipe"
)

type SpawnOptions struct {
	Cwd             string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Stdio           string            `json:"stdio,omitempty" yaml:"stdio,omitempty"`
	InterpreterArgs []string          `json:"interpreter_args,omitempty" yaml:"interpreter_args,omitempty"`
}

type EventKind string

const (
	EventBuildStarted     EventKind = "build.started"
	EventBuildFinished    EventKind = "build.finished"
	EventScriptStarted    EventKind = "script.started"
	EventScriptRestarting EventKind = "script.restarting"
	EventScriptExited     EventKind = "script.exited"
	EventScriptError      EventKind = "script.error"
	EventResolveFailed    EventKind = "resolve.failed"
)

type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	BuildID string    `json:"build_id,omitempty"`
	Script  string    `json:"script,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// NewEvent stamps a fresh event with a ULID and the current UTC time.
func NewEvent(kind EventKind) Event {
	return Event{ID: ulid.Make().String(), Kind: kind, At: time.Now().UTC()}
}

// NewID returns a sortable unique identifier.
func NewID() string {
	return ulid.Make().String()
}

type Observer interface {
	Observe(Event)
}

// Observers fans one event out to several observers.
type Observers []Observer

func (o Observers) Observe(ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ev)
		}
	}
}

type ProcessState string

const (
	ProcessIdle        ProcessState = "idle"
	ProcessRunning     ProcessState = "running"
	ProcessTerminating ProcessState = "terminating"
)

type Status struct {
	WatchMode        bool         `json:"watch_mode"`
	FirstInvocation  bool         `json:"first_invocation"`
	HadErrorsLastRun bool         `json:"had_errors_last_run"`
	ScriptName       string       `json:"script_name,omitempty"`
	ScriptPath       string       `json:"script_path,omitempty"`
	Process          ProcessState `json:"process"`
	PID              int          `json:"pid,omitempty"`
	LastBuildID      string       `json:"last_build_id,omitempty"`
}
