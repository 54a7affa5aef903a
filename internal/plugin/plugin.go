package plugin

import (
	"log/slog"
	"os"
	"sync"

	"noderun/internal/config"
	"noderun/internal/domain"
	"noderun/internal/executor"
)

// Name is the tap name registered on the host.
const Name = "noderun"

// Console receives the human-facing notices.
type Console interface {
	Info(msg string)
	Error(msg string)
}

// Processes owns the child process. *executor.ProcessManager implements it.
type Processes interface {
	Run(script executor.Script)
	State() domain.ProcessState
	PID() int
}

// Plugin decides after every build whether the pinned script should be
// started or restarted.
type Plugin struct {
	settings config.PluginSettings
	console  Console
	procs    Processes
	observer domain.Observer
	exists   func(string) bool

	mu          sync.Mutex
	state       State
	lastBuildID string
}

func New(opts *config.PluginOptions, console Console, procs Processes, observer domain.Observer) *Plugin {
	return &Plugin{
		settings: opts.Resolve(),
		console:  console,
		procs:    procs,
		observer: observer,
		exists:   fileExists,
		state:    NewState(),
	}
}

// Settings returns the merged configuration.
func (p *Plugin) Settings() config.PluginSettings {
	return p.settings
}

// Apply registers the plugin's taps on host.
func (p *Plugin) Apply(host domain.Host) {
	host.TapWatchRun(Name, p.OnWatchRun)
	host.TapDone(Name, p.OnDone)
}

// OnWatchRun marks the session as a watch session. It never resets.
func (p *Plugin) OnWatchRun() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.WatchMode = true
}

func (p *Plugin) OnDone(result domain.BuildResult) {
	p.mu.Lock()
	next, d := Decide(p.state, p.settings, result, p.exists)
	p.state = next
	p.lastBuildID = result.ID
	p.mu.Unlock()

	switch d.Outcome {
	case Skip:
		slog.Debug("script run skipped", "build_id", result.ID, "reason", d.Reason)
	case Fail:
		p.console.Error(d.Err.Error())
		slog.Debug("script resolution failed", "build_id", result.ID, "error", d.Err)
		if p.observer != nil {
			ev := domain.NewEvent(domain.EventResolveFailed)
			ev.BuildID = result.ID
			ev.Message = d.Err.Error()
			p.observer.Observe(ev)
		}
	case Run:
		p.procs.Run(executor.Script{
			Name:        next.ScriptName,
			Path:        next.ScriptPath,
			BuildID:     result.ID,
			Interpreter: p.settings.Interpreter,
			Args:        p.settings.ExtraProcessArgs,
			Spawn:       p.settings.Spawn,
		})
	}
}

// Status returns a snapshot of the plugin and its child process.
func (p *Plugin) Status() domain.Status {
	p.mu.Lock()
	st := domain.Status{
		WatchMode:        p.state.WatchMode,
		FirstInvocation:  p.state.FirstInvocation,
		HadErrorsLastRun: p.state.HadErrorsLastRun,
		ScriptName:       p.state.ScriptName,
		ScriptPath:       p.state.ScriptPath,
		LastBuildID:      p.lastBuildID,
	}
	p.mu.Unlock()
	st.Process = p.procs.State()
	st.PID = p.procs.PID()
	return st
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
