package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"noderun/internal/domain"
)

// ControlError is a failed spawn or kill.
type ControlError struct {
	Op   string
	Name string
	Err  error
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *ControlError) Unwrap() error { return e.Err }

// ProcessManager owns at most one child process. A restart kills the
// running child and spawns the replacement only after the old one closed.
type ProcessManager struct {
	spawner  Spawner
	notify   Notifier
	observer domain.Observer
	report   func(error)

	mu      sync.Mutex
	handle  Handle
	state   domain.ProcessState
	current Script
	pending Script
	stopped bool
}

func NewProcessManager(spawner Spawner, notify Notifier, observer domain.Observer) *ProcessManager {
	pm := &ProcessManager{
		spawner:  spawner,
		notify:   notify,
		observer: observer,
		state:    domain.ProcessIdle,
	}
	pm.report = pm.logError
	return pm
}

// Run starts script, or restarts the current child with it.
func (pm *ProcessManager) Run(script Script) {
	pm.mu.Lock()
	if pm.stopped {
		pm.mu.Unlock()
		return
	}

	if pm.state == domain.ProcessTerminating {
		// The close continuation is already registered; it picks up the
		// latest target.
		pm.pending = script
		old := pm.handle
		pm.mu.Unlock()
		pm.notify.Info("Restarting node script: " + script.Name)
		if old == nil || !old.Connected() {
			pm.emit(domain.EventScriptRestarting, script, 0, "")
			return
		}
		pm.emit(domain.EventScriptRestarting, script, old.PID(), "")
		// The previous kill may have failed; send it again.
		if err := old.Kill(); err != nil {
			pm.report(&ControlError{Op: "kill", Name: script.Name, Err: err})
		}
		return
	}

	if pm.handle != nil && pm.handle.Connected() {
		old := pm.handle
		pm.state = domain.ProcessTerminating
		pm.pending = script
		pm.mu.Unlock()

		pm.notify.Info("Restarting node script: " + script.Name)
		pm.emit(domain.EventScriptRestarting, script, old.PID(), "")
		old.OnClose(func(error) { pm.respawn(old) })
		if err := old.Kill(); err != nil {
			pm.report(&ControlError{Op: "kill", Name: script.Name, Err: err})
		}
		return
	}

	pm.notify.Info("Starting node script: " + script.Name)
	h, err := pm.startLocked(script)
	pm.mu.Unlock()
	pm.started(script, h, err)
}

func (pm *ProcessManager) respawn(old Handle) {
	pm.mu.Lock()
	if pm.handle != old {
		pm.mu.Unlock()
		return
	}
	if pm.stopped {
		pm.handle = nil
		pm.state = domain.ProcessIdle
		pm.mu.Unlock()
		return
	}
	script := pm.pending
	h, err := pm.startLocked(script)
	pm.mu.Unlock()
	pm.started(script, h, err)
}

// startLocked spawns script and installs the handle. pm.mu must be held.
func (pm *ProcessManager) startLocked(script Script) (Handle, error) {
	h, err := pm.spawner.Spawn(script)
	if err != nil {
		pm.handle = nil
		pm.state = domain.ProcessIdle
		return nil, &ControlError{Op: "spawn", Name: script.Name, Err: err}
	}
	pm.handle = h
	pm.current = script
	pm.state = domain.ProcessRunning
	return h, nil
}

func (pm *ProcessManager) started(script Script, h Handle, err error) {
	if err != nil {
		pm.report(err)
		return
	}
	pm.emit(domain.EventScriptStarted, script, h.PID(), "")
	h.OnClose(func(err error) { pm.exited(h, script, err) })
}

func (pm *ProcessManager) exited(h Handle, script Script, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	pm.mu.Lock()
	if pm.handle == h && pm.state == domain.ProcessRunning {
		pm.state = domain.ProcessIdle
	}
	pm.mu.Unlock()
	slog.Debug("script exited", "script", script.Name, "pid", h.PID(), "error", msg)
	pm.emit(domain.EventScriptExited, script, h.PID(), msg)
}

// State reports the lifecycle state. An exited child counts as idle.
func (pm *ProcessManager) State() domain.ProcessState {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.state == domain.ProcessRunning && (pm.handle == nil || !pm.handle.Connected()) {
		return domain.ProcessIdle
	}
	return pm.state
}

// PID returns the pid of the current child, or 0.
func (pm *ProcessManager) PID() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.handle == nil || !pm.handle.Connected() {
		return 0
	}
	return pm.handle.PID()
}

// Wait blocks until no child is running and no restart is pending.
func (pm *ProcessManager) Wait(ctx context.Context) error {
	for {
		pm.mu.Lock()
		h := pm.handle
		pm.mu.Unlock()
		if h == nil {
			return nil
		}
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		pm.mu.Lock()
		same := pm.handle == h
		pm.mu.Unlock()
		if same {
			return nil
		}
	}
}

// Stop kills the current child and prevents further starts. It returns
// when the child exited or ctx is done.
func (pm *ProcessManager) Stop(ctx context.Context) error {
	pm.mu.Lock()
	pm.stopped = true
	h := pm.handle
	name := pm.current.Name
	pm.mu.Unlock()
	if h == nil || !h.Connected() {
		return nil
	}
	if err := h.Kill(); err != nil {
		pm.report(&ControlError{Op: "kill", Name: name, Err: err})
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pm *ProcessManager) emit(kind domain.EventKind, script Script, pid int, msg string) {
	if pm.observer == nil {
		return
	}
	ev := domain.NewEvent(kind)
	ev.BuildID = script.BuildID
	ev.Script = script.Name
	ev.PID = pid
	ev.Message = msg
	pm.observer.Observe(ev)
}

func (pm *ProcessManager) logError(err error) {
	slog.Error("process control failed", "error", err)
	if pm.observer == nil {
		return
	}
	ev := domain.NewEvent(domain.EventScriptError)
	ev.Message = err.Error()
	if ce, ok := err.(*ControlError); ok {
		ev.Script = ce.Name
	}
	pm.observer.Observe(ev)
}
