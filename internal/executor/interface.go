package executor

import (
	"noderun/internal/domain"
)

// Script is one resolved run target.
type Script struct {
	Name        string
	Path        string
	BuildID     string
	Interpreter string
	Args        []string
	Spawn       domain.SpawnOptions
}

// Handle is a started child process.
type Handle interface {
	PID() int
	// Connected reports whether the process has not exited yet.
	Connected() bool
	// Kill forcefully terminates the process and its descendants.
	Kill() error
	// OnClose registers fn to run once after the process exits. If it has
	// already exited fn runs immediately on its own goroutine.
	OnClose(fn func(err error))
	// Done is closed after the process exited and all OnClose callbacks ran.
	Done() <-chan struct{}
}

type Spawner interface {
	Spawn(Script) (Handle, error)
}

// Notifier receives the start and restart notices.
type Notifier interface {
	Info(msg string)
}
