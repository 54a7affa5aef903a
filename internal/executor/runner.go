package executor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"noderun/internal/domain"
)

const DefaultInterpreter = "node"

// Runner spawns scripts as OS processes.
type Runner struct {
	// Stdout and Stderr default to the parent's streams.
	Stdout io.Writer
	Stderr io.Writer
	// WaitDelay bounds how long Wait blocks on output after the process
	// exits.
	WaitDelay time.Duration
}

// BuildCommand returns the interpreter argv for s.
func (r Runner) BuildCommand(s Script) []string {
	interp := s.Interpreter
	if interp == "" {
		interp = DefaultInterpreter
	}
	args := make([]string, 0, 2+len(s.Spawn.InterpreterArgs)+len(s.Args))
	args = append(args, interp)
	args = append(args, s.Spawn.InterpreterArgs...)
	args = append(args, s.Path)
	args = append(args, s.Args...)
	return args
}

func (r Runner) Spawn(s Script) (Handle, error) {
	args := r.BuildCommand(s)
	if s.Path == "" {
		return nil, fmt.Errorf("empty script path for %s", s.Name)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = s.Spawn.Cwd
	cmd.Env = mergeEnv(os.Environ(), s.Spawn.Env)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	stdout, stderr := r.Stdout, r.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	var writers []*prefixWriter
	switch s.Spawn.Stdio {
	case domain.StdioIgnore:
	case domain.StdioPipe:
		// exec copies into non-file writers itself, so WaitDelay bounds the
		// copy when a grandchild keeps the pipe open.
		mu := &sync.Mutex{}
		prefix := "[" + s.Name + "] "
		outW := &prefixWriter{mu: mu, w: stdout, prefix: prefix}
		errW := &prefixWriter{mu: mu, w: stderr, prefix: prefix}
		cmd.Stdout, cmd.Stderr = outW, errW
		writers = []*prefixWriter{outW, errW}
	default:
		cmd.Stdin = os.Stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	h := &processHandle{cmd: cmd, pid: cmd.Process.Pid, writers: writers, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

type processHandle struct {
	cmd     *exec.Cmd
	pid     int
	writers []*prefixWriter

	mu        sync.Mutex
	exited    bool
	err       error
	callbacks []func(error)
	done      chan struct{}
}

func (h *processHandle) PID() int { return h.pid }

func (h *processHandle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) OnClose(fn func(error)) {
	h.mu.Lock()
	if h.exited {
		err := h.err
		h.mu.Unlock()
		go fn(err)
		return
	}
	h.callbacks = append(h.callbacks, fn)
	h.mu.Unlock()
}

func (h *processHandle) Kill() error {
	killTree(int32(h.pid))
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()
	for _, w := range h.writers {
		w.flush()
	}

	h.mu.Lock()
	h.exited = true
	h.err = err
	cbs := h.callbacks
	h.callbacks = nil
	h.mu.Unlock()

	for _, fn := range cbs {
		fn(err)
	}
	close(h.done)
}

// maxLine caps a buffered partial line; longer output is written in pieces.
const maxLine = 1024 * 1024

// prefixWriter writes every complete line with prefix. mu is shared by the
// stdout and stderr writers of one process so lines never interleave.
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	buf    []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	start := 0
	for {
		i := bytes.IndexByte(p.buf[start:], '\n')
		if i < 0 {
			break
		}
		p.line(p.buf[start : start+i])
		start += i + 1
	}
	p.buf = append(p.buf[:0], p.buf[start:]...)
	if len(p.buf) >= maxLine {
		p.flush()
	}
	return len(b), nil
}

// flush writes a trailing partial line.
func (p *prefixWriter) flush() {
	if len(p.buf) == 0 {
		return
	}
	p.line(p.buf)
	p.buf = p.buf[:0]
}

func (p *prefixWriter) line(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, p.prefix+string(b)+"\n")
}

// killTree kills every descendant of pid, deepest first. The process itself
// is left to the caller.
func killTree(pid int32) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		killTree(c.Pid)
		_ = c.Kill()
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
