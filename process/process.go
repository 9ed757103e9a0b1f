// Package process spawns and supervises the local subprocesses that back
// stdio upstreams.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	gprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

// DefaultGracePeriod is how long Terminate waits after SIGTERM before killing.
const DefaultGracePeriod = 5 * time.Second

// Command describes a process to spawn.
type Command struct {
	Path string
	Args []string
	// Env is appended to the proxy's own environment.
	Env []string
	Dir string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// Handle is a running (or exited) child process. The stdio transport only
// ever holds a Handle; the Manager owns the process itself.
type Handle struct {
	ID      string
	PID     int
	Command Command
	Started time.Time

	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr returns the wait error after Done is closed.
func (h *Handle) ExitErr() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Manager spawns, tracks and terminates child processes.
type Manager struct {
	log   *slog.Logger
	grace time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithGracePeriod sets how long Terminate waits between SIGTERM and kill.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// GracePeriod returns how long Terminate waits between SIGTERM and kill.
func (m *Manager) GracePeriod() time.Duration { return m.grace }

// NewManager constructs a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:     slog.Default(),
		grace:   DefaultGracePeriod,
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn starts cmd with piped stdin/stdout. Stderr lines are logged.
func (m *Manager) Spawn(ctx context.Context, c Command) (*Handle, error) {
	const op = "process.spawn"
	if err := ctx.Err(); err != nil {
		return nil, proxyerr.E(proxyerr.ProcessSpawnFailed, op, err).WithTarget(c.Path)
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, proxyerr.E(proxyerr.ProcessSpawnFailed, op, err).WithTarget(c.Path)
	}
	// Stdout and stderr use plain pipes so cmd.Wait does not close the read
	// ends before buffered output has been drained.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, proxyerr.E(proxyerr.ProcessSpawnFailed, op, err).WithTarget(c.Path)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, proxyerr.E(proxyerr.ProcessSpawnFailed, op, err).WithTarget(c.Path)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, proxyerr.E(proxyerr.ProcessSpawnFailed, op, err).WithTarget(c.Path)
	}

	h := &Handle{
		ID:      uuid.NewString(),
		PID:     cmd.Process.Pid,
		Command: c,
		Started: time.Now(),
		Stdin:   stdin,
		Stdout:  stdout,
		cmd:     cmd,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.handles[h.ID] = h
	m.mu.Unlock()

	log := m.log.With(slog.String("process_id", h.ID), slog.Int("pid", h.PID))
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 4096), 1<<20)
		for sc.Scan() {
			log.Info("process.stderr", slog.String("line", sc.Text()))
		}
		stderr.Close()
	}()
	go func() {
		h.err = cmd.Wait()
		m.mu.Lock()
		delete(m.handles, h.ID)
		m.mu.Unlock()
		close(h.done)
		if h.err != nil {
			log.Info("process.exit", slog.String("err", h.err.Error()))
		} else {
			log.Info("process.exit")
		}
	}()

	log.Info("process.spawn.ok", slog.String("cmd", c.String()))
	return h, nil
}

// Terminate closes the child's stdin, sends SIGTERM, waits up to the grace
// period and then kills it. It returns once the process has been reaped or
// ctx is done.
func (m *Manager) Terminate(ctx context.Context, h *Handle) error {
	const op = "process.terminate"
	if h == nil || h.exited() {
		return nil
	}
	_ = h.Stdin.Close()

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.log.Warn("process.sigterm.fail", slog.Int("pid", h.PID), slog.String("err", err.Error()))
	}

	grace := time.NewTimer(m.grace)
	defer grace.Stop()
	select {
	case <-h.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	m.log.Warn("process.kill", slog.Int("pid", h.PID))
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return proxyerr.E(proxyerr.ProcessTerminationFailed, op, err).WithTarget(h.Command.Path)
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return proxyerr.E(proxyerr.ProcessTerminationFailed, op, ctx.Err()).WithTarget(h.Command.Path)
	}
}

// IsAlive reports whether the process is still running.
func (m *Manager) IsAlive(h *Handle) bool {
	if h == nil || h.exited() {
		return false
	}
	ok, err := gprocess.PidExists(int32(h.PID))
	return err == nil && ok
}

// Running returns the number of tracked live processes.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Shutdown terminates every tracked process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range hs {
		if err := m.Terminate(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
