package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

// TestHelperProcess is not a real test; it is re-executed as a child process.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("HELPER_MODE") {
	case "echo":
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			fmt.Println(sc.Text())
		}
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprintln(os.Stderr, "ignoring SIGTERM")
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func helperCommand(mode string) Command {
	return Command{
		Path: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess"},
		Env:  []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
	}
}

func quietManager(opts ...Option) *Manager {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(append([]Option{WithLogger(l)}, opts...)...)
}

func TestSpawnEcho(t *testing.T) {
	t.Parallel()

	m := quietManager()
	ctx := context.Background()
	h, err := m.Spawn(ctx, helperCommand("echo"))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !m.IsAlive(h) {
		t.Fatalf("process should be alive")
	}

	if _, err := io.WriteString(h.Stdin, "hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(h.Stdout).ReadString('\n')
	if err != nil || line != "hello\n" {
		t.Fatalf("read %q, %v", line, err)
	}

	if err := m.Terminate(ctx, h); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if m.IsAlive(h) {
		t.Fatalf("process should be gone")
	}
	if m.Running() != 0 {
		t.Fatalf("running = %d", m.Running())
	}
}

func TestTerminateKillsAfterGrace(t *testing.T) {
	t.Parallel()

	m := quietManager(WithGracePeriod(200 * time.Millisecond))
	if m.GracePeriod() != 200*time.Millisecond {
		t.Fatalf("grace = %s", m.GracePeriod())
	}
	h, err := m.Spawn(context.Background(), helperCommand("stubborn"))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// Give the child time to install its signal handler.
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := m.Terminate(ctx, h); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Fatalf("terminate returned before the grace period")
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("process not reaped")
	}
}

func TestSpawnFailure(t *testing.T) {
	t.Parallel()

	m := quietManager()
	_, err := m.Spawn(context.Background(), Command{Path: "/nonexistent/definitely-not-here"})
	if !errors.Is(err, proxyerr.ProcessSpawnFailed) {
		t.Fatalf("expected ProcessSpawnFailed, got %v", err)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	m := quietManager(WithGracePeriod(time.Second))
	for i := 0; i < 2; i++ {
		if _, err := m.Spawn(context.Background(), helperCommand("echo")); err != nil {
			t.Fatalf("spawn: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Running() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.Running() != 0 {
		t.Fatalf("running = %d", m.Running())
	}
}
