package launcher

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// killGracePeriod bounds how long Kill waits for the launcher process to
// exit after the initial termination signal before escalating.
const killGracePeriod = 5 * time.Second

// Task holds the spawned mpirun process and implements exchange.LaunchTask
// so the exchange can reap the whole MPI job on shutdown (spec §3.6
// "launch_task", §4.1 "Shutdown").
type Task struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	killed bool
}

// Start spawns mpirunPath with args, in its own process group, so Kill can
// terminate the whole job tree rather than just the direct child.
func Start(ctx context.Context, mpirunPath string, args []string, stdout, stderr io.Writer) (*Task, error) {
	cmd := exec.CommandContext(ctx, mpirunPath, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launcher: starting %s: %w", mpirunPath, err)
	}

	t := &Task{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(t.done)
	}()
	return t, nil
}

// Wait returns a channel closed once the launcher process has exited.
func (t *Task) Wait() <-chan struct{} {
	return t.done
}

// Pid returns the launcher process's pid, so a pidfile can be written for
// a separate mdb-exchange process to pick up as its LaunchTask (spec §6.3).
func (t *Task) Pid() int {
	return t.cmd.Process.Pid
}

// Kill terminates the launcher process group, escalating to an
// unconditional kill if it hasn't exited within killGracePeriod. Safe to
// call multiple times.
func (t *Task) Kill() error {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		return nil
	}
	t.killed = true
	t.mu.Unlock()

	if t.cmd.Process == nil {
		return nil
	}
	pid := t.cmd.Process.Pid

	if err := terminateProcessGroup(pid); err != nil {
		return fmt.Errorf("launcher: terminating launch task: %w", err)
	}

	select {
	case <-t.done:
		return nil
	case <-time.After(killGracePeriod):
	}

	if err := forceKillProcessGroup(pid); err != nil {
		return fmt.Errorf("launcher: force-killing launch task: %w", err)
	}
	<-t.done
	return nil
}
