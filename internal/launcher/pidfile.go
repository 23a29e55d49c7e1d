package launcher

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// WritePidFile records pid at path so a separate mdb-exchange process can
// later find and kill the launcher subprocess (spec §6.3 "launch_task" is
// handed to the exchange via a control socket/pidfile when mdb-launch and
// mdb-exchange run as independent processes).
func WritePidFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPidFile reads back a pid written by WritePidFile.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("launcher: reading pidfile %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("launcher: parsing pidfile %s: %w", path, err)
	}
	return pid, nil
}

// PidTask is a LaunchTask backed by a pid read from a pidfile rather than a
// *Task this process spawned itself — the mdb-exchange and mdb-launch
// binaries are typically separate processes (spec §6.3), so the exchange
// only ever gets a pid, never an *exec.Cmd it can Wait on directly.
type PidTask struct {
	pid int
}

// NewPidTask wraps a pid read from a pidfile as a LaunchTask.
func NewPidTask(pid int) *PidTask {
	return &PidTask{pid: pid}
}

// Kill terminates the launcher's process group, escalating to an
// unconditional kill after killGracePeriod if it's still alive. Unlike
// Task.Kill, there's no child to Wait on, so liveness is polled with
// signal 0.
func (t *PidTask) Kill() error {
	if err := terminateProcessGroup(t.pid); err != nil {
		return fmt.Errorf("launcher: terminating launch task pid %d: %w", t.pid, err)
	}

	deadline := time.Now().Add(killGracePeriod)
	for time.Now().Before(deadline) {
		if !processAlive(t.pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	if !processAlive(t.pid) {
		return nil
	}
	if err := forceKillProcessGroup(t.pid); err != nil {
		return fmt.Errorf("launcher: force-killing launch task pid %d: %w", t.pid, err)
	}
	return nil
}
