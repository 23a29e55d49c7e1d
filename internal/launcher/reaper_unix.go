//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// configureProcAttr puts the launcher process in its own process group so
// Kill can signal the whole MPI job tree with one negative-PID call.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func forceKillProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// processAlive polls liveness with signal 0, which delivers no signal but
// still reports ESRCH once the process is gone.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
