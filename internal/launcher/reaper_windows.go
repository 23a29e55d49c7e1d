//go:build windows

package launcher

import (
	"os/exec"
	"syscall"
)

// configureProcAttr requests a new process group; Windows has no
// equivalent of a negative-PID group signal, so termination below falls
// back to killing the direct child process only.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func terminateProcessGroup(pid int) error {
	return killProcess(pid)
}

func forceKillProcessGroup(pid int) error {
	return killProcess(pid)
}

func killProcess(pid int) error {
	proc, err := syscall.OpenProcess(syscall.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer syscall.CloseHandle(proc)
	return syscall.TerminateProcess(proc, 1)
}

// processAlive polls liveness by attempting to open the process handle;
// Windows has no signal-0 equivalent.
func processAlive(pid int) bool {
	proc, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(proc)

	var code uint32
	if err := syscall.GetExitCodeProcess(proc, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}
