//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// SetProcGrp starts cmd in a new process group.
func SetProcGrp(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Terminate has no polite equivalent for console-less children on Windows.
func Terminate(cmd *exec.Cmd) error {
	return Kill(cmd)
}

// Kill forcefully stops cmd.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
