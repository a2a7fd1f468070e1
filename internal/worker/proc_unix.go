//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// isolate moves the engine into its own process group so a terminal
// interrupt reaches only this process, which then saves a checkpoint
// before closing the engine.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// kill stops the engine and anything it spawned.
func kill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
