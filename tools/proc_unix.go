//go:build !windows

package tools

import (
	"os/exec"
	"syscall"
	"time"
)

// configureKill runs the command in its own process group and kills the
// whole group on cancellation, so children of the shell cannot hold the
// output pipes open.
func configureKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
}
