//go:build windows

package tools

import (
	"os/exec"
	"time"
)

func configureKill(cmd *exec.Cmd) {
	cmd.WaitDelay = time.Second
}
