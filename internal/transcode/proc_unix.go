//go:build !windows

package transcode

import (
	"os/exec"
	"syscall"
)

// setProcessGroup runs the encoder in its own process group so a terminal
// Ctrl-C aimed at the daemon does not reach ffmpeg before it is flushed.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}
