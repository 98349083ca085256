//go:build windows

package transcode

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// terminate kills the process; Windows has no SIGTERM for console children.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
