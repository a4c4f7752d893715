//go:build !unix

package process

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// reapProcessGroup is a no-op without process groups; the leader has
// already been waited for.
func reapProcessGroup(*exec.Cmd) error { return nil }
