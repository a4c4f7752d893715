//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// reapProcessGroup kills whatever is left in the group after the leader
// exited. An empty group is not an error.
func reapProcessGroup(cmd *exec.Cmd) error {
	if err := killProcessGroup(cmd); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
