//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// SetProcessGroup puts the child in its own process group so that a kill
// reaches everything it spawned.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
