//go:build unix

package symbolicator

import (
	"os/exec"
	"syscall"
)

// isolate runs the tool in its own process group so cancellation reaches any
// children it spawns.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
