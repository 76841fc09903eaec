//go:build windows

package cmake

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

// setProcessGroup puts the child in its own console process group and
// arranges for cancellation to signal the whole group, so a cancelled or
// timed-out build reaches the compiler subprocesses too. The break event
// requires a shared console; WaitDelay's forced kill is the backstop for
// anything that ignores it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(cmd.Process.Pid))
	}
	cmd.WaitDelay = 5 * time.Second
}
