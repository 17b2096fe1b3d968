//go:build !windows
// +build !windows

package debugger

import (
	"os/exec"
	"syscall"
)

// setupProcAttr puts dlv in its own process group so an interrupt typed at
// the prompt cancels the wait instead of killing the server.
func setupProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
