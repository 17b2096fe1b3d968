//go:build windows
// +build windows

package debugger

import (
	"os/exec"
	"syscall"
)

// setupProcAttr keeps dlv from opening a console window and from receiving
// the console's Ctrl-C.
func setupProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
