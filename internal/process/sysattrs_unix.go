//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr starts mongod in a new session so it is detached from
// the controlling terminal and survives the supervisor's process group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
