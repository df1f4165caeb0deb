//go:build !windows

package process

import "syscall"

// terminate asks the process group led by pid to exit.
func terminate(pid int) error { return syscall.Kill(-pid, syscall.SIGTERM) }

// kill forcibly stops the process group led by pid.
func kill(pid int) error { return syscall.Kill(-pid, syscall.SIGKILL) }
