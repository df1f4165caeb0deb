//go:build windows

package process

import "os"

// Windows has no SIGTERM for detached processes; both paths terminate.
func terminate(pid int) error { return kill(pid) }

func kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
