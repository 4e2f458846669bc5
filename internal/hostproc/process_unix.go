//go:build !windows

package hostproc

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return unix.Kill(p.Pid, unix.SIGTERM)
}

// Alive reports whether pid names a running process, including ones owned
// by other users.
func (h *Host) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
