//go:build unix

package ctrlstack

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// processAlive uses signal 0 to check whether pid exists without sending a
// real signal. EPERM still means the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func terminateProcess(pid int) error {
	return signalProcess(pid, unix.SIGTERM)
}

func killProcess(pid int) error {
	return signalProcess(pid, unix.SIGKILL)
}

func signalProcess(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return wrapError(CodeProcessNotFound, "signal", nil, "invalid pid %d", pid)
	}
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return wrapError(CodeProcessNotFound, "signal", err, "no process with pid %d", pid)
		}
		return err
	}
	return nil
}

func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
