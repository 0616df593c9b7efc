//go:build !unix

package ctrlstack

import (
	"os"
	"syscall"
)

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

func terminateProcess(pid int) error {
	return killProcess(pid)
}

func killProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return wrapError(CodeProcessNotFound, "signal", err, "no process with pid %d", pid)
	}
	return p.Kill()
}

func detachedProcAttr() *syscall.SysProcAttr {
	return nil
}
