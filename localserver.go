package ctrlstack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// LockRecord is the persisted state of a locally managed server.
type LockRecord struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

// ServerStatus is the outcome of CheckLocalServer.
type ServerStatus struct {
	LockRecord
	Running bool
}

// ReadLockRecord reads the lock record at path. ok is false when none exists.
func ReadLockRecord(path string) (rec LockRecord, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return LockRecord{}, false, nil
	}
	if err != nil {
		return LockRecord{}, false, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return LockRecord{}, false, fmt.Errorf("parse lock record %s: %w", path, err)
	}
	return rec, true, nil
}

// claimLockRecord creates the record at path, failing if one already exists.
// The content is written to a temporary file first so readers never observe a
// partial record.
func claimLockRecord(path string, rec LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// os.Link fails with EEXIST when another process claimed the path first.
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return newError(CodeConfiguration, "claim lock record", "lock record %s already exists", path)
		}
		return err
	}
	return nil
}

func removeLockRecord(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// portInUse reports whether something accepts connections on the loopback port.
func portInUse(port int) bool {
	if port <= 0 {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// FindFreePort asks the kernel for an unused loopback port.
func FindFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// CheckLocalServer reports whether the server recorded at path is running:
// the record exists, its process is alive and its port is occupied. A stale
// record is removed so that callers may start a new server.
func CheckLocalServer(path string) (ServerStatus, error) {
	rec, ok, err := ReadLockRecord(path)
	if err != nil {
		return ServerStatus{}, err
	}
	if !ok {
		return ServerStatus{}, nil
	}
	if processAlive(rec.PID) && portInUse(rec.Port) {
		return ServerStatus{LockRecord: rec, Running: true}, nil
	}
	if err := removeLockRecord(path); err != nil {
		return ServerStatus{LockRecord: rec}, err
	}
	return ServerStatus{LockRecord: rec}, nil
}

// LocalServerOptions configures StartLocalServer.
type LocalServerOptions struct {
	// Port to bind on 127.0.0.1; 0 picks a free port.
	Port          int
	ServerOptions []ServerOption
	Logger        *slog.Logger
}

// StartLocalServer serves c on the loopback interface and records the port and
// this process's PID at path until ctx is done. The listener is bound before
// the record is written, so a visible record always points at an occupied port.
func StartLocalServer(ctx context.Context, c Controller, path string, opts LocalServerOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	status, err := CheckLocalServer(path)
	if err != nil {
		return err
	}
	if status.Running {
		return newError(CodeConfiguration, "start local server",
			"a local server is already running on port %d with PID %d", status.Port, status.PID)
	}

	srv, err := NewServer(c, append([]ServerOption{WithServerLogger(logger)}, opts.ServerOptions...)...)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(opts.Port)))
	if err != nil {
		return err
	}
	rec := LockRecord{Port: ln.Addr().(*net.TCPAddr).Port, PID: os.Getpid()}
	if err := claimLockRecord(path, rec); err != nil {
		ln.Close()
		return err
	}
	defer func() {
		// Only remove the record if it is still ours.
		if cur, ok, err := ReadLockRecord(path); err == nil && ok && cur == rec {
			if err := removeLockRecord(path); err != nil {
				logger.Warn("failed to remove lock record", "path", path, "error", err)
			}
		}
	}()

	logger.Info("local server started", "port", rec.Port, "pid", rec.PID, "lockfile", path)
	err = srv.ServeListener(ctx, ln)
	logger.Info("local server stopped", "port", rec.Port, "pid", rec.PID)
	return err
}

// StopLocalServer terminates the process recorded at path and removes the
// record. existed reports whether a running server was found. A record whose
// PID is dead or whose port is free is stale: it is removed and no signal is
// sent, since the PID may now belong to an unrelated process.
func StopLocalServer(path string, timeout time.Duration) (rec LockRecord, existed bool, err error) {
	status, err := CheckLocalServer(path)
	rec = status.LockRecord
	if err != nil || !status.Running {
		return rec, false, err
	}

	err = terminateProcess(rec.PID)
	switch {
	case errors.Is(err, ErrProcessNotFound):
		return rec, false, removeLockRecord(path)
	case err != nil:
		return rec, false, err
	}

	deadline := time.Now().Add(timeout)
	for processAlive(rec.PID) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if processAlive(rec.PID) {
		if err := killProcess(rec.PID); err != nil && !errors.Is(err, ErrProcessNotFound) {
			return rec, true, err
		}
	}
	return rec, true, removeLockRecord(path)
}

// LaunchDetached starts exe with args in a new session with its standard
// streams attached to the null device, and does not wait for it.
func LaunchDetached(exe string, args ...string) error {
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
