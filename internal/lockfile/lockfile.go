// Package lockfile guards a FlowPipe state directory against a second process.
//
// The lock is an flock(2) on a file inside the state directory, so the kernel drops it
// when the holding process exits, even on a crash.
package lockfile

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "flowpipe.lock"

const pidPrefix = "pid="

// ErrLocked is matched by errors.Is on a *LockError.
var ErrLocked = errors.New("state directory is locked by another FlowPipe process")

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// LockError reports the process that holds the lock, when it can be determined.
type LockError struct {
	Path    string
	PID     int
	Running bool
	Cause   error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("%v: %s", ErrLocked, e.Path)
	switch {
	case e.PID > 0 && e.Running:
		msg += fmt.Sprintf(" (held by running pid %d)", e.PID)
	case e.PID > 0:
		msg += fmt.Sprintf(" (pid %d is gone; remove the file if no FlowPipe process uses this directory)", e.PID)
	}
	return msg
}

func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

// AcquireLock takes the exclusive lock on stateDir without blocking.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's pid before we know we own the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{Path: path, Cause: err}
		if pid := readPID(path); pid > 0 {
			lockErr.PID = pid
			lockErr.Running = processRunning(pid)
		}
		slog.Error("lockfile.AcquireLock: state directory already locked", "path", path, "holder_pid", lockErr.PID, "holder_running", lockErr.Running)
		return nil, lockErr
	}

	if err := writePID(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale pid.
	removeErr := os.Remove(l.path)
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		slog.Warn("lockfile.Release: failed to remove lock file", "path", l.path, "error", removeErr)
	}
	if err := errors.Join(unlockErr, closeErr); err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	slog.Info("lockfile.Release: state directory unlocked", "path", l.path)
	return nil
}

func writePID(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(pidPrefix+strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writePID: sync failed", "path", file.Name(), "error", err)
	}
	return nil
}

// readPID returns the pid recorded in the lock file, or 0.
func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return parsePID(data)
}

func parsePID(data []byte) int {
	idx := bytes.Index(data, []byte(pidPrefix))
	if idx < 0 {
		return 0
	}
	rest := data[idx+len(pidPrefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(string(rest[:end]))
	if err != nil {
		return 0
	}
	return pid
}

func processRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
