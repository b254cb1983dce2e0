// Package pidfile enforces capmgrd's single-instance-per-host invariant
// (spec.md §6 "NEW ambient detail"). Adapted from the teacher's
// utils.CreatePidFile/DestroyPidFile pair: a pidfile is written at startup
// and checked against /proc for a live process of the same name before a
// second instance is allowed to start, and removed on clean shutdown.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Lock is a held pidfile; Release removes it.
type Lock struct {
	path string
}

// Acquire writes the current process's pid to path, failing if path already
// names a live process called process. An empty path disables the guard
// entirely (useful for tests and for environments where /var/run isn't
// writable) and returns a no-op Lock.
func Acquire(process, path string) (*Lock, error) {
	if path == "" {
		return &Lock{}, nil
	}

	pid, err := readPidFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "pidfile: read %s", path)
	}
	if err == nil && isProcessRunning(process, pid) {
		return nil, errors.Errorf("%s is already running as pid %d", process, pid)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrapf(err, "pidfile: create %s", dir)
		}
	}
	pidStr := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(path, []byte(pidStr), 0400); err != nil {
		return nil, errors.Wrapf(err, "pidfile: write %s", path)
	}

	return &Lock{path: path}, nil
}

// Release removes the pidfile. Safe to call on a no-op Lock.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	return os.RemoveAll(l.path)
}

func readPidFile(path string) (int, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(bs)))
}

func isProcessRunning(process string, pid int) bool {
	target, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return false
	}
	return filepath.Base(target) == process
}
