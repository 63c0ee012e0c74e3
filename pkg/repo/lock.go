package repo

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrLockHeld is the sentinel for a lock that stayed held past the wait
// timeout.
var ErrLockHeld = errors.New("lock held")

// LockHeldError reports who is holding a contended lock.
type LockHeldError struct {
	Path    string
	Pid     int
	Host    string
	Elapsed time.Duration
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("%s: held by pid %d on %s (waited %s)", e.Path, e.Pid, e.Host, e.Elapsed.Round(time.Millisecond))
}

func (e *LockHeldError) Is(target error) bool { return target == ErrLockHeld }

// Lock is a held exclusive file lock.
type Lock struct {
	path string
}

const lockRetryDelay = 50 * time.Millisecond

// acquireLock takes an exclusive lock by creating the lock file with
// O_EXCL, retrying up to timeout. The file records the owner's pid and
// hostname so a contention error can say who is in the way.
func acquireLock(path string, timeout time.Duration) (*Lock, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "pid:%d\nhost:%s\n", os.Getpid(), host)
			if err := f.Close(); err != nil {
				os.Remove(path)
				return nil, fmt.Errorf("lock %s: %w", path, err)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			pid, owner := readLockOwner(path)
			return nil, &LockHeldError{Path: path, Pid: pid, Host: owner, Elapsed: timeout}
		}
		time.Sleep(lockRetryDelay)
	}
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

func readLockOwner(path string) (int, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "unknown"
	}
	pid := 0
	host := "unknown"
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "pid:"); ok {
			if p, err := strconv.Atoi(v); err == nil {
				pid = p
			}
		}
		if v, ok := strings.CutPrefix(line, "host:"); ok && v != "" {
			host = v
		}
	}
	return pid, host
}
