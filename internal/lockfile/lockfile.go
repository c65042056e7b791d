// Package lockfile guards a data directory so only one server process uses
// its credentials at a time.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrLocked  = errors.New("data directory is in use")
	ErrNoOwner = errors.New("no running instance")
)

// Info is the content of a lockfile
type Info struct {
	PID     int
	Started time.Time
	Addr    string
}

// Lockfile represents a file-based lock
type Lockfile struct {
	path   string
	file   *os.File
	info   Info
	locked bool
}

// New creates a new lockfile instance
func New(path string) *Lockfile {
	return &Lockfile{
		path: path,
	}
}

// TryAcquire takes the lock, recording our PID and the address the server
// listens on. A lock left behind by a dead process is replaced.
func (l *Lockfile) TryAcquire(addr string) error {
	if l.locked {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := create(l.path)
	if os.IsExist(err) {
		stale, reason := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("failed to remove stale lockfile (%s): %w", reason, removeErr)
		}
		file, err = create(l.path)
	}
	if err != nil {
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.file = file
	l.locked = true
	l.info = Info{PID: os.Getpid(), Started: time.Now(), Addr: addr}

	if _, err := l.file.WriteString(encode(l.info)); err != nil {
		l.Release()
		return fmt.Errorf("failed to write to lockfile: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

func create(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
}

func (l *Lockfile) checkStale() (bool, string) {
	info, err := Read(l.path)
	if err != nil {
		return true, err.Error()
	}
	if running, reason := isProcessRunning(info.PID); !running {
		return true, reason
	}
	return false, fmt.Sprintf("process with PID %d is running", info.PID)
}

// Read parses the lockfile at path. ErrNoOwner is returned when the file is
// missing or unreadable.
func Read(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNoOwner, err)
	}
	return decode(string(data))
}

// Owner returns the lock holder if it is still alive
func Owner(path string) (Info, error) {
	info, err := Read(path)
	if err != nil {
		return Info{}, err
	}
	if running, reason := isProcessRunning(info.PID); !running {
		return Info{}, fmt.Errorf("%w: %s", ErrNoOwner, reason)
	}
	return info, nil
}

func encode(info Info) string {
	return fmt.Sprintf("%d\n%s\n%s\n", info.PID, info.Started.Format(time.RFC3339), info.Addr)
}

func decode(content string) (Info, error) {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Info{}, fmt.Errorf("%w: invalid PID in lockfile", ErrNoOwner)
	}

	info := Info{PID: pid}
	if len(lines) >= 2 {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			info.Started = ts
		}
	}
	if len(lines) >= 3 {
		info.Addr = strings.TrimSpace(lines[2])
	}
	return info, nil
}

// Release releases the lock
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove lockfile: %w", err))
	}

	l.locked = false
	return errors.Join(errs...)
}

// Info returns what was written when the lock was acquired
func (l *Lockfile) Info() Info {
	return l.info
}

// Locked returns true if the lock is held
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile path
func (l *Lockfile) Path() string {
	return l.path
}
