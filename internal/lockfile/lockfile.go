// Package lockfile guards a RemindPipe state directory against concurrent instances.
//
// Two processes sharing the SQLite database, the WhatsApp device session or the
// job queue would double-deliver reminders, so the binary takes an exclusive
// flock on a file in the state directory before opening any store. The kernel
// drops the lock when the process exits, gracefully or not.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "remindpipe.lock"

// Info describes the process holding a lock, as written into the lock file.
type Info struct {
	PID     int
	Host    string
	Started time.Time
}

func (i Info) encode() string {
	return fmt.Sprintf("pid=%d\nhost=%s\nstarted=%s\n", i.PID, i.Host, i.Started.UTC().Format(time.RFC3339))
}

// parseInfo reads the key=value lines of a lock file. Unknown keys are ignored.
func parseInfo(content string) Info {
	var info Info
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				info.PID = pid
			}
		case "host":
			info.Host = value
		case "started":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				info.Started = ts
			}
		}
	}
	return info
}

// Lock is an acquired state directory lock.
type Lock struct {
	file *os.File
	path string
	info Info
}

// AcquireLock takes an exclusive lock on stateDir, creating the directory if
// needed. A held lock yields a *LockError describing the holder.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's info before we know whether we win the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Holder: readHolder(lockPath), Cause: err}
		slog.Error("lockfile.AcquireLock: state directory is locked", "lockPath", lockPath, "holder", lockErr.describeHolder())
		return nil, lockErr
	}

	host, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Host: host, Started: time.Now()}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "lockPath", lockPath, "pid", info.PID)
	return &Lock{file: file, path: lockPath, info: info}, nil
}

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeInfo: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Info returns the information written for this process.
func (l *Lock) Info() Info { return l.info }

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting instance never sees our file.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "lockPath", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: unlock failed", "lockPath", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close lock file %s: %w", l.path, err)
	}
	slog.Info("lockfile.Release: state directory unlocked", "lockPath", l.path)
	return nil
}

// LockError reports that another process holds the state directory.
type LockError struct {
	LockPath string
	Holder   *Info // nil when the lock file could not be read
	Cause    error
}

func (e *LockError) describeHolder() string {
	if e.Holder == nil || e.Holder.PID == 0 {
		return "unknown process"
	}
	state := "running"
	if !isProcessRunning(e.Holder.PID) {
		state = "not running, stale lock"
	}
	desc := fmt.Sprintf("PID %d (%s)", e.Holder.PID, state)
	if e.Holder.Host != "" {
		desc += " on " + e.Holder.Host
	}
	if !e.Holder.Started.IsZero() {
		desc += " since " + e.Holder.Started.Format(time.RFC3339)
	}
	return desc
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another RemindPipe instance is using this state directory: %s\n"+
		"lock file: %s\n"+
		"remove the lock file only if you are sure that process is gone; "+
		"two instances would deliver every reminder twice", e.describeHolder(), e.LockPath)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func readHolder(lockPath string) *Info {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return nil
	}
	info := parseInfo(string(data))
	return &info
}

// isProcessRunning reports whether pid exists, using signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
