package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const lockFileName = "drain.lock"

// DrainLock guards drain passes across processes sharing one outbox file
// (for example `offsync watch` and a manual `offsync drain`). It uses OS file
// locks, so the lock is released when the holding process exits, including crashes.
type DrainLock struct {
	mu       sync.Mutex
	lockPath string
	lockFile *os.File
}

// NewDrainLock creates a lock stored next to the database at dbPath.
func NewDrainLock(dbPath string) *DrainLock {
	return &DrainLock{
		lockPath: filepath.Join(filepath.Dir(dbPath), lockFileName),
	}
}

// TryLock attempts the exclusive lock without waiting. ok is false when
// another process holds it; unlock must be called when ok is true.
func (l *DrainLock) TryLock() (unlock func(), ok bool, err error) {
	l.mu.Lock()
	if l.lockFile != nil {
		l.mu.Unlock()
		return nil, false, nil
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return nil, false, fmt.Errorf("open lock file: %w", err)
	}
	l.lockFile = f

	if err := l.tryLock(); err != nil {
		l.lockFile.Close()
		l.lockFile = nil
		l.mu.Unlock()
		return nil, false, nil
	}
	l.writeHolder()
	l.mu.Unlock()

	return l.release, true, nil
}

// Holder describes the process currently holding the lock, for diagnostics.
func (l *DrainLock) Holder() string {
	return l.readHolder()
}

func (l *DrainLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockFile == nil {
		return
	}

	l.lockFile.Truncate(0)
	l.unlock()
	l.lockFile.Close()
	l.lockFile = nil
}

// writeHolder writes current process info to the lock file for debugging.
func (l *DrainLock) writeHolder() {
	if l.lockFile == nil {
		return
	}
	l.lockFile.Truncate(0)
	l.lockFile.Seek(0, 0)
	fmt.Fprintf(l.lockFile, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	l.lockFile.Sync()
}

// readHolder reads the current holder info from the lock file.
func (l *DrainLock) readHolder() string {
	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return "unknown"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return "unknown"
	}

	var pid, timestamp string
	for _, line := range lines {
		if strings.HasPrefix(line, "pid:") {
			pid = strings.TrimPrefix(line, "pid:")
		} else if strings.HasPrefix(line, "time:") {
			timestamp = strings.TrimPrefix(line, "time:")
		}
	}

	if pid == "" {
		return "unknown"
	}

	pidInt, err := strconv.Atoi(pid)
	if err == nil && !isProcessAlive(pidInt) {
		return fmt.Sprintf("pid:%s since %s (STALE - process dead)", pid, timestamp)
	}

	return fmt.Sprintf("pid:%s since %s", pid, timestamp)
}

// tryLock and unlock are implemented in platform-specific files:
// - lock_unix.go for Unix systems (flock)
// - lock_windows.go for Windows (LockFileEx)
