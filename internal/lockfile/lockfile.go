// Package lockfile serializes read-modify-write cycles on a session's record
// file, both across goroutines in one process and across processes. A lock is
// an O_CREATE|O_EXCL file stamped with the holder's pid; while held, a
// heartbeat goroutine keeps the file's mtime fresh. A lock whose holder is
// dead or whose heartbeat has gone stale is broken and reclaimed, so a crash
// while holding the lock cannot wedge the session forever.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrTimeout indicates the lock could not be acquired within the timeout.
// Callers decide whether to retry or surface the condition.
var ErrTimeout = errors.New("lock acquisition timed out")

const (
	defaultPollInterval      = 25 * time.Millisecond
	defaultHeartbeatInterval = 1 * time.Second
	defaultStaleAfter        = 30 * time.Second
)

// Manager creates and breaks per-session lock files under a lock directory.
type Manager struct {
	lockDir           string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	staleAfter        time.Duration
}

// Option adjusts Manager timing, mainly for tests.
type Option func(*Manager)

// WithStaleAfter overrides the heartbeat staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

// WithHeartbeatInterval overrides the heartbeat refresh interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) { m.heartbeatInterval = d }
}

// NewManager creates a lock Manager.
func NewManager(lockDir string, opts ...Option) *Manager {
	m := &Manager{
		lockDir:           lockDir,
		pollInterval:      defaultPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		staleAfter:        defaultStaleAfter,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lockPath(id string) string {
	return filepath.Join(m.lockDir, id+".lock")
}

// Acquire takes the exclusive lock for a session id, blocking up to timeout.
// On expiry it returns ErrTimeout. The returned Guard must be released via
// defer so every exit path gives the lock back.
func (m *Manager) Acquire(id string, timeout time.Duration) (*Guard, error) {
	if err := os.MkdirAll(m.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	path := m.lockPath(id)
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\t%s\t%s\n", os.Getpid(), hostname(), time.Now().UTC().Format(time.RFC3339))
			f.Close()
			return m.newGuard(id, path), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		if m.breakIfStale(path) {
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", id, ErrTimeout)
		}
		time.Sleep(m.pollInterval)
	}
}

// breakIfStale removes the lock file when its holder is gone or its
// heartbeat is older than the staleness threshold. Returns true if the lock
// was broken and acquisition should be retried immediately.
func (m *Manager) breakIfStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// Holder released between our create attempt and now.
		return os.IsNotExist(err)
	}
	stale := time.Since(info.ModTime()) > m.staleAfter
	if !stale {
		if pid, ok := holderPid(path); ok && !pidAlive(pid) {
			stale = true
		}
	}
	if !stale {
		return false
	}
	slog.Warn("breaking stale session lock", "lock", path, "age", time.Since(info.ModTime()).Round(time.Millisecond))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("unable to remove stale lock", "lock", path, "err", err)
		return false
	}
	return true
}

func holderPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.SplitN(strings.TrimSpace(string(data)), "\t", 3)
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// probes without delivering anything.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Guard represents a held session lock. Release is idempotent.
type Guard struct {
	id   string
	path string
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (m *Manager) newGuard(id, path string) *Guard {
	g := &Guard{
		id:   id,
		path: path,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go g.heartbeat(m.heartbeatInterval)
	return g
}

// heartbeat keeps the lock file's mtime fresh so other holders don't treat
// the lock as abandoned while we still hold it.
func (g *Guard) heartbeat(interval time.Duration) {
	defer close(g.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			now := time.Now()
			if err := os.Chtimes(g.path, now, now); err != nil && !os.IsNotExist(err) {
				slog.Warn("lock heartbeat failed", "lock", g.path, "err", err)
			}
		}
	}
}

// Release gives the lock back. Safe to call more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		close(g.stop)
		<-g.done
		if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
			slog.Error("unable to remove lock file", "lock", g.path, "err", err)
		}
	})
}
