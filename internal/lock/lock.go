// Package lock guards a session directory against concurrent daemons.
// Two daemons on one chat.db would double-send the outbox, so the lock is
// acquired before the store opens and held for the process lifetime.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError is returned when another live process holds the session lock.
type HeldError struct {
	Holder Holder
	Path   string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("session locked by pid %d since %s (%s)",
		e.Holder.PID, e.Holder.Since.Format(time.RFC3339), e.Path)
}

// Holder describes the process that wrote the lock file.
type Holder struct {
	PID   int
	Host  string
	Since time.Time
}

// Lock is an acquired session lock. The flock is the authority; the file
// contents exist purely for the error message shown to the second daemon.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive flock on the given lock file, creating parent
// directories as needed. Returns HeldError when a live process owns it.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		holder := parseHolder(string(data))
		_ = f.Close()
		return nil, &HeldError{Holder: holder, Path: path}
	}

	l := &Lock{file: f, path: path}
	if err := l.stamp(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Lock) stamp() error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	host, _ := os.Hostname()
	_, err := fmt.Fprintf(l.file, "pid=%d\nhost=%s\nsince=%s\n",
		os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
	return err
}

// Release drops the lock and removes the file. Safe on a nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parseHolder(content string) Holder {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "pid="):
			h.PID, _ = strconv.Atoi(strings.TrimPrefix(line, "pid="))
		case strings.HasPrefix(line, "host="):
			h.Host = strings.TrimPrefix(line, "host=")
		case strings.HasPrefix(line, "since="):
			h.Since, _ = time.Parse(time.RFC3339, strings.TrimPrefix(line, "since="))
		}
	}
	return h
}
