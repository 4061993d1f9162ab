package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.cipherchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cipherchat")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the session's local database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chat.db")
}

// KeysDir returns the directory holding the session keypair and
// cached contact public keys.
func KeysDir(name string) string {
	return filepath.Join(Dir(name), "keys")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "cipherchatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		KeysDir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
