package session

import (
	"os"

	"github.com/mlourenco/cipherchat/internal/config"
)

// DefaultSessionName is used when nothing else names a session.
const DefaultSessionName = "main"

// Resolve picks the active session name. Precedence: the --session flag,
// then $CIPHERCHAT_SESSION, then default_session from config.toml, then
// "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("CIPHERCHAT_SESSION"); env != "" {
		return env
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
