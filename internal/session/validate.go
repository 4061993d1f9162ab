package session

import "fmt"

// MaxNameLen bounds session names; the name becomes a directory under
// ~/.cipherchat/sessions.
const MaxNameLen = 64

// ValidateName checks a session name: lowercase letters, digits, hyphen
// and underscore, at most MaxNameLen characters. The rules keep names safe
// as path components on every platform.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("session name %q exceeds %d characters", name, MaxNameLen)
	}
	for _, r := range name {
		ok := r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') ||
			(r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("session name %q contains %q; only [a-z0-9_-] allowed", name, r)
		}
	}
	return nil
}
