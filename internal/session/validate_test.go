package session

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work123", "my-session", "my_session", "a", strings.Repeat("x", MaxNameLen)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "Main", "my session", "my.session", "my@session", "my/session", "côté", strings.Repeat("x", MaxNameLen+1)}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}
