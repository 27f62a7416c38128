package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MSA-I/RE-TOUR-sub006/internal/secrets"
)

// Duration is a time.Duration read from text. A bare integer is seconds, so
// RETOUR_SERVER_SHUTDOWN_TIMEOUT=30 works as well as 30s.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	var parsed time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		parsed = time.Duration(n) * time.Second
	} else if parsed, err = time.ParseDuration(s); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret holds a credential. It never prints or serializes its value.
//
// A value of the form "file:/path" is replaced by the trimmed contents of
// that file when loaded, which suits mounted container secrets.
type Secret string

const secretFilePrefix = "file:"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secrets.DefaultRedaction
}

func (s Secret) GoString() string {
	return "Secret(" + secrets.DefaultRedaction + ")"
}

// Value returns the secret.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the raw value or a file: reference.
func (s *Secret) UnmarshalText(text []byte) error {
	v := string(text)
	if !strings.HasPrefix(v, secretFilePrefix) {
		*s = Secret(v)
		return nil
	}
	path := strings.TrimPrefix(v, secretFilePrefix)
	b, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return fmt.Errorf("read secret file %s: %w", path, err)
	}
	*s = Secret(strings.TrimSpace(string(b)))
	return nil
}
