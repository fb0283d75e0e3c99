package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// redacted is what a Secret prints as.
const redacted = "[REDACTED]"

// Duration is a non-negative time.Duration read from YAML or the
// environment. Besides Go syntax ("90s", "1h") it accepts a bare number of
// seconds, so FORGELOOP_REFLECTION_INTERVAL=3600 means one hour.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	parsed, err := time.ParseDuration(s)
	if err != nil {
		secs, convErr := strconv.ParseFloat(s, 64)
		if convErr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(secs * float64(time.Second))
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

// Or returns d, or def when d is unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d.Duration()
}

// Secret is a credential (LLM API key, Stack Exchange key, GitHub token). It
// formats and marshals as [REDACTED]; only Value and Bearer expose it.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from printing the raw value.
func (s Secret) GoString() string {
	return "Secret(" + redacted + ")"
}

func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

// Bearer returns the Authorization header value for the secret.
func (s Secret) Bearer() string {
	return "Bearer " + string(s)
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalText trims surrounding whitespace, which env files and pasted
// tokens often carry.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(strings.TrimSpace(string(text)))
	return nil
}
