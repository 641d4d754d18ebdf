package config

import (
	"fmt"
	"os"
)

// ConfigBackend persists the settings `fieldsync config set` writes. Values
// travel in the key's own Go type (int, bool, time.Duration or string) and
// each backend picks its native encoding for them.
type ConfigBackend interface {
	Get(key string, typ keyType) (v any, ok bool, err error)
	Set(key string, v any) error
	Unset(key string) error
	// Location names where values live, for `config show`.
	Location() string
}

// badValueError marks a stored value that cannot be read as its key's
// type. Load warns and keeps the default instead of failing.
type badValueError struct {
	key string
	raw any
	err error
}

func (e *badValueError) Error() string {
	return fmt.Sprintf("stored value %v for %s: %v", e.raw, e.key, e.err)
}

func (e *badValueError) Unwrap() error { return e.err }

// newPlatformBackend honors FIELDSYNC_CONFIG_FILE on every platform so a
// field laptop and a CI box can share one settings file.
func newPlatformBackend() ConfigBackend {
	if p := os.Getenv("FIELDSYNC_CONFIG_FILE"); p != "" {
		return newFileBackend(p)
	}
	return nativeBackend()
}
