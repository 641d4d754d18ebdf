//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultsDomain = "com.transsflow.fieldsync"

// defaultDataDir holds the outbox database.
func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "fieldsync")
	}
	return "fieldsync-data"
}

// defaultsBackend stores settings in UserDefaults. Ints and bools use the
// native -int and -bool types so they read back as "42" and "1"/"0";
// durations are stored as strings.
type defaultsBackend struct {
	domain string
}

func nativeBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain}
}

func (b *defaultsBackend) Location() string { return "defaults domain " + b.domain }

// read returns ok=false when the key was never written.
func (b *defaultsBackend) read(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading default %s: %w, output: %s", key, err, s)
	}
	return s, true, nil
}

func (b *defaultsBackend) Get(key string, typ keyType) (any, bool, error) {
	raw, ok, err := b.read(key)
	if !ok || err != nil {
		return nil, ok, err
	}
	v, err := parseValue(typ, raw)
	if err != nil {
		return nil, true, &badValueError{key: key, raw: raw, err: err}
	}
	return v, true, nil
}

func (b *defaultsBackend) Set(key string, v any) error {
	var args []string
	switch val := v.(type) {
	case int:
		args = []string{"-int", strconv.Itoa(val)}
	case bool:
		args = []string{"-bool", strconv.FormatBool(val)}
	case time.Duration:
		args = []string{"-string", val.String()}
	default:
		args = []string{"-string", fmt.Sprint(val)}
	}
	cmd := exec.Command("defaults", append([]string{"write", b.domain, key}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("writing default %s: %w, output: %s", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *defaultsBackend) Unset(key string) error {
	if _, ok, err := b.read(key); !ok || err != nil {
		return err
	}
	return exec.Command("defaults", "delete", b.domain, key).Run()
}
