package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// fileBackend keeps settings as a flat JSON object. Ints and bools are
// stored as JSON numbers and booleans, durations as Go duration strings.
// Hand-edited files may use strings for any of them.
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) Location() string { return b.path }

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
	}
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, append(data, '\n'), 0o600)
}

func (b *fileBackend) Get(key string, typ keyType) (any, bool, error) {
	raw, ok := b.data[key]
	if !ok {
		return nil, false, nil
	}
	v, err := decodeJSONValue(typ, raw)
	if err != nil {
		return nil, true, &badValueError{key: key, raw: raw, err: err}
	}
	return v, true, nil
}

func decodeJSONValue(typ keyType, raw any) (any, error) {
	if s, ok := raw.(string); ok {
		return parseValue(typ, s)
	}
	switch typ {
	case kInt:
		f, ok := raw.(float64)
		if !ok || f != math.Trunc(f) || f < math.MinInt || f > math.MaxInt {
			return nil, fmt.Errorf("not an integer")
		}
		return int(f), nil
	case kBool:
		v, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("not a boolean")
		}
		return v, nil
	case kDuration:
		// A bare number is taken as seconds.
		f, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("not a duration")
		}
		return time.Duration(f * float64(time.Second)), nil
	default:
		return fmt.Sprintf("%v", raw), nil
	}
}

func (b *fileBackend) Set(key string, v any) error {
	if d, ok := v.(time.Duration); ok {
		v = d.String()
	}
	b.data[key] = v
	return b.save()
}

func (b *fileBackend) Unset(key string) error {
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return b.save()
}
