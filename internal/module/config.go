package module

import (
	"fmt"
	"strconv"
	"strings"
)

// Config is the free-form settings block a workflow passes to a module.
type Config map[string]any

// String returns the trimmed value of key; blank values count as unset.
func (c Config) String(key string) (string, bool) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return "", false
	}
	value := strings.TrimSpace(fmt.Sprint(raw))
	return value, value != ""
}

// Bool reads key as a boolean, accepting strconv.ParseBool strings. The
// second result reports whether key was set at all.
func (c Config) Bool(key string) (value, set bool, err error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return false, false, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, true, nil
	case string:
		if value, err = strconv.ParseBool(strings.TrimSpace(v)); err != nil {
			return false, true, fmt.Errorf("module: config %s: %w", key, err)
		}
		return value, true, nil
	}
	return false, true, fmt.Errorf("module: config %s must be a boolean", key)
}

// Merge returns a new config with override layered over c. Keys are trimmed
// and blank keys dropped.
func (c Config) Merge(override Config) Config {
	if len(c) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(Config, len(c)+len(override))
	for _, layer := range []Config{c, override} {
		for key, value := range layer {
			if key = strings.TrimSpace(key); key != "" {
				merged[key] = value
			}
		}
	}
	return merged
}
