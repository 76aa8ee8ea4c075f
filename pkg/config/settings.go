package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPath is used when $CONFIG_PATH is unset.
const DefaultConfigPath = "chatgate.json"

// Settings resolves dotted configuration keys with precedence
// environment > config file > built-in default. Values are resolved once
// per lookup; the underlying file snapshot is taken at construction and
// never reloaded.
type Settings struct {
	k *koanf.Koanf
}

// EnvKey maps a dotted path to its environment variable form:
// uppercase, dots replaced by underscores.
func EnvKey(path string) string {
	return strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// NewSettings loads the config file (located by $CONFIG_PATH or the default
// path) over the given defaults. A missing file is not an error; a file that
// exists but fails to parse is.
func NewSettings(path string, defaults map[string]interface{}) (*Settings, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultConfigPath
	}

	k := koanf.New(".")

	if defaults != nil {
		if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load defaults: %w", err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Expand ${VAR} references that came in through the file.
	expanded, ok := ExpandEnvVarsInData(k.Raw()).(map[string]interface{})
	if ok {
		k = koanf.New(".")
		if err := k.Load(confmap.Provider(expanded, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to reload expanded config: %w", err)
		}
	}

	return &Settings{k: k}, nil
}

func parserFor(path string) koanf.Parser {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return yaml.Parser()
	default:
		return json.Parser()
	}
}

// GetString resolves a dotted key to a trimmed string.
func (s *Settings) GetString(path, def string) string {
	if v, ok := os.LookupEnv(EnvKey(path)); ok {
		return strings.TrimSpace(v)
	}
	if s.k.Exists(path) {
		return strings.TrimSpace(s.k.String(path))
	}
	return def
}

// GetBool resolves a dotted key to a bool. Accepts true/false/1/0,
// case-insensitively.
func (s *Settings) GetBool(path string, def bool) bool {
	raw := s.GetString(path, "")
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return def
}

// GetInt resolves a dotted key to an int.
func (s *Settings) GetInt(path string, def int) int {
	raw := s.GetString(path, "")
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return def
}

// GetFloat resolves a dotted key to a float64.
func (s *Settings) GetFloat(path string, def float64) float64 {
	raw := s.GetString(path, "")
	if raw == "" {
		return def
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return def
}

// GetDuration resolves a dotted key holding either a Go duration string
// ("30s") or a bare number of seconds.
func (s *Settings) GetDuration(path string, def time.Duration) time.Duration {
	raw := s.GetString(path, "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// Unmarshal decodes a subtree of the file snapshot into out using json tags.
// Environment precedence for scalar keys goes through the typed getters;
// structured sections (provider blocks, server lists) come from the file.
func (s *Settings) Unmarshal(path string, out interface{}) error {
	return s.k.UnmarshalWithConf(path, out, koanf.UnmarshalConf{Tag: "json"})
}

// Exists reports whether the key is present in the file snapshot or the
// environment.
func (s *Settings) Exists(path string) bool {
	if _, ok := os.LookupEnv(EnvKey(path)); ok {
		return true
	}
	return s.k.Exists(path)
}
