package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxFileSize = 1 << 20
	envPrefix   = "PHASEFLOW_"
	systemDir   = "/etc/phaseflow"
)

// LoadWithFile builds the configuration from, lowest to highest precedence:
// defaults, the YAML file at path, then PHASEFLOW_* environment variables.
//
// An empty path means ~/.config/phaseflow/config.yaml. The file must sit
// under ~/.config/phaseflow/ or /etc/phaseflow/, be owner-only (0600 or
// 0400) and at most 1MB. A missing file is not an error.
//
// Environment variables name the section, then the key:
//
//	PHASEFLOW_ENGINE_MAX_ITERATIONS -> engine.max_iterations
//	PHASEFLOW_NATS_URL              -> nats.url
func LoadWithFile(path string) (*Config, error) {
	if path == "" {
		dir, err := userDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := checkLocation(path); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	k := koanf.New(".")
	content, err := readConfigFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// readConfigFile checks and reads path through one descriptor, so the
// checked file is the one that is read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0o600 && perm != 0o400 {
			return nil, fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	return io.ReadAll(io.LimitReader(f, maxFileSize))
}

// envKey maps PHASEFLOW_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	section, field, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_")
	if !ok {
		return section
	}
	return section + "." + field
}

func userDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "phaseflow"), nil
}

// checkLocation rejects paths that resolve outside the user and system
// config directories. Symlinks are followed when the file exists.
func checkLocation(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	user, err := userDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{user, systemDir} {
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/phaseflow/ or %s/", systemDir)
}
