package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/servicesd/internal/fsutil"
)

// Config holds what the entrypoint hands to an App instance.
type Config struct {
	// ConfigPaths are the configuration files, merged in order. They must
	// share one format, chosen by extension.
	ConfigPaths []string

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	// WatchConfig triggers a rehash whenever a configuration file changes.
	WatchConfig bool
}

// NewConfig validates cfg and returns a copy.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.ConfigPaths) == 0 {
		return nil, errors.New("at least one configuration file is required")
	}
	if _, err := formatOf(cfg.ConfigPaths); err != nil {
		return nil, err
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("healthcheck port %d is out of range", cfg.HealthcheckPort)
	}
	cfg.ConfigPaths = append([]string(nil), cfg.ConfigPaths...)
	return &cfg, nil
}

// formatOf returns "hcl" or "yaml" for a set of configuration paths. A
// directory takes the format of the files it holds.
func formatOf(paths []string) (string, error) {
	format := ""
	for _, p := range paths {
		f, err := pathFormat(p)
		if err != nil {
			return "", err
		}
		if format != "" && f != format {
			return "", fmt.Errorf("configuration files mix %s and %s", format, f)
		}
		format = f
	}
	return format, nil
}

func pathFormat(p string) (string, error) {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".hcl":
		return "hcl", nil
	case ".yaml", ".yml":
		return "yaml", nil
	}
	info, err := os.Stat(p)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("unsupported configuration file %q: expected .hcl, .yaml, .yml or a directory", p)
	}
	if files, err := fsutil.FindFilesByExtension(p, ".hcl"); err == nil && len(files) > 0 {
		return "hcl", nil
	}
	if files, err := fsutil.FindFilesByExtension(p, ".yaml", ".yml"); err == nil && len(files) > 0 {
		return "yaml", nil
	}
	return "", fmt.Errorf("directory %q holds no configuration files", p)
}
