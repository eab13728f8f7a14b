package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfig overrides config discovery.
const EnvConfig = "CONDUIT_CONFIG"

// Discover finds the config file for the current directory.
// Priority order: $CONDUIT_CONFIG, ./conduit.yaml, ./.conduit.yaml
func Discover() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return DiscoverIn(wd)
}

// DiscoverIn is Discover relative to dir.
func DiscoverIn(dir string) (string, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("$%s points at %s: %w", EnvConfig, p, err)
		}
		return p, nil
	}

	for _, name := range []string{FileName, "." + FileName} {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $%s, ./%s, ./.%s)\n"+
		"Hint: Create %s or pass --config", EnvConfig, FileName, FileName, FileName)
}
