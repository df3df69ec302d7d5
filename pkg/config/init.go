package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configFileHeader = `# LayoutWCC Configuration File
#
# Values can be overridden with environment variables using the
# LAYOUTWCC_ prefix, e.g. LAYOUTWCC_LOGGING_LEVEL=DEBUG.

`

// InitConfig creates a default configuration file at the default location
// (~/.config/layoutwcc/config.yaml). Returns the path of the created file.
// If the file already exists, an error is returned unless force is true.
func InitConfig(force bool) (string, error) {
	configPath := GetDefaultConfigPath()
	if err := InitConfigToPath(configPath, force); err != nil {
		return "", err
	}
	return configPath, nil
}

// InitConfigToPath creates a default configuration file at the given path.
// If the file already exists, an error is returned unless force is true.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The sample config is a starting point for running the daemon, so the
	// responder is switched on; the in-process default stays off.
	cfg := GetDefaultConfig()
	cfg.Responder.Enabled = true

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	content := append([]byte(configFileHeader), data...)
	if err := os.WriteFile(path, content, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
