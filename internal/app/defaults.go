package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment overrides for DefaultPaths.
const (
	EnvConfigPath = "CHUNKUP_CONFIG_PATH"
	EnvHome       = "CHUNKUP_HOME"
)

// Paths locates the config file and the directory holding the database,
// upload bytes and logs.
type Paths struct {
	ConfigFile string
	BaseDir    string
}

// DefaultPaths resolves Paths from the environment, falling back to
// ~/.config/chunkup.toml and ~/.local/share/chunkup. Overrides must be
// absolute since the server may be started from any directory.
func DefaultPaths() (Paths, error) {
	home, homeErr := os.UserHomeDir()
	resolve := func(env string, fallback ...string) (string, error) {
		if v := os.Getenv(env); v != "" {
			if !filepath.IsAbs(v) {
				return "", fmt.Errorf("%s must be an absolute path, got %q", env, v)
			}
			return filepath.Clean(v), nil
		}
		if homeErr != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", homeErr)
		}
		return filepath.Join(append([]string{home}, fallback...)...), nil
	}

	configFile, err := resolve(EnvConfigPath, ".config", "chunkup.toml")
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := resolve(EnvHome, ".local", "share", "chunkup")
	if err != nil {
		return Paths{}, err
	}
	return Paths{ConfigFile: configFile, BaseDir: baseDir}, nil
}
