package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "maskcreator"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/maskcreator/
//   - Linux:   $XDG_DATA_HOME/maskcreator/ or ~/.local/share/maskcreator/
//   - Windows: %APPDATA%\maskcreator\
//
// Falls back to ~/.maskcreator if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(homeDir(), ".local", "share", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
	}
	return filepath.Join(homeDir(), "."+appName)
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   same as the data directory
//   - Linux:   $XDG_CONFIG_HOME/maskcreator/ or ~/.config/maskcreator/
//   - Windows: same as the data directory
func PlatformConfigDir() string {
	if runtime.GOOS != "linux" {
		return PlatformDataDir()
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	return filepath.Join(homeDir(), ".config", appName)
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Config directory
	searchDirs := []string{
		".",
		PlatformConfigDir(),
	}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
