// Copyright 2025 AsyncFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads asyncfs settings from ~/.asyncfs/settings.yaml.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// getConfigDir returns the config directory path.
// Uses ASYNCFS_CONFIG_DIR env var if set, otherwise defaults to ~/.asyncfs.
// Computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("ASYNCFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".asyncfs")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return getConfigDir()
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// Settings configures the write-behind layer.
type Settings struct {
	LogLevel    string `yaml:"log_level"`    // trace, debug, info, warn, error (default: info)
	DelayMs     int    `yaml:"delay_ms"`     // artificial per-record writer delay, for testing (default: 0)
	Halt        string `yaml:"halt"`         // initial halt mode: never, now, idle (default: never)
	MetricsAddr string `yaml:"metrics_addr"` // Prometheus listen address, empty disables
	OSLocks     bool   `yaml:"os_locks"`     // take OS advisory locks alongside in-process locks
	Root        string `yaml:"root"`         // directory the shim is rooted in (default: cwd)
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.Halt == "" {
		s.Halt = "never"
	}
	if s.DelayMs < 0 {
		s.DelayMs = 0
	}
}

// NormalizedLogLevel returns the lowercase log level.
func (s *Settings) NormalizedLogLevel() string {
	return strings.ToLower(s.LogLevel)
}

// Load reads settings from the settings file. A missing file yields the
// defaults rather than an error.
func Load() (*Settings, error) {
	return LoadFromPath(SettingsPath())
}

// LoadFromPath reads settings from a specific file path.
func LoadFromPath(path string) (*Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.ApplyDefaults()
			return &s, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	s.ApplyDefaults()
	return &s, nil
}

// Save writes settings to the settings file.
func Save(s *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# asyncfs settings\n# See: asyncfs --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}
