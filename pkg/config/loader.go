package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// LocalConfigFileName is the name of the local config file.
	LocalConfigFileName = ".netwatch.yaml"
	// GlobalConfigDir is the directory for the global config.
	GlobalConfigDir = "netwatch"
	// GlobalConfigFileName is the name of the global config file.
	GlobalConfigFileName = "config.yaml"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidYAML      = errors.New("invalid YAML syntax")
	ErrEmptyFile        = errors.New("configuration file is empty")
)

// LoadFromFile reads a YAML config file over the defaults.
// Returns wrapped errors for common failure cases.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load builds the configuration from defaults, the config file and the
// environment. An explicit path must exist; discovered files are optional.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = FindConfig()
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	ApplyEnv(cfg)
	return cfg, nil
}

// FindConfig returns the local config file if present, else the global one,
// else "".
func FindConfig() string {
	if cwd, err := os.Getwd(); err == nil {
		local := filepath.Join(cwd, LocalConfigFileName)
		if isFile(local) {
			return local
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		global := filepath.Join(dir, GlobalConfigDir, GlobalConfigFileName)
		if isFile(global) {
			return global
		}
	}
	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (c *Config) mergeFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return fmt.Errorf("failed to read file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	if err := c.mergeYAML(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	c.ConfigFile = path
	return nil
}

// mergeYAML decodes data over c and records every key it set.
func (c *Config) mergeYAML(data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	if len(doc.Content) == 0 {
		return ErrEmptyFile
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}

	recordKeys(c, doc.Content[0], "")
	return nil
}

func recordKeys(c *Config, n *yaml.Node, prefix string) {
	if n.Kind != yaml.MappingNode {
		if prefix != "" {
			c.SetSource(prefix, SourceFile)
		}
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		recordKeys(c, n.Content[i+1], key)
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
