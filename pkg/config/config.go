package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/willibrandon/stepwatch/pkg/monitor"
)

const (
	configDir  string = "stepwatch"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Named register signatures, usable with --signature and the
	// wait_until_match command.
	Signatures map[string]map[string]uint64 `yaml:"signatures"`
	// Signature used when none is given on the command line.
	DefaultSignature string `yaml:"default-signature,omitempty"`

	// Address of the gdbstub used by the gdb command.
	GdbAddress string `yaml:"gdb-address,omitempty"`
	// Linear address the emulate command loads images at.
	LoadAddress uint64 `yaml:"load-address,omitempty"`

	// Compression of recorded traces, zstd or none.
	RecordCompression string `yaml:"record-compression,omitempty"`
	// Print a progress line every n steps while waiting. Zero disables it.
	ProgressInterval int `yaml:"progress-interval,omitempty"`

	// Provided aliases will be added to the default aliases for a given command.
	Aliases map[string][]string `yaml:"aliases"`
	// File the terminal history is kept in.
	HistoryFile string `yaml:"history-file,omitempty"`
}

// Signature resolves a named signature.
func (c *Config) Signature(name string) (*monitor.Signature, error) {
	regs, ok := c.Signatures[name]
	if !ok {
		return nil, fmt.Errorf("no signature named %q", name)
	}
	return monitor.FromMap(regs)
}

// SignatureNames returns the names of the configured signatures, sorted.
func (c *Config) SignatureNames() []string {
	names := make([]string, 0, len(c.Signatures))
	for name := range c.Signatures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every configured signature parses.
func (c *Config) Validate() error {
	for _, name := range c.SignatureNames() {
		if _, err := c.Signature(name); err != nil {
			return fmt.Errorf("signature %q: %w", name, err)
		}
	}
	if c.DefaultSignature != "" {
		if _, ok := c.Signatures[c.DefaultSignature]; !ok {
			return fmt.Errorf("default-signature %q is not defined", c.DefaultSignature)
		}
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// A commented default file is written when none exists.
func LoadConfig() (*Config, error) {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}
	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	return LoadConfigFile(fullConfigFile)
}

// LoadConfigFile reads the configuration at path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file %s: %v", path, err)
	}
	if err := c.Validate(); err != nil {
		return &c, fmt.Errorf("%s: %v", path, err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config, path string) error {
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}

func createDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(defaultConfig); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

const defaultConfig = `# Configuration file for stepwatch.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Named register signatures. Values may be written in hex.
signatures:
  # Registers loaded for a BIOS int 13h read of two sectors into 2000:0000.
  int13-read: {ax: 0x0202, es: 0x2000, bx: 0, ch: 0, cl: 2, dh: 0}

# Signature waited for when no --signature is given.
# default-signature: int13-read

# Address of the gdbstub (qemu -s listens on localhost:1234).
# gdb-address: localhost:1234

# Linear address the emulate command loads images at.
# load-address: 0x7c00

# Compression of recorded traces: zstd or none.
# record-compression: zstd

# Print a progress line every n steps while waiting.
# progress-interval: 100000

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# File the terminal history is kept in.
# history-file: ~/.config/stepwatch/history
`

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, configDir, file), nil
}
