package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".timetrack"
	configFile string = "config.yml"
)

// Address computation policies for load-effective-address instructions.
const (
	AddressCalcTerminal  = "terminal"
	AddressCalcDecompose = "decompose"
)

// Defaults used when the configuration file leaves a value unset.
const (
	DefaultMaxSteps        = 50
	DefaultMaxDepth        = 20
	DefaultSearchCeiling   = 10000
	DefaultSymbolCacheSize = 1024
	DefaultPositionColor   = 1 // bold
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// MaxSteps is the maximum number of work items processed by a single
	// trace, across the whole tree.
	MaxSteps *int `yaml:"max-steps,omitempty"`
	// MaxDepth is the maximum depth of a single branch of the tree.
	MaxDepth *int `yaml:"max-depth,omitempty"`
	// SearchCeiling bounds the number of backward steps taken while looking
	// for a register write.
	SearchCeiling *int `yaml:"search-ceiling,omitempty"`

	// AddressCalc selects how address computations (lea) are handled:
	// "terminal" stops at the instruction, "decompose" follows its base and
	// index registers.
	AddressCalc string `yaml:"address-calc,omitempty"`

	// SpillDir is the directory used for the temporary trace log. Defaults
	// to the system temporary directory.
	SpillDir string `yaml:"spill-dir,omitempty"`

	// DisassembleFlavor is the syntax used to print instructions: intel, gnu or go.
	DisassembleFlavor string `yaml:"disassemble-flavor,omitempty"`

	// PositionColor is the ANSI SGR code used to highlight positions in the
	// terminal report.
	PositionColor int `yaml:"position-color,omitempty"`

	// SymbolCacheSize is the number of resolved addresses kept by the
	// presenter.
	SymbolCacheSize int `yaml:"symbol-cache-size,omitempty"`

	// DebugInfoDirectories is the list of directories used to resolve
	// external debug info files when loading symbols.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`
}

// GetMaxSteps returns the configured step budget or the default.
func (c *Config) GetMaxSteps() int {
	if c == nil || c.MaxSteps == nil || *c.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return *c.MaxSteps
}

// GetMaxDepth returns the configured depth limit or the default.
func (c *Config) GetMaxDepth() int {
	if c == nil || c.MaxDepth == nil || *c.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return *c.MaxDepth
}

// GetSearchCeiling returns the configured register search ceiling or the default.
func (c *Config) GetSearchCeiling() int {
	if c == nil || c.SearchCeiling == nil || *c.SearchCeiling <= 0 {
		return DefaultSearchCeiling
	}
	return *c.SearchCeiling
}

// DecomposeAddressCalc returns true if lea instructions should be followed
// into their base and index registers.
func (c *Config) DecomposeAddressCalc() bool {
	return c != nil && c.AddressCalc == AddressCalcDecompose
}

// GetSymbolCacheSize returns the configured symbol cache size or the default.
func (c *Config) GetSymbolCacheSize() int {
	if c == nil || c.SymbolCacheSize <= 0 {
		return DefaultSymbolCacheSize
	}
	return c.SymbolCacheSize
}

// GetPositionColor returns the configured highlight for positions or the default.
func (c *Config) GetPositionColor() int {
	if c == nil || c.PositionColor <= 0 {
		return DefaultPositionColor
	}
	return c.PositionColor
}

// Validate checks enumerated options.
func (c *Config) Validate() error {
	switch c.AddressCalc {
	case "", AddressCalcTerminal, AddressCalcDecompose:
	default:
		return fmt.Errorf("invalid address-calc %q: must be %q or %q", c.AddressCalc, AddressCalcTerminal, AddressCalcDecompose)
	}
	switch c.DisassembleFlavor {
	case "", "intel", "gnu", "go":
	default:
		return fmt.Errorf("invalid disassemble-flavor %q", c.DisassembleFlavor)
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	return Parse(f)
}

// LoadConfigFrom reads the configuration from an explicit path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a configuration.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	if err := c.Validate(); err != nil {
		return &Config{}, err
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for timetrack.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Maximum number of work items processed by a single trace.
# max-steps: 50

# Maximum depth of a single branch of the provenance tree.
# max-depth: 20

# Maximum number of backward steps taken looking for a register write.
# search-ceiling: 10000

# How lea instructions are handled: "terminal" stops at the address
# computation, "decompose" follows its base and index registers.
# address-calc: terminal

# Directory for the temporary trace log (defaults to the system temp dir).
# spill-dir: /tmp

# Syntax used to print instructions: intel, gnu or go.
# disassemble-flavor: intel

# ANSI SGR code used to highlight positions (1 is bold).
# position-color: 1

# List of directories to use when searching for separate debug info files.
debug-info-directories: ["/usr/lib/debug/.build-id"]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("TIMETRACK_CONFIG_DIR"); configPath != "" {
		return path.Join(configPath, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
