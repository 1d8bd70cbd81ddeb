package buildat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds the server-wide settings the original exposed as command
// line switches (spec.md §6.1/§7). A Config can come from flags, from an
// optional file (buildat.toml / buildat.yaml), or both — flags always win,
// matching the teacher's feeder precedence (env/file feeders seed
// defaults, explicit flags override them).
type Config struct {
	ModulesPath       string `toml:"modules_path" yaml:"modules_path"`
	SharePath         string `toml:"share_path" yaml:"share_path"` // also doubles as the builtin modules root
	CompilerCommand   string `toml:"compiler_command" yaml:"compiler_command"`
	LogLevel          string `toml:"log_level" yaml:"log_level"`
	LogFile           string `toml:"log_file" yaml:"log_file"`
	SkipCompileModule bool   `toml:"skip_compile_module" yaml:"skip_compile_module"`
	ListenAddress     string `toml:"listen_address" yaml:"listen_address"`
}

// DefaultConfig returns the settings used when neither a config file nor a
// flag supplies a value.
func DefaultConfig() Config {
	return Config{
		ModulesPath:     "modules",
		SharePath:       "share",
		CompilerCommand: "",
		LogLevel:        "info",
		LogFile:         "",
		ListenAddress:   ":4000",
	}
}

// LoadConfigFile reads a TOML or YAML config file (chosen by extension) into
// a Config seeded with DefaultConfig. A missing path is not an error: it
// simply returns the defaults, the same forgiving behavior the teacher's
// config feeders have for an absent optional source.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decoding toml config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decoding yaml config %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unrecognized config file extension: %s", path)
	}
	return cfg, nil
}

// FlagSet builds the pflag.FlagSet mirroring the original's getopt surface:
// -m modules_path, -S share_path, -c compiler_command, -l log_level,
// -L log_file, -C skip_compile_module (spec.md §6.1).
func FlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("buildatd", pflag.ContinueOnError)
	fs.StringVarP(&cfg.ModulesPath, "modules-path", "m", cfg.ModulesPath, "path to user modules")
	fs.StringVarP(&cfg.SharePath, "share-path", "S", cfg.SharePath, "path to builtin/static module data")
	fs.StringVarP(&cfg.CompilerCommand, "compiler-command", "c", cfg.CompilerCommand, "ignored; retained for meta.yaml fidelity")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "debug, info, warn, or error")
	fs.StringVarP(&cfg.LogFile, "log-file", "L", cfg.LogFile, "path to write logs, empty for stderr")
	fs.BoolVarP(&cfg.SkipCompileModule, "skip-compile-module", "C", cfg.SkipCompileModule, "ignored; retained for CLI fidelity")
	fs.StringVar(&cfg.ListenAddress, "listen", cfg.ListenAddress, "TCP address the network module listens on")
	return fs
}

// ParseFlags parses args (normally os.Args[1:]) into cfg.
func ParseFlags(cfg *Config, args []string) error {
	fs := FlagSet(cfg)
	return fs.Parse(args)
}

// LoadFileMeta reads a module's meta.yaml (preferred) or meta.json from
// dir, the same dual schema the original supported (spec.md §6.3).
func LoadFileMeta(dir string) (ModuleMeta, error) {
	var meta ModuleMeta

	yamlPath := filepath.Join(dir, "meta.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &meta); err != nil {
			return meta, fmt.Errorf("decoding %s: %w", yamlPath, err)
		}
		return meta, nil
	}

	jsonPath := filepath.Join(dir, "meta.json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return meta, fmt.Errorf("reading module metadata in %s: %w", dir, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decoding %s: %w", jsonPath, err)
	}
	return meta, nil
}
