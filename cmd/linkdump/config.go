package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const configFileName = ".linkdumprc"

// fileConfig represents the YAML config file structure.
type fileConfig struct {
	Addr              *string `yaml:"addr"`
	LoadStrategy      *string `yaml:"load_strategy"`
	EnableBiDi        *bool   `yaml:"enable_bidi"`
	TargetAddress     *string `yaml:"target_address"`
	NavigationTimeout *string `yaml:"navigation_timeout"` // duration string, e.g. "30s"
	ConnectTimeout    *string `yaml:"connect_timeout"`
	PingInterval      *string `yaml:"ping_interval"`
	Backend           *string `yaml:"backend"`
	NewTab            *bool   `yaml:"new_tab"`
	Output            *string `yaml:"output"`
	LogLevel          *string `yaml:"log_level"`
	LogFormat         *string `yaml:"log_format"`
	Trace             *string `yaml:"trace"`
}

// loadConfigFile loads a .linkdumprc file and applies it to cfg.
// It checks CWD first, then home directory. Values in the file
// override defaults but are themselves overridden by env vars and flags.
// A file that is not valid YAML is skipped with a warning; a valid file
// holding an unusable value is an error.
func loadConfigFile(cfg *Config) error {
	paths := []string{
		filepath.Join(".", configFileName),
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, configFileName))
	}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			fmt.Fprintf(cfg.Stderr, "warning: ignoring %s: %v\n", p, err)
			continue
		}
		if err := applyFileConfig(cfg, &fc); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		return nil // use first file found
	}
	return nil
}

func applyFileConfig(cfg *Config, fc *fileConfig) error {
	if fc.Addr != nil {
		cfg.Addr = *fc.Addr
	}
	if fc.LoadStrategy != nil {
		cfg.LoadStrategy = *fc.LoadStrategy
	}
	if fc.EnableBiDi != nil {
		cfg.BiDi = *fc.EnableBiDi
	}
	if fc.TargetAddress != nil {
		cfg.URL = *fc.TargetAddress
	}
	if err := applyDuration("navigation_timeout", fc.NavigationTimeout, &cfg.NavTimeout); err != nil {
		return err
	}
	if err := applyDuration("connect_timeout", fc.ConnectTimeout, &cfg.ConnectTimeout); err != nil {
		return err
	}
	if err := applyDuration("ping_interval", fc.PingInterval, &cfg.PingInterval); err != nil {
		return err
	}
	if fc.Backend != nil {
		cfg.Backend = *fc.Backend
	}
	if fc.NewTab != nil {
		cfg.NewTab = *fc.NewTab
	}
	if fc.Output != nil {
		cfg.Output = *fc.Output
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.LogFormat != nil {
		cfg.LogFormat = *fc.LogFormat
	}
	if fc.Trace != nil {
		cfg.Trace = *fc.Trace
	}
	return nil
}

func applyDuration(key string, s *string, dst *time.Duration) error {
	if s == nil {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s %q: want a duration such as 30s", key, *s)
	}
	*dst = d
	return nil
}
