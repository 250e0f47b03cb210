package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"flowtest/pkg/logging"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/flowtest"
	projectConfigDir = ".flowtest"
	configFileName   = "config.yaml"

	// EnvPrefix prefixes environment overrides. A double underscore nests:
	// FLOWTEST_SERVER__READY_TIMEOUT sets server.ready_timeout.
	EnvPrefix = "FLOWTEST_"
)

// flagKeys maps CLI flag names to settings keys. Only flags the user set
// explicitly take part in loading.
var flagKeys = map[string]string{
	"runtime":       "containers.runtime",
	"bridge-host":   "containers.bridge_host",
	"query-mode":    "query.mode",
	"base-dir":      "workspace.base_dir",
	"persistent":    "workspace.persistent",
	"server-config": "server.base_config",
	"ready-timeout": "server.ready_timeout",
	"log-level":     "log.level",
}

// Load builds Settings from, in increasing precedence: defaults, the user
// config file, the project config file, explicitPath, FLOWTEST_ environment
// variables and explicitly set flags. Missing optional files are skipped.
func Load(explicitPath string, flags *pflag.FlagSet) (Settings, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Settings{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	userConfigPath, err := getUserConfigPath()
	if err != nil {
		logging.Warn("Config", "Could not determine user config path: %v", err)
	} else if err := loadOptionalFile(k, userConfigPath); err != nil {
		return Settings{}, fmt.Errorf("error loading user config from %s: %w", userConfigPath, err)
	}

	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		logging.Warn("Config", "Could not determine project config path: %v", err)
	} else if err := loadOptionalFile(k, projectConfigPath); err != nil {
		return Settings{}, fmt.Errorf("error loading project config from %s: %w", projectConfigPath, err)
	}

	if explicitPath != "" {
		if err := k.Load(file.Provider(explicitPath), yaml.Parser()); err != nil {
			return Settings{}, fmt.Errorf("error loading config from %s: %w", explicitPath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return Settings{}, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return Settings{}, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("unable to decode config: %w", err)
	}
	return s, nil
}

// envKey turns FLOWTEST_SERVER__READY_TIMEOUT into server.ready_timeout.
// server.command is split on whitespace.
func envKey(key, value string) (string, interface{}) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if key == "server.command" {
		return key, strings.Fields(value)
	}
	return key, value
}

func loadOptionalFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	logging.Debug("Config", "Loading %s", path)
	return k.Load(file.Provider(path), yaml.Parser())
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir() // Use mockable variable
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd() // Use mockable variable
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// Defaults returns the built-in settings without reading files, the
// environment or flags.
func Defaults() (Settings, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Settings{}, fmt.Errorf("failed to load defaults: %w", err)
	}
	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("unable to decode defaults: %w", err)
	}
	return s, nil
}
