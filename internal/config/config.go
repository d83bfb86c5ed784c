// Package config loads the daemon's external configuration collaborator
// named in spec.md §6 ("interval", "if") plus the ambient fields added
// by SPEC_FULL.md §4.6 (log level, protocol family bind options), using
// viper/mapstructure the way the rest of the retrieved corpus does
// (grounded on nabbar-golib's go.mod).
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// DefaultIntervalMs is the default period between generic-netlink
	// driver query-iterator ticks (spec.md §6).
	DefaultIntervalMs = 1000
	// MinIntervalMs is the smallest accepted tick period.
	MinIntervalMs = 100
)

// Config is the daemon's full external configuration. Schema validation
// beyond the bounds named in spec.md §6 is out of scope (spec.md §1).
type Config struct {
	// Interval is the generic-netlink driver's query tick period. The
	// config key is the literal "interval" named in spec.md §6; the
	// decode hook below interprets its bare numeric value as
	// milliseconds.
	Interval time.Duration `mapstructure:"interval"`
	// Interfaces is the list of interface names the driver polls; the
	// driver does not discover interfaces on its own. The config key
	// is the literal "if" named in spec.md §6.
	Interfaces []string `mapstructure:"if"`
	// LogLevel is parsed into a logrus.Level at Load time.
	LogLevel string `mapstructure:"log_level"`
	// ProtocolFamilies lists generic-netlink family names. It is loaded
	// as a plain field and nothing in the daemon reads it; the driver
	// discovers only its built-in family. Bind-option validation is out
	// of scope.
	ProtocolFamilies []string `mapstructure:"protocol_families"`
}

// ParsedLogLevel returns c.LogLevel parsed as a logrus.Level, defaulting
// to logrus.InfoLevel if unset or unparseable.
func (c Config) ParsedLogLevel() logrus.Level {
	if c.LogLevel == "" {
		return logrus.InfoLevel
	}
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// defaults sets viper's fallback values, applied before any file/env/
// flag source is consulted.
func defaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultIntervalMs)
	v.SetDefault("if", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("protocol_families", []string{})
}

// Load reads configuration from configPath (if non-empty), environment
// variables prefixed MESHD_, and whatever has already been bound onto v
// by the caller (e.g. cobra flags), in viper's usual precedence order.
// A nil v constructs a fresh viper.Viper.
func Load(v *viper.Viper, configPath string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	defaults(v)

	v.SetEnvPrefix("meshd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		millisecondsToDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return Config{}, fmt.Errorf("config: decoding: %w", err)
	}

	if cfg.Interval < MinIntervalMs*time.Millisecond {
		cfg.Interval = MinIntervalMs * time.Millisecond
	}

	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// millisecondsToDurationHookFunc interprets a bare numeric "interval"
// as milliseconds rather than nanoseconds, since the wire/config
// convention named in spec.md §6 is milliseconds.
func millisecondsToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Millisecond, nil
		case int64:
			return time.Duration(v) * time.Millisecond, nil
		case float64:
			return time.Duration(v) * time.Millisecond, nil
		default:
			return data, nil
		}
	}
}
