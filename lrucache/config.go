/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultMaxEntries = 1000
)

// Configuration keys as they appear in YAML/JSON documents and environment variables.
const (
	cfgKeyMaxEntries      = "lruCache.maxEntries"
	cfgKeyDefaultTTL      = "lruCache.defaultTTL"
	cfgKeyCleanupInterval = "lruCache.cleanupInterval"
	cfgKeyShardCount      = "lruCache.shardCount"
)

// TimeDuration represents a time duration that can be parsed from JSON and YAML.
// Both integers (nanoseconds) and human-readable strings (e.g. "15m") are supported.
type TimeDuration time.Duration

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *TimeDuration) UnmarshalJSON(data []byte) error {
	if num, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*d = TimeDuration(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = TimeDuration(dur)
	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	var num int64
	if err := value.Decode(&num); err == nil {
		*d = TimeDuration(num)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid time duration format: %v", value)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = TimeDuration(dur)
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface,
// which is used by mapstructure.TextUnmarshallerHookFunc.
func (d *TimeDuration) UnmarshalText(text []byte) error {
	return d.UnmarshalJSON(text)
}

// String implements the fmt.Stringer interface.
func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements the json.Marshaler interface.
func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config represents a set of configuration parameters for the cache.
// Configuration can be loaded in different formats (YAML, JSON) using ConfigLoader,
// with DecodeMap for app configs already parsed into a map,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// MaxEntries is the cache capacity. Must be positive.
	MaxEntries int `mapstructure:"maxEntries" yaml:"maxEntries" json:"maxEntries"`

	// DefaultTTL is the TTL applied by Add and GetOrLoad. Zero means no expiration.
	DefaultTTL TimeDuration `mapstructure:"defaultTTL" yaml:"defaultTTL" json:"defaultTTL"`

	// CleanupInterval is the interval between expired entries sweeps performed
	// by PeriodicCleaner. Zero disables periodic cleanup (lazy expiration still applies).
	CleanupInterval TimeDuration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`

	// ShardCount is the number of shards used by NewShardedFromConfig.
	// Zero means DefaultShardCount.
	ShardCount int `mapstructure:"shardCount" yaml:"shardCount" json:"shardCount"`
}

// NewDefaultConfig creates a new Config with default values.
func NewDefaultConfig() *Config {
	return &Config{MaxEntries: DefaultMaxEntries}
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("maxEntries must be greater than 0, got %d", c.MaxEntries)
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("defaultTTL must be greater or equal to 0 (no expiration), got %s", c.DefaultTTL)
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("cleanupInterval must be greater or equal to 0 (no periodic cleanup), got %s", c.CleanupInterval)
	}
	if c.ShardCount < 0 {
		return fmt.Errorf("shardCount must be greater or equal to 0 (default sharding), got %d", c.ShardCount)
	}
	return nil
}

// DecodeMap fills the Config from an already parsed configuration map
// (e.g. a section of an application config decoded elsewhere).
// Durations may be given as strings ("30s") or integers (nanoseconds).
func (c *Config) DecodeMap(data map[string]interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.TextUnmarshallerHookFunc(),
		Result:     c,
	})
	if err != nil {
		return err
	}
	if err = decoder.Decode(data); err != nil {
		return err
	}
	return c.Validate()
}

// DataType defines the format of the configuration data.
type DataType string

// Supported configuration data types.
const (
	DataTypeYAML DataType = "yaml"
	DataTypeJSON DataType = "json"
)

// ConfigLoader reads cache configuration from files, readers, and environment
// variables, using viper under the hood. All parameters live under the
// "lruCache" key; with env vars enabled, "lruCache.maxEntries" becomes
// "<PREFIX>_LRUCACHE_MAXENTRIES".
type ConfigLoader struct {
	viper *viper.Viper
}

// NewConfigLoader creates a new ConfigLoader.
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{viper: viper.New()}
}

// UseEnvVars enables overriding configuration parameters with environment variables.
// Prefix defines which environment variables will be looked at.
func (l *ConfigLoader) UseEnvVars(prefix string) {
	l.viper.AutomaticEnv()
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.SetEnvPrefix(prefix)
}

// LoadFromFile loads and validates configuration values from the file.
func (l *ConfigLoader) LoadFromFile(path string, dataType DataType, cfg *Config) error {
	l.viper.SetConfigType(string(dataType))
	l.viper.SetConfigFile(path)
	if err := l.viper.ReadInConfig(); err != nil {
		return err
	}
	return l.load(cfg)
}

// LoadFromReader loads and validates configuration values from the reader.
func (l *ConfigLoader) LoadFromReader(reader io.Reader, dataType DataType, cfg *Config) error {
	l.viper.SetConfigType(string(dataType))
	if err := l.viper.ReadConfig(reader); err != nil {
		return err
	}
	return l.load(cfg)
}

// load reads every known key separately (instead of a single Unmarshal call)
// so that environment variable overrides are honored for each of them.
func (l *ConfigLoader) load(cfg *Config) error {
	l.viper.SetDefault(cfgKeyMaxEntries, DefaultMaxEntries)
	l.viper.SetDefault(cfgKeyShardCount, 0)
	l.viper.SetDefault(cfgKeyDefaultTTL, "0s")
	l.viper.SetDefault(cfgKeyCleanupInterval, "0s")

	var err error
	if cfg.MaxEntries, err = cast.ToIntE(l.viper.Get(cfgKeyMaxEntries)); err != nil {
		return fmt.Errorf("read %q: %w", cfgKeyMaxEntries, err)
	}
	if cfg.ShardCount, err = cast.ToIntE(l.viper.Get(cfgKeyShardCount)); err != nil {
		return fmt.Errorf("read %q: %w", cfgKeyShardCount, err)
	}
	defaultTTL, err := cast.ToDurationE(l.viper.Get(cfgKeyDefaultTTL))
	if err != nil {
		return fmt.Errorf("read %q: %w", cfgKeyDefaultTTL, err)
	}
	cfg.DefaultTTL = TimeDuration(defaultTTL)
	cleanupInterval, err := cast.ToDurationE(l.viper.Get(cfgKeyCleanupInterval))
	if err != nil {
		return fmt.Errorf("read %q: %w", cfgKeyCleanupInterval, err)
	}
	cfg.CleanupInterval = TimeDuration(cleanupInterval)

	return cfg.Validate()
}

// NewFromConfig creates a new LRUCache from the provided configuration.
// ShardCount and CleanupInterval are not interpreted here,
// see NewShardedFromConfig and PeriodicCleaner.
func NewFromConfig[K comparable, V any](cfg *Config, metricsCollector MetricsCollector) (*LRUCache[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewWithOpts[K, V](cfg.MaxEntries, metricsCollector, Options[K, V]{
		DefaultTTL: time.Duration(cfg.DefaultTTL),
	})
}

// NewShardedFromConfig creates a new ShardedLRUCache from the provided configuration.
func NewShardedFromConfig[K comparable, V any](
	cfg *Config, metricsCollector MetricsCollector,
) (*ShardedLRUCache[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewShardedWithOpts[K, V](cfg.MaxEntries, metricsCollector, ShardedOptions[K, V]{
		Options:    Options[K, V]{DefaultTTL: time.Duration(cfg.DefaultTTL)},
		ShardCount: cfg.ShardCount,
	})
}
