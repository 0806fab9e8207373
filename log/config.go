/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"fmt"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"
)

// Level defines the minimal level of log messages.
type Level string

// Supported logging levels.
const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (l *Level) UnmarshalText(text []byte) error {
	switch v := Level(strings.ToLower(string(text))); v {
	case LevelError, LevelWarn, LevelInfo, LevelDebug:
		*l = v
		return nil
	}
	return fmt.Errorf("unknown log level %q", string(text))
}

// Format defines the format of log messages.
type Format string

// Supported logging formats.
const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (f *Format) UnmarshalText(text []byte) error {
	switch v := Format(strings.ToLower(string(text))); v {
	case FormatJSON, FormatText:
		*f = v
		return nil
	}
	return fmt.Errorf("unknown log format %q", string(text))
}

// Output defines the output of log messages.
type Output string

// Supported logging outputs.
const (
	OutputStdout Output = "stdout"
	OutputStderr Output = "stderr"
	OutputFile   Output = "file"
)

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (o *Output) UnmarshalText(text []byte) error {
	switch v := Output(strings.ToLower(string(text))); v {
	case OutputStdout, OutputStderr, OutputFile:
		*o = v
		return nil
	}
	return fmt.Errorf("unknown log output %q", string(text))
}

// ByteSize represents a size in bytes that can be parsed from JSON and YAML.
// Both integers and human-readable strings (e.g. "256M") are supported.
type ByteSize uint64

// UnmarshalJSON implements the json.Unmarshaler interface.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if num, err := strconv.ParseInt(s, 10, 64); err == nil {
		if num < 0 {
			return fmt.Errorf("negative value is not allowed: %d", num)
		}
		*b = ByteSize(num)
		return nil
	}
	num, err := bytefmt.ToBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	*b = ByteSize(num)
	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var num uint64
	if err := value.Decode(&num); err == nil {
		*b = ByteSize(num)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid byte size format: %v", value)
	}
	parsed, err := bytefmt.ToBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	*b = ByteSize(parsed)
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface,
// which is used by mapstructure.TextUnmarshallerHookFunc.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.UnmarshalJSON(text)
}

// String implements the fmt.Stringer interface.
func (b ByteSize) String() string {
	return bytefmt.ByteSize(uint64(b))
}

// Default and restriction values.
const (
	DefaultFileRotationMaxSizeBytes = 1024 * 1024 * 250
	DefaultFileRotationMaxBackups   = 10
)

// FileRotationConfig is a configuration for logging file rotation.
type FileRotationConfig struct {
	// Compress determines whether the rotated log files should be compressed.
	Compress bool `mapstructure:"compress" yaml:"compress" json:"compress"`

	// MaxSize is the maximum size of the log file before it gets rotated.
	MaxSize ByteSize `mapstructure:"maxSize" yaml:"maxSize" json:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `mapstructure:"maxBackups" yaml:"maxBackups" json:"maxBackups"`

	// MaxAgeDays is the maximum number of days to retain old log files.
	MaxAgeDays int `mapstructure:"maxAgeDays" yaml:"maxAgeDays" json:"maxAgeDays"`

	// LocalTimeInNames determines if the local time is used in rotated log file names.
	LocalTimeInNames bool `mapstructure:"localTimeInNames" yaml:"localTimeInNames" json:"localTimeInNames"`
}

// FileOutputConfig is a configuration for logging into a file.
type FileOutputConfig struct {
	// Path is the log file path. "{{starttime}}" and "{{pid}}" placeholders are supported.
	Path string `mapstructure:"path" yaml:"path" json:"path"`

	Rotation FileRotationConfig `mapstructure:"rotation" yaml:"rotation" json:"rotation"`
}

// Config represents a set of configuration parameters for logging.
// Configuration can be loaded in different formats (YAML, JSON)
// with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Level   Level            `mapstructure:"level" yaml:"level" json:"level"`
	Format  Format           `mapstructure:"format" yaml:"format" json:"format"`
	Output  Output           `mapstructure:"output" yaml:"output" json:"output"`
	NoColor bool             `mapstructure:"nocolor" yaml:"nocolor" json:"nocolor"`
	File    FileOutputConfig `mapstructure:"file" yaml:"file" json:"file"`
}

// NewDefaultConfig creates a new Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: OutputStdout,
		File: FileOutputConfig{
			Rotation: FileRotationConfig{
				MaxSize:    DefaultFileRotationMaxSizeBytes,
				MaxBackups: DefaultFileRotationMaxBackups,
			},
		},
	}
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	switch c.Level {
	case LevelError, LevelWarn, LevelInfo, LevelDebug:
	default:
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	switch c.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	switch c.Output {
	case OutputStdout, OutputStderr:
	case OutputFile:
		if c.File.Path == "" {
			return fmt.Errorf("file path must not be empty for %q output", OutputFile)
		}
	default:
		return fmt.Errorf("unknown log output %q", c.Output)
	}
	return nil
}
