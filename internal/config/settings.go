package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Settings is the resolved configuration the commands run with.
type Settings struct {
	LogLevel      string        `mapstructure:"log-level"`
	LogFormat     string        `mapstructure:"log-format"`
	LogFile       string        `mapstructure:"log-file"`
	LogMaxSizeMB  int           `mapstructure:"log-max-size-mb"`
	LogMaxFiles   int           `mapstructure:"log-max-files"`
	LogBufferSize int           `mapstructure:"log-buffer-size"`
	Entry         string        `mapstructure:"script.entry"`
	LoadTimeout   time.Duration `mapstructure:"script.load-timeout"`
	SyncTimeout   time.Duration `mapstructure:"script.sync-timeout"`
	Serve         ServeSettings `mapstructure:"serve"`
}

// ServeSettings holds the [serve] section.
type ServeSettings struct {
	Addr          string        `mapstructure:"addr"`
	Watch         bool          `mapstructure:"watch"`
	WatchDebounce time.Duration `mapstructure:"watch-debounce"`
	StateFile     string        `mapstructure:"state-file"`
	StateInterval time.Duration `mapstructure:"state-interval"`
}

// Level parses LogLevel, defaulting to info.
func (s Settings) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Settings resolves every option in the schema against c and the environment,
// and decodes the result. c may be nil.
func (s *ConfigSchema) Settings(c *Config) (Settings, error) {
	raw := make(map[string]any)
	for _, o := range s.options {
		v := s.ResolveSection(c, o.Section, o.Key)
		if o.Section == "" {
			raw[o.Key] = v
			continue
		}
		sec, _ := raw[o.Section].(map[string]any)
		if sec == nil {
			sec = make(map[string]any)
			raw[o.Section] = sec
		}
		sec[o.Key] = v
	}

	var out Settings
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToBoolHook,
		),
	})
	if err != nil {
		return Settings{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return out, nil
}

func stringToBoolHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
		return data, nil
	}
	s := data.(string)
	if s == "" {
		return false, nil
	}
	return parseBool(s)
}
