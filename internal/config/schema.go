package config

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OptionType represents the expected type of a configuration option value.
type OptionType string

const (
	// TypeString is a plain string value (the default for all config values).
	TypeString OptionType = "string"
	// TypeBool is a boolean value (true/false/yes/no/1/0/on/off).
	TypeBool OptionType = "bool"
	// TypeInt is an integer value.
	TypeInt OptionType = "int"
	// TypeDuration is a Go time.Duration value (e.g. "30s", "5m", "1h").
	TypeDuration OptionType = "duration"
)

// ConfigOption declares a single configuration option with its type, default,
// documentation, and environment variable override.
type ConfigOption struct {
	// Key is the option name as it appears in the config file (kebab-case).
	Key string
	// Type is the expected value type for validation.
	Type OptionType
	// Default is the default value as a string, or "" for no default.
	Default string
	// Description is a human-readable description of the option.
	Description string
	// Section is "" for global options, or a section name.
	Section string
	// EnvVar is the environment variable that overrides this option, or "".
	EnvVar string
	// Choices restricts string values, when non-empty.
	Choices []string
}

// ConfigSchema declares the expected configuration options for the application.
// It is used for validation, documentation, typed getters, and env var mapping.
type ConfigSchema struct {
	options   []*ConfigOption
	byKey     map[string]*ConfigOption
	bySection map[string]map[string]*ConfigOption
}

// NewSchema creates a new empty ConfigSchema.
func NewSchema() *ConfigSchema {
	return &ConfigSchema{
		byKey:     make(map[string]*ConfigOption),
		bySection: make(map[string]map[string]*ConfigOption),
	}
}

// Register adds a ConfigOption to the schema. Last registration wins.
func (s *ConfigSchema) Register(opt ConfigOption) {
	ref := new(ConfigOption)
	*ref = opt
	s.options = append(s.options, ref)
	if opt.Section == "" {
		s.byKey[opt.Key] = ref
	} else {
		if s.bySection[opt.Section] == nil {
			s.bySection[opt.Section] = make(map[string]*ConfigOption)
		}
		s.bySection[opt.Section][opt.Key] = ref
	}
}

// RegisterAll adds multiple ConfigOptions to the schema.
func (s *ConfigSchema) RegisterAll(opts []ConfigOption) {
	for _, opt := range opts {
		s.Register(opt)
	}
}

// Lookup returns the ConfigOption for a key in a given section ("" for global),
// or nil.
func (s *ConfigSchema) Lookup(section, key string) *ConfigOption {
	if section == "" {
		return s.byKey[key]
	}
	if sec, ok := s.bySection[section]; ok {
		return sec[key]
	}
	return nil
}

// IsKnown reports whether key may appear in section. Global keys are known in
// every section.
func (s *ConfigSchema) IsKnown(section, key string) bool {
	if section == "" {
		return s.byKey[key] != nil
	}
	if sec, ok := s.bySection[section]; ok {
		if sec[key] != nil {
			return true
		}
	}
	return s.byKey[key] != nil
}

// GlobalOptions returns all registered global options.
func (s *ConfigSchema) GlobalOptions() []ConfigOption {
	return s.SectionOptions("")
}

// SectionOptions returns all registered options for a specific section.
func (s *ConfigSchema) SectionOptions(section string) []ConfigOption {
	var out []ConfigOption
	for _, o := range s.options {
		if o.Section == section {
			out = append(out, *o)
		}
	}
	return out
}

// Sections returns the sorted non-empty section names.
func (s *ConfigSchema) Sections() []string {
	out := make([]string, 0, len(s.bySection))
	for sec := range s.bySection {
		out = append(out, sec)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the effective value for a global key: the schema's
// environment variable, then the config value, then the schema default.
func (s *ConfigSchema) Resolve(c *Config, key string) string {
	return s.ResolveSection(c, "", key)
}

// ResolveSection is Resolve for an option declared in section. Values set in
// the section win over a global value of the same name.
func (s *ConfigSchema) ResolveSection(c *Config, section, key string) string {
	opt := s.Lookup(section, key)
	if opt != nil && opt.EnvVar != "" {
		if v, ok := os.LookupEnv(opt.EnvVar); ok {
			return v
		}
	}
	if c != nil {
		var (
			v  string
			ok bool
		)
		if section == "" {
			v, ok = c.GetGlobalOption(key)
		} else {
			v, ok = c.GetCommandOption(section, key)
		}
		if ok {
			return v
		}
	}
	if opt != nil {
		return opt.Default
	}
	return ""
}

// ValidateConfig checks a loaded Config against the schema and returns sorted,
// human-readable issues: unknown options and values that do not parse.
func ValidateConfig(c *Config, s *ConfigSchema) []string {
	var issues []string

	for key, value := range c.Global {
		opt := s.Lookup("", key)
		if opt == nil {
			issues = append(issues, fmt.Sprintf("unknown global option: %q (value: %q)", key, value))
			continue
		}
		if err := validateOption(opt, value); err != nil {
			issues = append(issues, fmt.Sprintf("global option %q: %v", key, err))
		}
	}

	for section, opts := range c.Commands {
		for key, value := range opts {
			if !s.IsKnown(section, key) {
				issues = append(issues, fmt.Sprintf("unknown option for section %q: %q (value: %q)", section, key, value))
				continue
			}
			opt := s.Lookup(section, key)
			if opt == nil {
				opt = s.Lookup("", key)
			}
			if err := validateOption(opt, value); err != nil {
				issues = append(issues, fmt.Sprintf("option %q in [%s]: %v", key, section, err))
			}
		}
	}

	sort.Strings(issues)
	return issues
}

// Check reports whether value may be stored for key in section.
func (s *ConfigSchema) Check(section, key, value string) error {
	if !s.IsKnown(section, key) {
		if section == "" {
			return fmt.Errorf("unknown global option: %q", key)
		}
		return fmt.Errorf("unknown option for section %q: %q", section, key)
	}
	opt := s.Lookup(section, key)
	if opt == nil {
		opt = s.Lookup("", key)
	}
	return validateOption(opt, value)
}

func validateOption(opt *ConfigOption, value string) error {
	if err := validateType(opt.Type, value); err != nil {
		return err
	}
	if len(opt.Choices) > 0 && !slices.Contains(opt.Choices, strings.ToLower(value)) {
		return fmt.Errorf("expected one of %s, got %q", strings.Join(opt.Choices, ", "), value)
	}
	return nil
}

func validateType(t OptionType, value string) error {
	switch t {
	case TypeString, "":
		return nil
	case TypeBool:
		if _, err := parseBool(value); err != nil {
			return fmt.Errorf("expected bool, got %q", value)
		}
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	case TypeDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("expected duration, got %q", value)
		}
	default:
		return fmt.Errorf("unknown option type %q", t)
	}
	return nil
}

// --- Typed getter methods on Config ---

// GetString returns the global option value for key, or "" if not set.
func (c *Config) GetString(key string) string {
	v, _ := c.GetGlobalOption(key)
	return v
}

// GetBool returns the global option parsed as a boolean, or false.
func (c *Config) GetBool(key string) bool {
	v, ok := c.GetGlobalOption(key)
	if !ok {
		return false
	}
	b, err := parseBool(v)
	if err != nil {
		return false
	}
	return b
}

// GetInt returns the global option parsed as an integer, or 0.
func (c *Config) GetInt(key string) int {
	v, ok := c.GetGlobalOption(key)
	if !ok {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return i
}

// GetDuration returns the global option parsed as a time.Duration, or 0.
func (c *Config) GetDuration(key string) time.Duration {
	v, ok := c.GetGlobalOption(key)
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// --- Help text generation ---

// FormatHelp returns a human-readable reference of all registered options,
// grouped by section.
func (s *ConfigSchema) FormatHelp() string {
	var b strings.Builder

	if globals := s.GlobalOptions(); len(globals) > 0 {
		b.WriteString("Global Options:\n")
		for _, o := range globals {
			writeOptionHelp(&b, o)
		}
	}

	for _, sec := range s.Sections() {
		opts := s.SectionOptions(sec)
		if len(opts) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n[%s] Options:\n", sec)
		for _, o := range opts {
			writeOptionHelp(&b, o)
		}
	}

	return b.String()
}

func writeOptionHelp(b *strings.Builder, o ConfigOption) {
	fmt.Fprintf(b, "  %-24s %s", o.Key, o.Description)
	parts := make([]string, 0, 4)
	if o.Type != "" && o.Type != TypeString {
		parts = append(parts, fmt.Sprintf("type: %s", o.Type))
	}
	if len(o.Choices) > 0 {
		parts = append(parts, fmt.Sprintf("one of: %s", strings.Join(o.Choices, "|")))
	}
	if o.Default != "" {
		parts = append(parts, fmt.Sprintf("default: %s", o.Default))
	}
	if o.EnvVar != "" {
		parts = append(parts, fmt.Sprintf("env: %s", o.EnvVar))
	}
	if len(parts) > 0 {
		fmt.Fprintf(b, " (%s)", strings.Join(parts, ", "))
	}
	b.WriteString("\n")
}

// DefaultSchema returns the schema declaring every known overlay option.
func DefaultSchema() *ConfigSchema {
	s := NewSchema()
	s.RegisterAll(defaultGlobalOptions())
	s.RegisterAll(defaultSectionOptions())
	return s
}

func defaultGlobalOptions() []ConfigOption {
	return []ConfigOption{
		{Key: "log-level", Type: TypeString, Default: "info", Description: "Log level", EnvVar: "OVERLAY_LOG_LEVEL", Choices: []string{"debug", "info", "warn", "error"}},
		{Key: "log-format", Type: TypeString, Default: "text", Description: "Log output format", EnvVar: "OVERLAY_LOG_FORMAT", Choices: []string{"text", "json"}},
		{Key: "log-file", Type: TypeString, Description: "Write logs to this file instead of stderr", EnvVar: "OVERLAY_LOG_FILE"},
		{Key: "log-max-size-mb", Type: TypeInt, Default: "10", Description: "Log file size that triggers rotation"},
		{Key: "log-max-files", Type: TypeInt, Default: "5", Description: "Rotated log files kept"},
		{Key: "log-buffer-size", Type: TypeInt, Default: "1000", Description: "Console entries kept per session"},
		{Key: "script.entry", Type: TypeString, Default: "main", Description: "Name of the entry script"},
		{Key: "script.load-timeout", Type: TypeDuration, Default: "5s", Description: "Time allowed for the entry script to load", EnvVar: "OVERLAY_LOAD_TIMEOUT"},
		{Key: "script.sync-timeout", Type: TypeDuration, Default: "5s", Description: "Time allowed for a synchronous call into a script"},
	}
}

func defaultSectionOptions() []ConfigOption {
	return []ConfigOption{
		{Key: "addr", Section: "serve", Type: TypeString, Default: ":8080", Description: "HTTP listen address", EnvVar: "OVERLAY_ADDR"},
		{Key: "watch", Section: "serve", Type: TypeBool, Default: "false", Description: "Reload scripts when their files change"},
		{Key: "watch-debounce", Section: "serve", Type: TypeDuration, Default: "200ms", Description: "Quiet period before a reload"},
		{Key: "state-file", Section: "serve", Type: TypeString, Description: "Persist committed layers here and restore them on start", EnvVar: "OVERLAY_STATE_FILE"},
		{Key: "state-interval", Section: "serve", Type: TypeDuration, Default: "1s", Description: "Minimum time between state file writes"},
	}
}
