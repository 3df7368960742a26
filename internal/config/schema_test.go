package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSchemaRegisterAndLookup(t *testing.T) {
	s := NewSchema()
	s.RegisterAll([]ConfigOption{
		{Key: "alpha", Type: TypeInt, Default: "1"},
		{Key: "beta", Section: "serve", Type: TypeBool},
	})

	if o := s.Lookup("", "alpha"); o == nil || o.Default != "1" {
		t.Fatalf("expected alpha with default 1, got %+v", o)
	}
	if o := s.Lookup("serve", "beta"); o == nil || o.Type != TypeBool {
		t.Fatalf("expected serve.beta bool, got %+v", o)
	}
	if s.Lookup("", "beta") != nil {
		t.Error("section option should not be global")
	}
	if s.Lookup("missing", "beta") != nil {
		t.Error("unknown section should not resolve")
	}

	// last registration wins
	s.Register(ConfigOption{Key: "alpha", Type: TypeInt, Default: "2"})
	if o := s.Lookup("", "alpha"); o.Default != "2" {
		t.Errorf("expected overwritten default 2, got %q", o.Default)
	}
}

func TestSchemaIsKnown_GlobalFallbackInSection(t *testing.T) {
	s := DefaultSchema()
	if !s.IsKnown("serve", "addr") {
		t.Error("serve.addr should be known")
	}
	if !s.IsKnown("serve", "log-level") {
		t.Error("global keys should be known in sections")
	}
	if s.IsKnown("", "addr") {
		t.Error("addr is not a global option")
	}
	if s.IsKnown("render", "fps") {
		t.Error("render.fps should be unknown")
	}
}

func TestSchemaSections(t *testing.T) {
	s := NewSchema()
	s.Register(ConfigOption{Key: "a", Section: "zeta"})
	s.Register(ConfigOption{Key: "b", Section: "alpha"})
	s.Register(ConfigOption{Key: "c"})

	got := s.Sections()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("expected [alpha zeta], got %v", got)
	}
	if n := len(s.GlobalOptions()); n != 1 {
		t.Errorf("expected 1 global option, got %d", n)
	}
	if n := len(s.SectionOptions("zeta")); n != 1 {
		t.Errorf("expected 1 zeta option, got %d", n)
	}
}

func TestValidateType(t *testing.T) {
	tests := []struct {
		typ   OptionType
		value string
		ok    bool
	}{
		{TypeString, "anything", true},
		{"", "", true},
		{TypeBool, "on", true},
		{TypeBool, "nah", false},
		{TypeInt, "42", true},
		{TypeInt, "4.2", false},
		{TypeDuration, "150ms", true},
		{TypeDuration, "150", false},
		{"weird", "x", false},
	}
	for _, tt := range tests {
		err := validateType(tt.typ, tt.value)
		if (err == nil) != tt.ok {
			t.Errorf("validateType(%q, %q) = %v, want ok=%v", tt.typ, tt.value, err, tt.ok)
		}
	}
}

func TestValidateConfig_Choices(t *testing.T) {
	c := NewConfig()
	c.SetGlobalOption("log-format", "JSON")
	c.SetGlobalOption("log-level", "trace")

	issues := ValidateConfig(c, DefaultSchema())
	if len(issues) != 1 || !strings.Contains(issues[0], `"trace"`) {
		t.Errorf("expected one log-level issue, got %v", issues)
	}
}

func TestValidateConfig_GlobalInSectionTypeCheck(t *testing.T) {
	c := NewConfig()
	c.SetCommandOption("serve", "log-buffer-size", "lots")

	issues := ValidateConfig(c, DefaultSchema())
	if len(issues) != 1 || !strings.Contains(issues[0], "[serve]") {
		t.Errorf("expected one [serve] issue, got %v", issues)
	}
}

func TestTypedGetters(t *testing.T) {
	c := NewConfig()
	c.SetGlobalOption("s", "text")
	c.SetGlobalOption("b", "yes")
	c.SetGlobalOption("i", "12")
	c.SetGlobalOption("d", "3s")
	c.SetGlobalOption("bad", "???")

	if c.GetString("s") != "text" || c.GetString("missing") != "" {
		t.Error("GetString mismatch")
	}
	if !c.GetBool("b") || c.GetBool("bad") || c.GetBool("missing") {
		t.Error("GetBool mismatch")
	}
	if c.GetInt("i") != 12 || c.GetInt("bad") != 0 {
		t.Error("GetInt mismatch")
	}
	if c.GetDuration("d") != 3*time.Second || c.GetDuration("bad") != 0 {
		t.Error("GetDuration mismatch")
	}
}

func TestSchemaResolve(t *testing.T) {
	s := DefaultSchema()
	c := NewConfig()

	if got := s.Resolve(c, "script.entry"); got != "main" {
		t.Errorf("expected default main, got %q", got)
	}
	c.SetGlobalOption("log-level", "warn")
	t.Setenv("OVERLAY_LOG_LEVEL", "")
	// a set but empty env var still wins
	if got := s.Resolve(c, "log-level"); got != "" {
		t.Errorf("expected env override, got %q", got)
	}
	t.Setenv("OVERLAY_LOG_LEVEL", "error")
	if got := s.Resolve(c, "log-level"); got != "error" {
		t.Errorf("expected env value error, got %q", got)
	}

	c.SetGlobalOption("watch-debounce", "1s")
	if got := s.ResolveSection(c, "serve", "watch-debounce"); got != "1s" {
		t.Errorf("expected global fallback 1s, got %q", got)
	}
	c.SetCommandOption("serve", "watch-debounce", "2s")
	if got := s.ResolveSection(c, "serve", "watch-debounce"); got != "2s" {
		t.Errorf("expected section value 2s, got %q", got)
	}
	if got := s.ResolveSection(nil, "serve", "addr"); got != ":8080" {
		t.Errorf("expected default addr, got %q", got)
	}
	if got := s.Resolve(c, "unregistered"); got != "" {
		t.Errorf("expected empty for unknown key, got %q", got)
	}
}

func TestSchemaSettings(t *testing.T) {
	t.Setenv("OVERLAY_ADDR", "127.0.0.1:7000")
	c, err := LoadFromReader(strings.NewReader(`log-level warn
log-format json
log-buffer-size 50
script.load-timeout 250ms
[serve]
watch on
watch-debounce 1s
`))
	if err != nil {
		t.Fatal(err)
	}

	got, err := DefaultSchema().Settings(c)
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	want := Settings{
		LogLevel:      "warn",
		LogFormat:     "json",
		LogMaxSizeMB:  10,
		LogMaxFiles:   5,
		LogBufferSize: 50,
		Entry:         "main",
		LoadTimeout:   250 * time.Millisecond,
		SyncTimeout:   5 * time.Second,
		Serve: ServeSettings{
			Addr:          "127.0.0.1:7000",
			Watch:         true,
			WatchDebounce: time.Second,
			StateInterval: time.Second,
		},
	}
	if got != want {
		t.Errorf("Settings mismatch:\n got  %+v\n want %+v", got, want)
	}
	if got.Level() != slog.LevelWarn {
		t.Errorf("expected warn level, got %v", got.Level())
	}
}

func TestSchemaSettings_Invalid(t *testing.T) {
	c := NewConfig()
	c.SetGlobalOption("script.sync-timeout", "soon")
	if _, err := DefaultSchema().Settings(c); err == nil {
		t.Error("expected an error for a bad duration")
	}
}

func TestSettingsLevelDefault(t *testing.T) {
	if got := (Settings{LogLevel: "chatty"}).Level(); got != slog.LevelInfo {
		t.Errorf("expected info, got %v", got)
	}
}

func TestFormatHelp(t *testing.T) {
	help := DefaultSchema().FormatHelp()
	for _, want := range []string{
		"Global Options:",
		"log-level",
		"one of: debug|info|warn|error",
		"env: OVERLAY_LOG_LEVEL",
		"[serve] Options:",
		"default: 200ms",
	} {
		if !strings.Contains(help, want) {
			t.Errorf("help missing %q:\n%s", want, help)
		}
	}
	if got := NewSchema().FormatHelp(); got != "" {
		t.Errorf("expected empty help, got %q", got)
	}
}

func TestSchemaCheck(t *testing.T) {
	s := DefaultSchema()
	cases := []struct {
		section, key, value string
		wantErr             bool
	}{
		{"", "log-level", "debug", false},
		{"", "log-level", "loud", true},
		{"", "nope", "x", true},
		{"serve", "watch", "yes", false},
		{"serve", "watch", "maybe", true},
		{"serve", "log-level", "warn", false},
		{"other", "addr", ":1", true},
	}
	for _, tc := range cases {
		err := s.Check(tc.section, tc.key, tc.value)
		if (err != nil) != tc.wantErr {
			t.Errorf("Check(%q, %q, %q) = %v, wantErr %v", tc.section, tc.key, tc.value, err, tc.wantErr)
		}
	}
}
