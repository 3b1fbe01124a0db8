package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		"DEBUG":    zerolog.DebugLevel,
		" warning": zerolog.WarnLevel,
		"off":      zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) got=%v ok=%v want=%v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("expected unknown level rejected")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogJSON, "true")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("expected timestamp disabled")
	}
	if !cfg.JSON {
		t.Fatalf("expected json output")
	}
}

func TestNewJSONLoggerWritesComponentFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	logger.Info().Str("component", "preflight").Msg("probe")
	logger.Debug().Msg("hidden")

	out := buf.String()
	if !strings.Contains(out, `"component":"preflight"`) {
		t.Fatalf("missing component field: %s", out)
	}
	if !strings.Contains(out, `"app":"idvlink"`) {
		t.Fatalf("missing app field: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %s", out)
	}
}
