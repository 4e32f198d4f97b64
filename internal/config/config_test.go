package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
backend: openai
model: gpt-4o
temperature: 0.2
max_tokens: 2000
retries: 3
separator: "# --- tests ---"
work_dir: /tmp/coderloop-runs
static:
  checks:
    - name: mypy
      command: "mypy --strict {name}"
      parser: mypy
    - name: ruff
      command: "ruff check {name}"
      timeout: "30s"
dynamic:
  continue_on_failure: true
  checks:
    - name: pytest
      command: "python -m pytest -q {name}"
      timeout: "10m"
stub:
  mode: command
  command: "stubgen {name} -o ."
bench:
  parallel: 4
log:
  level: debug
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "coderloop.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Backend != "openai" {
		t.Errorf("Backend = %q, want openai", cfg.Backend)
	}
	if cfg.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", cfg.Model)
	}
	if cfg.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", cfg.Temperature)
	}
	if cfg.MaxTokens != 2000 || cfg.Retries != 3 {
		t.Errorf("MaxTokens/Retries = %d/%d, want 2000/3", cfg.MaxTokens, cfg.Retries)
	}
	if cfg.Separator != "# --- tests ---" {
		t.Errorf("Separator = %q", cfg.Separator)
	}
	if len(cfg.Static.Checks) != 2 {
		t.Fatalf("len(Static.Checks) = %d, want 2", len(cfg.Static.Checks))
	}
	if !cfg.Dynamic.ContinueOnFailure {
		t.Error("Dynamic.ContinueOnFailure = false, want true")
	}
	if cfg.Stub.Mode != "command" || cfg.Bench.Parallel != 4 {
		t.Errorf("Stub.Mode/Bench.Parallel = %q/%d", cfg.Stub.Mode, cfg.Bench.Parallel)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Backend != "groq" {
		t.Errorf("Backend = %q, want groq", cfg.Backend)
	}
	if cfg.Retries != 4 || cfg.MaxTokens != 1500 || cfg.Temperature != 0 {
		t.Errorf("Retries/MaxTokens/Temperature = %d/%d/%v", cfg.Retries, cfg.MaxTokens, cfg.Temperature)
	}
	if cfg.Separator != "## Tests" {
		t.Errorf("Separator = %q, want %q", cfg.Separator, "## Tests")
	}
	if cfg.SourceExt != ".py" || cfg.Language != "python" {
		t.Errorf("SourceExt/Language = %q/%q", cfg.SourceExt, cfg.Language)
	}
	if got := cfg.Static.Checks[0].Command; got != "mypy {name}" {
		t.Errorf("static command = %q", got)
	}
	if got := cfg.Dynamic.Checks[0].Command; got != "python -m unittest {name}" {
		t.Errorf("dynamic command = %q", got)
	}
	if cfg.Stub.Mode != "treesitter" || cfg.Stub.Extension != ".pyi" {
		t.Errorf("Stub = %+v", cfg.Stub)
	}
	cfg.WorkDir = t.TempDir()
	if errs := Validate(&cfg); len(errs) != 0 {
		t.Errorf("Validate(Default()) = %v", errs)
	}
}

func TestDefaultsMerge(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// mypy has no timeout: gets the static default
	mypy := cfg.Static.Checks[0]
	if mypy.Timeout != "2m" {
		t.Errorf("mypy.Timeout = %q, want 2m", mypy.Timeout)
	}
	// ruff has no parser: gets generic, keeps its explicit timeout
	ruff := cfg.Static.Checks[1]
	if ruff.Parser != "generic" || ruff.Timeout != "30s" {
		t.Errorf("ruff = %+v", ruff)
	}
	// stub extension is not in the file: kept from defaults
	if cfg.Stub.Extension != ".pyi" || cfg.Stub.Timeout != "1m" {
		t.Errorf("Stub = %+v", cfg.Stub)
	}
	if cfg.Language != "python" {
		t.Errorf("Language = %q, want python", cfg.Language)
	}
}

func TestLoadExplicitZeroRetries(t *testing.T) {
	path := writeTestConfig(t, "retries: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Retries != 0 {
		t.Errorf("Retries = %d, want 0", cfg.Retries)
	}
	if cfg.Backend != "groq" {
		t.Errorf("Backend = %q, want groq", cfg.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTestConfig(t, "static: [unclosed\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "parsing config YAML") {
		t.Errorf("error = %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		EnvBackend:   "OpenAI",
		EnvModel:     "gpt-4o",
		EnvRetries:   "7",
		EnvWorkDir:   "/var/runs",
		EnvLogLevel:  "warn",
		EnvOpenAIKey: "sk-test",
		EnvGroqKey:   "gsk-test",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv() error: %v", err)
	}
	if cfg.Backend != "openai" || cfg.Model != "gpt-4o" || cfg.Retries != 7 {
		t.Errorf("cfg = %s/%s/%d", cfg.Backend, cfg.Model, cfg.Retries)
	}
	if cfg.WorkDir != "/var/runs" || cfg.Log.Level != "warn" {
		t.Errorf("WorkDir/Log.Level = %q/%q", cfg.WorkDir, cfg.Log.Level)
	}
	if cfg.APIKey() != "sk-test" || cfg.APIKeyEnv() != EnvOpenAIKey {
		t.Errorf("APIKey = %q via %s", cfg.APIKey(), cfg.APIKeyEnv())
	}

	cfg.Backend = "groq"
	if cfg.APIKey() != "gsk-test" {
		t.Errorf("groq APIKey = %q", cfg.APIKey())
	}
}

func TestApplyEnvUnsetKeepsFile(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := ApplyEnv(cfg, envMap(nil)); err != nil {
		t.Fatal(err)
	}
	if cfg.Backend != "openai" || cfg.Retries != 3 {
		t.Errorf("Backend/Retries = %q/%d, want file values", cfg.Backend, cfg.Retries)
	}
}

func TestApplyEnvBadRetries(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{EnvRetries: "many"}))
	if err == nil || !strings.Contains(err.Error(), EnvRetries) {
		t.Errorf("error = %v, want mention of %s", err, EnvRetries)
	}
}

func TestGateChecks(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	gates, err := cfg.Static.GateChecks()
	if err != nil {
		t.Fatalf("GateChecks() error: %v", err)
	}
	if len(gates) != 2 {
		t.Fatalf("len = %d, want 2", len(gates))
	}
	if gates[0].Name != "mypy" || gates[0].Command != "mypy --strict {name}" || gates[0].Timeout != 2*time.Minute {
		t.Errorf("gates[0] = %+v", gates[0])
	}
	if gates[1].Timeout != 30*time.Second || gates[1].Parser != "generic" {
		t.Errorf("gates[1] = %+v", gates[1])
	}

	bad := VerifierConfig{Checks: []Check{{Name: "x", Command: "x", Timeout: "soon"}}}
	if _, err := bad.GateChecks(); err == nil {
		t.Error("expected error for bad timeout")
	}
}

func TestValidateValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	errs := Validate(cfg)
	if len(errs) != 0 {
		t.Errorf("Validate() returned %d errors for valid config:", len(errs))
		for _, e := range errs {
			t.Errorf("  - %s", e)
		}
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "claude" }, "backend"},
		{"negative retries", func(c *Config) { c.Retries = -1 }, "retries"},
		{"zero max tokens", func(c *Config) { c.MaxTokens = 0 }, "max_tokens"},
		{"hot temperature", func(c *Config) { c.Temperature = 3 }, "temperature"},
		{"blank separator", func(c *Config) { c.Separator = "  " }, "separator"},
		{"multiline separator", func(c *Config) { c.Separator = "a\nb" }, "separator"},
		{"no work dir", func(c *Config) { c.WorkDir = "" }, "work_dir"},
		{"bad source ext", func(c *Config) { c.SourceExt = "py" }, "source_ext"},
		{"no static checks", func(c *Config) { c.Static.Checks = nil }, "static.checks"},
		{"unnamed check", func(c *Config) { c.Dynamic.Checks[0].Name = "" }, "dynamic.checks[0].name"},
		{"empty command", func(c *Config) { c.Static.Checks[0].Command = " " }, "static.checks[0].command"},
		{"unknown parser", func(c *Config) { c.Static.Checks[0].Parser = "eslint" }, "static.checks[0].parser"},
		{"bad timeout", func(c *Config) { c.Dynamic.Checks[0].Timeout = "forever" }, "dynamic.checks[0].timeout"},
		{"negative timeout", func(c *Config) { c.Dynamic.Checks[0].Timeout = "-1s" }, "dynamic.checks[0].timeout"},
		{"duplicate check", func(c *Config) {
			c.Static.Checks = append(c.Static.Checks, c.Static.Checks[0])
		}, "static.checks[1].name"},
		{"unknown stub mode", func(c *Config) { c.Stub.Mode = "magic" }, "stub.mode"},
		{"treesitter needs python", func(c *Config) { c.Language = "ruby" }, "stub.mode"},
		{"command stub without command", func(c *Config) {
			c.Stub.Mode = "command"
			c.Stub.Command = ""
		}, "stub.command"},
		{"bad stub ext", func(c *Config) { c.Stub.Extension = "pyi" }, "stub.extension"},
		{"zero parallel", func(c *Config) { c.Bench.Parallel = 0 }, "bench.parallel"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad api timeout", func(c *Config) { c.API.Timeout = "1 minute" }, "api.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.WorkDir = "/tmp/runs"
			cfg.Static.Checks = append([]Check(nil), cfg.Static.Checks...)
			cfg.Dynamic.Checks = append([]Check(nil), cfg.Dynamic.Checks...)
			tt.mutate(&cfg)

			errs := Validate(&cfg)
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Backend = "nope"
	cfg.Retries = -2
	cfg.Bench.Parallel = -1

	errs := Validate(&cfg)
	if len(errs) < 3 {
		t.Errorf("Validate() = %v, want at least 3 errors", errs)
	}
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "backend", Message: "is required"}
	if e.Error() != "backend: is required" {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestNewLogger(t *testing.T) {
	for _, lc := range []LogConfig{
		{Level: "info"},
		{Level: "debug"},
		{Level: "warn", Development: true},
		{Level: "bogus"},
	} {
		logger, err := NewLogger(lc)
		if err != nil {
			t.Fatalf("NewLogger(%+v) error: %v", lc, err)
		}
		logger.Debug("logger ready")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "debug",
		"INFO":    "info",
		"warning": "warn",
		"error":   "error",
		"":        "info",
	}
	for in, want := range tests {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
