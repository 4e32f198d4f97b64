package config

import (
	"fmt"
	"time"

	"github.com/lucasnoah/coderloop/internal/checks"
)

// Config is the full coderloop configuration parsed from coderloop.yaml,
// overlaid with environment variables and CLI flags. It is built once and
// passed by value to the components that need it.
type Config struct {
	Backend     string  `yaml:"backend"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Retries     int     `yaml:"retries"`
	Separator   string  `yaml:"separator"`

	WorkDir      string `yaml:"work_dir"`
	DBPath       string `yaml:"db_path"`
	TemplatesDir string `yaml:"templates_dir"`
	Language     string `yaml:"language"`
	SourceExt    string `yaml:"source_ext"`

	API     APIConfig      `yaml:"api"`
	Static  VerifierConfig `yaml:"static"`
	Dynamic VerifierConfig `yaml:"dynamic"`
	Stub    StubConfig     `yaml:"stub"`
	Bench   BenchConfig    `yaml:"bench"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Log     LogConfig      `yaml:"log"`
}

// APIConfig holds backend credentials. Keys only come from the environment.
type APIConfig struct {
	OpenAIKey string `yaml:"-"`
	GroqKey   string `yaml:"-"`
	BaseURL   string `yaml:"base_url"`
	Timeout   string `yaml:"timeout"`
}

// VerifierConfig is an ordered gate of checks run against a candidate.
type VerifierConfig struct {
	Checks            []Check `yaml:"checks"`
	ContinueOnFailure bool    `yaml:"continue_on_failure"`
}

// Check defines one external command run against a candidate file.
type Check struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	Parser  string `yaml:"parser"`
	Timeout string `yaml:"timeout"`
}

// StubConfig selects how signature stubs are extracted for test design.
type StubConfig struct {
	Mode      string `yaml:"mode"` // treesitter or command
	Command   string `yaml:"command"`
	Extension string `yaml:"extension"`
	Timeout   string `yaml:"timeout"`
}

type BenchConfig struct {
	Parallel int `yaml:"parallel"`
}

type MetricsConfig struct {
	Addr     string `yaml:"addr"`
	Textfile string `yaml:"textfile"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// APIKey returns the key for the configured backend.
func (c Config) APIKey() string {
	switch c.Backend {
	case "openai":
		return c.API.OpenAIKey
	case "groq":
		return c.API.GroqKey
	}
	return ""
}

// APIKeyEnv names the environment variable holding the backend's key.
func (c Config) APIKeyEnv() string {
	switch c.Backend {
	case "openai":
		return EnvOpenAIKey
	case "groq":
		return EnvGroqKey
	}
	return ""
}

// GateChecks converts the verifier's checks into runner gate checks,
// parsing timeouts.
func (v VerifierConfig) GateChecks() ([]checks.GateCheckConfig, error) {
	out := make([]checks.GateCheckConfig, 0, len(v.Checks))
	for _, c := range v.Checks {
		d, err := parseDuration(c.Timeout)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", c.Name, err)
		}
		out = append(out, checks.GateCheckConfig{
			Name:    c.Name,
			Command: c.Command,
			Parser:  c.Parser,
			Timeout: d,
		})
	}
	return out, nil
}

// TimeoutDuration parses the stub tool timeout.
func (s StubConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration(s.Timeout)
}

// TimeoutDuration parses the model request timeout.
func (a APIConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration(a.Timeout)
}

// parseDuration treats an empty string as zero so callers fall back to their
// own defaults.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
