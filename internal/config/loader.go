package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv.
const (
	EnvBackend  = "CODERLOOP_BACKEND"
	EnvModel    = "CODERLOOP_MODEL"
	EnvRetries  = "CODERLOOP_RETRIES"
	EnvWorkDir  = "CODERLOOP_WORK_DIR"
	EnvLogLevel = "CODERLOOP_LOG_LEVEL"

	EnvOpenAIKey = "OPENAI_API_KEY"
	EnvGroqKey   = "GROQ_API_KEY"
)

// FileName is the config file looked up in the working directory.
const FileName = "coderloop.yaml"

// Default returns the configuration used when no file sets a value.
func Default() Config {
	cfg := Config{
		Backend:     "groq",
		Temperature: 0,
		MaxTokens:   1500,
		Retries:     4,
		Static: VerifierConfig{Checks: []Check{
			{Name: "mypy", Command: "mypy {name}", Parser: "mypy", Timeout: "2m"},
		}},
		Dynamic: VerifierConfig{Checks: []Check{
			{Name: "unittest", Command: "python -m unittest {name}", Parser: "unittest", Timeout: "5m"},
		}},
		Stub: StubConfig{
			Mode:      "treesitter",
			Command:   "stubgen {name} --include-docstrings -o .",
			Extension: ".pyi",
			Timeout:   "1m",
		},
		Bench: BenchConfig{Parallel: 1},
		Log:   LogConfig{Level: "info"},
	}
	applyDefaults(&cfg)
	return cfg
}

// Load reads a YAML config from path on top of Default and applies defaults
// to anything the file left empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// SearchPaths lists the config locations in lookup order:
// ./coderloop.yaml, ~/.coderloop/config.yaml.
func SearchPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".coderloop", "config.yaml"))
	}
	return paths
}

// LoadDefault loads the first config found in SearchPaths. With no file
// present it returns Default and an empty path.
func LoadDefault() (*Config, string, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("checking %s: %w", path, err)
		}
	}
	cfg := Default()
	return &cfg, "", nil
}

// ApplyEnv overlays environment variables onto cfg. getenv is os.Getenv in
// production.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvBackend); v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v := getenv(EnvModel); v != "" {
		cfg.Model = v
	}
	if v := getenv(EnvRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", EnvRetries, v)
		}
		cfg.Retries = n
	}
	if v := getenv(EnvWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	cfg.API.OpenAIKey = getenv(EnvOpenAIKey)
	cfg.API.GroqKey = getenv(EnvGroqKey)
	return nil
}

// applyDefaults fills fields left empty by the file and gives checks without
// a parser the generic one.
func applyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = "groq"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1500
	}
	if cfg.Separator == "" {
		cfg.Separator = "## Tests"
	}
	if cfg.Language == "" {
		cfg.Language = "python"
	}
	if cfg.SourceExt == "" {
		cfg.SourceExt = ".py"
	}
	if cfg.Stub.Mode == "" {
		cfg.Stub.Mode = "treesitter"
	}
	if cfg.Stub.Extension == "" {
		cfg.Stub.Extension = ".pyi"
	}
	if cfg.Bench.Parallel == 0 {
		cfg.Bench.Parallel = 1
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	home, _ := os.UserHomeDir()
	if cfg.WorkDir == "" && home != "" {
		cfg.WorkDir = filepath.Join(home, ".coderloop", "runs")
	}
	if cfg.DBPath == "" && home != "" {
		cfg.DBPath = filepath.Join(home, ".coderloop", "ledger.db")
	}
	if cfg.TemplatesDir == "" && home != "" {
		cfg.TemplatesDir = filepath.Join(home, ".coderloop", "templates")
	}

	for _, v := range []struct {
		cfg     *VerifierConfig
		timeout string
	}{
		{&cfg.Static, "2m"},
		{&cfg.Dynamic, "5m"},
	} {
		for i := range v.cfg.Checks {
			c := &v.cfg.Checks[i]
			if c.Parser == "" {
				c.Parser = "generic"
			}
			if c.Timeout == "" {
				c.Timeout = v.timeout
			}
		}
	}
}
