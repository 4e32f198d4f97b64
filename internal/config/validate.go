package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedParsers is the set of valid parser names for checks.
var recognizedParsers = map[string]bool{
	"mypy":     true,
	"unittest": true,
	"generic":  true,
}

var recognizedBackends = map[string]bool{
	"openai": true,
	"groq":   true,
}

var recognizedLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !recognizedBackends[cfg.Backend] {
		add("backend", "unrecognized backend %q (want openai or groq)", cfg.Backend)
	}
	if cfg.Retries < 0 {
		add("retries", "must be >= 0, got %d", cfg.Retries)
	}
	if cfg.MaxTokens <= 0 {
		add("max_tokens", "must be positive, got %d", cfg.MaxTokens)
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		add("temperature", "must be between 0 and 2, got %g", cfg.Temperature)
	}
	if strings.TrimSpace(cfg.Separator) == "" {
		add("separator", "is required")
	} else if strings.ContainsAny(cfg.Separator, "\r\n") {
		add("separator", "must be a single line")
	}
	if cfg.WorkDir == "" {
		add("work_dir", "is required")
	}
	if !strings.HasPrefix(cfg.SourceExt, ".") {
		add("source_ext", "must start with a dot, got %q", cfg.SourceExt)
	}

	validateDuration("api.timeout", cfg.API.Timeout, &errs)
	validateVerifier("static", cfg.Static, &errs)
	validateVerifier("dynamic", cfg.Dynamic, &errs)

	switch cfg.Stub.Mode {
	case "treesitter":
		if cfg.Language != "python" {
			add("stub.mode", "treesitter stubs support python only, language is %q", cfg.Language)
		}
	case "command":
		if strings.TrimSpace(cfg.Stub.Command) == "" {
			add("stub.command", "is required when stub.mode is command")
		}
	default:
		add("stub.mode", "unrecognized mode %q (want treesitter or command)", cfg.Stub.Mode)
	}
	if !strings.HasPrefix(cfg.Stub.Extension, ".") {
		add("stub.extension", "must start with a dot, got %q", cfg.Stub.Extension)
	}
	validateDuration("stub.timeout", cfg.Stub.Timeout, &errs)

	if cfg.Bench.Parallel < 1 {
		add("bench.parallel", "must be >= 1, got %d", cfg.Bench.Parallel)
	}
	if !recognizedLevels[strings.ToLower(cfg.Log.Level)] {
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}

	return errs
}

func validateVerifier(prefix string, v VerifierConfig, errs *[]ValidationError) {
	if len(v.Checks) == 0 {
		*errs = append(*errs, ValidationError{Field: prefix + ".checks", Message: "at least one check is required"})
		return
	}
	names := make(map[string]bool)
	for i, c := range v.Checks {
		field := fmt.Sprintf("%s.checks[%d]", prefix, i)
		if c.Name == "" {
			*errs = append(*errs, ValidationError{Field: field + ".name", Message: "is required"})
		} else if names[c.Name] {
			*errs = append(*errs, ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate check name %q", c.Name)})
		}
		names[c.Name] = true
		if strings.TrimSpace(c.Command) == "" {
			*errs = append(*errs, ValidationError{Field: field + ".command", Message: "is required"})
		}
		if c.Parser != "" && !recognizedParsers[c.Parser] {
			*errs = append(*errs, ValidationError{Field: field + ".parser", Message: fmt.Sprintf("unrecognized parser %q", c.Parser)})
		}
		validateDuration(field+".timeout", c.Timeout, errs)
	}
}

func validateDuration(field, value string, errs *[]ValidationError) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", value)})
		return
	}
	if d <= 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("must be positive, got %s", value)})
	}
}
