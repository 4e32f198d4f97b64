package checks

import (
	"path/filepath"
	"strings"
)

// Expand substitutes the artifact placeholders in a command template.
// {file} is the absolute path, {dir} its directory, {name} the base name and
// {stem} the base name without extension. Values are shell-quoted.
func Expand(command, path string) string {
	if path == "" {
		return command
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	name := filepath.Base(abs)
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.NewReplacer(
		"{file}", ShellQuote(abs),
		"{dir}", ShellQuote(filepath.Dir(abs)),
		"{name}", ShellQuote(name),
		"{stem}", ShellQuote(stem),
	).Replace(command)
}

// ShellQuote quotes s for sh. Strings made only of safe characters are
// returned unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isShellSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case strings.ContainsRune("-_./:@%+=,", r):
		return true
	}
	return false
}
