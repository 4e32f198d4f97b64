package pipeline

import "strings"

// DefaultSeparator marks where the tests begin in a combined artifact. It is a
// comment in the target language so the combined file still type-checks.
const DefaultSeparator = "## Tests"

// Split cuts a combined artifact at the separator. It succeeds only when the
// separator occurs exactly once; Join(code, tests, sep) then reproduces text
// byte for byte.
func Split(text, sep string) (code, tests string, ok bool) {
	if sep == "" || strings.Count(text, sep) != 1 {
		return "", "", false
	}
	i := strings.Index(text, sep)
	return text[:i], text[i+len(sep):], true
}

// Join is the exact inverse of Split.
func Join(code, tests, sep string) string {
	return code + sep + tests
}

// Combine lays code and tests out as one file with the separator on its own
// line between them.
func Combine(code, tests, sep string) string {
	return Join(strings.TrimSpace(code)+"\n\n", "\n\n"+strings.TrimSpace(tests)+"\n", sep)
}

// Reassemble turns a model response for a combined artifact back into code and
// tests. When the separator cannot be found exactly once the whole response is
// taken as replacement code and lastTests is re-appended unchanged; fellBack
// reports that case.
func Reassemble(response, lastTests, sep string) (combined, code, tests string, fellBack bool) {
	if c, t, ok := Split(response, sep); ok {
		code = strings.TrimSpace(c)
		tests = strings.TrimSpace(t)
		if tests == "" {
			tests = lastTests
			fellBack = true
		}
		return Combine(code, tests, sep), code, tests, fellBack
	}
	code = strings.TrimSpace(response)
	return Combine(code, lastTests, sep), code, lastTests, true
}
