// Package extract turns model output into source text and verified source
// into signature-only stubs.
package extract

import (
	"regexp"
	"strings"
)

// fenceRe matches one fenced block: an opening ``` line with an optional tag,
// the interior, and the closing ``` line.
var fenceRe = regexp.MustCompile("(?ims)^```[ \\t]*([\\w+#.-]*)[ \\t]*\\r?\\n(.*?)^```[ \\t]*$")

// fenceLineRe matches a whole line that opens or closes a fenced block.
// Indented fences, such as examples inside docstrings, are not fence lines.
var fenceLineRe = regexp.MustCompile("^```[ \\t]*[\\w+#.-]*[ \\t]*\\r?$")

// Code strips fenced-block markers and surrounding commentary from raw model
// output. When a fenced block tagged lang (case-insensitive) or untagged is
// present its interior is returned; otherwise fence-marker lines are dropped.
// Leading blank lines and trailing whitespace are trimmed; indentation is
// kept. Code(Code(x)) == Code(x).
func Code(raw, lang string) string {
	s := raw
	for {
		next := codeOnce(s, lang)
		// Every change shortens s, so this reaches a fixed point.
		if next == s {
			return s
		}
		s = next
	}
}

func codeOnce(s, lang string) string {
	for _, m := range fenceRe.FindAllStringSubmatch(s, -1) {
		tag := m[1]
		if tag == "" || strings.EqualFold(tag, lang) {
			return trimBlankLines(m[2])
		}
	}
	return trimBlankLines(stripFenceLines(s))
}

func trimBlankLines(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			if strings.TrimSpace(s) == "" {
				return ""
			}
			return s
		}
		if strings.TrimSpace(s[:i]) != "" {
			return s
		}
		s = s[i+1:]
	}
}

func stripFenceLines(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if fenceLineRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
