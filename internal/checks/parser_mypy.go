package checks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MypyParser parses mypy's default text output.
type MypyParser struct{}

type mypyFinding struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

type mypyResult struct {
	Errors   int           `json:"errors"`
	Notes    int           `json:"notes"`
	Findings []mypyFinding `json:"findings"`
}

// mypy output format: solution.py:12: error: Incompatible return value type  [return-value]
var (
	mypyLineRe  = regexp.MustCompile(`^(.+?):(\d+)(?::\d+)?:\s+(error|note|warning):\s+(.*?)(?:\s+\[([a-z0-9-]+)\])?$`)
	mypyFoundRe = regexp.MustCompile(`Found (\d+) errors? in \d+ files?`)
)

func (p *MypyParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var result mypyResult

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimRight(line, "\r ")
		m := mypyLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNum, _ := strconv.Atoi(m[2])
		result.Findings = append(result.Findings, mypyFinding{
			File:     m[1],
			Line:     lineNum,
			Severity: m[3],
			Code:     m[5],
			Message:  m[4],
		})
		if m[3] == "note" {
			result.Notes++
		} else {
			result.Errors++
		}
	}

	// Prefer mypy's own count when present; it includes errors on lines we skipped.
	if m := mypyFoundRe.FindStringSubmatch(stdout); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			result.Errors = n
		}
	}

	passed := exitCode == 0
	summary := fmt.Sprintf("%d errors", result.Errors)
	switch {
	case passed:
		summary = "no issues found"
	case result.Errors == 0 && strings.TrimSpace(stderr) != "":
		summary = fmt.Sprintf("exit code %d: %s", exitCode, firstLine(stderr))
	}

	return ParseResult{
		Passed:   passed,
		Summary:  summary,
		Findings: result,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
