package checks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// UnittestParser parses the text report of python -m unittest, which is
// written to stderr.
type UnittestParser struct{}

type unittestFailure struct {
	Kind string `json:"kind"` // "FAIL" or "ERROR"
	Test string `json:"test"`
}

type unittestResult struct {
	Total    int               `json:"total"`
	Failures int               `json:"failures"`
	Errors   int               `json:"errors"`
	Skipped  int               `json:"skipped"`
	Failed   []unittestFailure `json:"failed,omitempty"`
}

var (
	unittestRanRe     = regexp.MustCompile(`(?m)^Ran (\d+) tests? in `)
	unittestFailedRe  = regexp.MustCompile(`(?m)^FAILED \(([^)]*)\)`)
	unittestOKRe      = regexp.MustCompile(`(?m)^OK(?: \(([^)]*)\))?\s*$`)
	unittestHeaderRe  = regexp.MustCompile(`(?m)^(FAIL|ERROR): (\S+.*)$`)
	unittestCounterRe = regexp.MustCompile(`(failures|errors|skipped|expected failures|unexpected successes)=(\d+)`)
)

func (p *UnittestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	text := stderr
	if !unittestRanRe.MatchString(text) {
		text = stdout + "\n" + stderr
	}

	var result unittestResult
	if m := unittestRanRe.FindStringSubmatch(text); m != nil {
		result.Total, _ = strconv.Atoi(m[1])
	}
	counters := ""
	if m := unittestFailedRe.FindStringSubmatch(text); m != nil {
		counters = m[1]
	} else if m := unittestOKRe.FindStringSubmatch(text); m != nil {
		counters = m[1]
	}
	for _, m := range unittestCounterRe.FindAllStringSubmatch(counters, -1) {
		n, _ := strconv.Atoi(m[2])
		switch m[1] {
		case "failures":
			result.Failures = n
		case "errors":
			result.Errors = n
		case "skipped":
			result.Skipped = n
		}
	}
	for _, m := range unittestHeaderRe.FindAllStringSubmatch(text, -1) {
		result.Failed = append(result.Failed, unittestFailure{Kind: m[1], Test: strings.TrimSpace(m[2])})
	}

	passed := exitCode == 0 && result.Failures == 0 && result.Errors == 0
	var summary string
	switch {
	case result.Total == 0 && !unittestRanRe.MatchString(text):
		summary = fmt.Sprintf("exit code %d (no unittest report)", exitCode)
	case passed:
		summary = fmt.Sprintf("%d tests passed", result.Total)
	default:
		summary = fmt.Sprintf("%d failures, %d errors of %d tests", result.Failures, result.Errors, result.Total)
	}
	if result.Skipped > 0 {
		summary += fmt.Sprintf(", %d skipped", result.Skipped)
	}

	return ParseResult{
		Passed:   passed,
		Summary:  summary,
		Findings: result,
	}
}
