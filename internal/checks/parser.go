package checks

// ParseResult holds the normalized output from a parser. It feeds logs and
// the ledger only; the diagnostic handed to the model is always the raw output.
type ParseResult struct {
	Passed   bool        `json:"passed"`
	Summary  string      `json:"summary"`
	Findings interface{} `json:"findings"`
}

// Parser converts raw command output into a structured ParseResult.
type Parser interface {
	Parse(stdout string, stderr string, exitCode int) ParseResult
}
