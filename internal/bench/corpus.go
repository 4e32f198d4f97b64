// Package bench replays a HumanEval-format corpus through the pipeline and
// writes the completions in the samples format the HumanEval evaluator reads.
package bench

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lucasnoah/coderloop/internal/pipeline"
)

// Problem is one corpus entry. Only TaskID and Prompt drive a run; the rest
// is carried for the evaluator.
type Problem struct {
	TaskID     string `json:"task_id"`
	Prompt     string `json:"prompt"`
	EntryPoint string `json:"entry_point,omitempty"`
	Test       string `json:"test,omitempty"`
}

// Sample is one line of the samples file.
type Sample struct {
	TaskID     string `json:"task_id"`
	Completion string `json:"completion"`
}

// maxLine bounds a single corpus line.
const maxLine = 4 << 20

// ReadProblems loads a .jsonl corpus, transparently gunzipping paths ending
// in .gz.
func ReadProblems(path string) ([]Problem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip corpus %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	problems, err := ParseProblems(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return problems, nil
}

// ParseProblems reads one JSON object per line. Blank lines are skipped;
// a malformed line, a missing field or a repeated task id is an error.
func ParseProblems(r io.Reader) ([]Problem, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var problems []Problem
	seen := make(map[string]int)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var p Problem
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if p.TaskID == "" {
			return nil, fmt.Errorf("line %d: missing task_id", lineNo)
		}
		if strings.TrimSpace(p.Prompt) == "" {
			return nil, fmt.Errorf("line %d: task %s has an empty prompt", lineNo, p.TaskID)
		}
		if prev, ok := seen[p.TaskID]; ok {
			return nil, fmt.Errorf("line %d: duplicate task_id %s (first on line %d)", lineNo, p.TaskID, prev)
		}
		seen[p.TaskID] = lineNo
		problems = append(problems, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return problems, nil
}

// WriteSamples writes samples as JSON lines.
func WriteSamples(w io.Writer, samples []Sample) error {
	enc := json.NewEncoder(w)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("encode sample %s: %w", s.TaskID, err)
		}
	}
	return nil
}

// WriteSamplesFile writes the samples file atomically.
func WriteSamplesFile(path string, samples []Sample) error {
	var b strings.Builder
	if err := WriteSamples(&b, samples); err != nil {
		return err
	}
	return pipeline.WriteAtomic(path, []byte(b.String()))
}
