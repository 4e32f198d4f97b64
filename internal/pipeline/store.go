package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Store is the append-only artifact store. Each run owns a directory holding
// run.json plus one immutable file per candidate, diagnostic and prompt.
type Store struct {
	baseDir   string
	sourceExt string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, sourceExt: ".py"}
}

// SetSourceExt sets the file extension used for candidates (e.g. ".py").
func (s *Store) SetSourceExt(ext string) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if ext != "" {
		s.sourceExt = ext
	}
}

// SourceExt returns the candidate file extension.
func (s *Store) SourceExt() string {
	return s.sourceExt
}

// RunDir returns the directory for a run.
func (s *Store) RunDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.RunDir(id), "run.json")
}

// AttemptDir returns the directory for a specific stage attempt.
func (s *Store) AttemptDir(id string, stage string, attempt int) string {
	return filepath.Join(s.RunDir(id), "stages", stage, fmt.Sprintf("attempt-%d", attempt))
}

// CandidatePath returns where the candidate for a stage attempt lives.
func (s *Store) CandidatePath(id string, stage string, attempt int) string {
	return filepath.Join(s.AttemptDir(id, stage, attempt), "candidate"+s.sourceExt)
}

// TestsDir returns the directory holding test-generation artifacts.
func (s *Store) TestsDir(id string) string {
	return filepath.Join(s.RunDir(id), "tests")
}

// CreateOpts holds options for creating a run.
type CreateOpts struct {
	ID          string // generated when empty
	Problem     string
	Label       string
	Backend     string
	Model       string
	Budget      int
	Interactive bool
	Separator   string
}

// Create initialises a new run on disk.
func (s *Store) Create(opts CreateOpts) (*PipelineRun, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	dir := s.RunDir(id)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run %s already exists", id)
	}
	if err := os.MkdirAll(filepath.Join(dir, "stages"), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir stages: %w", err)
	}

	sep := opts.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	now := time.Now().UTC().Format(time.RFC3339)
	run := &PipelineRun{
		ID:          id,
		Problem:     opts.Problem,
		Label:       opts.Label,
		Backend:     opts.Backend,
		Model:       opts.Model,
		Budget:      opts.Budget,
		Interactive: opts.Interactive,
		Separator:   sep,
		Stages:      []StageRecord{},
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := WriteOnce(filepath.Join(dir, "problem.md"), []byte(opts.Problem)); err != nil {
		return nil, fmt.Errorf("write problem.md: %w", err)
	}
	if err := WriteJSON(s.runPath(id), run); err != nil {
		return nil, fmt.Errorf("write run.json: %w", err)
	}
	return run, nil
}

// Get reads the run record.
func (s *Store) Get(id string) (*PipelineRun, error) {
	var run PipelineRun
	if err := ReadJSON(s.runPath(id), &run); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, err
	}
	return &run, nil
}

// Update performs a read-modify-write of the run record.
func (s *Store) Update(id string, fn func(*PipelineRun)) error {
	run, err := s.Get(id)
	if err != nil {
		return err
	}
	fn(run)
	run.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(s.runPath(id), run)
}

// List returns all runs, optionally filtered by status, oldest first.
// Pass "" for statusFilter to return all runs.
func (s *Store) List(statusFilter string) ([]PipelineRun, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []PipelineRun
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || run.Status == statusFilter {
			runs = append(runs, *run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt == runs[j].CreatedAt {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt < runs[j].CreatedAt
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	dir := s.RunDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s not found", id)
	}
	return os.RemoveAll(dir)
}

// SaveCandidate writes the candidate's text to its attempt directory and
// sets c.Path. For attempts after the first, a patch against the previous
// attempt is written next to it as changes.diff.
func (s *Store) SaveCandidate(c *Candidate) error {
	path := s.CandidatePath(c.RunID, c.Stage, c.Attempt)
	text := c.Text
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := WriteOnce(path, []byte(text)); err != nil {
		return fmt.Errorf("save candidate %s/%d: %w", c.Stage, c.Attempt, err)
	}
	c.Path = path

	if c.Attempt > 0 {
		prev, err := os.ReadFile(s.CandidatePath(c.RunID, c.Stage, c.Attempt-1))
		if err == nil {
			patch := unifiedPatch(string(prev), text)
			diffPath := filepath.Join(s.AttemptDir(c.RunID, c.Stage, c.Attempt), "changes.diff")
			if err := WriteOnce(diffPath, []byte(patch)); err != nil {
				return fmt.Errorf("save diff %s/%d: %w", c.Stage, c.Attempt, err)
			}
		}
	}
	return nil
}

// ReadCandidate reads a previously saved candidate.
func (s *Store) ReadCandidate(id string, stage string, attempt int) (string, error) {
	data, err := os.ReadFile(s.CandidatePath(id, stage, attempt))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveDiagnostic writes the verbatim verifier transcript next to the
// candidate it judged and sets d.Path.
func (s *Store) SaveDiagnostic(runID string, d *Diagnostic) error {
	path := filepath.Join(s.AttemptDir(runID, d.Stage, d.Attempt), "diagnostic.txt")
	if err := WriteOnce(path, []byte(d.Text)); err != nil {
		return fmt.Errorf("save diagnostic %s/%d: %w", d.Stage, d.Attempt, err)
	}
	d.Path = path
	return nil
}

// SaveVerdict writes verdict.json for a stage attempt.
func (s *Store) SaveVerdict(runID string, stage string, attempt int, v *Verdict) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	path := filepath.Join(s.AttemptDir(runID, stage, attempt), "verdict.json")
	return WriteOnce(path, append(data, '\n'))
}

// SaveExchange records the prompt and raw model response that produced a
// stage attempt's candidate.
func (s *Store) SaveExchange(runID string, stage string, attempt int, prompt string, response string) error {
	dir := s.AttemptDir(runID, stage, attempt)
	if err := WriteOnce(filepath.Join(dir, "prompt.md"), []byte(prompt)); err != nil {
		return err
	}
	return WriteOnce(filepath.Join(dir, "response.md"), []byte(response))
}

// SaveTestsArtifact writes a file under the run's tests/ directory and
// returns its path.
func (s *Store) SaveTestsArtifact(runID string, name string, content string) (string, error) {
	path := filepath.Join(s.TestsDir(runID), name)
	if err := WriteOnce(path, []byte(content)); err != nil {
		return "", err
	}
	return path, nil
}

// SaveFinal writes a file under the run's final/ directory and returns its path.
func (s *Store) SaveFinal(runID string, name string, content string) (string, error) {
	path := filepath.Join(s.RunDir(runID), "final", name)
	if err := WriteOnce(path, []byte(content)); err != nil {
		return "", err
	}
	return path, nil
}

// ReadArtifact reads a file relative to the run directory.
func (s *Store) ReadArtifact(runID string, rel string) (string, error) {
	path := filepath.Join(s.RunDir(runID), rel)
	rootAbs, err := filepath.Abs(s.RunDir(runID))
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes run directory", rel)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unifiedPatch(oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(oldText, diffs)
	return dmp.PatchToText(patches)
}
