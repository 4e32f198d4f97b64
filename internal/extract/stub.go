package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/lucasnoah/coderloop/internal/checks"
	"github.com/lucasnoah/coderloop/internal/pipeline"
)

var (
	// ErrSyntax means the source did not parse cleanly.
	ErrSyntax = errors.New("source has syntax errors")
	// ErrNoCallables means the source declares no top-level function or class.
	ErrNoCallables = errors.New("no top-level callables found")
	// ErrNoCompanion means the stub tool exited cleanly but left no stub file.
	ErrNoCompanion = errors.New("stub tool produced no companion file")
)

// StubExtractor derives a signature-only view of a source file.
// Infrastructure failures are returned as *pipeline.InfrastructureError; any
// other error means the source itself could not be stubbed.
type StubExtractor interface {
	Stub(ctx context.Context, path string) (string, error)
}

// TreeSitterStubber builds Python stubs in-process from the tree-sitter AST.
type TreeSitterStubber struct{}

// Stub renders every top-level function and class with annotations and
// docstrings and bodies replaced by "...".
func (TreeSitterStubber) Stub(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", &pipeline.InfrastructureError{Op: "read " + path, Err: err}
	}
	return StubSource(ctx, content)
}

// StubSource is Stub over in-memory source.
func StubSource(ctx context.Context, content []byte) (string, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return "", fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return "", ErrSyntax
	}

	w := &stubWriter{content: content}
	for i := 0; i < int(root.ChildCount()); i++ {
		w.definition(root.Child(i), 0)
	}
	if w.callables == 0 {
		return "", ErrNoCallables
	}
	return strings.TrimRight(w.b.String(), "\n") + "\n", nil
}

type stubWriter struct {
	content   []byte
	b         strings.Builder
	callables int
}

func (w *stubWriter) text(n *sitter.Node) string {
	return string(w.content[n.StartByte():n.EndByte()])
}

// definition writes n if it is a function, class or decorated definition and
// reports whether anything was written.
func (w *stubWriter) definition(n *sitter.Node, depth int) bool {
	switch n.Type() {
	case "function_definition":
		w.function(n, depth, nil)
	case "class_definition":
		w.class(n, depth, nil)
	case "decorated_definition":
		var decorators []string
		for i := 0; i < int(n.ChildCount()); i++ {
			child := n.Child(i)
			switch child.Type() {
			case "decorator":
				decorators = append(decorators, strings.TrimSpace(w.text(child)))
			case "function_definition":
				w.function(child, depth, decorators)
			case "class_definition":
				w.class(child, depth, decorators)
			}
		}
	default:
		return false
	}
	return true
}

func (w *stubWriter) function(n *sitter.Node, depth int, decorators []string) {
	var name, params, returnType string
	var body *sitter.Node
	isAsync := false
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		switch child.Type() {
		case "async":
			isAsync = true
		case "identifier":
			name = w.text(child)
		case "parameters":
			params = w.text(child)
		case "type":
			returnType = w.text(child)
		case "block":
			body = child
		}
	}
	if name == "" {
		return
	}

	indent := strings.Repeat("    ", depth)
	for _, d := range decorators {
		w.b.WriteString(indent + d + "\n")
	}
	w.b.WriteString(indent)
	if isAsync {
		w.b.WriteString("async ")
	}
	w.b.WriteString("def " + name + params)
	if returnType != "" {
		w.b.WriteString(" -> " + returnType)
	}
	w.b.WriteString(":\n")
	if doc := w.docstring(body); doc != "" {
		w.b.WriteString(indent + "    " + doc + "\n")
	}
	w.b.WriteString(indent + "    ...\n\n")
	w.callables++
}

func (w *stubWriter) class(n *sitter.Node, depth int, decorators []string) {
	var name, bases string
	var body *sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		switch child.Type() {
		case "identifier":
			name = w.text(child)
		case "argument_list":
			bases = w.text(child)
		case "block":
			body = child
		}
	}
	if name == "" {
		return
	}

	indent := strings.Repeat("    ", depth)
	for _, d := range decorators {
		w.b.WriteString(indent + d + "\n")
	}
	w.b.WriteString(indent + "class " + name + bases + ":\n")
	wrote := false
	if doc := w.docstring(body); doc != "" {
		w.b.WriteString(indent + "    " + doc + "\n")
		wrote = true
	}
	if body != nil {
		for i := 0; i < int(body.ChildCount()); i++ {
			if w.definition(body.Child(i), depth+1) {
				wrote = true
			}
		}
	}
	if !wrote {
		w.b.WriteString(indent + "    ...\n")
	}
	w.b.WriteString("\n")
	w.callables++
}

// docstring returns the raw string literal opening a block, quotes included.
func (w *stubWriter) docstring(block *sitter.Node) string {
	if block == nil || block.ChildCount() == 0 {
		return ""
	}
	first := block.Child(0)
	if first.Type() == "expression_statement" && first.ChildCount() > 0 {
		str := first.Child(0)
		if str.Type() == "string" {
			return w.text(str)
		}
	}
	return ""
}

// CommandStubber runs an external stub tool (stubgen by default) in the
// source file's directory and reads the companion file it leaves behind.
type CommandStubber struct {
	Runner    *checks.Runner
	Command   string        // e.g. "stubgen {name} --include-docstrings -o ."
	Extension string        // companion extension, e.g. ".pyi"
	Timeout   time.Duration // zero means checks.DefaultTimeout
}

func (s *CommandStubber) Stub(ctx context.Context, path string) (string, error) {
	dir := filepath.Dir(path)
	res, err := s.Runner.Run(ctx, dir, checks.CheckConfig{
		Name:    "stub",
		Command: checks.Expand(s.Command, path),
		Parser:  "generic",
		Timeout: s.Timeout,
	})
	if err != nil {
		return "", err
	}
	if !res.Passed {
		return "", fmt.Errorf("stub tool exited %d: %s", res.ExitCode, strings.TrimSpace(res.Output()))
	}

	ext := s.Extension
	if ext == "" {
		ext = ".pyi"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	base := filepath.Base(path)
	companion := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+ext)
	data, err := os.ReadFile(companion)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNoCompanion, companion)
		}
		return "", &pipeline.InfrastructureError{Op: "read stub", Err: err}
	}
	return string(data), nil
}
