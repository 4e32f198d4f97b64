// Package agent turns prompts into source text: the programmer writes and
// repairs code, the test designer writes unit tests against a stub.
package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/coderloop/internal/extract"
	"github.com/lucasnoah/coderloop/internal/llm"
	"github.com/lucasnoah/coderloop/internal/prompt"
)

// DefaultLanguage is the fence tag accepted by the code extractor.
const DefaultLanguage = "python"

// Mode selects which verifier's diagnostic a repair responds to.
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

// Exchange is one model round trip: the prompt sent, the raw response and the
// source text extracted from it.
type Exchange struct {
	Prompt   string
	Response string
	Text     string
}

// RepairInput is everything a repair prompt quotes.
type RepairInput struct {
	Problem    string
	Code       string
	Diagnostic string
	Mode       Mode
	// Tests is quoted as fixed reference in dynamic mode.
	Tests string
	// Separator is set when Code is a combined code+tests artifact that the
	// model may rewrite as a whole.
	Separator string
}

// base holds what both roles share.
type base struct {
	client  llm.Client
	prompts *prompt.Library
	opts    llm.Options
	lang    string
	logger  *zap.Logger
}

func newBase(client llm.Client, prompts *prompt.Library, opts llm.Options, logger *zap.Logger) base {
	if prompts == nil {
		prompts = prompt.NewLibrary("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{client: client, prompts: prompts, opts: opts, lang: DefaultLanguage, logger: logger}
}

// complete renders the system and user templates, calls the model and
// extracts code from the answer. Empty extracted code is llm.ErrEmptyResponse.
func (b *base) complete(ctx context.Context, op, system, user string, vars prompt.Vars) (*Exchange, error) {
	sys, err := b.prompts.Render(system, prompt.Vars{})
	if err != nil {
		return nil, err
	}
	msg, err := b.prompts.Render(user, vars)
	if err != nil {
		return nil, err
	}

	ex := &Exchange{Prompt: formatPrompt(sys, msg)}
	resp, err := b.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: sys},
		{Role: llm.RoleUser, Content: msg},
	}, b.opts)
	if err != nil {
		return ex, fmt.Errorf("%s: %w", op, err)
	}
	ex.Response = resp
	ex.Text = extract.Code(resp, b.lang)
	if ex.Text == "" {
		return ex, fmt.Errorf("%s: no code in response: %w", op, llm.ErrEmptyResponse)
	}
	b.logger.Debug("model exchange",
		zap.String("op", op),
		zap.Int("prompt_bytes", len(msg)),
		zap.Int("response_bytes", len(resp)),
		zap.Int("code_bytes", len(ex.Text)),
	)
	return ex, nil
}

// formatPrompt lays out the messages of an exchange for prompt.md.
func formatPrompt(system, user string) string {
	var b strings.Builder
	b.WriteString("# system\n\n")
	b.WriteString(strings.TrimSpace(system))
	b.WriteString("\n\n# user\n\n")
	b.WriteString(strings.TrimSpace(user))
	b.WriteString("\n")
	return b.String()
}

// Programmer writes code for a problem and repairs it from verifier output.
type Programmer struct {
	base
	checker string
}

// NewProgrammer creates a programmer. A nil prompts library uses the built-in
// templates; a nil logger discards.
func NewProgrammer(client llm.Client, prompts *prompt.Library, opts llm.Options, logger *zap.Logger) *Programmer {
	return &Programmer{base: newBase(client, prompts, opts, logger), checker: "mypy"}
}

// SetLanguage sets the fence tag preferred when extracting code.
func (p *Programmer) SetLanguage(lang string) {
	if lang != "" {
		p.lang = lang
	}
}

// SetChecker names the static checker in repair prompts.
func (p *Programmer) SetChecker(name string) {
	if name != "" {
		p.checker = name
	}
}

// Generate writes a first candidate for problem.
func (p *Programmer) Generate(ctx context.Context, problem string) (*Exchange, error) {
	return p.complete(ctx, "generate", prompt.ProgrammerSystem, prompt.Generate, prompt.Vars{
		"problem": problem,
	})
}

// Repair asks for corrected code given the failing candidate and the
// verifier's output, both quoted verbatim.
func (p *Programmer) Repair(ctx context.Context, in RepairInput) (*Exchange, error) {
	switch in.Mode {
	case ModeStatic:
		return p.complete(ctx, "repair static", prompt.ProgrammerSystem, prompt.RepairStatic, prompt.Vars{
			"problem":    in.Problem,
			"code":       strings.TrimSpace(in.Code),
			"checker":    p.checker,
			"diagnostic": in.Diagnostic,
			"separator":  in.Separator,
		})
	case ModeDynamic:
		return p.complete(ctx, "repair dynamic", prompt.ProgrammerSystem, prompt.RepairDynamic, prompt.Vars{
			"problem":    in.Problem,
			"code":       strings.TrimSpace(in.Code),
			"tests":      strings.TrimSpace(in.Tests),
			"diagnostic": in.Diagnostic,
		})
	default:
		return nil, fmt.Errorf("unknown repair mode %q", in.Mode)
	}
}

// TestDesigner writes unit tests from a problem and a stub of the code under
// test.
type TestDesigner struct {
	base
}

func NewTestDesigner(client llm.Client, prompts *prompt.Library, opts llm.Options, logger *zap.Logger) *TestDesigner {
	return &TestDesigner{base: newBase(client, prompts, opts, logger)}
}

// SetLanguage sets the fence tag preferred when extracting tests.
func (d *TestDesigner) SetLanguage(lang string) {
	if lang != "" {
		d.lang = lang
	}
}

// Design writes tests for the callables declared in stub.
func (d *TestDesigner) Design(ctx context.Context, problem, stub string) (*Exchange, error) {
	return d.complete(ctx, "design tests", prompt.TestDesignerSystem, prompt.Tests, prompt.Vars{
		"problem": problem,
		"stub":    strings.TrimSpace(stub),
	})
}
