package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"simple vars", "Solve {{problem}} in {{lang}}.", Vars{"problem": "fizzbuzz", "lang": "Python"}, "Solve fizzbuzz in Python."},
		{"no vars", "Nothing to expand.", Vars{}, "Nothing to expand."},
		{"conditional present", "A.{{#if tests}}\nTests: {{tests}}\n{{/if}}B.", Vars{"tests": "t1"}, "A.\nTests: t1\nB."},
		{"conditional absent", "A.{{#if tests}}\nTests: {{tests}}\n{{/if}}B.", Vars{}, "A.B."},
		{"conditional empty string", "{{#if separator}}keep it{{/if}}", Vars{"separator": ""}, ""},
		{"two conditionals", "{{#if a}}A={{a}}{{/if}} {{#if b}}B={{b}}{{/if}}", Vars{"a": "yes"}, "A=yes "},
		{"nested both present", "{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}", Vars{"a": "1", "b": "1"}, "outer inner end"},
		{"nested outer absent", "S{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}F", Vars{"b": "1"}, "SF"},
		{"absent block hides missing var", "S{{#if x}}with {{y}}{{/if}}M", Vars{}, "SM"},
		{"whitespace in tag", "{{#if x }}content{{/if}}", Vars{"x": "1"}, "content"},
		{"newline in tag", "{{#if\nx}}content{{/if}}", Vars{"x": "1"}, "content"},
		{"values are literal", "Hi {{name}}", Vars{"name": "{{evil}}"}, "Hi {{evil}}"},
		{"values not re-expanded", "{{a}} and {{b}}", Vars{"a": "{{b}}", "b": "hello"}, "{{b}} and hello"},
		{"end tag inside value", "{{#if note}}Note: {{note}}{{/if}} done", Vars{"note": "use {{/if}} here"}, "Note: use {{/if}} here done"},
		{"code fences pass through", "```\n{{code}}\n```", Vars{"code": "x = 1"}, "```\nx = 1\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} and {{b}} and {{c}}", Vars{"b": "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "a, c") {
		t.Errorf("error should list missing vars, got: %v", err)
	}
}

func TestRender_UnbalancedConditionals(t *testing.T) {
	if _, err := Render("S{{#if x}}body", Vars{"x": "1"}); err == nil || !strings.Contains(err.Error(), "unclosed") {
		t.Errorf("expected unclosed error, got %v", err)
	}
	if _, err := Render("body{{/if}}", Vars{}); err == nil || !strings.Contains(err.Error(), "dangling") {
		t.Errorf("expected dangling error, got %v", err)
	}
}

func TestLibrary_BuiltinTemplates(t *testing.T) {
	lib := NewLibrary("")

	sys, err := lib.Render(ProgrammerSystem, Vars{})
	if err != nil {
		t.Fatalf("render system: %v", err)
	}
	if !strings.HasPrefix(sys, "You are a programmer.") {
		t.Errorf("unexpected system prompt: %q", sys)
	}

	gen, err := lib.Render(Generate, Vars{"problem": "Reverse a string."})
	if err != nil {
		t.Fatalf("render generate: %v", err)
	}
	if !strings.HasPrefix(gen, "Problem:\nReverse a string.\n") {
		t.Errorf("unexpected generate prompt: %q", gen)
	}
}

func TestLibrary_RepairStaticSeparatorBlock(t *testing.T) {
	lib := NewLibrary("")
	base := Vars{"problem": "p", "code": "def f(): ...", "checker": "mypy", "diagnostic": "error: bad"}

	plain, err := lib.Render(RepairStatic, base)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(plain, "separator") || strings.Contains(plain, "## Tests") {
		t.Errorf("code-only repair should not mention the separator: %q", plain)
	}
	if !strings.Contains(plain, "```\ndef f(): ...\n```") || !strings.Contains(plain, "failed with the following errors:\nerror: bad") {
		t.Errorf("repair prompt missing code or diagnostic: %q", plain)
	}

	combined := Vars{"separator": "## Tests"}
	for k, v := range base {
		combined[k] = v
	}
	out, err := lib.Render(RepairStatic, combined)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "keep the `## Tests` line") {
		t.Errorf("combined repair should ask to keep the separator: %q", out)
	}
}

func TestLibrary_RepairDynamicQuotesTests(t *testing.T) {
	out, err := NewLibrary("").Render(RepairDynamic, Vars{
		"problem":    "p",
		"code":       "def f(): ...",
		"tests":      "class T(unittest.TestCase): ...",
		"diagnostic": "FAIL: test_x",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "class T(unittest.TestCase): ...") {
		t.Errorf("tests not quoted: %q", out)
	}
	if !strings.Contains(out, "make it pass the tests") {
		t.Errorf("unexpected instruction: %q", out)
	}
}

func TestLibrary_RepairDynamicRequiresTests(t *testing.T) {
	_, err := NewLibrary("").Render(RepairDynamic, Vars{"problem": "p", "code": "c", "diagnostic": "d"})
	if err == nil || !strings.Contains(err.Error(), "tests") {
		t.Errorf("expected missing tests error, got %v", err)
	}
}

func TestLibrary_OverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, Generate), []byte("custom {{problem}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	lib := NewLibrary(dir)

	got, err := lib.Render(Generate, Vars{"problem": "x"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "custom x" {
		t.Errorf("override not used: %q", got)
	}

	// Templates absent from the override dir fall back to the built-in set.
	if _, err := lib.Load(Tests); err != nil {
		t.Errorf("expected builtin fallback, got %v", err)
	}
}

func TestLibrary_NotFound(t *testing.T) {
	if _, err := NewLibrary(t.TempDir()).Load("nonexistent.md"); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestLibrary_PathTraversal(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "templates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	secret := filepath.Join(root, "secret.txt")
	if err := os.WriteFile(secret, []byte("TOP SECRET"), 0o644); err != nil {
		t.Fatal(err)
	}

	lib := NewLibrary(dir)
	if content, err := lib.Load("../secret.txt"); err == nil {
		t.Errorf("relative traversal read %q", content)
	}
	if content, err := lib.Load(secret); err == nil {
		t.Errorf("absolute path read %q", content)
	}
}

func TestNames(t *testing.T) {
	want := []string{Generate, ProgrammerSystem, RepairDynamic, RepairStatic, TestDesignerSystem, Tests}
	got := Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestInstallBuiltinTemplates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")

	written, err := InstallBuiltinTemplates(dir, false)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if len(written) != len(Names()) {
		t.Errorf("expected %d templates written, got %v", len(Names()), written)
	}

	// Edited templates survive a second install.
	edited := filepath.Join(dir, Generate)
	if err := os.WriteFile(edited, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}
	written, err = InstallBuiltinTemplates(dir, false)
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if len(written) != 0 {
		t.Errorf("expected nothing rewritten, got %v", written)
	}
	if data, _ := os.ReadFile(edited); string(data) != "mine" {
		t.Errorf("edited template overwritten: %q", data)
	}

	if _, err := InstallBuiltinTemplates(dir, true); err != nil {
		t.Fatalf("forced install: %v", err)
	}
	if data, _ := os.ReadFile(edited); string(data) == "mine" {
		t.Error("force should overwrite edited template")
	}
}
