package pipeline

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
)

func lintSource(t *testing.T, src string, rules map[string]Severity) []Diagnostic {
	t.Helper()
	_, diags, err := (&Lint{Rules: rules}).Apply(context.Background(), []*File{{Base: ".", Path: "main.js", Contents: []byte(src)}})
	if err != nil {
		t.Fatal(err)
	}
	return diags
}

func findRule(diags []Diagnostic, rule string) *Diagnostic {
	for idx := range diags {
		if diags[idx].Rule == rule {
			return &diags[idx]
		}
	}
	return nil
}

func TestLintRules(t *testing.T) {
	src := "var x = 1;\nif (x == 2) {\n  debugger;\n}\nconsole.log(eval(\"x\"));\n"
	rules := map[string]Severity{
		RuleDebugger:  SeverityError,
		RuleEqEqEq:    SeverityWarning,
		RuleNoVar:     SeverityWarning,
		RuleNoConsole: SeverityWarning,
		RuleNoEval:    SeverityError,
	}

	diags := lintSource(t, src, rules)

	tests := []struct {
		rule     string
		line     int
		column   int
		severity Severity
	}{
		{RuleNoVar, 1, 1, SeverityWarning},
		{RuleEqEqEq, 2, 7, SeverityWarning},
		{RuleDebugger, 3, 3, SeverityError},
		{RuleNoConsole, 5, 1, SeverityWarning},
		{RuleNoEval, 5, 13, SeverityError},
	}

	for _, tt := range tests {
		d := findRule(diags, tt.rule)
		if d == nil {
			t.Errorf("missing diagnostic for %s", tt.rule)
			continue
		}
		if d.Line != tt.line || d.Column != tt.column || d.Severity != tt.severity {
			t.Errorf("%s reported at %d:%d (%s), want %d:%d (%s)", tt.rule, d.Line, d.Column, d.Severity, tt.line,
				tt.column, tt.severity)
		}
	}
}

func TestLintRulesCanBeDisabled(t *testing.T) {
	diags := lintSource(t, "var x = 1;\nconsole.log(x);\n", DefaultRules())
	if len(diags) != 0 {
		t.Errorf("expected no diagnostics with the default rules, got %v", diags)
	}
}

func TestLintIgnoresMemberNames(t *testing.T) {
	diags := lintSource(t, "const a = { eval: 1 };\nwindow.console = a.eval;\n", DefaultRules())
	for _, d := range diags {
		if d.Line == 2 {
			t.Errorf("property access must not be reported: %v", d)
		}
	}
}

func TestLintSyntaxError(t *testing.T) {
	diags := lintSource(t, "function (\n", nil)
	d := findRule(diags, RuleSyntax)
	if d == nil {
		t.Fatalf("expected a syntax diagnostic, got %v", diags)
	}
	if d.Severity != SeverityError {
		t.Errorf("syntax errors must be errors, got %s", d.Severity)
	}
}

func TestLintPipelineStrict(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/js/main.js": "debugger;\n",
	})

	sources := []PathSpec{{Base: filepath.Join(root, "src/js"), Pattern: "**/*.js"}}
	var reported []Diagnostic
	reporter := func(ctx context.Context, diags []Diagnostic) {
		reported = append(reported, diags...)
	}

	lenient := NewLintPipeline("lint", sources, nil, false)
	lenient.Reporter = reporter
	result, err := lenient.Execute(context.Background())
	if err != nil {
		t.Fatalf("non-strict lint should succeed, got %v", err)
	}
	if result.Errors() != 1 || len(reported) != 1 {
		t.Errorf("expected one error, got %d (reported %d)", result.Errors(), len(reported))
	}

	strict := NewLintPipeline("lint", sources, nil, true)
	strict.Reporter = reporter
	_, err = strict.Execute(context.Background())
	if !eris.Is(err, ErrLintViolation) {
		t.Errorf("strict lint should fail with a lint violation, got %v", err)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"off":     SeverityOff,
		"0":       SeverityOff,
		"warn":    SeverityWarning,
		"warning": SeverityWarning,
		"1":       SeverityWarning,
		"error":   SeverityError,
		"2":       SeverityError,
	}

	for input, want := range tests {
		got, err := ParseSeverity(input)
		if err != nil || got != want {
			t.Errorf("ParseSeverity(%q) = %v, %v; want %v", input, got, err, want)
		}
	}

	if _, err := ParseSeverity("fatal"); err == nil {
		t.Errorf("expected an error for an unknown severity")
	}
}

func TestFormatDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	FormatDiagnostics(&buf, []Diagnostic{
		{File: "b.js", Line: 2, Column: 1, Rule: RuleEqEqEq, Severity: SeverityWarning, Message: "eq"},
		{File: "a.js", Line: 1, Column: 1, Rule: RuleDebugger, Severity: SeverityError, Message: "dbg"},
	})

	out := buf.String()
	if strings.Index(out, "a.js") > strings.Index(out, "b.js") {
		t.Errorf("files should be sorted: %q", out)
	}
	if !strings.Contains(out, "2 problems (1 errors, 1 warnings)") {
		t.Errorf("missing summary: %q", out)
	}
}
