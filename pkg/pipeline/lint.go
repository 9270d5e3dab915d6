package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mitchellh/colorstring"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
)

// Lint rules understood by the Lint transform
const (
	RuleSyntax    = "syntax"
	RuleDebugger  = "no-debugger"
	RuleEqEqEq    = "eqeqeq"
	RuleNoVar     = "no-var"
	RuleNoConsole = "no-console"
	RuleNoEval    = "no-eval"
)

var ruleMessages = map[string]string{
	RuleDebugger:  "Unexpected 'debugger' statement",
	RuleEqEqEq:    "Expected '%s=' and instead saw '%s'",
	RuleNoVar:     "Unexpected var, use let or const instead",
	RuleNoConsole: "Unexpected console statement",
	RuleNoEval:    "eval can be harmful",
}

// DefaultRules mirrors eslint:recommended as far as the supported rules go.
func DefaultRules() map[string]Severity {
	return map[string]Severity{
		RuleDebugger:  SeverityError,
		RuleEqEqEq:    SeverityWarning,
		RuleNoVar:     SeverityOff,
		RuleNoConsole: SeverityOff,
		RuleNoEval:    SeverityError,
	}
}

// Lint checks JavaScript sources for syntax errors and a small set of token-level rules. It never
// modifies or emits files.
type Lint struct {
	Rules map[string]Severity
}

func (l *Lint) Name() string { return "lint" }

func (l *Lint) Apply(ctx context.Context, files []*File) ([]*File, []Diagnostic, error) {
	rules := l.Rules
	if rules == nil {
		rules = DefaultRules()
	}

	diags := make([]Diagnostic, 0)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, diags, err
		}

		_, err := js.Parse(parse.NewInputBytes(f.Contents), js.Options{})
		if err != nil {
			d := Diagnostic{
				File:     f.Path,
				Rule:     RuleSyntax,
				Severity: SeverityError,
				Message:  err.Error(),
			}

			var perr *parse.Error
			if errors.As(err, &perr) {
				d.Line = perr.Line
				d.Column = perr.Column
				d.Message = perr.Message
			}
			diags = append(diags, d)
			continue
		}

		diags = append(diags, checkTokens(f, rules)...)
	}

	return nil, diags, nil
}

func endsExpression(tt js.TokenType) bool {
	switch tt {
	case js.StringToken, js.CloseParenToken, js.CloseBracketToken, js.CloseBraceToken, js.TemplateToken,
		js.TemplateEndToken, js.ThisToken, js.RegExpToken:
		return true
	}

	return js.IsIdentifier(tt) || js.IsNumeric(tt)
}

func checkTokens(f *File, rules map[string]Severity) []Diagnostic {
	diags := make([]Diagnostic, 0)
	report := func(rule string, line, col int, args ...interface{}) {
		severity := rules[rule]
		if severity == SeverityOff {
			return
		}

		diags = append(diags, Diagnostic{
			File:     f.Path,
			Line:     line,
			Column:   col,
			Rule:     rule,
			Severity: severity,
			Message:  fmt.Sprintf(ruleMessages[rule], args...),
		})
	}

	lexer := js.NewLexer(parse.NewInputBytes(f.Contents))
	line, col := 1, 1
	prev := js.ErrorToken

	for {
		tt, text := lexer.Next()
		if tt == js.ErrorToken {
			break
		}

		if (tt == js.DivToken || tt == js.DivEqToken) && !endsExpression(prev) {
			tt, text = lexer.RegExp()
		}

		switch tt {
		case js.DebuggerToken:
			report(RuleDebugger, line, col)
		case js.EqEqToken:
			report(RuleEqEqEq, line, col, "==", "==")
		case js.NotEqToken:
			report(RuleEqEqEq, line, col, "!=", "!=")
		case js.VarToken:
			report(RuleNoVar, line, col)
		case js.IdentifierToken:
			if prev != js.DotToken {
				switch string(text) {
				case "console":
					report(RuleNoConsole, line, col)
				case "eval":
					report(RuleNoEval, line, col)
				}
			}
		}

		if tt != js.WhitespaceToken && tt != js.LineTerminatorToken && tt != js.CommentToken &&
			tt != js.CommentLineTerminatorToken {
			prev = tt
		}

		if nl := bytes.LastIndexByte(text, '\n'); nl >= 0 {
			line += bytes.Count(text, []byte{'\n'})
			col = len(text) - nl
		} else {
			col += len(text)
		}
	}

	return diags
}

// FormatDiagnostics prints diagnostics grouped by file in a compact, colored format.
func FormatDiagnostics(w io.Writer, diags []Diagnostic) {
	if len(diags) == 0 {
		return
	}

	sorted := make([]Diagnostic, len(diags))
	copy(sorted, diags)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].File != sorted[j].File {
			return sorted[i].File < sorted[j].File
		}
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line < sorted[j].Line
		}
		return sorted[i].Column < sorted[j].Column
	})

	errorCount := 0
	currentFile := ""
	for _, d := range sorted {
		if d.File != currentFile {
			if currentFile != "" {
				fmt.Fprintln(w)
			}
			currentFile = d.File
			colorstring.Fprintf(w, "[underline]%s[reset]\n", d.File)
		}

		color := "[yellow]"
		if d.Severity == SeverityError {
			color = "[red]"
			errorCount++
		}

		colorstring.Fprintf(w, "  [dark_gray]%d:%d[reset]  "+color+"%-7s[reset]  %s  [dark_gray]%s[reset]\n",
			d.Line, d.Column, d.Severity, d.Message, d.Rule)
	}

	color := "[yellow]"
	if errorCount > 0 {
		color = "[red]"
	}
	colorstring.Fprintf(w, "\n"+color+"[bold]%d problems (%d errors, %d warnings)[reset]\n", len(sorted), errorCount,
		len(sorted)-errorCount)
}

// ConsoleReporter prints diagnostics to stderr
func ConsoleReporter(ctx context.Context, diags []Diagnostic) {
	FormatDiagnostics(os.Stderr, diags)
}
