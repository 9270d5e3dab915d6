package pipeline

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bep/godartsass/v2"
	"github.com/rotisserie/eris"
)

func TestIsPartial(t *testing.T) {
	tests := map[string]bool{
		"_vars.scss":          true,
		"parts/_nav.scss":     true,
		"main.scss":           false,
		"_parts/main.scss":    false,
		"parts/main_alt.scss": false,
	}

	for name, want := range tests {
		if got := isPartial(name); got != want {
			t.Errorf("isPartial(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestCompileError(t *testing.T) {
	sassErr := godartsass.SassError{Message: `expected "}".`}
	sassErr.Span.Text = "red;"

	err := compileError("main.scss", sassErr)
	if !eris.Is(err, ErrSourceSyntax) {
		t.Errorf("compile errors should be syntax errors: %v", err)
	}
	if !strings.Contains(err.Error(), `main.scss: expected "}".`) {
		t.Errorf("the message is missing: %v", err)
	}

	err = compileError("main.scss", errors.New("broken pipe"))
	if eris.Is(err, ErrSourceSyntax) {
		t.Errorf("a crashed compiler isn't a syntax error: %v", err)
	}
}

func TestSassCompilesEachStylesheet(t *testing.T) {
	var calls []godartsass.Args
	s := &Sass{
		SourceMap: true,
		compile: func(args godartsass.Args) (godartsass.Result, error) {
			calls = append(calls, args)
			return godartsass.Result{
				CSS:       "/* " + filepath.Base(args.URL) + " */",
				SourceMap: `{"version":3,"sources":["` + args.URL + `"],"names":[],"mappings":"AAAA"}`,
			}, nil
		},
	}

	out, _, err := s.Apply(context.Background(), []*File{
		{Base: "/src/scss", Path: "main.scss", Contents: []byte("a { b: c; }")},
		{Base: "/src/scss", Path: "_vars.scss", Contents: []byte("$x: 1;")},
		{Base: "/src/scss", Path: "legacy.sass", Contents: []byte("a\n  b: c")},
		{Base: "/src/scss", Path: "vendor.css", Contents: []byte("v {}")},
	})
	if err != nil {
		t.Fatal(err)
	}

	names := make([]string, len(out))
	for idx, f := range out {
		names[idx] = f.Path
	}
	if strings.Join(names, ",") != "main.css,legacy.css,vendor.css" {
		t.Fatalf("unexpected output %v", names)
	}

	if len(calls) != 2 {
		t.Fatalf("expected 2 compiler calls, got %d", len(calls))
	}
	if calls[0].SourceSyntax != godartsass.SourceSyntaxSCSS || calls[1].SourceSyntax != godartsass.SourceSyntaxSASS {
		t.Errorf("wrong syntax: %v, %v", calls[0].SourceSyntax, calls[1].SourceSyntax)
	}
	if !strings.HasPrefix(calls[0].URL, "file://") || !calls[0].EnableSourceMap {
		t.Errorf("unexpected arguments %+v", calls[0])
	}

	if string(out[0].Contents) != "/* main.scss */" || len(out[0].SourceMap) == 0 {
		t.Errorf("unexpected result %q, map %s", out[0].Contents, out[0].SourceMap)
	}
	if out[2].SourceMap != nil {
		t.Error("plain CSS has no source map")
	}
}

func TestSassReportsSyntaxErrors(t *testing.T) {
	s := &Sass{
		compile: func(args godartsass.Args) (godartsass.Result, error) {
			return godartsass.Result{}, godartsass.SassError{Message: `expected "}".`}
		},
	}

	_, _, err := s.Apply(context.Background(), []*File{{Base: "/src/scss", Path: "main.scss", Contents: []byte("a {")}})
	if !eris.Is(err, ErrSourceSyntax) {
		t.Errorf("expected a syntax error, got %v", err)
	}
}

// runs against a real Dart Sass if one is installed
func TestStylesPipelineWithSass(t *testing.T) {
	if _, err := exec.LookPath("sass"); err != nil {
		t.Skip("sass is not installed")
	}

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/scss/_vars.scss": "$accent: #336699;\n",
		"src/scss/main.scss":  "@use \"vars\";\n.nav { a { color: vars.$accent; } }\n",
	})

	newPipeline := func(dest string) *Pipeline {
		p, err := NewStylesPipeline("css", StylesOptions{
			Sources:   []PathSpec{{Base: filepath.Join(root, "src/scss"), Pattern: "**/*.scss"}},
			Dest:      filepath.Join(root, dest),
			Compiler:  CompilerSCSS,
			SourceMap: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}

	p := newPipeline("build")
	defer p.Close()
	if _, err := p.Execute(context.Background()); err != nil {
		if eris.Is(err, ErrSourceSyntax) {
			t.Fatalf("valid stylesheet was rejected: %v", err)
		}
		t.Skipf("sass is not usable: %v", err)
	}

	css := readFile(t, filepath.Join(root, "build/app.css"))
	if !strings.Contains(css, ".nav a") || !strings.Contains(css, "#336699") {
		t.Errorf("unexpected output %q", css)
	}

	m, err := parseSourceMap([]byte(readFile(t, filepath.Join(root, "build/app.css.map"))))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(strings.Join(m.sources, ","), "main.scss") {
		t.Errorf("source map doesn't point at main.scss: %v", m.sources)
	}

	writeTree(t, root, map[string]string{"src/scss/main.scss": ".broken { color: red;\n"})
	broken := newPipeline("broken")
	defer broken.Close()

	if _, err := broken.Execute(context.Background()); !eris.Is(err, ErrSourceSyntax) {
		t.Errorf("expected a syntax error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "broken/app.css")); !os.IsNotExist(err) {
		t.Error("no artifact may be written for a broken stylesheet")
	}
}
