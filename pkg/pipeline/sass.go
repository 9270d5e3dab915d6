package pipeline

import (
	"context"
	"errors"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/godartsass/v2"
	"github.com/rotisserie/eris"

	"github.com/ngld/assetsys/pkg/buildlog"
)

// Sass compiles SCSS and indented Sass files with Dart Sass over its embedded protocol. The compiler
// process is started on first use and kept running until Close is called.
type Sass struct {
	// Binary is the dart-sass executable, "sass" if empty
	Binary       string
	IncludePaths []string
	SourceMap    bool

	lock       sync.Mutex
	transpiler *godartsass.Transpiler
	// compile replaces the compiler process if set
	compile func(godartsass.Args) (godartsass.Result, error)
}

func (s *Sass) Name() string { return "sass" }

func (s *Sass) start(ctx context.Context) (*godartsass.Transpiler, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.transpiler != nil {
		return s.transpiler, nil
	}

	binary := s.Binary
	if binary == "" {
		binary = "sass"
	}

	logger := buildlog.Log(ctx)
	t, err := godartsass.Start(godartsass.Options{
		DartSassEmbeddedFilename: binary,
		Timeout:                  time.Minute,
		LogEventHandler: func(evt godartsass.LogEvent) {
			logger.Warn().Str("compiler", "sass").Msg(evt.Message)
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to start %s", binary)
	}

	s.transpiler = t
	return t, nil
}

func (s *Sass) compiler(ctx context.Context) (func(godartsass.Args) (godartsass.Result, error), error) {
	if s.compile != nil {
		return s.compile, nil
	}

	t, err := s.start(ctx)
	if err != nil {
		return nil, err
	}
	return t.Execute, nil
}

// compileError turns Sass' own compile errors into ErrSourceSyntax. Anything else means the compiler failed.
func compileError(file string, err error) error {
	var sassErr godartsass.SassError
	if errors.As(err, &sassErr) {
		if sassErr.Span.Text != "" {
			return eris.Wrapf(ErrSourceSyntax, "%s: %s (near %q)", file, sassErr.Message, sassErr.Span.Text)
		}
		return eris.Wrapf(ErrSourceSyntax, "%s: %s", file, sassErr.Message)
	}
	return eris.Wrapf(err, "failed to compile %s", file)
}

func isPartial(p string) bool {
	return strings.HasPrefix(path.Base(p), "_")
}

func (s *Sass) Apply(ctx context.Context, files []*File) ([]*File, []Diagnostic, error) {
	result := make([]*File, 0, len(files))

	for _, f := range files {
		if isPartial(f.Path) {
			continue
		}

		if f.Ext() != ".scss" && f.Ext() != ".sass" {
			result = append(result, f)
			continue
		}

		compile, err := s.compiler(ctx)
		if err != nil {
			return nil, nil, err
		}

		syntax := godartsass.SourceSyntaxSCSS
		if f.Ext() == ".sass" {
			syntax = godartsass.SourceSyntaxSASS
		}

		abs, err := filepath.Abs(f.Abs())
		if err != nil {
			return nil, nil, err
		}

		fileURL := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
		out, err := compile(godartsass.Args{
			Source:                  string(f.Contents),
			URL:                     fileURL.String(),
			OutputStyle:             godartsass.OutputStyleExpanded,
			SourceSyntax:            syntax,
			IncludePaths:            append([]string{filepath.Dir(abs)}, s.IncludePaths...),
			EnableSourceMap:         s.SourceMap,
			SourceMapIncludeSources: s.SourceMap,
		})
		if err != nil {
			return nil, nil, compileError(f.Path, err)
		}

		compiled := f.WithExt(".css")
		compiled.Contents = []byte(out.CSS)
		compiled.SourceMap = nil
		if s.SourceMap && out.SourceMap != "" {
			compiled.SourceMap = []byte(out.SourceMap)
		}
		result = append(result, compiled)
	}

	return result, nil, nil
}

// Close stops the compiler process
func (s *Sass) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.transpiler == nil {
		return nil
	}

	err := s.transpiler.Close()
	s.transpiler = nil
	return err
}
