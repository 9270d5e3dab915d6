package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"
)

var engineNames = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"ie":      api.EngineIE,
	"ios":     api.EngineIOS,
	"node":    api.EngineNode,
	"opera":   api.EngineOpera,
	"safari":  api.EngineSafari,
}

var targets = map[string]api.Target{
	"es5":    api.ES5,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

// DefaultBrowsers approximates the browserslist query "last 2 versions, > 1%".
var DefaultBrowsers = []string{"chrome109", "edge109", "firefox115", "safari15.6", "ios15.6", "opera95"}

// ParseBrowsers turns entries like "chrome100" or "safari15.6" into esbuild engines.
func ParseBrowsers(browsers []string) ([]api.Engine, error) {
	engines := make([]api.Engine, 0, len(browsers))
	for _, item := range browsers {
		item = strings.ToLower(strings.TrimSpace(item))
		pos := strings.IndexAny(item, "0123456789")
		if pos < 1 {
			return nil, eris.Errorf("invalid browser %q, expected a name followed by a version (i.e. chrome100)", item)
		}

		name, ok := engineNames[item[:pos]]
		if !ok {
			return nil, eris.Errorf("unknown browser %q", item[:pos])
		}

		engines = append(engines, api.Engine{Name: name, Version: item[pos:]})
	}

	return engines, nil
}

// ParseTarget maps es5 ... esnext to esbuild's target constants
func ParseTarget(target string) (api.Target, error) {
	result, ok := targets[strings.ToLower(target)]
	if !ok {
		return api.DefaultTarget, eris.Errorf("unknown language target %q", target)
	}
	return result, nil
}

func esbuildError(file string, msgs []api.Message) error {
	lines := make([]string, len(msgs))
	for idx, msg := range msgs {
		if msg.Location != nil {
			lines[idx] = fmt.Sprintf("%s:%d:%d: %s", file, msg.Location.Line, msg.Location.Column+1, msg.Text)
		} else {
			lines[idx] = fmt.Sprintf("%s: %s", file, msg.Text)
		}
	}

	return eris.Wrap(ErrSourceSyntax, strings.Join(lines, "\n"))
}

func esbuildWarnings(file string, msgs []api.Message) []Diagnostic {
	diags := make([]Diagnostic, 0, len(msgs))
	for _, msg := range msgs {
		d := Diagnostic{
			File:     file,
			Rule:     "esbuild",
			Severity: SeverityWarning,
			Message:  msg.Text,
		}
		if msg.Location != nil {
			d.Line = msg.Location.Line
			d.Column = msg.Location.Column + 1
		}
		diags = append(diags, d)
	}
	return diags
}

// esbuildStep runs every file through esbuild's transform API with the given options.
func esbuildStep(ctx context.Context, files []*File, opts api.TransformOptions, rename func(*File) *File) ([]*File, []Diagnostic, error) {
	result := make([]*File, 0, len(files))
	diags := make([]Diagnostic, 0)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, diags, err
		}

		fileOpts := opts
		fileOpts.Sourcefile = f.Path
		out := api.Transform(string(f.Contents), fileOpts)
		diags = append(diags, esbuildWarnings(f.Path, out.Warnings)...)
		if len(out.Errors) > 0 {
			return nil, diags, esbuildError(f.Path, out.Errors)
		}

		var next *File
		if rename != nil {
			next = rename(f)
		} else {
			clone := *f
			next = &clone
		}
		next.Contents = out.Code
		next.SourceMap = nil
		if opts.Sourcemap != api.SourceMapNone {
			next.SourceMap = out.Map
			if len(f.SourceMap) > 0 {
				composed, err := composeSourceMaps(out.Map, f.SourceMap)
				if err != nil {
					return nil, diags, eris.Wrapf(err, "failed to update the source map of %s", f.Path)
				}
				next.SourceMap = composed
			}
		}

		result = append(result, next)
	}

	return result, diags, nil
}

// Prefix adds vendor prefixes and lowers CSS syntax the target browsers don't understand.
type Prefix struct {
	Engines   []api.Engine
	SourceMap bool
}

func (p *Prefix) Name() string { return "prefix" }

func (p *Prefix) Apply(ctx context.Context, files []*File) ([]*File, []Diagnostic, error) {
	opts := api.TransformOptions{
		Loader:  api.LoaderCSS,
		Engines: p.Engines,
	}
	if p.SourceMap {
		opts.Sourcemap = api.SourceMapExternal
	}

	return esbuildStep(ctx, files, opts, nil)
}

// Transpile lowers JavaScript to the given language level. Module syntax is left untouched.
type Transpile struct {
	Target    api.Target
	Engines   []api.Engine
	SourceMap bool
}

func (t *Transpile) Name() string { return "transpile" }

func (t *Transpile) Apply(ctx context.Context, files []*File) ([]*File, []Diagnostic, error) {
	opts := api.TransformOptions{
		Loader:  api.LoaderJS,
		Target:  t.Target,
		Engines: t.Engines,
	}
	if t.SourceMap {
		opts.Sourcemap = api.SourceMapExternal
	}

	return esbuildStep(ctx, files, opts, nil)
}

// Minify compresses CSS or JavaScript. If Keep is set, the input files are passed on as well and the
// minified copies get Suffix inserted into their names.
type Minify struct {
	Loader    api.Loader
	Target    api.Target
	Engines   []api.Engine
	Suffix    string
	Keep      bool
	SourceMap bool
}

func (m *Minify) Name() string { return "minify" }

func (m *Minify) Apply(ctx context.Context, files []*File) ([]*File, []Diagnostic, error) {
	opts := api.TransformOptions{
		Loader:            m.Loader,
		Target:            m.Target,
		Engines:           m.Engines,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
	}
	if m.SourceMap {
		opts.Sourcemap = api.SourceMapExternal
	}

	var rename func(*File) *File
	if m.Suffix != "" {
		rename = func(f *File) *File {
			return f.WithSuffix(m.Suffix)
		}
	}

	minified, diags, err := esbuildStep(ctx, files, opts, rename)
	if err != nil || !m.Keep {
		return minified, diags, err
	}

	return append(append([]*File{}, files...), minified...), diags, nil
}
