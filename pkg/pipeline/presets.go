package pipeline

import (
	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"
)

// Style compilers accepted by StylesOptions.Compiler
const (
	CompilerSCSS    = "scss"
	CompilerCSS     = "css"
	CompilerCommand = "command"
)

type StylesOptions struct {
	Sources []PathSpec
	Dest    string
	// Bundle is the name of the unminified artifact, the minified one gets a .min suffix
	Bundle       string
	Compiler     string
	Command      string
	SassBinary   string
	IncludePaths []string
	Browsers     []string
	SourceMap    bool
	Precompress  bool
}

// NewStylesPipeline builds compile → concat → prefix → minify. Both the prefixed and the minified bundle are
// written, each with its own source map if enabled.
func NewStylesPipeline(name string, opts StylesOptions) (*Pipeline, error) {
	if opts.Bundle == "" {
		opts.Bundle = "app.css"
	}
	if opts.Browsers == nil {
		opts.Browsers = DefaultBrowsers
	}

	engines, err := ParseBrowsers(opts.Browsers)
	if err != nil {
		return nil, err
	}

	transforms := make([]Transform, 0, 5)
	switch opts.Compiler {
	case CompilerSCSS, "sass", "":
		transforms = append(transforms, &Sass{
			Binary:       opts.SassBinary,
			IncludePaths: opts.IncludePaths,
			SourceMap:    opts.SourceMap,
		})
	case CompilerCSS:
	case CompilerCommand:
		if opts.Command == "" {
			return nil, eris.New("the command compiler needs a command")
		}
		transforms = append(transforms, &ShellFilter{Script: opts.Command, Ext: ".css"})
	default:
		return nil, eris.Errorf("unknown style compiler %q", opts.Compiler)
	}

	transforms = append(transforms,
		&Concat{Filename: opts.Bundle, SourceMap: opts.SourceMap},
		&Prefix{Engines: engines, SourceMap: opts.SourceMap},
		&Minify{
			Loader:    api.LoaderCSS,
			Engines:   engines,
			Suffix:    ".min",
			Keep:      true,
			SourceMap: opts.SourceMap,
		},
	)

	if opts.Precompress {
		transforms = append(transforms, &Precompress{})
	}

	return &Pipeline{
		Name:       name,
		Sources:    opts.Sources,
		Dest:       opts.Dest,
		Transforms: transforms,
	}, nil
}

type ScriptsOptions struct {
	Sources     []PathSpec
	Dest        string
	Bundle      string
	Target      string
	SourceMap   bool
	Precompress bool
}

// NewScriptsPipeline builds transpile → concat → minify and writes a single bundle.
func NewScriptsPipeline(name string, opts ScriptsOptions) (*Pipeline, error) {
	if opts.Bundle == "" {
		opts.Bundle = "app.min.js"
	}
	if opts.Target == "" {
		opts.Target = "es2015"
	}

	target, err := ParseTarget(opts.Target)
	if err != nil {
		return nil, err
	}

	transforms := []Transform{
		&Transpile{Target: target, SourceMap: opts.SourceMap},
		&Concat{Filename: opts.Bundle, SourceMap: opts.SourceMap},
		&Minify{Loader: api.LoaderJS, Target: target, SourceMap: opts.SourceMap},
	}
	if opts.Precompress {
		transforms = append(transforms, &Precompress{})
	}

	return &Pipeline{
		Name:       name,
		Sources:    opts.Sources,
		Dest:       opts.Dest,
		Transforms: transforms,
	}, nil
}

// NewCopyPipeline copies the matched files unchanged
func NewCopyPipeline(name string, sources []PathSpec, dest string) *Pipeline {
	return &Pipeline{
		Name:    name,
		Sources: sources,
		Dest:    dest,
	}
}

// NewLintPipeline reports diagnostics for the matched scripts without writing anything.
func NewLintPipeline(name string, sources []PathSpec, rules map[string]Severity, strict bool) *Pipeline {
	return &Pipeline{
		Name:       name,
		Sources:    sources,
		Transforms: []Transform{&Lint{Rules: rules}},
		NoWrite:    true,
		Strict:     strict,
		Reporter:   ConsoleReporter,
	}
}
