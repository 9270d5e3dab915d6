package pipeline

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"

	"github.com/ngld/assetsys/pkg/buildlog"
)

// Transform is a single conversion step. It receives every file the previous step produced and returns
// the files for the next one. Diagnostics don't abort the pipeline, errors do.
type Transform interface {
	Name() string
	Apply(ctx context.Context, files []*File) ([]*File, []Diagnostic, error)
}

// Reporter receives the diagnostics collected during a run
type Reporter func(ctx context.Context, diags []Diagnostic)

// Pipeline reads the files matched by Sources, passes them through Transforms and writes the result to Dest.
type Pipeline struct {
	Name       string
	Sources    []PathSpec
	Dest       string
	Transforms []Transform
	// NoWrite pipelines only report diagnostics (linting)
	NoWrite bool
	// Strict turns error diagnostics into a failed run
	Strict   bool
	Reporter Reporter
}

// Describe returns a short human-readable summary used by dry runs and task listings.
func (p *Pipeline) Describe() string {
	names := make([]string, len(p.Transforms))
	for idx, t := range p.Transforms {
		names[idx] = t.Name()
	}

	sources := make([]string, len(p.Sources))
	for idx, s := range p.Sources {
		sources[idx] = s.String()
	}

	desc := p.Name + " " + strings.Join(sources, ", ")
	if len(names) > 0 {
		desc += " | " + strings.Join(names, " | ")
	}
	if !p.NoWrite {
		desc += " > " + p.Dest
	}
	return desc
}

// Run executes the pipeline and logs a summary. It implements the task action interface.
func (p *Pipeline) Run(ctx context.Context) error {
	result, err := p.Execute(ctx)
	if err != nil {
		return err
	}

	if p.NoWrite {
		buildlog.Log(ctx).Info().Msgf("%d problems (%d errors)", len(result.Diagnostics), result.Errors())
	} else {
		buildlog.Log(ctx).Info().Msgf("wrote %d files to %s", result.FilesWritten, p.Dest)
	}
	return nil
}

// Execute runs all transforms and writes the resulting files. Nothing is written unless every transform
// succeeded and every file is written through a temporary file, so a failure never leaves a truncated
// artifact behind.
func (p *Pipeline) Execute(ctx context.Context) (Result, error) {
	var result Result

	files, err := Read(p.Sources)
	if err != nil {
		return result, eris.Wrapf(err, "%s: failed to read sources", p.Name)
	}

	for _, t := range p.Transforms {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var diags []Diagnostic
		files, diags, err = t.Apply(ctx, files)
		result.Diagnostics = append(result.Diagnostics, diags...)
		if err != nil {
			return result, eris.Wrapf(err, "%s: %s failed", p.Name, t.Name())
		}
	}

	if len(result.Diagnostics) > 0 {
		reporter := p.Reporter
		if reporter == nil {
			reporter = LogReporter
		}
		reporter(ctx, result.Diagnostics)
	}

	if p.Strict && result.Errors() > 0 {
		return result, eris.Wrapf(ErrLintViolation, "%s: %d errors", p.Name, result.Errors())
	}

	if p.NoWrite {
		return result, nil
	}

	for _, f := range files {
		n, err := writeFile(p.Dest, f)
		result.FilesWritten += n
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// Close releases resources held by transforms (i.e. compiler processes).
func (p *Pipeline) Close() error {
	var err error
	for _, t := range p.Transforms {
		if closer, ok := t.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
	}
	return err
}

// LogReporter logs every diagnostic through the context logger
func LogReporter(ctx context.Context, diags []Diagnostic) {
	for _, d := range diags {
		evt := buildlog.Log(ctx).Warn()
		if d.Severity == SeverityError {
			evt = buildlog.Log(ctx).Error()
		}
		evt.Str("rule", d.Rule).Msgf("%s:%d:%d: %s", d.File, d.Line, d.Column, d.Message)
	}
}

func sourceMapComment(name string, ext string) string {
	switch ext {
	case ".css":
		return "\n/*# sourceMappingURL=" + name + " */\n"
	case ".js":
		return "\n//# sourceMappingURL=" + name + "\n"
	}
	return ""
}

func writeFile(destDir string, f *File) (int, error) {
	dest := filepath.Join(destDir, filepath.FromSlash(f.Path))
	contents := f.Contents
	written := 0

	if len(f.SourceMap) > 0 {
		mapName := filepath.Base(dest) + ".map"
		if comment := sourceMapComment(mapName, f.Ext()); comment != "" {
			contents = append(append([]byte{}, strings.TrimRight(string(contents), "\n")...), comment...)
		}

		if err := WriteFileAtomic(dest+".map", f.SourceMap); err != nil {
			return written, err
		}
		written++
	}

	if err := WriteFileAtomic(dest, contents); err != nil {
		return written, err
	}
	return written + 1, nil
}

// WriteFileAtomic writes data to a temporary file next to dest and renames it into place.
func WriteFileAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(ErrFileSystem, "failed to create %s: %v", dir, err)
	}

	tmp, err := ioutil.TempFile(dir, "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return eris.Wrapf(ErrFileSystem, "failed to create temporary file for %s: %v", dest, err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}

	if err != nil {
		os.Remove(tmp.Name())
		return eris.Wrapf(ErrFileSystem, "failed to write %s: %v", dest, err)
	}
	return nil
}
