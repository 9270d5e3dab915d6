package pipeline

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/assetsys/pkg/posix"
)

// ShellFilter pipes every file through a shell script and replaces its contents with the script's output.
// The script runs in an embedded POSIX shell, so it works the same way on every platform. The variable
// FILE holds the file's path relative to its base.
type ShellFilter struct {
	Script string
	// Ext replaces the extension of every processed file if set
	Ext string
	Dir string
	Env map[string]string
}

func (s *ShellFilter) Name() string { return "shell" }

func (s *ShellFilter) Apply(ctx context.Context, files []*File) ([]*File, []Diagnostic, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(s.Script), "filter")
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to parse filter %s", s.Script)
	}

	dir := s.Dir
	if dir == "" {
		dir = "."
	}

	result := make([]*File, 0, len(files))
	for _, f := range files {
		var stdout, stderr bytes.Buffer

		env := os.Environ()
		for k, v := range s.Env {
			env = append(env, k+"="+v)
		}
		env = append(env, "FILE="+f.Path)

		runner, err := interp.New(
			interp.Dir(dir),
			interp.Env(expand.ListEnviron(env...)),
			interp.ExecHandler(posix.ExecHandler),
			interp.OpenHandler(posix.OpenHandler),
			interp.StdIO(bytes.NewReader(f.Contents), &stdout, &stderr),
			interp.Params("-e"),
		)
		if err != nil {
			return nil, nil, eris.Wrap(err, "failed to initialize runner")
		}

		err = runner.Run(ctx, prog)
		if err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return nil, nil, eris.Wrapf(ErrSourceSyntax, "%s: %s", f.Path, msg)
		}

		var next *File
		if s.Ext != "" {
			next = f.WithExt(s.Ext)
		} else {
			clone := *f
			next = &clone
		}
		next.Contents = stdout.Bytes()
		next.SourceMap = nil
		result = append(result, next)
	}

	return result, nil, nil
}
