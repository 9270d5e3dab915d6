package pipeline

import "github.com/rotisserie/eris"

// Error classes reported by pipelines. Use eris.Is to check for them.
var (
	// ErrSourceSyntax means a compiler, transpiler or filter rejected its input.
	ErrSourceSyntax = eris.New("source syntax error")
	// ErrFileSystem means a source could not be read or a destination could not be written.
	ErrFileSystem = eris.New("file system error")
	// ErrLintViolation is only returned by strict lint pipelines.
	ErrLintViolation = eris.New("lint violation")
)
