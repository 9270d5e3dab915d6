package pipeline

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// File is a source or artifact held in memory while it passes through a pipeline.
type File struct {
	// Base is the directory the file was matched from
	Base string
	// Path is slash-separated and relative to Base
	Path      string
	Contents  []byte
	SourceMap []byte
}

// Abs returns the file's location on disk
func (f *File) Abs() string {
	return filepath.Join(f.Base, filepath.FromSlash(f.Path))
}

// Ext returns the extension of the file's path including the dot
func (f *File) Ext() string {
	return path.Ext(f.Path)
}

// WithExt returns a copy of the file whose extension was replaced by ext
func (f *File) WithExt(ext string) *File {
	clone := *f
	clone.Path = strings.TrimSuffix(f.Path, f.Ext()) + ext
	return &clone
}

// WithSuffix inserts suffix between the file's name and its extension: app.css -> app.min.css
func (f *File) WithSuffix(suffix string) *File {
	ext := f.Ext()
	clone := *f
	clone.Path = strings.TrimSuffix(f.Path, ext) + suffix + ext
	return &clone
}

func (f *File) String() string {
	return fmt.Sprintf("<File %s>", f.Path)
}

// Severity of a Diagnostic
type Severity int

const (
	SeverityOff Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "off"
	}
}

// ParseSeverity accepts the ESLint-style names off, warn(ing) and error as well as 0, 1 and 2.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(value) {
	case "off", "0", "":
		return SeverityOff, nil
	case "warn", "warning", "1":
		return SeverityWarning, nil
	case "error", "2":
		return SeverityError, nil
	}

	return SeverityOff, fmt.Errorf("unknown severity %q", value)
}

// Diagnostic is a problem reported by a transform without aborting the pipeline
type Diagnostic struct {
	File     string
	Line     int
	Column   int
	Rule     string
	Severity Severity
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s (%s)", d.File, d.Line, d.Column, d.Severity, d.Message, d.Rule)
}

// Result summarizes a pipeline run
type Result struct {
	FilesWritten int
	Diagnostics  []Diagnostic
}

// Errors returns the number of error diagnostics
func (r Result) Errors() int {
	count := 0
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			count++
		}
	}
	return count
}
