package pipeline

import (
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// PathSpec describes a set of files: every file below Base matching Pattern. Patterns use shell globs
// with globstar, so ** matches any number of directories.
type PathSpec struct {
	Base    string
	Pattern string
}

// ParsePathSpec splits a glob like src/scss/**/*.scss into its static base (src/scss) and the pattern.
func ParsePathSpec(glob string) PathSpec {
	glob = filepath.ToSlash(glob)
	parts := strings.Split(glob, "/")

	idx := 0
	for idx < len(parts)-1 && !strings.ContainsAny(parts[idx], "*?[") {
		idx++
	}

	base := strings.Join(parts[:idx], "/")
	if base == "" {
		if strings.HasPrefix(glob, "/") {
			base = "/"
		} else {
			base = "."
		}
	}

	return PathSpec{
		Base:    filepath.FromSlash(base),
		Pattern: strings.Join(parts[idx:], "/"),
	}
}

func (s PathSpec) String() string {
	return path.Join(filepath.ToSlash(s.Base), s.Pattern)
}

// Contains reports whether path (absolute or relative to the working directory) lies below the spec's base
func (s PathSpec) Contains(p string) bool {
	rel, err := filepath.Rel(s.Base, p)
	if err != nil {
		return false
	}

	rel = filepath.ToSlash(rel)
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// Reaches reports whether the spec can match files inside dir: either dir contains the base or the base is an
// ancestor of dir and the pattern can descend into it.
func (s PathSpec) Reaches(dir string) bool {
	if (PathSpec{Base: dir}).Contains(s.Base) {
		return true
	}
	if !s.Contains(dir) {
		return false
	}

	rel, err := filepath.Rel(s.Base, dir)
	if err != nil {
		return false
	}

	dirParts := strings.Split(filepath.ToSlash(rel), "/")
	patternParts := strings.Split(s.Pattern, "/")
	for idx, part := range dirParts {
		// the last pattern segment names files, so running out of directory segments here means no match
		if idx >= len(patternParts)-1 {
			return patternParts[len(patternParts)-1] == "**"
		}
		if patternParts[idx] == "**" {
			return true
		}
		if ok, err := doublestar.Match(patternParts[idx], part); err != nil || !ok {
			return false
		}
	}
	return true
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	return ioutil.ReadDir(path)
}

// Resolve lists the regular files currently matching the spec as slash-separated paths relative to Base,
// sorted lexically. A missing base directory yields no matches.
func (s PathSpec) Resolve() ([]string, error) {
	if _, err := os.Stat(s.Base); err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, eris.Wrapf(ErrFileSystem, "failed to check %s: %v", s.Base, err)
	}

	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}

	pattern := filepath.ToSlash(filepath.Join(s.Base, filepath.FromSlash(s.Pattern)))
	parser := syntax.NewParser()

	words := make([]*syntax.Word, 0)
	err := parser.Words(strings.NewReader(quoteStatic(pattern)), func(w *syntax.Word) bool {
		words = append(words, w)
		return true
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse pattern %s", pattern)
	}

	matches, err := expand.Fields(&cfg, words...)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve pattern %s", pattern)
	}

	result := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, match := range matches {
		// If a pattern didn't match anything, it's returned as a result. Skip those results.
		if strings.ContainsAny(match, "*?[") {
			continue
		}

		info, err := os.Stat(match)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		rel, err := filepath.Rel(s.Base, match)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to relativize %s", match)
		}

		rel = filepath.ToSlash(rel)
		if !seen[rel] {
			seen[rel] = true
			result = append(result, rel)
		}
	}

	sort.Strings(result)
	return result, nil
}

// quoteStatic single-quotes every path segment that doesn't contain glob characters so that spaces and
// other shell metacharacters in directory names survive word splitting.
func quoteStatic(pattern string) string {
	parts := strings.Split(pattern, "/")
	for idx, part := range parts {
		if part == "" || strings.ContainsAny(part, "*?[") {
			continue
		}
		parts[idx] = "'" + strings.ReplaceAll(part, "'", `'\''`) + "'"
	}

	return strings.Join(parts, "/")
}

// Read loads all files matched by the given specs. Files matched by more than one spec are read once.
func Read(specs []PathSpec) ([]*File, error) {
	files := make([]*File, 0)
	seen := make(map[string]bool)

	for _, spec := range specs {
		matches, err := spec.Resolve()
		if err != nil {
			return nil, err
		}

		for _, rel := range matches {
			file := &File{Base: spec.Base, Path: rel}
			abs := file.Abs()
			if seen[abs] {
				continue
			}
			seen[abs] = true

			file.Contents, err = ioutil.ReadFile(abs)
			if err != nil {
				return nil, eris.Wrapf(ErrFileSystem, "failed to read %s: %v", abs, err)
			}

			files = append(files, file)
		}
	}

	return files, nil
}
