package pipeline

import (
	"bytes"
	"context"
)

// Concat joins all files, in the order they arrive, into a single file called Filename. With SourceMap set,
// the result carries a map combining the maps of its inputs.
type Concat struct {
	Filename  string
	Separator string
	SourceMap bool
}

func (c *Concat) Name() string { return "concat " + c.Filename }

func (c *Concat) Apply(ctx context.Context, files []*File) ([]*File, []Diagnostic, error) {
	if len(files) == 0 {
		return files, nil, nil
	}

	sep := c.Separator
	if sep == "" {
		sep = "\n"
	}

	var buf bytes.Buffer
	var sourceMap *sourceMap
	var cursor mapCursor
	if c.SourceMap {
		sourceMap = newSourceMap()
	}

	for idx, f := range files {
		if idx > 0 {
			buf.WriteString(sep)
			cursor.advance(sep)
		}

		contents := bytes.TrimRight(f.Contents, "\n")
		if sourceMap != nil {
			if err := sourceMap.appendFile(cursor, f, string(contents)); err != nil {
				return nil, nil, err
			}
			cursor.advance(string(contents))
		}
		buf.Write(contents)
	}
	buf.WriteString("\n")

	result := &File{
		Base:     files[0].Base,
		Path:     c.Filename,
		Contents: buf.Bytes(),
	}
	if sourceMap != nil {
		var err error
		result.SourceMap, err = sourceMap.encode()
		if err != nil {
			return nil, nil, err
		}
	}

	return []*File{result}, nil, nil
}
