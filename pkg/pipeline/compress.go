package pipeline

import (
	"bytes"
	"context"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

// Precompress adds a brotli-compressed .br copy next to every file so static hosts can serve it directly.
type Precompress struct {
	Quality int
}

func (p *Precompress) Name() string { return "brotli" }

func (p *Precompress) Apply(ctx context.Context, files []*File) ([]*File, []Diagnostic, error) {
	quality := p.Quality
	if quality == 0 {
		quality = brotli.BestCompression
	}

	result := make([]*File, 0, len(files)*2)
	for _, f := range files {
		result = append(result, f)

		var buf bytes.Buffer
		writer := brotli.NewWriterLevel(&buf, quality)
		_, err := writer.Write(f.Contents)
		if err == nil {
			err = writer.Close()
		}
		if err != nil {
			return nil, nil, eris.Wrapf(err, "failed to compress %s", f.Path)
		}

		result = append(result, &File{
			Base:     f.Base,
			Path:     f.Path + ".br",
			Contents: buf.Bytes(),
		})
	}

	return result, nil, nil
}
