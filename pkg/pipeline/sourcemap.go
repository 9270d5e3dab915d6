package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

const vlqChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// sourceMapJSON is the version 3 source map format
type sourceMapJSON struct {
	Version        int       `json:"version"`
	File           string    `json:"file,omitempty"`
	SourceRoot     string    `json:"sourceRoot,omitempty"`
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent,omitempty"`
	Names          []string  `json:"names"`
	Mappings       string    `json:"mappings"`
}

// segment holds absolute values. source and name are -1 if the segment doesn't have them.
type segment struct {
	genCol int
	source int
	line   int
	col    int
	name   int
}

// sourceMap is a decoded source map that can be extended with sources and names from other maps.
type sourceMap struct {
	sources  []string
	contents []*string
	names    []string
	lines    [][]segment

	sourceIdx map[string]int
	nameIdx   map[string]int
}

func newSourceMap() *sourceMap {
	return &sourceMap{
		sources:   []string{},
		names:     []string{},
		sourceIdx: make(map[string]int),
		nameIdx:   make(map[string]int),
	}
}

func parseSourceMap(data []byte) (*sourceMap, error) {
	var raw sourceMapJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "failed to parse source map")
	}
	if raw.Version != 3 {
		return nil, eris.Errorf("unsupported source map version %d", raw.Version)
	}

	m := newSourceMap()
	for idx, source := range raw.Sources {
		if raw.SourceRoot != "" {
			source = strings.TrimSuffix(raw.SourceRoot, "/") + "/" + source
		}

		var content *string
		if idx < len(raw.SourcesContent) {
			content = raw.SourcesContent[idx]
		}
		m.sources = append(m.sources, source)
		m.contents = append(m.contents, content)
	}
	m.names = append(m.names, raw.Names...)

	var err error
	m.lines, err = decodeMappings(raw.Mappings)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *sourceMap) addSource(name string, content *string) int {
	if idx, ok := m.sourceIdx[name]; ok {
		if m.contents[idx] == nil {
			m.contents[idx] = content
		}
		return idx
	}

	m.sources = append(m.sources, name)
	m.contents = append(m.contents, content)
	m.sourceIdx[name] = len(m.sources) - 1
	return len(m.sources) - 1
}

func (m *sourceMap) addName(name string) int {
	if idx, ok := m.nameIdx[name]; ok {
		return idx
	}

	m.names = append(m.names, name)
	m.nameIdx[name] = len(m.names) - 1
	return len(m.names) - 1
}

// line returns the segments of a generated line, growing the map if needed.
func (m *sourceMap) line(idx int) *[]segment {
	for len(m.lines) <= idx {
		m.lines = append(m.lines, nil)
	}
	return &m.lines[idx]
}

// importSegment copies seg from other (a different map) and rewrites its source and name indices.
func (m *sourceMap) importSegment(other *sourceMap, seg segment) segment {
	if seg.source >= 0 && seg.source < len(other.sources) {
		seg.source = m.addSource(other.sources[seg.source], other.contents[seg.source])
	} else {
		seg.source = -1
	}
	if seg.name >= 0 && seg.name < len(other.names) {
		seg.name = m.addName(other.names[seg.name])
	} else {
		seg.name = -1
	}
	return seg
}

// lookup returns the segment covering the given generated position.
func (m *sourceMap) lookup(line, col int) (segment, bool) {
	if line < 0 || line >= len(m.lines) {
		return segment{}, false
	}

	found := false
	var result segment
	for _, seg := range m.lines[line] {
		if seg.genCol > col {
			break
		}
		result = seg
		found = true
	}
	return result, found && result.source >= 0
}

func (m *sourceMap) encode() ([]byte, error) {
	raw := sourceMapJSON{
		Version:  3,
		Sources:  m.sources,
		Names:    m.names,
		Mappings: encodeMappings(m.lines),
	}

	for _, content := range m.contents {
		if content != nil {
			raw.SourcesContent = m.contents
			break
		}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode source map")
	}
	return data, nil
}

func decodeVLQ(input string, pos int) (int, int, error) {
	result := 0
	shift := uint(0)
	for {
		if pos >= len(input) {
			return 0, pos, eris.New("truncated source map mappings")
		}
		digit := strings.IndexByte(vlqChars, input[pos])
		if digit < 0 {
			return 0, pos, eris.Errorf("invalid character %q in source map mappings", input[pos])
		}
		pos++

		result += (digit & 31) << shift
		shift += 5
		if digit&32 == 0 {
			break
		}
	}

	value := result >> 1
	if result&1 != 0 {
		value = -value
	}
	return value, pos, nil
}

func encodeVLQ(buf *strings.Builder, value int) {
	vlq := value << 1
	if value < 0 {
		vlq = (-value << 1) | 1
	}

	for {
		digit := vlq & 31
		vlq >>= 5
		if vlq > 0 {
			digit |= 32
		}
		buf.WriteByte(vlqChars[digit])
		if vlq == 0 {
			return
		}
	}
}

func decodeMappings(mappings string) ([][]segment, error) {
	lines := [][]segment{}
	source, line, col, name := 0, 0, 0, 0

	for _, lineText := range strings.Split(mappings, ";") {
		segments := []segment{}
		genCol := 0

		for _, text := range strings.Split(lineText, ",") {
			if text == "" {
				continue
			}

			fields := make([]int, 0, 5)
			for pos := 0; pos < len(text); {
				var value int
				var err error
				value, pos, err = decodeVLQ(text, pos)
				if err != nil {
					return nil, err
				}
				fields = append(fields, value)
			}

			genCol += fields[0]
			seg := segment{genCol: genCol, source: -1, name: -1}
			if len(fields) >= 4 {
				source += fields[1]
				line += fields[2]
				col += fields[3]
				seg.source, seg.line, seg.col = source, line, col
			}
			if len(fields) >= 5 {
				name += fields[4]
				seg.name = name
			}
			segments = append(segments, seg)
		}

		lines = append(lines, segments)
	}

	return lines, nil
}

func encodeMappings(lines [][]segment) string {
	var buf strings.Builder
	source, line, col, name := 0, 0, 0, 0

	for lineIdx, segments := range lines {
		if lineIdx > 0 {
			buf.WriteByte(';')
		}

		genCol := 0
		for segIdx, seg := range segments {
			if segIdx > 0 {
				buf.WriteByte(',')
			}

			encodeVLQ(&buf, seg.genCol-genCol)
			genCol = seg.genCol
			if seg.source < 0 {
				continue
			}

			encodeVLQ(&buf, seg.source-source)
			encodeVLQ(&buf, seg.line-line)
			encodeVLQ(&buf, seg.col-col)
			source, line, col = seg.source, seg.line, seg.col

			if seg.name >= 0 {
				encodeVLQ(&buf, seg.name-name)
				name = seg.name
			}
		}
	}

	return buf.String()
}

// utf16Len measures text in UTF-16 code units, the unit source map columns are counted in.
func utf16Len(text string) int {
	n := 0
	for _, r := range text {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// mapCursor tracks the generated position while text is appended to a file.
type mapCursor struct {
	line int
	col  int
}

func (c *mapCursor) advance(text string) {
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		c.line += strings.Count(text, "\n")
		c.col = utf16Len(text[idx+1:])
		return
	}
	c.col += utf16Len(text)
}

// appendFile adds the mappings of a file whose contents were written at the cursor. Files without a map of
// their own are mapped line by line onto themselves.
func (m *sourceMap) appendFile(at mapCursor, f *File, contents string) error {
	if len(f.SourceMap) == 0 {
		text := string(f.Contents)
		source := m.addSource(f.Path, &text)
		for idx := 0; idx <= strings.Count(contents, "\n"); idx++ {
			col := 0
			if idx == 0 {
				col = at.col
			}
			line := m.line(at.line + idx)
			*line = append(*line, segment{genCol: col, source: source, line: idx, col: 0, name: -1})
		}
		return nil
	}

	other, err := parseSourceMap(f.SourceMap)
	if err != nil {
		return eris.Wrapf(err, "invalid source map for %s", f.Path)
	}

	lineCount := strings.Count(contents, "\n") + 1
	for idx, segments := range other.lines {
		if idx >= lineCount {
			break
		}
		for _, seg := range segments {
			seg = m.importSegment(other, seg)
			if idx == 0 {
				seg.genCol += at.col
			}
			line := m.line(at.line + idx)
			*line = append(*line, seg)
		}
	}
	return nil
}

// composeSourceMaps maps the positions of outer (a transformation of a file) through inner, the map that
// file already had, so the result points at the original sources.
func composeSourceMaps(outer, inner []byte) ([]byte, error) {
	outerMap, err := parseSourceMap(outer)
	if err != nil {
		return nil, err
	}
	innerMap, err := parseSourceMap(inner)
	if err != nil {
		return nil, err
	}

	result := newSourceMap()
	for lineIdx, segments := range outerMap.lines {
		line := result.line(lineIdx)
		for _, seg := range segments {
			if seg.source < 0 {
				continue
			}

			original, ok := innerMap.lookup(seg.line, seg.col)
			if !ok {
				continue
			}

			mapped := result.importSegment(innerMap, original)
			mapped.genCol = seg.genCol
			if mapped.name < 0 && seg.name >= 0 {
				mapped.name = result.addName(outerMap.names[seg.name])
			}
			*line = append(*line, mapped)
		}
	}

	return result.encode()
}
