package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// Codec converts between a collection and the bytes of its document.
type Codec interface {
	Decode(b []byte) ([]entity.Record, error)
	Encode(items []entity.Record) ([]byte, error)
}

// JSONCodec stores the collection as a pretty printed JSON array.
type JSONCodec struct{}

// Decode parses a JSON array. Blank input decodes as an empty collection.
func (JSONCodec) Decode(b []byte) ([]entity.Record, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}
	if b[0] != '[' {
		return nil, fmt.Errorf("%w: document is not a JSON array", ErrMalformed)
	}
	var items []entity.Record
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return items, nil
}

// Encode writes a two-space indented array followed by a newline.
func (JSONCodec) Encode(items []entity.Record) ([]byte, error) {
	if items == nil {
		items = []entity.Record{}
	}
	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ModuleCodec stores the collection as a JavaScript module exporting the
// array, e.g. "export default [...];". The prefix and suffix are stripped
// before parsing and added back before writing.
type ModuleCodec struct{}

var (
	modulePrefix = regexp.MustCompile(`^export\s+default\s+`)
	moduleSuffix = regexp.MustCompile(`;?\s*$`)
)

// Decode strips the export statement and parses the array literal.
func (ModuleCodec) Decode(b []byte) ([]entity.Record, error) {
	b = bytes.TrimSpace(b)
	b = modulePrefix.ReplaceAll(b, nil)
	b = moduleSuffix.ReplaceAll(b, nil)
	return JSONCodec{}.Decode(b)
}

// Encode wraps the JSON array in an export statement.
func (ModuleCodec) Encode(items []entity.Record) ([]byte, error) {
	b, err := JSONCodec{}.Encode(items)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimRight(b, "\n")
	out := make([]byte, 0, len(b)+32)
	out = append(out, "export default "...)
	out = append(out, b...)
	return append(out, ";\n"...), nil
}

// CodecFor returns the codec for format, which is "json", "module" or empty.
// When empty, a ".js" or ".mjs" file extension selects the module codec.
func CodecFor(format, name string) (Codec, error) {
	switch strings.ToLower(format) {
	case "json":
		return JSONCodec{}, nil
	case "module":
		return ModuleCodec{}, nil
	case "":
		switch path.Ext(name) {
		case ".js", ".mjs":
			return ModuleCodec{}, nil
		}
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown collection format %q", format)
	}
}
