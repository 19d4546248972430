package dataset

import (
	"fmt"
	"os"
	"path/filepath"
)

type sourceKind uint8

const (
	kindPath sourceKind = iota + 1
	kindBytes
)

// Source is either a file on disk or an in-memory buffer, plus the original
// filename reported back to the caller. Sources are never mutated.
type Source struct {
	name string
	kind sourceKind
	path string
	data []byte
}

// PathRef references an image file. An empty name defaults to the base of path.
func PathRef(path, name string) Source {
	if name == "" {
		name = filepath.Base(path)
	}
	return Source{name: name, kind: kindPath, path: path}
}

// InlineBytes wraps image bytes already in memory.
func InlineBytes(data []byte, name string) Source {
	return Source{name: name, kind: kindBytes, data: data}
}

// Name is the original filename.
func (s Source) Name() string { return s.name }

// Open returns the encoded image bytes.
func (s Source) Open() ([]byte, error) {
	switch s.kind {
	case kindPath:
		data, err := os.ReadFile(s.path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", s.name, err)
		}
		return data, nil
	case kindBytes:
		return s.data, nil
	default:
		return nil, fmt.Errorf("open %q: empty source", s.name)
	}
}
