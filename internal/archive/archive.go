// Package archive reads image sets out of zip uploads and packs fingerprinted
// results into a zip with a JSON manifest.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
)

const (
	// ImagesDir is the output folder inside packed archives.
	ImagesDir = "images"
	// ManifestName holds the packed metadata.
	ManifestName = "fingerprints.json"
)

// Decompression bounds for one image and for a whole archive.
var (
	maxEntrySize   int64 = 256 << 20
	maxArchiveSize int64 = 2 << 30
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// Entry is one image extracted from an archive.
type Entry struct {
	Name string
	Data []byte
}

// IsImageName reports whether name has a recognized image extension.
func IsImageName(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}

// openZip parses zipBytes and returns the image files in archive order.
// Duplicate base names are kept; a later entry wins in any name-keyed lookup.
func openZip(op string, zipBytes []byte) ([]*zip.File, error) {
	if len(zipBytes) == 0 {
		return nil, apperr.New(apperr.KindArchive, op, "empty archive")
	}
	// Insecure entry paths are harmless here: names are flattened to bases.
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, apperr.Wrap(apperr.KindArchive, op, fmt.Errorf("invalid or corrupt zip: %w", err))
	}

	var files []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || isResourceFork(f.Name) {
			continue
		}
		if !IsImageName(f.Name) {
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil, apperr.New(apperr.KindArchive, op, "no images found in archive")
	}
	return files, nil
}

// isResourceFork matches macOS metadata entries such as __MACOSX/._a.png.
func isResourceFork(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(baseName(name), "._")
}

func baseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return path.Base(name)
}

// budget tracks how many decompressed bytes an archive may still produce.
type budget struct {
	remaining int64
}

func newBudget() *budget { return &budget{remaining: maxArchiveSize} }

// copyFile streams the decompressed content of f into w, charging it against
// b. Entries over maxEntrySize and archives over maxArchiveSize are
// KindArchive errors.
func copyFile(op string, f *zip.File, w io.Writer, b *budget) error {
	rc, err := f.Open()
	if err != nil {
		return apperr.Wrap(apperr.KindArchive, op, fmt.Errorf("open %s: %w", f.Name, err))
	}
	defer rc.Close()

	limit := min(maxEntrySize, b.remaining)
	n, err := io.Copy(w, io.LimitReader(rc, limit+1))
	if err != nil {
		return apperr.Wrap(apperr.KindArchive, op, fmt.Errorf("read %s: %w", f.Name, err))
	}
	if n > maxEntrySize {
		return apperr.New(apperr.KindArchive, op, "%s exceeds %d bytes", f.Name, maxEntrySize)
	}
	if n > b.remaining {
		return apperr.New(apperr.KindArchive, op, "archive expands past %d bytes", maxArchiveSize)
	}
	b.remaining -= n
	return nil
}

func readFile(op string, f *zip.File, b *budget) ([]byte, error) {
	var buf bytes.Buffer
	if err := copyFile(op, f, &buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack returns every image in zipBytes, flattened to base filenames, in
// archive order. Malformed zips and archives without images are KindArchive
// errors.
func Unpack(zipBytes []byte) ([]Entry, error) {
	const op = "unpack archive"
	files, err := openZip(op, zipBytes)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(files))
	b := newBudget()
	for _, f := range files {
		data, err := readFile(op, f, b)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: baseName(f.Name), Data: data})
	}
	return entries, nil
}

// Pack writes images under images/<basename> followed by metadata as indented
// JSON in fingerprints.json. No timestamps are recorded, so equal inputs give
// byte-identical archives.
func Pack(images [][]byte, filenames []string, metadata any) ([]byte, error) {
	if len(images) != len(filenames) {
		return nil, fmt.Errorf("pack archive: %d images but %d filenames", len(images), len(filenames))
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for i, data := range images {
		if err := writeEntry(zw, path.Join(ImagesDir, baseName(filenames[i])), data); err != nil {
			return nil, err
		}
	}

	manifest, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("pack archive: encode metadata: %w", err)
	}
	if err := writeEntry(zw, ManifestName, manifest); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pack archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("pack archive: create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("pack archive: write %s: %w", name, err)
	}
	return nil
}

// ReadManifest decodes fingerprints.json from a packed archive into v.
func ReadManifest(zipBytes []byte, v any) error {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return apperr.Wrap(apperr.KindArchive, "read manifest", err)
	}
	for _, f := range zr.File {
		if f.Name != ManifestName {
			continue
		}
		data, err := readFile("read manifest", f, newBudget())
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		return nil
	}
	return apperr.New(apperr.KindArchive, "read manifest", "%s not found", ManifestName)
}
