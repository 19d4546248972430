package archive

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/fp-stamp/internal/dataset"
)

// Workspace is a temporary extraction directory owned by one request.
type Workspace struct {
	dir string
}

// Dir is the workspace root.
func (w *Workspace) Dir() string { return w.dir }

// Close removes the workspace and everything in it. It is safe to call more
// than once and on a nil Workspace.
func (w *Workspace) Close() error {
	if w == nil || w.dir == "" {
		return nil
	}
	dir := w.dir
	w.dir = ""
	return os.RemoveAll(dir)
}

// Extract writes the images of zipBytes into a fresh workspace under tmpRoot
// (os.TempDir when empty) and returns them as path sources in archive order.
// Files are stored under generated names, so entry paths never escape the
// workspace. The caller must Close the workspace; on error nothing is left on
// disk.
func Extract(zipBytes []byte, tmpRoot string) (ws *Workspace, sources []dataset.Source, err error) {
	const op = "extract archive"
	files, err := openZip(op, zipBytes)
	if err != nil {
		return nil, nil, err
	}

	dir, err := os.MkdirTemp(tmpRoot, "fpstamp-*")
	if err != nil {
		return nil, nil, fmt.Errorf("%s: create workspace: %w", op, err)
	}
	created := &Workspace{dir: dir}
	defer func() {
		if err != nil {
			created.Close()
			ws, sources = nil, nil
		}
	}()

	sources = make([]dataset.Source, 0, len(files))
	b := newBudget()
	for i, f := range files {
		name := baseName(f.Name)
		target := filepath.Join(dir, fmt.Sprintf("%05d%s", i, filepath.Ext(name)))
		if err := extractFile(op, f, target, b); err != nil {
			return nil, nil, err
		}
		sources = append(sources, dataset.PathRef(target, name))
	}
	return created, sources, nil
}

func extractFile(op string, f *zip.File, target string, b *budget) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%s: create %s: %w", op, filepath.Base(target), err)
	}
	if err := copyFile(op, f, out, b); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%s: write %s: %w", op, filepath.Base(target), err)
	}
	return nil
}
