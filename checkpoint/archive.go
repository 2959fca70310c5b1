//go:build linux

package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cavaliergopher/cpio"
)

var ErrArchive = errors.New("checkpoint: invalid archive")

// Export packs the checkpoint in dir into a cpio archive for offline
// storage.
func Export(dir string, w io.Writer) error {
	f, err := os.Open(manifestPath(dir))
	if err != nil {
		return err
	}

	f.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	cw := cpio.NewWriter(w)

	for _, e := range entries {
		if e.IsDir() || !isCheckpointFile(e.Name()) {
			continue
		}

		if err := exportFile(cw, dir, e.Name()); err != nil {
			return err
		}
	}

	return cw.Close()
}

func exportFile(cw *cpio.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}

	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	err = cw.WriteHeader(&cpio.Header{
		Name: name,
		Mode: 0644,
		Size: fi.Size(),
	})

	if err != nil {
		return err
	}

	_, err = io.Copy(cw, f)
	return err
}

// Import unpacks a cpio checkpoint archive into dir, creating it if
// needed. Entries that are not checkpoint files are rejected.
func Import(dir string, r io.Reader) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	cr := cpio.NewReader(r)

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		if !isCheckpointFile(hdr.Name) {
			return fmt.Errorf("%w: unexpected entry %q", ErrArchive, hdr.Name)
		}

		if err := importFile(cr, dir, hdr.Name); err != nil {
			return err
		}
	}
}

func importFile(cr *cpio.Reader, dir, name string) error {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, cr); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// isCheckpointFile reports whether name looks like a file the save
// engine writes. Archive entries with path separators are never
// accepted.
func isCheckpointFile(name string) bool {
	if strings.ContainsAny(name, "/\\") {
		return false
	}

	if name == manifestName {
		return true
	}

	return strings.HasPrefix(name, "chk") && strings.HasSuffix(name, ".dat")
}
