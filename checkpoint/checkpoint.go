//go:build linux

// Package checkpoint saves and restores running guests. A checkpoint is
// a directory holding a manifest, one register file per core, and one
// memory delta per save. Incremental saves walk the guest's page tables
// and dump only pages dirtied since the previous save; a restore
// replays every delta in order.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const manifestName = "chk_config.txt"

var (
	ErrManifest = errors.New("checkpoint: invalid manifest")
	ErrSave     = errors.New("checkpoint: save failed")
	ErrRestore  = errors.New("checkpoint: restore failed")
)

// Manifest describes a checkpoint directory.
type Manifest struct {

	// NumCPU is the number of cores the guest was running with.
	NumCPU int

	// MemSize is the guest memory size in bytes, including the gap.
	MemSize int

	// Seq is the number of the most recent save. Deltas 0 through Seq
	// are present unless Full is set.
	Seq int

	// Entry is the guest physical address of the kernel entry point.
	Entry uint64

	// Full reports that every save dumped all mapped pages, so only
	// delta Seq needs to be replayed.
	Full bool
}

// Exists reports whether dir holds a checkpoint manifest.
func Exists(dir string) bool {
	_, err := os.Stat(manifestPath(dir))
	return err == nil
}

func manifestPath(dir string) string {
	return dir + "/" + manifestName
}

func memPath(dir string, n int) string {
	return fmt.Sprintf("%s/chk%d_mem.dat", dir, n)
}

func corePath(dir string, n, core int) string {
	return fmt.Sprintf("%s/chk%d_core%d.dat", dir, n, core)
}

func writeManifest(w io.Writer, m *Manifest) error {
	full := 0
	if m.Full {
		full = 1
	}

	_, err := fmt.Fprintf(w,
		"number of cores: %d\n"+
			"memory size: 0x%x\n"+
			"checkpoint number: %d\n"+
			"entry point: 0x%x\n"+
			"full checkpoint: %d\n",
		m.NumCPU, m.MemSize, m.Seq, m.Entry, full)

	return err
}

func readManifest(r io.Reader, m *Manifest) error {
	var full int

	fields := []struct {
		format string
		into   any
	}{
		{"number of cores: %d", &m.NumCPU},
		{"memory size: 0x%x", &m.MemSize},
		{"checkpoint number: %d", &m.Seq},
		{"entry point: 0x%x", &m.Entry},
		{"full checkpoint: %d", &full},
	}

	sc := bufio.NewScanner(r)
	for _, f := range fields {
		if !sc.Scan() {
			return fmt.Errorf("%w: missing %q", ErrManifest, strings.SplitN(f.format, ":", 2)[0])
		}

		if _, err := fmt.Sscanf(sc.Text(), f.format, f.into); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrManifest, sc.Text(), err)
		}
	}

	if m.NumCPU < 1 || m.MemSize < 1 || m.Seq < 0 {
		return fmt.Errorf("%w: %+v", ErrManifest, *m)
	}

	m.Full = full != 0

	return nil
}
