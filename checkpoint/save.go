//go:build linux && amd64

package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/uhyve-go/uhyve/kvm"
	"github.com/uhyve-go/uhyve/vm"
)

// x86-64 page table entry bits.
const (
	pgPresent  = 1 << 0
	pgAccessed = 1 << 5
	pgDirty    = 1 << 6
	pgPSE      = 1 << 7
	pgXD       = 1 << 63
)

const (
	pageMask   = ^uint64(1<<12-1) &^ pgXD
	page2MMask = ^uint64(1<<21-1) &^ pgXD
)

// The guest builds its page tables in the page after the entry point.
const pgtOffset = 0x1000

// Engine writes checkpoints of a running machine. Its methods are safe
// for concurrent use.
type Engine struct {

	// Dir is the checkpoint directory. It is created if needed.
	Dir string

	// Machine is the guest to save.
	Machine *vm.Machine

	// Entry is the guest physical address of the kernel entry point.
	Entry uint64

	// Full dumps every mapped page on each save instead of only the
	// pages dirtied since the previous save.
	Full bool

	// Seq is the number the next save will get. A machine restored
	// from a checkpoint continues with the manifest's Seq plus one.
	Seq int

	mu sync.Mutex
}

// Save pauses the machine, writes one checkpoint, and resumes. It
// returns the sequence number of the checkpoint it wrote. Each file is
// written under a temporary name and renamed into place, so a failed
// save leaves the previous checkpoint chain restorable.
func (e *Engine) Save() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(e.Dir, 0755); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSave, err)
	}

	err := e.Machine.Pause(func() error {
		for core := 0; core < e.Machine.NumCPU(); core++ {
			if err := e.saveCore(core); err != nil {
				return fmt.Errorf("core %d: %w", core, err)
			}
		}

		if err := e.saveMemory(); err != nil {
			return err
		}

		return e.saveManifest()
	})

	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSave, err)
	}

	seq := e.Seq
	e.Seq++

	return seq, nil
}

// writeFile fills a checkpoint file under a temporary name and renames
// it into place, so a failed write never clobbers an earlier file of
// the same name.
func writeFile(path string, fill func(w *bufio.Writer) error) error {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)

	err = fill(w)
	if err == nil {
		err = w.Flush()
	}

	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

func (e *Engine) saveCore(core int) error {
	var s coreState
	if err := s.capture(e.Machine.VCPU(core)); err != nil {
		return err
	}

	return writeFile(corePath(e.Dir, e.Seq, core), func(w *bufio.Writer) error {
		return s.writeTo(w)
	})
}

func (e *Engine) saveMemory() error {
	var clock kvm.ClockData
	if err := kvm.GetClock(e.Machine.KVM(), &clock); err != nil {
		return fmt.Errorf("get clock: %w", err)
	}

	flag := uint64(pgAccessed)
	if !e.Full && e.Seq > 0 {
		flag = pgDirty
	}

	return writeFile(memPath(e.Dir, e.Seq), func(w *bufio.Writer) error {
		if err := binary.Write(w, le, &clock); err != nil {
			return err
		}

		return walkPages(w, e.Machine.Mem(), e.Entry, flag, !e.Full)
	})
}

// walkPages dumps guest pages reachable from the page tables rooted
// just past entry, selecting pages whose PTE carries flag. The first
// save and every full save select accessed pages; later incremental
// saves select dirty pages only. When clear is set the dirty and
// accessed bits are stripped as the walk goes, so the next delta
// starts clean.
func walkPages(w *bufio.Writer, mem *vm.GuestMemory, entry, flag uint64, clear bool) error {
	pml4, err := pageTable(mem, entry+pgtOffset)
	if err != nil {
		return err
	}

	for _, pml4e := range pml4 {
		if pml4e&pgPresent == 0 {
			continue
		}

		pdpt, err := pageTable(mem, pml4e&pageMask)
		if err != nil {
			return err
		}

		for _, pdpte := range pdpt {
			if pdpte&pgPresent == 0 {
				continue
			}

			pd, err := pageTable(mem, pdpte&pageMask)
			if err != nil {
				return err
			}

			for i, pde := range pd {
				switch {
				case pde&pgPresent == 0:
					continue

				case pde&pgPSE != 0:
					if pde&flag == 0 {
						continue
					}

					if clear {
						pd[i] &^= pgDirty | pgAccessed
						pde = pd[i]
					}

					if err := writePage(w, mem, pde, pde&page2MMask, 1<<21); err != nil {
						return err
					}

				default:
					pt, err := pageTable(mem, pde&pageMask)
					if err != nil {
						return err
					}

					for j, pte := range pt {
						if pte&pgPresent == 0 || pte&flag == 0 {
							continue
						}

						if clear {
							pt[j] &^= pgDirty | pgAccessed
							pte = pt[j]
						}

						// bit 7 is PAT in a 4K PTE, not PSE
						if err := writePage(w, mem, pte&^pgPSE, pte&pageMask, 1<<12); err != nil {
							return err
						}
					}
				}
			}
		}
	}

	return nil
}

func writePage(w *bufio.Writer, mem *vm.GuestMemory, pte, addr, size uint64) error {
	page, err := mem.Slice(addr, size)
	if err != nil {
		return err
	}

	if err := binary.Write(w, le, pte); err != nil {
		return err
	}

	_, err = w.Write(page)
	return err
}

func (e *Engine) saveManifest() error {
	m := Manifest{
		NumCPU:  e.Machine.NumCPU(),
		MemSize: e.Machine.Mem().Size(),
		Seq:     e.Seq,
		Entry:   e.Entry,
		Full:    e.Full,
	}

	return writeFile(manifestPath(e.Dir), func(w *bufio.Writer) error {
		return writeManifest(w, &m)
	})
}

// pageTable maps the 4K page table at guest physical address addr.
func pageTable(mem *vm.GuestMemory, addr uint64) ([]uint64, error) {
	b, err := mem.Slice(addr&pageMask, 1<<12)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), 512), nil
}
