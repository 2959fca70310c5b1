//go:build linux

package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/uhyve-go/uhyve/kvm"
	"golang.org/x/sys/unix"
)

// The 32-bit MMIO gap sits just below 4G in the guest physical address
// space. Guests with more than GapStart bytes of memory get their RAM
// split into two slots around it.
const (
	GapStart = 0xd0000000 // 4G - 768M
	GapSize  = 0x30000000 // 768M
)

var (
	ErrMemGap    = errors.New("vm: address is in the memory gap")
	ErrMemBounds = errors.New("vm: address is out of bounds")
)

// MemoryHints tunes the kernel's handling of the guest memory mapping.
type MemoryHints struct {

	// Mergeable marks the mapping for KSM page deduplication.
	Mergeable bool

	// HugePages enables transparent huge pages for the mapping.
	HugePages bool
}

// GuestMemory is an mmaped guest physical address space. Memory of at
// least GapStart includes a PROT_NONE hole of GapSize bytes at GapStart;
// guest physical addresses map to the same offsets in the backing slice,
// including the hole.
type GuestMemory struct {
	mm  []byte
	gap bool
}

// AllocGuestMemory maps size bytes of anonymous memory for use as guest
// RAM. If size reaches GapStart, the mapping grows by GapSize and the
// gap is made inaccessible.
func AllocGuestMemory(size int, hints MemoryHints) (*GuestMemory, error) {
	gap := size >= GapStart
	if gap {
		size += GapSize
	}

	mm, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
	}

	if gap {
		if err := unix.Mprotect(mm[GapStart:GapStart+GapSize], unix.PROT_NONE); err != nil {
			unix.Munmap(mm)
			return nil, fmt.Errorf("%w: protect gap: %w", ErrAllocMemory, err)
		}
	}

	if hints.Mergeable {
		if err := unix.Madvise(mm, unix.MADV_MERGEABLE); err != nil {
			unix.Munmap(mm)
			return nil, fmt.Errorf("%w: madv mergeable: %w", ErrAllocMemory, err)
		}
	}

	if hints.HugePages {
		if err := unix.Madvise(mm, unix.MADV_HUGEPAGE); err != nil {
			unix.Munmap(mm)
			return nil, fmt.Errorf("%w: madv hugepage: %w", ErrAllocMemory, err)
		}
	}

	return &GuestMemory{mm: mm, gap: gap}, nil
}

// Size returns the extent of the guest physical address space,
// including the gap if there is one.
func (g *GuestMemory) Size() int {
	return len(g.mm)
}

// HostBase returns the host virtual address of guest physical address 0.
func (g *GuestMemory) HostBase() uint64 {
	return uint64(uintptr(unsafe.Pointer(&g.mm[0])))
}

// Regions partitions the memory into KVM memory slots, skipping the gap.
func (g *GuestMemory) Regions() []kvm.UserspaceMemoryRegion {
	if !g.gap {
		return []kvm.UserspaceMemoryRegion{{
			Slot:          0,
			GuestPhysAddr: 0,
			MemorySize:    uint64(len(g.mm)),
			UserspaceAddr: g.HostBase(),
		}}
	}

	return []kvm.UserspaceMemoryRegion{
		{
			Slot:          0,
			GuestPhysAddr: 0,
			MemorySize:    GapStart,
			UserspaceAddr: g.HostBase(),
		},
		{
			Slot:          1,
			GuestPhysAddr: GapStart + GapSize,
			MemorySize:    uint64(len(g.mm)) - GapStart - GapSize,
			UserspaceAddr: g.HostBase() + GapStart + GapSize,
		},
	}
}

// Slice returns the n bytes of guest memory at physical address gpa.
// It fails if the range runs out of bounds or touches the gap.
func (g *GuestMemory) Slice(gpa, n uint64) ([]byte, error) {
	end := gpa + n
	if end < gpa || end > uint64(len(g.mm)) {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrMemBounds, gpa, n)
	}

	if g.gap && gpa < GapStart+GapSize && end > GapStart {
		return nil, fmt.Errorf("%w: %#x+%#x", ErrMemGap, gpa, n)
	}

	return g.mm[gpa:end], nil
}

// U32 reads a little-endian uint32 at gpa.
func (g *GuestMemory) U32(gpa uint64) (uint32, error) {
	b, err := g.Slice(gpa, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// PutU32 writes a little-endian uint32 at gpa.
func (g *GuestMemory) PutU32(gpa uint64, v uint32) error {
	b, err := g.Slice(gpa, 4)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// U64 reads a little-endian uint64 at gpa.
func (g *GuestMemory) U64(gpa uint64) (uint64, error) {
	b, err := g.Slice(gpa, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// PutU64 writes a little-endian uint64 at gpa.
func (g *GuestMemory) PutU64(gpa uint64, v uint64) error {
	b, err := g.Slice(gpa, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// AtomicLoad32 reads a uint32 at gpa with acquire semantics.
// The address must be 4-byte aligned.
func (g *GuestMemory) AtomicLoad32(gpa uint64) (uint32, error) {
	b, err := g.Slice(gpa, 4)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0]))), nil
}

// AtomicStore32 writes a uint32 at gpa with release semantics.
// The address must be 4-byte aligned.
func (g *GuestMemory) AtomicStore32(gpa uint64, v uint32) error {
	b, err := g.Slice(gpa, 4)
	if err != nil {
		return err
	}

	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), v)
	return nil
}

// CString reads a NUL-terminated string starting at gpa.
// It fails if no terminator is found before the end of memory or the gap.
func (g *GuestMemory) CString(gpa uint64) (string, error) {
	limit := uint64(len(g.mm))

	if g.gap {
		switch {
		case gpa < GapStart:
			limit = GapStart
		case gpa < GapStart+GapSize:
			return "", fmt.Errorf("%w: %#x", ErrMemGap, gpa)
		}
	}

	if gpa >= limit {
		return "", fmt.Errorf("%w: %#x", ErrMemBounds, gpa)
	}

	b := g.mm[gpa:limit]
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}

	return "", fmt.Errorf("%w: unterminated string at %#x", ErrMemBounds, gpa)
}

func (g *GuestMemory) Close() error {
	if g.mm == nil {
		return nil
	}

	err := unix.Munmap(g.mm)
	g.mm = nil

	return err
}
