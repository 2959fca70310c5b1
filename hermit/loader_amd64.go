//go:build linux

// Package hermit prepares a VM to boot a HermitCore unikernel
// in 64-bit long mode.
package hermit

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/uhyve-go/uhyve/kvm"
	"github.com/uhyve-go/uhyve/vm"
)

// OSABIHermit is the ELF OSABI of HermitCore executables.
const OSABIHermit = 0x42

// Boot-time structures live at fixed guest physical addresses
// below the kernel image.
const (
	bootGDTAddr   = 0x1000
	bootPML4Addr  = 0x10000
	bootPDPTEAddr = 0x11000
	bootPDEAddr   = 0x12000

	guestPageSize = 0x200000 // 2M boot pages
)

// Boot info fields, as offsets from the start of the kernel image.
// The online and booted words belong to the startup handshake and
// are left alone by the loader.
const (
	infoPhysBase  = 0x08 // u64 first physical address of the image
	infoPhysLimit = 0x10 // u64 size of the guest physical address space
	infoCPUFreq   = 0x18 // u32 CPU frequency in MHz
	infoNumCPUs   = 0x24 // u32 number of cores
	infoBootedCPU = 0x30 // u32 latest core started by the host
	infoImageSize = 0x38 // u64 total size of all loadable segments
	infoNUMANodes = 0x60 // u32
	infoUhyve     = 0x94 // u32 flag: running under uhyve, not qemu
	infoIP        = 0xb0 // 4 bytes
	infoGateway   = 0xb4 // 4 bytes
	infoNetmask   = 0xb8 // 4 bytes
	infoHostBase  = 0xbc // u64 host virtual address of guest physical 0
)

// The kernel log ring sits at a fixed offset into the image.
const klogOffset = 0x5000

var (
	ErrNotHermit = errors.New("hermit: not a 64-bit HermitCore executable")
	ErrLoad      = errors.New("hermit: kernel load failed")
)

var gdt = []uint64{
	0,                            // NULL
	gdtEntry(0xa09b, 0, 0xfffff), // cs
	gdtEntry(0xc093, 0, 0xfffff), // ds
}

func gdtEntry(flags uint16, base uint32, limit uint32) uint64 {
	return ((uint64(base) & 0xff000000) << (56 - 24)) |
		((uint64(flags) & 0x0000f0ff) << 40) |
		((uint64(limit) & 0x000f0000) << (48 - 16)) |
		((uint64(base) & 0x00ffffff) << 16) |
		(uint64(limit) & 0x0000ffff)
}

var le = binary.LittleEndian

// Loader loads a HermitCore ELF executable.
type Loader struct {

	// Kernel is a statically linked HermitCore ELF executable.
	Kernel io.ReaderAt

	// IP, Gateway, and Netmask configure the guest's network, if set.
	// They must be IPv4 addresses.
	IP      net.IP
	Gateway net.IP
	Netmask net.IP

	// CPUFreq is the CPU frequency reported to the guest, in MHz.
	// If CPUFreq is 0, the host's frequency is used.
	CPUFreq uint32

	entry uint64
	base  uint64
}

// LoadMemory copies the kernel's loadable segments into guest memory,
// fills in the boot info fields, and writes the boot GDT and identity
// page tables.
func (l *Loader) LoadMemory(info vm.VMInfo, mem *vm.GuestMemory) error {
	f, err := elf.NewFile(l.Kernel)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotHermit, err)
	}

	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 ||
		f.Type != elf.ET_EXEC || f.OSABI != elf.OSABI(OSABIHermit) {
		return ErrNotHermit
	}

	l.entry = f.Entry

	first := true
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		seg, err := mem.Slice(p.Paddr, p.Filesz)
		if err != nil {
			return fmt.Errorf("%w: segment at %#x: %w", ErrLoad, p.Paddr, err)
		}

		if _, err := io.ReadFull(p.Open(), seg); err != nil {
			return fmt.Errorf("%w: segment at %#x: %w", ErrLoad, p.Paddr, err)
		}

		if first {
			first = false
			l.base = p.Paddr

			if err := l.writeBootInfo(info, mem); err != nil {
				return fmt.Errorf("%w: %w", ErrLoad, err)
			}
		}

		// accumulate the image size
		total, err := mem.U64(l.base + infoImageSize)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLoad, err)
		}

		if err := mem.PutU64(l.base+infoImageSize, total+p.Memsz); err != nil {
			return fmt.Errorf("%w: %w", ErrLoad, err)
		}
	}

	if first {
		return fmt.Errorf("%w: no loadable segments", ErrNotHermit)
	}

	return l.writeBootTables(info, mem)
}

func (l *Loader) writeBootInfo(info vm.VMInfo, mem *vm.GuestMemory) error {
	freq := l.CPUFreq
	if freq == 0 {
		freq = detectCPUFreq()
	}

	var err error

	put32 := func(off uint64, v uint32) {
		if err == nil {
			err = mem.PutU32(l.base+off, v)
		}
	}

	put64 := func(off uint64, v uint64) {
		if err == nil {
			err = mem.PutU64(l.base+off, v)
		}
	}

	put64(infoPhysBase, l.base)
	put64(infoPhysLimit, uint64(info.MemSize))
	put32(infoCPUFreq, freq)
	put32(infoNumCPUs, uint32(info.NumCPU))
	put32(infoBootedCPU, 0)
	put32(infoNUMANodes, 1)
	put32(infoUhyve, 1)
	put64(infoHostBase, mem.HostBase())

	if err != nil {
		return err
	}

	addrs := []struct {
		off uint64
		ip  net.IP
	}{
		{infoIP, l.IP},
		{infoGateway, l.Gateway},
		{infoNetmask, l.Netmask},
	}

	for _, a := range addrs {
		if a.ip == nil {
			continue
		}

		ip4 := a.ip.To4()
		if ip4 == nil {
			return fmt.Errorf("not an IPv4 address: %v", a.ip)
		}

		b, err := mem.Slice(l.base+a.off, 4)
		if err != nil {
			return err
		}

		copy(b, ip4)
	}

	return nil
}

// writeBootTables installs the GDT and an identity mapping of the
// first part of guest memory using 2M pages. A single page directory
// covers at most 1G.
func (l *Loader) writeBootTables(info vm.VMInfo, mem *vm.GuestMemory) error {
	for i, e := range gdt {
		b, err := mem.Slice(bootGDTAddr+uint64(i)*8, 8)
		if err != nil {
			return err
		}

		le.PutUint64(b, e)
	}

	if err := mem.PutU64(bootPML4Addr, bootPDPTEAddr|0x03); err != nil {
		return err
	}

	if err := mem.PutU64(bootPDPTEAddr, bootPDEAddr|0x03); err != nil {
		return err
	}

	mapped := uint64(info.MemSize)
	if mapped > 1<<30 {
		mapped = 1 << 30
	}

	for paddr := uint64(0); paddr < mapped; paddr += guestPageSize {
		gpa := bootPDEAddr + paddr/guestPageSize*8
		if err := mem.PutU64(gpa, paddr|0x83); err != nil {
			return err
		}
	}

	return nil
}

// LoadVCPU points the core at the kernel entry point in long mode.
// All cores boot through the same startup code with the same special
// registers.
func (l *Loader) LoadVCPU(info vm.VMInfo, core int, regs *kvm.Regs, sregs *kvm.Sregs) error {
	sregs.GDT.Base = bootGDTAddr
	sregs.GDT.Limit = uint16(len(gdt)*8) - 1

	var cs = kvm.Segment{
		Base:     0x0,
		Limit:    0xfffff,
		Selector: 0x8,
		Type:     0xb,
		Present:  0x1,
		S:        0x1,
		L:        0x1,
		G:        0x1,
	}

	var ds = kvm.Segment{
		Base:     0x0,
		Limit:    0xfffff,
		Selector: 0x10,
		Type:     0x3,
		Present:  0x1,
		DB:       0x1,
		S:        0x1,
		G:        0x1,
	}

	sregs.CS = cs
	sregs.DS = ds
	sregs.ES = ds
	sregs.FS = ds
	sregs.GS = ds
	sregs.SS = ds

	const (
		cr0PE   = 1 << 0
		cr0PG   = 1 << 31
		cr4PAE  = 1 << 5
		eferLME = 1 << 8
	)

	sregs.CR0 |= cr0PE | cr0PG
	sregs.CR3 = bootPML4Addr
	sregs.CR4 |= cr4PAE
	sregs.EFER |= eferLME

	// intel arch reqt
	regs.RFlags = 0x2
	regs.RIP = l.entry

	return nil
}

// BootBase returns the guest physical address of the boot info page.
// It is valid after LoadMemory.
func (l *Loader) BootBase() uint64 {
	return l.base
}

// Entry returns the kernel entry point. It is valid after LoadMemory.
func (l *Loader) Entry() uint64 {
	return l.entry
}

// KlogAddr returns the guest physical address of the kernel log ring.
// It is valid after LoadMemory.
func (l *Loader) KlogAddr() uint64 {
	return l.base + klogOffset
}
