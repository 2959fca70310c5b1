//go:build linux

package hermit_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/uhyve-go/uhyve/hermit"
	"github.com/uhyve-go/uhyve/kvm"
	"github.com/uhyve-go/uhyve/vm"
)

const (
	testEntry = 0x200000
	testMemsz = 0x10000
)

// makeKernel builds a minimal 64-bit ELF executable with a single
// loadable segment at testEntry.
func makeKernel(t *testing.T, osabi byte, payload []byte) []byte {
	t.Helper()

	var (
		le  = binary.LittleEndian
		buf bytes.Buffer
	)

	const (
		ehsize    = 64
		phentsize = 56
		dataOff   = ehsize + phentsize
	)

	ehdr := make([]byte, ehsize)
	copy(ehdr, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, osabi})
	le.PutUint16(ehdr[16:], 2)  // ET_EXEC
	le.PutUint16(ehdr[18:], 62) // EM_X86_64
	le.PutUint32(ehdr[20:], 1)
	le.PutUint64(ehdr[24:], testEntry)
	le.PutUint64(ehdr[32:], ehsize) // phoff
	le.PutUint16(ehdr[52:], ehsize)
	le.PutUint16(ehdr[54:], phentsize)
	le.PutUint16(ehdr[56:], 1) // phnum
	buf.Write(ehdr)

	phdr := make([]byte, phentsize)
	le.PutUint32(phdr[0:], 1) // PT_LOAD
	le.PutUint32(phdr[4:], 5) // r-x
	le.PutUint64(phdr[8:], dataOff)
	le.PutUint64(phdr[16:], testEntry) // vaddr
	le.PutUint64(phdr[24:], testEntry) // paddr
	le.PutUint64(phdr[32:], uint64(len(payload)))
	le.PutUint64(phdr[40:], testMemsz)
	le.PutUint64(phdr[48:], 0x1000)
	buf.Write(phdr)

	buf.Write(payload)

	return buf.Bytes()
}

func allocMem(t *testing.T, size int) *vm.GuestMemory {
	t.Helper()

	mem, err := vm.AllocGuestMemory(size, vm.MemoryHints{})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { mem.Close() })

	return mem
}

func TestLoadMemory(t *testing.T) {
	payload := []byte("hermit kernel image payload")
	kernel := makeKernel(t, hermit.OSABIHermit, payload)

	mem := allocMem(t, 32<<20)
	info := vm.VMInfo{MemSize: mem.Size(), NumCPU: 3}

	ldr := &hermit.Loader{
		Kernel:  bytes.NewReader(kernel),
		IP:      net.IPv4(10, 0, 5, 2),
		Gateway: net.IPv4(10, 0, 5, 1),
		Netmask: net.IPv4(255, 255, 255, 0),
		CPUFreq: 2400,
	}

	if err := ldr.LoadMemory(info, mem); err != nil {
		t.Fatal(err)
	}

	if ldr.Entry() != testEntry {
		t.Errorf("entry %#x != %#x", ldr.Entry(), testEntry)
	}

	if ldr.BootBase() != testEntry {
		t.Errorf("boot base %#x != %#x", ldr.BootBase(), testEntry)
	}

	if ldr.KlogAddr() != testEntry+0x5000 {
		t.Errorf("klog addr %#x != %#x", ldr.KlogAddr(), testEntry+0x5000)
	}

	seg, err := mem.Slice(testEntry, uint64(len(payload)))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(seg, payload) {
		t.Error("segment payload was not copied")
	}

	u32 := func(off uint64) uint32 {
		v, err := mem.U32(testEntry + off)
		if err != nil {
			t.Fatal(err)
		}

		return v
	}

	u64 := func(off uint64) uint64 {
		v, err := mem.U64(testEntry + off)
		if err != nil {
			t.Fatal(err)
		}

		return v
	}

	if got := u64(0x08); got != testEntry {
		t.Errorf("phys base %#x != %#x", got, testEntry)
	}

	if got := u64(0x10); got != uint64(mem.Size()) {
		t.Errorf("phys limit %#x != %#x", got, mem.Size())
	}

	if got := u32(0x18); got != 2400 {
		t.Errorf("cpu freq %d != 2400", got)
	}

	if got := u32(0x24); got != 3 {
		t.Errorf("core count %d != 3", got)
	}

	if got := u64(0x38); got != testMemsz {
		t.Errorf("image size %#x != %#x", got, testMemsz)
	}

	if got := u32(0x60); got != 1 {
		t.Errorf("numa nodes %d != 1", got)
	}

	if got := u32(0x94); got != 1 {
		t.Errorf("uhyve flag %d != 1", got)
	}

	if got := u64(0xbc); got != mem.HostBase() {
		t.Errorf("host base %#x != %#x", got, mem.HostBase())
	}

	ip, err := mem.Slice(testEntry+0xb0, 4)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(ip, []byte{10, 0, 5, 2}) {
		t.Errorf("guest ip %v != 10.0.5.2", ip)
	}

	mask, err := mem.Slice(testEntry+0xb8, 4)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(mask, []byte{255, 255, 255, 0}) {
		t.Errorf("netmask %v != 255.255.255.0", mask)
	}
}

func TestLoadMemoryBootTables(t *testing.T) {
	kernel := makeKernel(t, hermit.OSABIHermit, []byte{0x90})

	mem := allocMem(t, 32<<20)
	info := vm.VMInfo{MemSize: mem.Size(), NumCPU: 1}

	ldr := &hermit.Loader{Kernel: bytes.NewReader(kernel), CPUFreq: 1000}
	if err := ldr.LoadMemory(info, mem); err != nil {
		t.Fatal(err)
	}

	null, err := mem.U64(0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if null != 0 {
		t.Errorf("gdt null entry %#x != 0", null)
	}

	cs, err := mem.U64(0x1008)
	if err != nil {
		t.Fatal(err)
	}

	if cs == 0 {
		t.Error("gdt code entry is empty")
	}

	pml4, err := mem.U64(0x10000)
	if err != nil {
		t.Fatal(err)
	}

	if pml4 != 0x11000|0x03 {
		t.Errorf("pml4[0] %#x != %#x", pml4, 0x11000|0x03)
	}

	pdpte, err := mem.U64(0x11000)
	if err != nil {
		t.Fatal(err)
	}

	if pdpte != 0x12000|0x03 {
		t.Errorf("pdpte[0] %#x != %#x", pdpte, 0x12000|0x03)
	}

	// the whole memory is identity mapped with 2M pages
	for i := uint64(0); i < uint64(mem.Size())/0x200000; i++ {
		pde, err := mem.U64(0x12000 + i*8)
		if err != nil {
			t.Fatal(err)
		}

		if want := i*0x200000 | 0x83; pde != want {
			t.Fatalf("pde[%d] %#x != %#x", i, pde, want)
		}
	}
}

func TestLoadVCPU(t *testing.T) {
	kernel := makeKernel(t, hermit.OSABIHermit, []byte{0x90})

	mem := allocMem(t, 32<<20)
	info := vm.VMInfo{MemSize: mem.Size(), NumCPU: 2}

	ldr := &hermit.Loader{Kernel: bytes.NewReader(kernel), CPUFreq: 1000}
	if err := ldr.LoadMemory(info, mem); err != nil {
		t.Fatal(err)
	}

	for core := 0; core < info.NumCPU; core++ {
		var (
			regs  kvm.Regs
			sregs kvm.Sregs
		)

		if err := ldr.LoadVCPU(info, core, &regs, &sregs); err != nil {
			t.Fatal(err)
		}

		if regs.RIP != testEntry {
			t.Errorf("core %d: rip %#x != %#x", core, regs.RIP, testEntry)
		}

		if regs.RFlags != 0x2 {
			t.Errorf("core %d: rflags %#x != 0x2", core, regs.RFlags)
		}

		if sregs.CR3 != 0x10000 {
			t.Errorf("core %d: cr3 %#x != 0x10000", core, sregs.CR3)
		}

		if sregs.CS.L != 1 {
			t.Errorf("core %d: cs is not long mode", core)
		}

		if sregs.CR0&(1<<0) == 0 || sregs.CR0&(1<<31) == 0 {
			t.Errorf("core %d: cr0 %#x is missing PE or PG", core, sregs.CR0)
		}

		if sregs.EFER&(1<<8) == 0 {
			t.Errorf("core %d: efer %#x is missing LME", core, sregs.EFER)
		}
	}
}

func TestLoadMemoryRejectsForeignELF(t *testing.T) {
	kernel := makeKernel(t, 0, []byte{0x90}) // SysV OSABI

	mem := allocMem(t, 32<<20)
	info := vm.VMInfo{MemSize: mem.Size(), NumCPU: 1}

	ldr := &hermit.Loader{Kernel: bytes.NewReader(kernel)}

	err := ldr.LoadMemory(info, mem)
	if !errors.Is(err, hermit.ErrNotHermit) {
		t.Fatalf("unexpected error for a non-hermit image: %v", err)
	}
}
