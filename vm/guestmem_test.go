//go:build linux

package vm_test

import (
	"errors"
	"testing"

	"github.com/uhyve-go/uhyve/vm"
)

func allocMem(t *testing.T, size int) *vm.GuestMemory {
	t.Helper()

	mem, err := vm.AllocGuestMemory(size, vm.MemoryHints{})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { mem.Close() })

	return mem
}

func TestGuestMemorySmall(t *testing.T) {
	mem := allocMem(t, 1<<20)

	if mem.Size() != 1<<20 {
		t.Fatalf("size %#x", mem.Size())
	}

	regions := mem.Regions()
	if len(regions) != 1 {
		t.Fatalf("%d regions, want 1", len(regions))
	}

	r := regions[0]
	if r.Slot != 0 || r.GuestPhysAddr != 0 || r.MemorySize != 1<<20 {
		t.Errorf("region %+v", r)
	}
}

func TestGuestMemoryGap(t *testing.T) {
	const size = vm.GapStart + (64 << 20)
	mem := allocMem(t, size)

	if mem.Size() != size+vm.GapSize {
		t.Fatalf("size %#x", mem.Size())
	}

	regions := mem.Regions()
	if len(regions) != 2 {
		t.Fatalf("%d regions, want 2", len(regions))
	}

	lo, hi := regions[0], regions[1]

	if lo.Slot != 0 || lo.GuestPhysAddr != 0 || lo.MemorySize != vm.GapStart {
		t.Errorf("low region %+v", lo)
	}

	if hi.Slot != 1 || hi.GuestPhysAddr != vm.GapStart+vm.GapSize || hi.MemorySize != 64<<20 {
		t.Errorf("high region %+v", hi)
	}

	if hi.UserspaceAddr != lo.UserspaceAddr+vm.GapStart+vm.GapSize {
		t.Error("high region host address is not contiguous with the mapping")
	}
}

func TestGuestMemoryGapBoundary(t *testing.T) {
	mem := allocMem(t, vm.GapStart)

	if mem.Size() != vm.GapStart+vm.GapSize {
		t.Fatalf("size %#x", mem.Size())
	}

	regions := mem.Regions()
	if len(regions) != 2 {
		t.Fatalf("%d regions, want 2 (split at the gap)", len(regions))
	}

	if regions[0].MemorySize != vm.GapStart {
		t.Errorf("low region %+v", regions[0])
	}
}

func TestGuestMemorySliceBounds(t *testing.T) {
	mem := allocMem(t, 1<<20)

	if _, err := mem.Slice(1<<20, 1); !errors.Is(err, vm.ErrMemBounds) {
		t.Errorf("unexpected error: %v", err)
	}

	if _, err := mem.Slice(^uint64(0), 2); !errors.Is(err, vm.ErrMemBounds) {
		t.Errorf("overflow: unexpected error: %v", err)
	}

	if _, err := mem.Slice(1<<20-4, 4); err != nil {
		t.Errorf("in-bounds slice failed: %v", err)
	}
}

func TestGuestMemorySliceGap(t *testing.T) {
	mem := allocMem(t, vm.GapStart+(64<<20))

	for _, tc := range []struct {
		gpa, n uint64
	}{
		{vm.GapStart, 4},
		{vm.GapStart - 4, 8},
		{vm.GapStart + vm.GapSize - 4, 8},
		{vm.GapStart - 4, vm.GapSize + 8},
	} {
		if _, err := mem.Slice(tc.gpa, tc.n); !errors.Is(err, vm.ErrMemGap) {
			t.Errorf("%#x+%#x: unexpected error: %v", tc.gpa, tc.n, err)
		}
	}

	if _, err := mem.Slice(vm.GapStart-8, 8); err != nil {
		t.Errorf("slice below gap failed: %v", err)
	}

	if _, err := mem.Slice(vm.GapStart+vm.GapSize, 8); err != nil {
		t.Errorf("slice above gap failed: %v", err)
	}
}

func TestGuestMemoryWords(t *testing.T) {
	mem := allocMem(t, 1<<20)

	if err := mem.PutU32(0x100, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}

	v32, err := mem.U32(0x100)
	if err != nil {
		t.Fatal(err)
	}

	if v32 != 0xdeadbeef {
		t.Errorf("u32 %#x", v32)
	}

	if err := mem.PutU64(0x200, 0x0123456789abcdef); err != nil {
		t.Fatal(err)
	}

	v64, err := mem.U64(0x200)
	if err != nil {
		t.Fatal(err)
	}

	if v64 != 0x0123456789abcdef {
		t.Errorf("u64 %#x", v64)
	}

	if err := mem.AtomicStore32(0x300, 7); err != nil {
		t.Fatal(err)
	}

	a, err := mem.AtomicLoad32(0x300)
	if err != nil {
		t.Fatal(err)
	}

	if a != 7 {
		t.Errorf("atomic %d", a)
	}
}

func TestGuestMemoryCString(t *testing.T) {
	mem := allocMem(t, 1<<20)

	b, err := mem.Slice(0x100, 6)
	if err != nil {
		t.Fatal(err)
	}

	copy(b, "hello\x00")

	s, err := mem.CString(0x100)
	if err != nil {
		t.Fatal(err)
	}

	if s != "hello" {
		t.Errorf("%q", s)
	}

	if _, err := mem.CString(1 << 20); !errors.Is(err, vm.ErrMemBounds) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGuestMemoryCloseTwice(t *testing.T) {
	mem, err := vm.AllocGuestMemory(1<<20, vm.MemoryHints{})
	if err != nil {
		t.Fatal(err)
	}

	if err := mem.Close(); err != nil {
		t.Fatal(err)
	}

	if err := mem.Close(); err != nil {
		t.Fatal(err)
	}
}
