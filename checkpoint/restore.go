//go:build linux && amd64

package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/uhyve-go/uhyve/kvm"
	"github.com/uhyve-go/uhyve/vm"
)

// A Restorer loads a machine from a checkpoint directory. It satisfies
// the machine's loader interfaces: memory deltas are replayed during
// memory load, and per-core register files are applied as each VCPU is
// prepared.
type Restorer struct {
	dir   string
	m     Manifest
	clock kvm.ClockData
	cores map[int]*coreState
}

// Load reads the manifest in dir.
func Load(dir string) (*Restorer, error) {
	f, err := os.Open(manifestPath(dir))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRestore, err)
	}

	defer f.Close()

	r := Restorer{
		dir:   dir,
		cores: make(map[int]*coreState),
	}

	if err := readManifest(f, &r.m); err != nil {
		return nil, err
	}

	return &r, nil
}

// Manifest returns the checkpoint's manifest.
func (r *Restorer) Manifest() Manifest {
	return r.m
}

// Clock returns the saved kvmclock reading. It is valid after
// LoadMemory has run.
func (r *Restorer) Clock() *kvm.ClockData {
	return &r.clock
}

// LoadMemory replays the checkpoint's memory deltas into guest memory.
// A full checkpoint holds everything in its newest delta; otherwise
// every delta is replayed in order.
func (r *Restorer) LoadMemory(info vm.VMInfo, mem *vm.GuestMemory) error {
	if info.MemSize != r.m.MemSize {
		return fmt.Errorf("%w: memory size %#x != %#x",
			ErrRestore, info.MemSize, r.m.MemSize)
	}

	first := 0
	if r.m.Full {
		first = r.m.Seq
	}

	for n := first; n <= r.m.Seq; n++ {
		if err := r.replay(n, mem); err != nil {
			return fmt.Errorf("%w: delta %d: %w", ErrRestore, n, err)
		}
	}

	return nil
}

func (r *Restorer) replay(n int, mem *vm.GuestMemory) error {
	f, err := os.Open(memPath(r.dir, n))
	if err != nil {
		return err
	}

	defer f.Close()

	br := bufio.NewReader(f)

	// the newest delta's clock wins
	if err := binary.Read(br, le, &r.clock); err != nil {
		return err
	}

	for {
		var pte uint64

		err := binary.Read(br, le, &pte)
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		var addr, size uint64
		if pte&pgPSE != 0 {
			addr, size = pte&page2MMask, 1<<21
		} else {
			addr, size = pte&pageMask, 1<<12
		}

		page, err := mem.Slice(addr, size)
		if err != nil {
			return err
		}

		if _, err := io.ReadFull(br, page); err != nil {
			return err
		}
	}
}

// LoadVCPU applies the saved segment and general-purpose registers.
func (r *Restorer) LoadVCPU(info vm.VMInfo, core int, regs *kvm.Regs, sregs *kvm.Sregs) error {
	if info.NumCPU != r.m.NumCPU {
		return fmt.Errorf("%w: %d cores != %d", ErrRestore, info.NumCPU, r.m.NumCPU)
	}

	s, err := r.loadCore(core)
	if err != nil {
		return err
	}

	*regs = s.regs
	*sregs = s.sregs

	return nil
}

// LoadVCPUState applies the saved MSRs, FPU, APIC, and extended state.
func (r *Restorer) LoadVCPUState(core int, vcpu *kvm.VCPU) error {
	s, err := r.loadCore(core)
	if err != nil {
		return err
	}

	if err := s.apply(vcpu); err != nil {
		return fmt.Errorf("%w: core %d: %w", ErrRestore, core, err)
	}

	return nil
}

// BootBase reports no boot info page: the restored guest is already
// past its boot handshake.
func (r *Restorer) BootBase() uint64 {
	return 0
}

func (r *Restorer) loadCore(core int) (*coreState, error) {
	if s, ok := r.cores[core]; ok {
		return s, nil
	}

	f, err := os.Open(corePath(r.dir, r.m.Seq, core))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRestore, err)
	}

	defer f.Close()

	var s coreState
	if err := s.readFrom(bufio.NewReader(f)); err != nil {
		if !errors.Is(err, ErrRestore) {
			err = fmt.Errorf("%w: core %d: %w", ErrRestore, core, err)
		}

		return nil, err
	}

	r.cores[core] = &s

	return &s, nil
}
