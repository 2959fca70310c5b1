//go:build linux

// Package vm configures and runs a KVM virtual machine
// with one run loop per VCPU.
package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/uhyve-go/uhyve/kvm"
	"github.com/uhyve-go/uhyve/vm/arch"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Config describes a new VM.
type Config struct {

	// MemSize is the size of the VM's memory in bytes.
	// It must be a multiple of the host's page size.
	// If MemSize is 0, the VM will have 1G of memory.
	MemSize int

	// NumCPU is the number of VCPUs attached to the VM.
	// If NumCPU is 0, the VM will have one VCPU.
	NumCPU int

	// Loader configures the VM's memory and registers.
	Loader Loader

	// Ports handles port I/O exits from the guest.
	Ports PortHandler

	// Hints tunes the guest memory mapping.
	Hints MemoryHints

	// Clock, if set, is loaded into kvmclock before the VM runs.
	Clock *kvm.ClockData

	// Arch, if set, is called to do arch-specific setup during VM creation.
	// If Arch is nil, a default implementation is used. Setting Arch is
	// probably only useful for testing, debugging, and development.
	Arch Arch
}

// VMInfo describes a configured VM in a form useful to the Loader.
// It is passed to the Loader's LoadMemory and LoadVCPU methods.
type VMInfo struct {

	// MemSize is the extent of the guest physical address space in bytes,
	// including the gap if there is one.
	MemSize int

	// NumCPU is the number of VCPUs attached to the VM.
	NumCPU int
}

type Loader interface {

	// LoadMemory prepares the VM's memory before it boots.
	LoadMemory(info VMInfo, mem *GuestMemory) error

	// LoadVCPU prepares a VCPU before the VM boots.
	LoadVCPU(info VMInfo, core int, regs *kvm.Regs, sregs *kvm.Sregs) error

	// BootBase returns the guest physical address of the boot
	// info page, or 0 if there isn't one.
	BootBase() uint64
}

// A VCPUStateLoader restores extended VCPU state (MSRs, FPU, APIC and
// friends) that plain register loading can't reach. A Loader that
// implements it is treated as a resume from a snapshot: boot
// synchronization between cores is skipped.
type VCPUStateLoader interface {
	LoadVCPUState(core int, vcpu *kvm.VCPU) error
}

type Arch interface {

	// SetupVM is called after the VM is created.
	// It sets up arch-specific "hardware" like the PIC.
	SetupVM(vm *kvm.VM) error

	// SetupVCPU is called after the VCPU is created and mmaped.
	// It sets up arch-specific features like MSRs and cpuid.
	SetupVCPU(core int, vcpu *kvm.VCPU, state *kvm.VCPUState) error
}

// A PortHandler services port I/O exits. The argument is the 32-bit
// value the guest wrote to the port, conventionally the guest physical
// address of a parameter block. Returning a GuestExit error shuts the
// VM down with the carried status.
type PortHandler interface {
	HandlePort(mem *GuestMemory, port uint16, arg uint32) error
}

// GuestExit reports that the guest asked to shut down.
type GuestExit struct {
	Status int
}

func (e GuestExit) Error() string {
	return fmt.Sprintf("vm: guest exit with status %d", e.Status)
}

// Machine is a configured VM.
type Machine struct {
	fd       *kvm.VM
	mem      *GuestMemory
	cpu      []*proc
	ports    PortHandler
	bootBase uint64
	restored bool

	mu      sync.Mutex
	resume  sync.Cond
	parkch  sync.Cond
	pausing bool
	parked  int
	live    int
}

const (
	MemSizeMin     = 1 << 20 // 1M
	MemSizeDefault = 1 << 30 // 1G
	MemSizeMax     = 1 << 40 // 1T
)

// Boot info words used for the startup handshake between cores.
// The guest increments the online counter as each core comes up;
// the host publishes each started core in the booted word.
const (
	bootOnlineWord = 0x20
	bootBootedWord = 0x30
)

var (
	ErrOpenKVM             = errors.New("vm: KVM is not available")
	ErrCompat              = errors.New("vm: incompatible KVM")
	ErrConfig              = errors.New("vm: invalid config")
	ErrGetVCPUMmapSize     = errors.New("vm: get VCPU mmap size failed")
	ErrCreate              = errors.New("vm: create failed")
	ErrSetup               = errors.New("vm: setup failed")
	ErrAllocMemory         = errors.New("vm: memory allocation failed")
	ErrLoadMemory          = errors.New("vm: memory load failed")
	ErrSetUserMemoryRegion = errors.New("vm: set user memory region failed")
	ErrCreateVCPU          = errors.New("vm: VCPU create failed")
	ErrMmapVCPU            = errors.New("vm: VCPU mmap failed")
	ErrSetupVCPU           = errors.New("vm: VCPU setup failed")
	ErrLoadVCPU            = errors.New("vm: VCPU load failed")
	ErrSetClock            = errors.New("vm: set clock failed")
	ErrUnhandledExit       = errors.New("vm: unhandled vmexit")
)

// proc collects a VCPU fd, its mmaped state, and the id of the OS
// thread its run loop is locked to.
type proc struct {
	fd  *kvm.VCPU
	mm  []byte
	tid int
}

// New creates a new VM.
func New(cfg Config) (*Machine, error) {
	sys, err := kvm.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenKVM, err)
	}

	defer sys.Close()

	if err := testKVMCompat(sys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompat, err)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(sys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	// default arch
	if cfg.Arch == nil {
		a, err := arch.New(sys)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetup, err)
		}

		cfg.Arch = a
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	// install arch-specific "hardware"
	if err := cfg.Arch.SetupVM(vm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	mem, err := AllocGuestMemory(cfg.MemSize, cfg.Hints)
	if err != nil {
		return nil, err
	}

	// install memory
	for _, mr := range mem.Regions() {
		if err := kvm.SetUserMemoryRegion(vm, &mr); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetUserMemoryRegion, err)
		}
	}

	mmsz, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGetVCPUMmapSize, err)
	}

	// create VCPUs
	cpu := make([]*proc, cfg.NumCPU)
	for core := range cpu {
		fd, err := kvm.CreateVCPU(vm, core)
		if err != nil {
			return nil, fmt.Errorf("%w: core %d: %w", ErrCreateVCPU, core, err)
		}

		mm, err := unix.Mmap(int(fd.Fd()), 0, mmsz,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

		if err != nil {
			return nil, fmt.Errorf("%w: core %d: %w", ErrMmapVCPU, core, err)
		}

		cpu[core] = &proc{fd: fd, mm: mm}
		if err := cfg.Arch.SetupVCPU(core, cpu[core].fd, cpu[core].State()); err != nil {
			return nil, fmt.Errorf("%w: core %d: %w", ErrSetupVCPU, core, err)
		}
	}

	info := VMInfo{
		MemSize: mem.Size(),
		NumCPU:  len(cpu),
	}

	// load memory
	if err := cfg.Loader.LoadMemory(info, mem); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadMemory, err)
	}

	stateLoader, restored := cfg.Loader.(VCPUStateLoader)

	// load VCPUs
	for core, c := range cpu {
		err := func() error {
			var (
				regs  kvm.Regs
				sregs kvm.Sregs
			)

			if err := kvm.GetRegs(c.fd, &regs); err != nil {
				return fmt.Errorf("get regs: %w", err)
			}

			if err := kvm.GetSregs(c.fd, &sregs); err != nil {
				return fmt.Errorf("get sregs: %w", err)
			}

			if err := cfg.Loader.LoadVCPU(info, core, &regs, &sregs); err != nil {
				return err
			}

			if err := kvm.SetSregs(c.fd, &sregs); err != nil {
				return fmt.Errorf("set sregs: %w", err)
			}

			if err := kvm.SetRegs(c.fd, &regs); err != nil {
				return fmt.Errorf("set regs: %w", err)
			}

			if restored {
				if err := stateLoader.LoadVCPUState(core, c.fd); err != nil {
					return err
				}
			}

			return nil
		}()

		if err != nil {
			return nil, fmt.Errorf("%w: core %d: %w", ErrLoadVCPU, core, err)
		}
	}

	if cfg.Clock != nil {
		if err := kvm.SetClock(vm, cfg.Clock); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetClock, err)
		}
	}

	m := &Machine{
		fd:       vm,
		mem:      mem,
		cpu:      cpu,
		ports:    cfg.Ports,
		bootBase: cfg.Loader.BootBase(),
		restored: restored,
	}

	m.resume.L = &m.mu
	m.parkch.L = &m.mu

	return m, nil
}

// Run runs the VM until the guest shuts down or a VCPU fails. The
// returned status is the guest's exit status, valid only when the error
// is nil. Canceling the context stops all VCPUs; Run then returns a
// zero status and a nil error.
func (m *Machine) Run(ctx context.Context) (status int, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			m.kickAll()
		case <-done:
		}
	}()

	for core := range m.cpu {
		core := core
		g.Go(func() error {
			return m.runVCPU(ctx, core)
		})
	}

	err = g.Wait()

	var exit GuestExit
	if errors.As(err, &exit) {
		return exit.Status, nil
	}

	return 0, err
}

// runVCPU is the run loop for one core. It locks itself to an OS thread
// so the pause machinery can interrupt KVM_RUN with a directed signal.
func (m *Machine) runVCPU(ctx context.Context, core int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p := m.cpu[core]

	m.mu.Lock()
	p.tid = unix.Gettid()
	m.live++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		p.tid = 0
		m.live--
		m.parkch.Broadcast()
		m.mu.Unlock()
	}()

	// Only one core at a time runs the guest's startup code. Wait for
	// the guest to report the predecessor core online, then publish
	// this one as booted.
	if core > 0 && !m.restored && m.bootBase != 0 {
		for {
			// a pause must also collect cores still waiting to boot
			m.gate(p)

			online, err := m.mem.AtomicLoad32(m.bootBase + bootOnlineWord)
			if err != nil {
				return err
			}

			if online >= uint32(core) {
				break
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Microsecond):
			}
		}

		if err := m.mem.AtomicStore32(m.bootBase+bootBootedWord, uint32(core)); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m.gate(p)

		if err := kvm.Run(p.fd); err != nil {
			if err == unix.EINTR {
				continue
			}

			return fmt.Errorf("core %d: run: %w", core, err)
		}

		state := p.State()

		switch state.ExitReason {
		case kvm.ExitIO:
			if err := m.handleIO(core, p, state); err != nil {
				return err
			}

		case kvm.ExitHLT:
			return GuestExit{Status: 0}

		case kvm.ExitIntr, kvm.ExitDebug:
			continue

		case kvm.ExitFailEntry:
			return fmt.Errorf("%w: core %d: entry failed, hardware reason %#x\n%s",
				ErrUnhandledExit, core, state.FailEntryReason(), arch.DumpVCPU(p.fd))

		case kvm.ExitInternalError:
			return fmt.Errorf("%w: core %d: internal error, suberror %#x\n%s",
				ErrUnhandledExit, core, state.InternalErrorData(), arch.DumpVCPU(p.fd))

		default:
			return fmt.Errorf("%w: core %d: %v\n%s",
				ErrUnhandledExit, core, state.ExitReason, arch.DumpVCPU(p.fd))
		}
	}
}

func (m *Machine) handleIO(core int, p *proc, state *kvm.VCPUState) error {
	xd := state.IOExitData()
	if !xd.IsOut || xd.Size != 4 || m.ports == nil {
		return fmt.Errorf("%w: core %d: port %#x in=%v size=%d",
			ErrUnhandledExit, core, xd.Port, !xd.IsOut, xd.Size)
	}

	for i := uint32(0); i < xd.Count; i++ {
		off := xd.Offset + uint64(i)*uint64(xd.Size)
		arg := binary.LittleEndian.Uint32(p.mm[off:])

		if err := m.ports.HandlePort(m.mem, xd.Port, arg); err != nil {
			return err
		}
	}

	return nil
}

// gate blocks while the machine is paused and clears the VCPU's
// immediate-exit flag before it reenters the guest.
func (m *Machine) gate(p *proc) {
	m.mu.Lock()

	for m.pausing {
		m.parked++
		m.parkch.Broadcast()
		m.resume.Wait()
		m.parked--
	}

	p.State().ImmediateExit = 0
	m.mu.Unlock()
}

// Pause stops all VCPUs, runs fn while the guest is quiescent, and
// resumes. It returns fn's error.
func (m *Machine) Pause(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pausing = true
	m.kick()

	for m.parked < m.live {
		m.parkch.Wait()
	}

	err := fn()

	m.pausing = false
	m.resume.Broadcast()

	return err
}

// kick interrupts every running VCPU. Caller holds m.mu.
func (m *Machine) kick() {
	pid := unix.Getpid()
	for _, p := range m.cpu {
		p.State().ImmediateExit = 1
		if p.tid != 0 {
			unix.Tgkill(pid, p.tid, unix.SIGURG)
		}
	}
}

func (m *Machine) kickAll() {
	m.mu.Lock()
	m.kick()
	m.mu.Unlock()
}

// InjectIRQ pulses an edge-triggered interrupt line.
func (m *Machine) InjectIRQ(irq uint32) error {
	if err := kvm.SetIRQLine(m.fd, irq, 1); err != nil {
		return err
	}

	return kvm.SetIRQLine(m.fd, irq, 0)
}

// Mem returns the VM's guest memory.
func (m *Machine) Mem() *GuestMemory {
	return m.mem
}

// NumCPU returns the number of VCPUs attached to the VM.
func (m *Machine) NumCPU() int {
	return len(m.cpu)
}

// KVM returns the VM's KVM handle.
func (m *Machine) KVM() *kvm.VM {
	return m.fd
}

// VCPU returns the KVM handle for one core.
func (m *Machine) VCPU(core int) *kvm.VCPU {
	return m.cpu[core].fd
}

func (m *Machine) Close() error {
	for _, p := range m.cpu {
		p.Close()
	}

	m.fd.Close()

	return m.mem.Close()
}

func (cfg Config) validate(sys *kvm.System) error {
	if pgsz := os.Getpagesize(); cfg.MemSize%pgsz != 0 {
		return fmt.Errorf("memory size must be a multiple of the host page size (%d)", pgsz)
	}

	if cfg.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", cfg.MemSize, MemSizeMin)
	}

	if cfg.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", cfg.MemSize, MemSizeMax)
	}

	if cfg.NumCPU < 1 {
		return fmt.Errorf("at least one VCPU is required: %d < 1", cfg.NumCPU)
	}

	max, err := kvm.CheckExtension(sys, kvm.CapMaxVCPUs)
	if err != nil {
		return err
	}

	if cfg.NumCPU > max {
		return fmt.Errorf("too many VCPUs: %d > %d", cfg.NumCPU, max)
	}

	if cfg.Loader == nil {
		return errors.New("loader is not set")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if cfg.NumCPU == 0 {
		cfg.NumCPU = 1
	}

	return cfg
}

func (p *proc) State() *kvm.VCPUState {
	return (*kvm.VCPUState)(unsafe.Pointer(&p.mm[0]))
}

func (p *proc) Close() error {
	p.fd.Close()
	unix.Munmap(p.mm)
	return nil
}

func testKVMCompat(sys *kvm.System) error {
	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		return err
	}

	if version != kvm.StableAPIVersion {
		return fmt.Errorf("unstable API version: %d != %d", version, kvm.StableAPIVersion)
	}

	required := []kvm.Cap{
		kvm.CapIRQChip,
		kvm.CapHLT,
		kvm.CapUserMemory,
		kvm.CapSetTSSAddr,
		kvm.CapExtCPUID,
		kvm.CapPIT2,
		kvm.CapSetIdentityMapAddr,
	}

	var missing []kvm.Cap
	for _, cap := range required {
		val, err := kvm.CheckExtension(sys, cap)
		if err != nil {
			return err
		}

		if val < 1 {
			missing = append(missing, cap)
		}
	}

	if len(missing) > 0 {
		var names []string
		for _, cap := range missing {
			names = append(names, cap.String())
		}

		return fmt.Errorf("missing %s", strings.Join(names, ","))
	}

	return nil
}
