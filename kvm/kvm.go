//go:build linux

// Package kvm wraps the subset of the KVM API used by the hypervisor.
// Struct types mirror the C ABI of the corresponding ioctls.
package kvm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StableAPIVersion is the value KVM_GET_API_VERSION has returned since
// Linux 2.6.22. Any other value means the KVM API is unusable.
const StableAPIVersion = 12

// ioctl request values, precomputed from linux/kvm.h.
// dir<<30 | size<<16 | 0xAE<<8 | nr
const (
	kGetAPIVersion          = 0x0000ae00
	kCreateVM               = 0x0000ae01
	kGetMSRIndexList        = 0xc004ae02
	kCheckExtension         = 0x0000ae03
	kGetVCPUMmapSize        = 0x0000ae04
	kGetSupportedCPUID      = 0xc008ae05
	kGetMSRFeatureIndexList = 0xc004ae0a
	kCreateVCPU             = 0x0000ae41
	kSetUserMemoryRegion    = 0x4020ae46
	kSetTSSAddr             = 0x0000ae47
	kSetIdentityMapAddr     = 0x4008ae48
	kCreateIRQChip          = 0x0000ae60
	kIRQLine                = 0x4008ae61
	kGetIRQChip             = 0xc208ae62
	kSetIRQChip             = 0x8208ae63
	kCreatePIT2             = 0x4040ae77
	kSetClock               = 0x4030ae7b
	kGetClock               = 0x8030ae7c
	kRun                    = 0x0000ae80
	kGetRegs                = 0x8090ae81
	kSetRegs                = 0x4090ae82
	kGetSregs               = 0x8138ae83
	kSetSregs               = 0x4138ae84
	kGetMSRs                = 0xc008ae88
	kSetMSRs                = 0x4008ae89
	kGetFPU                 = 0x81a0ae8c
	kSetFPU                 = 0x41a0ae8d
	kGetLAPIC               = 0x8400ae8e
	kSetLAPIC               = 0x4400ae8f
	kSetCPUID2              = 0x4008ae90
	kGetMPState             = 0x8004ae98
	kSetMPState             = 0x4004ae99
	kGetVCPUEvents          = 0x8040ae9f
	kSetVCPUEvents          = 0x4040aea0
	kEnableCap              = 0x4068aea3
	kGetXSave               = 0x9000aea4
	kSetXSave               = 0x5000aea5
	kGetXCRs                = 0x8188aea6
	kSetXCRs                = 0x4188aea7
)

const nrInterrupts = 256

// Cap is a KVM extension capability, checked with CheckExtension.
type Cap uint32

const (
	CapIRQChip            Cap = 0
	CapHLT                Cap = 1
	CapUserMemory         Cap = 3
	CapSetTSSAddr         Cap = 4
	CapExtCPUID           Cap = 7
	CapNRVCPUs            Cap = 9
	CapNRMemslots         Cap = 10
	CapSyncMMU            Cap = 16
	CapIRQFD              Cap = 32
	CapPIT2               Cap = 33
	CapSetIdentityMapAddr Cap = 37
	CapAdjustClock        Cap = 39
	CapVCPUEvents         Cap = 41
	CapXSave              Cap = 55
	CapXCRs               Cap = 56
	CapMaxVCPUs           Cap = 66
	CapTSCDeadlineTimer   Cap = 72
	CapCheckExtensionVM   Cap = 105
	CapX2APICAPI          Cap = 129
	CapImmediateExit      Cap = 136
	CapGetMSRFeatures     Cap = 153
)

var capName = map[Cap]string{
	CapIRQChip:            "KVM_CAP_IRQCHIP",
	CapHLT:                "KVM_CAP_HLT",
	CapUserMemory:         "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:         "KVM_CAP_SET_TSS_ADDR",
	CapExtCPUID:           "KVM_CAP_EXT_CPUID",
	CapNRVCPUs:            "KVM_CAP_NR_VCPUS",
	CapNRMemslots:         "KVM_CAP_NR_MEMSLOTS",
	CapSyncMMU:            "KVM_CAP_SYNC_MMU",
	CapIRQFD:              "KVM_CAP_IRQFD",
	CapPIT2:               "KVM_CAP_PIT2",
	CapSetIdentityMapAddr: "KVM_CAP_SET_IDENTITY_MAP_ADDR",
	CapAdjustClock:        "KVM_CAP_ADJUST_CLOCK",
	CapVCPUEvents:         "KVM_CAP_VCPU_EVENTS",
	CapXSave:              "KVM_CAP_XSAVE",
	CapXCRs:               "KVM_CAP_XCRS",
	CapMaxVCPUs:           "KVM_CAP_MAX_VCPUS",
	CapTSCDeadlineTimer:   "KVM_CAP_TSC_DEADLINE_TIMER",
	CapCheckExtensionVM:   "KVM_CAP_CHECK_EXTENSION_VM",
	CapX2APICAPI:          "KVM_CAP_X2APIC_API",
	CapImmediateExit:      "KVM_CAP_IMMEDIATE_EXIT",
	CapGetMSRFeatures:     "KVM_CAP_GET_MSR_FEATURES",
}

// AllCaps returns every Cap known to this package.
func AllCaps() []Cap {
	caps := make([]Cap, 0, len(capName))
	for c := range capName {
		caps = append(caps, c)
	}

	return caps
}

func (c Cap) String() string {
	if s, ok := capName[c]; ok {
		return s
	}

	return fmt.Sprintf("Cap(%d)", uint32(c))
}

// Flags for EnableCap(CapX2APICAPI).
const (
	X2APICAPIUse32BitIDs           = 1 << 0
	X2APICAPIDisableBroadcastQuirk = 1 << 1
)

// Exit is the exit reason reported in VCPUState after Run returns.
type Exit uint32

const (
	ExitUnknown       Exit = 0
	ExitException     Exit = 1
	ExitIO            Exit = 2
	ExitHypercall     Exit = 3
	ExitDebug         Exit = 4
	ExitHLT           Exit = 5
	ExitMMIO          Exit = 6
	ExitIRQWindowOpen Exit = 7
	ExitShutdown      Exit = 8
	ExitFailEntry     Exit = 9
	ExitIntr          Exit = 10
	ExitSetTPR        Exit = 11
	ExitInternalError Exit = 17
	ExitSystemEvent   Exit = 24
)

var exitName = map[Exit]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHLT:           "KVM_EXIT_HLT",
	ExitMMIO:          "KVM_EXIT_MMIO",
	ExitIRQWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitSetTPR:        "KVM_EXIT_SET_TPR",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
}

func (e Exit) String() string {
	if s, ok := exitName[e]; ok {
		return s
	}

	return fmt.Sprintf("Exit(%d)", uint32(e))
}

// System is an open handle to the KVM device.
type System struct {
	f *os.File
}

// VM is a virtual machine handle created with CreateVM.
type VM struct {
	f *os.File
}

// VCPU is a virtual CPU handle created with CreateVCPU.
type VCPU struct {
	f *os.File
}

// UserspaceMemoryRegion has the same layout as the C struct
// kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// IRQLevel has the same layout as the C struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// EnableCapConfig has the same layout as the C struct kvm_enable_cap.
type EnableCapConfig struct {
	Cap   Cap
	Flags uint32
	Args  [4]uint64
	_     [64]byte
}

// Open opens the KVM device. The returned handle can be closed as soon
// as the VM is created: VM and VCPU handles keep their own references.
func Open() (*System, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: "/dev/kvm", Err: err}
	}

	return &System{f: os.NewFile(uintptr(fd), "/dev/kvm")}, nil
}

func (s *System) Fd() uintptr {
	return s.f.Fd()
}

func (s *System) Close() error {
	return s.f.Close()
}

func (vm *VM) Fd() uintptr {
	return vm.f.Fd()
}

func (vm *VM) Close() error {
	return vm.f.Close()
}

func (vcpu *VCPU) Fd() uintptr {
	return vcpu.f.Fd()
}

func (vcpu *VCPU) Close() error {
	return vcpu.f.Close()
}

// GetAPIVersion "identifies the API version as the stable kvm API. It is not
// expected that this number will change. However, Linux 2.6.20 and 2.6.21
// report earlier versions; these are not documented and not supported.
// Applications should refuse to run if KVM_GET_API_VERSION returns a value
// other than 12."
func GetAPIVersion(sys *System) (int, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetAPIVersion, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(v), nil
}

// CreateVM creates a new virtual machine with no memory and no VCPUs.
func CreateVM(sys *System) (*VM, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kCreateVM, 0)
	if errno != 0 {
		return nil, errno
	}

	return &VM{f: os.NewFile(fd, "kvm-vm")}, nil
}

// CheckExtension returns the value of the given capability. A value of 0
// means the extension is unsupported; most (but not all) extensions report
// 1 when supported. It accepts either a System or a VM handle: per-VM
// checks are available if CheckExtension(sys, CapCheckExtensionVM)
// returns 1.
func CheckExtension(f interface{ Fd() uintptr }, c Cap) (int, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), kCheckExtension, uintptr(c))
	if errno != 0 {
		return 0, errno
	}

	return int(v), nil
}

// GetVCPUMmapSize returns "the size of the shared memory region used by
// the KVM_RUN ioctl to communicate with userspace".
func GetVCPUMmapSize(sys *System) (int, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(v), nil
}

// CreateVCPU "adds a vcpu to a virtual machine. No more than max_vcpus may
// be added. The vcpu id is an integer in the range [0, max_vcpu_id)."
func CreateVCPU(vm *VM, slot int) (*VCPU, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateVCPU, uintptr(slot))
	if errno != 0 {
		return nil, errno
	}

	return &VCPU{f: os.NewFile(fd, fmt.Sprintf("kvm-vcpu:%d", slot))}, nil
}

// SetUserMemoryRegion "creates, modifies or deletes a guest physical
// memory slot."
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	if errno != 0 {
		return errno
	}

	return nil
}

// CreateIRQChip installs the in-kernel interrupt controller model: "On x86,
// [it] creates a virtual ioapic, a virtual PIC (two PICs, nested), and sets
// up future vcpus to have a local APIC."
func CreateIRQChip(vm *VM) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateIRQChip, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// SetIRQLine "sets the level of a GSI input to the interrupt controller
// model in the kernel." Requires CreateIRQChip. Edge-triggered interrupts
// need a 0 -> 1 -> 0 sequence.
func SetIRQLine(vm *VM, irq uint32, level uint32) error {
	lv := IRQLevel{IRQ: irq, Level: level}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kIRQLine, uintptr(unsafe.Pointer(&lv)))
	if errno != 0 {
		return errno
	}

	return nil
}

// EnableCap "enables an extension, making it available to the guest."
func EnableCap(vm *VM, cfg *EnableCapConfig) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kEnableCap, uintptr(unsafe.Pointer(cfg)))
	if errno != 0 {
		return errno
	}

	return nil
}

// Run runs the VCPU until it exits. The exit reason and payload are
// published in the VCPU's mmaped state. Run returns unix.EINTR if the
// calling thread takes a signal, or immediately if the state's
// ImmediateExit flag is set; neither case enters the guest in a way
// that can corrupt VCPU state.
func Run(vcpu *VCPU) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kRun, 0)
	if errno != 0 {
		return errno
	}

	return nil
}
