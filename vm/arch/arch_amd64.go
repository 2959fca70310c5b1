//go:build linux

// Package arch does x86-64 specific VM and VCPU setup.
package arch

import (
	"github.com/uhyve-go/uhyve/kvm"
)

// Arch is the default amd64 implementation.
type Arch struct {
	supportedCPUID []kvm.CPUIDEntry2
	tscDeadline    bool
	syncMMU        bool
	x2apic         bool
}

const (
	msrIA32MiscEnable           = 0x1a0
	msrIA32MiscEnableFastString = 1 << 0
)

// The identity map page and the TSS sit just below the IOAPIC,
// leaving room for up to 16M of BIOS.
const identityMapBase = 0xfeffc000

func New(sys *kvm.System) (*Arch, error) {
	supp, err := kvm.GetSupportedCPUID(sys)
	if err != nil {
		return nil, err
	}

	a := Arch{
		supportedCPUID: supp,
	}

	caps := []struct {
		c   kvm.Cap
		dst *bool
	}{
		{kvm.CapTSCDeadlineTimer, &a.tscDeadline},
		{kvm.CapSyncMMU, &a.syncMMU},
		{kvm.CapX2APICAPI, &a.x2apic},
	}

	for _, c := range caps {
		val, err := kvm.CheckExtension(sys, c.c)
		if err != nil {
			return nil, err
		}

		*c.dst = val > 0
	}

	return &a, nil
}

// SetupVM installs the interrupt controller, the PIT, and the
// identity map and TSS pages.
func (a *Arch) SetupVM(vm *kvm.VM) error {
	base := uint64(0xfffbc000)
	if a.syncMMU {
		base = identityMapBase
		if err := kvm.SetIdentityMapAddr(vm, base); err != nil {
			return err
		}
	}

	if err := kvm.SetTSSAddr(vm, base+0x1000); err != nil {
		return err
	}

	if err := kvm.CreateIRQChip(vm); err != nil {
		return err
	}

	if a.x2apic {
		cfg := kvm.EnableCapConfig{Cap: kvm.CapX2APICAPI}
		cfg.Args[0] = kvm.X2APICAPIUse32BitIDs | kvm.X2APICAPIDisableBroadcastQuirk

		if err := kvm.EnableCap(vm, &cfg); err != nil {
			return err
		}
	}

	if err := a.setupIOAPIC(vm); err != nil {
		return err
	}

	return kvm.CreatePIT2(vm, &kvm.PITConfig{})
}

// setupIOAPIC points each IOAPIC pin at vector 0x20+pin and masks
// the cascade pin.
func (a *Arch) setupIOAPIC(vm *kvm.VM) error {
	chip := kvm.IRQChipState{ChipID: kvm.IRQChipIOAPIC}
	if err := kvm.GetIRQChip(vm, &chip); err != nil {
		return err
	}

	ioapic := chip.IOAPIC()
	for pin := range ioapic.Redirtbl {
		entry := uint64(0x20 + pin)
		if pin == 2 {
			entry |= 1 << 16 // masked
		}

		ioapic.Redirtbl[pin] = entry
	}

	return kvm.SetIRQChip(vm, &chip)
}

// SetupVCPU applies the filtered cpuid, marks the core runnable, and
// enables fast string operations.
func (a *Arch) SetupVCPU(core int, vcpu *kvm.VCPU, state *kvm.VCPUState) error {
	cpuid := make([]kvm.CPUIDEntry2, len(a.supportedCPUID))
	copy(cpuid, a.supportedCPUID)
	a.filterCPUID(cpuid)

	if err := kvm.SetCPUID2(vcpu, cpuid); err != nil {
		return err
	}

	if err := kvm.SetMPState(vcpu, &kvm.MPState{State: kvm.MPStateRunnable}); err != nil {
		return err
	}

	msrs := []kvm.MSREntry{
		{
			Index: msrIA32MiscEnable,
			Data:  msrIA32MiscEnableFastString,
		},
	}

	return kvm.SetMSRs(vcpu, msrs)
}

// filterCPUID adjusts the supported cpuid for the guest: it advertises
// the hypervisor bit, MSR support and (if available) the TSC deadline
// timer, and hides the PMU.
func (a *Arch) filterCPUID(entries []kvm.CPUIDEntry2) {
	for i := range entries {
		entry := &entries[i]

		switch entry.Function {
		case 1:
			entry.ECX |= 1 << 31 // running under a hypervisor
			if a.tscDeadline {
				entry.ECX |= 1 << 24
			}

			entry.EDX |= 1 << 5 // MSR support

		case 0x0a: // perfmon
			entry.EAX = 0
		}
	}
}
