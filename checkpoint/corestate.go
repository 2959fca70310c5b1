//go:build linux && amd64

package checkpoint

import (
	"encoding/binary"
	"io"

	"github.com/uhyve-go/uhyve/kvm"
)

var le = binary.LittleEndian

// savedMSRs lists the model-specific registers carried across a
// save/restore cycle, in file order.
var savedMSRs = []int{
	0x1b,       // IA32_APIC_BASE
	0x174,      // IA32_SYSENTER_CS
	0x175,      // IA32_SYSENTER_ESP
	0x176,      // IA32_SYSENTER_EIP
	0x277,      // IA32_CR_PAT
	0x1a0,      // IA32_MISC_ENABLE
	0x10,       // IA32_TSC
	0xc0000083, // CSTAR
	0xc0000081, // STAR
	0xc0000080, // EFER
	0xc0000082, // LSTAR
	0xc0000101, // GS_BASE
	0xc0000100, // FS_BASE
	0xc0000102, // KERNEL_GS_BASE
}

// coreState is the complete per-core register file.
type coreState struct {
	sregs   kvm.Sregs
	regs    kvm.Regs
	fpu     kvm.FPU
	msrs    []kvm.MSREntry
	lapic   kvm.LAPICState
	xsave   kvm.XSave
	xcrs    kvm.XCRs
	events  kvm.VCPUEvents
	mpState kvm.MPState
}

// capture reads the core's state out of KVM.
func (s *coreState) capture(vcpu *kvm.VCPU) error {
	if err := kvm.GetSregs(vcpu, &s.sregs); err != nil {
		return err
	}

	if err := kvm.GetRegs(vcpu, &s.regs); err != nil {
		return err
	}

	if err := kvm.GetFPU(vcpu, &s.fpu); err != nil {
		return err
	}

	msrs, err := kvm.GetMSRs(vcpu, savedMSRs)
	if err != nil {
		return err
	}

	s.msrs = msrs

	if err := kvm.GetLAPIC(vcpu, &s.lapic); err != nil {
		return err
	}

	if err := kvm.GetXSave(vcpu, &s.xsave); err != nil {
		return err
	}

	if err := kvm.GetXCRs(vcpu, &s.xcrs); err != nil {
		return err
	}

	if err := kvm.GetVCPUEvents(vcpu, &s.events); err != nil {
		return err
	}

	return kvm.GetMPState(vcpu, &s.mpState)
}

// apply loads the extended state into KVM. Plain and segment registers
// are applied separately, before the VM's first run.
func (s *coreState) apply(vcpu *kvm.VCPU) error {
	if err := kvm.SetMSRs(vcpu, s.msrs); err != nil {
		return err
	}

	if err := kvm.SetXCRs(vcpu, &s.xcrs); err != nil {
		return err
	}

	if err := kvm.SetMPState(vcpu, &s.mpState); err != nil {
		return err
	}

	if err := kvm.SetLAPIC(vcpu, &s.lapic); err != nil {
		return err
	}

	if err := kvm.SetFPU(vcpu, &s.fpu); err != nil {
		return err
	}

	if err := kvm.SetXSave(vcpu, &s.xsave); err != nil {
		return err
	}

	return kvm.SetVCPUEvents(vcpu, &s.events)
}

func (s *coreState) writeTo(w io.Writer) error {
	for _, v := range []any{&s.sregs, &s.regs, &s.fpu} {
		if err := binary.Write(w, le, v); err != nil {
			return err
		}
	}

	if err := binary.Write(w, le, uint32(len(s.msrs))); err != nil {
		return err
	}

	if err := binary.Write(w, le, s.msrs); err != nil {
		return err
	}

	for _, v := range []any{&s.lapic, &s.xsave, &s.xcrs, &s.events, &s.mpState} {
		if err := binary.Write(w, le, v); err != nil {
			return err
		}
	}

	return nil
}

func (s *coreState) readFrom(r io.Reader) error {
	for _, v := range []any{&s.sregs, &s.regs, &s.fpu} {
		if err := binary.Read(r, le, v); err != nil {
			return err
		}
	}

	var nmsrs uint32
	if err := binary.Read(r, le, &nmsrs); err != nil {
		return err
	}

	if nmsrs > uint32(len(savedMSRs)) {
		return ErrRestore
	}

	s.msrs = make([]kvm.MSREntry, nmsrs)
	if err := binary.Read(r, le, s.msrs); err != nil {
		return err
	}

	for _, v := range []any{&s.lapic, &s.xsave, &s.xcrs, &s.events, &s.mpState} {
		if err := binary.Read(r, le, v); err != nil {
			return err
		}
	}

	return nil
}
