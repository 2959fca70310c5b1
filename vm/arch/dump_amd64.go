//go:build linux

package arch

import (
	"fmt"
	"strings"

	"github.com/uhyve-go/uhyve/kvm"
)

// DumpVCPU formats the VCPU's registers for a crash report.
// Errors reading the registers are reported in the dump itself.
func DumpVCPU(vcpu *kvm.VCPU) string {
	var (
		regs  kvm.Regs
		sregs kvm.Sregs
	)

	if err := kvm.GetRegs(vcpu, &regs); err != nil {
		return fmt.Sprintf(" dump: get regs: %v", err)
	}

	if err := kvm.GetSregs(vcpu, &sregs); err != nil {
		return fmt.Sprintf(" dump: get sregs: %v", err)
	}

	return DumpRegs(&regs, &sregs)
}

// DumpRegs formats general-purpose and special registers.
func DumpRegs(regs *kvm.Regs, sregs *kvm.Sregs) string {
	var b strings.Builder

	fmt.Fprintf(&b, " Registers:\n")
	fmt.Fprintf(&b, " ----------\n")
	fmt.Fprintf(&b, " rip: %016x   rsp: %016x flags: %016x\n", regs.RIP, regs.RSP, regs.RFlags)
	fmt.Fprintf(&b, " rax: %016x   rbx: %016x   rcx: %016x\n", regs.RAX, regs.RBX, regs.RCX)
	fmt.Fprintf(&b, " rdx: %016x   rsi: %016x   rdi: %016x\n", regs.RDX, regs.RSI, regs.RDI)
	fmt.Fprintf(&b, " rbp: %016x    r8: %016x    r9: %016x\n", regs.RBP, regs.R8, regs.R9)
	fmt.Fprintf(&b, " r10: %016x   r11: %016x   r12: %016x\n", regs.R10, regs.R11, regs.R12)
	fmt.Fprintf(&b, " r13: %016x   r14: %016x   r15: %016x\n", regs.R13, regs.R14, regs.R15)
	fmt.Fprintf(&b, " cr0: %016x   cr2: %016x   cr3: %016x\n", sregs.CR0, sregs.CR2, sregs.CR3)
	fmt.Fprintf(&b, " cr4: %016x   cr8: %016x\n", sregs.CR4, sregs.CR8)

	fmt.Fprintf(&b, "\n Segment registers:\n")
	fmt.Fprintf(&b, " ------------------\n")
	fmt.Fprintf(&b, " register  selector  base              limit     type  p dpl db s l g avl\n")
	dumpSegment(&b, "cs ", &sregs.CS)
	dumpSegment(&b, "ss ", &sregs.SS)
	dumpSegment(&b, "ds ", &sregs.DS)
	dumpSegment(&b, "es ", &sregs.ES)
	dumpSegment(&b, "fs ", &sregs.FS)
	dumpSegment(&b, "gs ", &sregs.GS)
	dumpSegment(&b, "tr ", &sregs.TR)
	dumpSegment(&b, "ldt", &sregs.LDT)
	dumpDtable(&b, "gdt", &sregs.GDT)
	dumpDtable(&b, "idt", &sregs.IDT)

	fmt.Fprintf(&b, "\n APIC:\n")
	fmt.Fprintf(&b, " -----\n")
	fmt.Fprintf(&b, " efer: %016x  apic base: %016x\n", sregs.EFER, sregs.APICBase)

	fmt.Fprintf(&b, "\n Interrupt bitmap:\n")
	fmt.Fprintf(&b, " -----------------\n")
	for _, w := range sregs.InterruptBitmap {
		fmt.Fprintf(&b, " %016x", w)
	}

	fmt.Fprintf(&b, "\n")

	return b.String()
}

func dumpSegment(b *strings.Builder, name string, seg *kvm.Segment) {
	fmt.Fprintf(b, " %s       %04x      %016x  %08x  %02x    %x %x   %x  %x %x %x %x\n",
		name, seg.Selector, seg.Base, seg.Limit,
		seg.Type, seg.Present, seg.DPL, seg.DB, seg.S, seg.L, seg.G, seg.Avl)
}

func dumpDtable(b *strings.Builder, name string, dt *kvm.Dtable) {
	fmt.Fprintf(b, " %s                 %016x  %08x\n", name, dt.Base, dt.Limit)
}
