//go:build linux

package arch

import (
	"strings"
	"testing"

	"github.com/uhyve-go/uhyve/kvm"
)

func TestFilterCPUID(t *testing.T) {
	entries := []kvm.CPUIDEntry2{
		{Function: 1},
		{Function: 0x0a, EAX: 0x07300403},
		{Function: 2, EAX: 0xdead},
	}

	a := Arch{tscDeadline: true}
	a.filterCPUID(entries)

	if entries[0].ECX&(1<<31) == 0 {
		t.Error("hypervisor bit is not set")
	}

	if entries[0].ECX&(1<<24) == 0 {
		t.Error("tsc deadline bit is not set")
	}

	if entries[0].EDX&(1<<5) == 0 {
		t.Error("msr bit is not set")
	}

	if entries[1].EAX != 0 {
		t.Errorf("perfmon eax %#x != 0", entries[1].EAX)
	}

	if entries[2].EAX != 0xdead {
		t.Errorf("unrelated function was modified: eax %#x", entries[2].EAX)
	}
}

func TestFilterCPUIDNoTSCDeadline(t *testing.T) {
	entries := []kvm.CPUIDEntry2{{Function: 1}}

	var a Arch
	a.filterCPUID(entries)

	if entries[0].ECX&(1<<24) != 0 {
		t.Error("tsc deadline bit is set")
	}
}

func TestDumpRegs(t *testing.T) {
	regs := kvm.Regs{RIP: 0x123456, RSP: 0x8000}
	sregs := kvm.Sregs{CR3: 0x10000}

	out := DumpRegs(&regs, &sregs)

	for _, want := range []string{
		"rip: 0000000000123456",
		"rsp: 0000000000008000",
		"cr3: 0000000000010000",
		"Segment registers:",
		"Interrupt bitmap:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump is missing %q", want)
		}
	}
}
