//go:build linux

// Package hypercall services the port I/O protocol HermitCore guests
// use for host file access, networking, and argument passing. Each
// hypercall is an OUT instruction whose value is the guest physical
// address of a packed parameter block.
package hypercall

import (
	"errors"
	"fmt"

	"github.com/uhyve-go/uhyve/vm"
	"golang.org/x/sys/unix"
)

// Hypercall ports.
const (
	PortWrite    = 0x400
	PortOpen     = 0x440
	PortClose    = 0x480
	PortRead     = 0x500
	PortExit     = 0x540
	PortLseek    = 0x580
	PortNetinfo  = 0x600
	PortNetwrite = 0x640
	PortNetread  = 0x680
	PortNetstat  = 0x700
	PortCmdsize  = 0x740
	PortCmdval   = 0x780
)

// IRQ is the interrupt line used to signal inbound network frames.
const IRQ = 11

// maxCmdParts bounds the argv and envp arrays in the cmdsize block.
const maxCmdParts = 128

var (
	ErrUnknownPort = errors.New("hypercall: unknown port")
	ErrNoNet       = errors.New("hypercall: no network device attached")
	ErrTooManyArgs = errors.New("hypercall: too many arguments")
)

// A NetBackend sends and receives raw ethernet frames.
type NetBackend interface {

	// Send writes one frame.
	Send(frame []byte) (int, error)

	// Recv reads one frame. It fails with unix.EAGAIN
	// if no frame is pending.
	Recv(frame []byte) (int, error)

	// MACString returns the guest's MAC address formatted as
	// "xx:xx:xx:xx:xx:xx".
	MACString() string
}

// Handler implements the hypercall protocol against the host's file
// descriptor table and an optional network backend.
type Handler struct {

	// Net handles the network hypercalls. If Net is nil,
	// netstat reports the network as down.
	Net NetBackend

	// Args and Env are forwarded to the guest application.
	Args []string
	Env  []string
}

func (h *Handler) HandlePort(mem *vm.GuestMemory, port uint16, arg uint32) error {
	gpa := uint64(arg)

	switch port {
	case PortWrite:
		return h.write(mem, gpa)
	case PortOpen:
		return h.open(mem, gpa)
	case PortClose:
		return h.close(mem, gpa)
	case PortRead:
		return h.read(mem, gpa)
	case PortExit:
		return h.exit(mem, gpa)
	case PortLseek:
		return h.lseek(mem, gpa)
	case PortNetinfo:
		return h.netinfo(mem, gpa)
	case PortNetwrite:
		return h.netwrite(mem, gpa)
	case PortNetread:
		return h.netread(mem, gpa)
	case PortNetstat:
		return h.netstat(mem, gpa)
	case PortCmdsize:
		return h.cmdsize(mem, gpa)
	case PortCmdval:
		return h.cmdval(mem, gpa)
	}

	return fmt.Errorf("%w: %#x", ErrUnknownPort, port)
}

// hostErrno converts a syscall error into the negated errno
// written back to the guest.
func hostErrno(err error) int64 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int64(errno)
	}

	return -int64(unix.EIO)
}

// write is {fd int32; buf u64; len u64}. The host write's result
// replaces len.
func (h *Handler) write(mem *vm.GuestMemory, gpa uint64) error {
	rec, err := newRecord(mem, gpa, 20)
	if err != nil {
		return err
	}

	var (
		fd     = rec.i32(0)
		buf    = rec.u64(4)
		length = rec.u64(12)
	)

	b, err := mem.Slice(buf, length)
	if err != nil {
		return err
	}

	n, err := unix.Write(int(fd), b)
	if err != nil {
		rec.putU64(12, uint64(hostErrno(err)))
		return nil
	}

	rec.putU64(12, uint64(n))
	return nil
}

// read is {fd int32; buf u64; len u64; ret int64}.
func (h *Handler) read(mem *vm.GuestMemory, gpa uint64) error {
	rec, err := newRecord(mem, gpa, 28)
	if err != nil {
		return err
	}

	var (
		fd     = rec.i32(0)
		buf    = rec.u64(4)
		length = rec.u64(12)
	)

	b, err := mem.Slice(buf, length)
	if err != nil {
		return err
	}

	n, err := unix.Read(int(fd), b)
	if err != nil {
		rec.putU64(20, uint64(hostErrno(err)))
		return nil
	}

	rec.putU64(20, uint64(n))
	return nil
}

// open is {name u64; flags int32; mode int32; ret int32}.
func (h *Handler) open(mem *vm.GuestMemory, gpa uint64) error {
	rec, err := newRecord(mem, gpa, 20)
	if err != nil {
		return err
	}

	name, err := mem.CString(rec.u64(0))
	if err != nil {
		return err
	}

	var (
		flags = rec.i32(8)
		mode  = rec.i32(12)
	)

	fd, err := unix.Open(name, int(flags), uint32(mode))
	if err != nil {
		rec.putI32(16, int32(hostErrno(err)))
		return nil
	}

	rec.putI32(16, int32(fd))
	return nil
}

// close is {fd int32; ret int32}. The guest shares the host's standard
// streams; closing them is a successful no-op.
func (h *Handler) close(mem *vm.GuestMemory, gpa uint64) error {
	rec, err := newRecord(mem, gpa, 8)
	if err != nil {
		return err
	}

	fd := rec.i32(0)
	if fd <= 2 {
		rec.putI32(4, 0)
		return nil
	}

	if err := unix.Close(int(fd)); err != nil {
		rec.putI32(4, int32(hostErrno(err)))
		return nil
	}

	rec.putI32(4, 0)
	return nil
}

// lseek is {fd int32; offset int64; whence int32}. The resulting file
// position replaces offset.
func (h *Handler) lseek(mem *vm.GuestMemory, gpa uint64) error {
	rec, err := newRecord(mem, gpa, 16)
	if err != nil {
		return err
	}

	var (
		fd     = rec.i32(0)
		offset = rec.i64(4)
		whence = rec.i32(12)
	)

	pos, err := unix.Seek(int(fd), offset, int(whence))
	if err != nil {
		rec.putI64(4, hostErrno(err))
		return nil
	}

	rec.putI64(4, pos)
	return nil
}

// exit is {status int32}. It stops the whole VM.
func (h *Handler) exit(mem *vm.GuestMemory, gpa uint64) error {
	rec, err := newRecord(mem, gpa, 4)
	if err != nil {
		return err
	}

	return vm.GuestExit{Status: int(rec.i32(0))}
}

// netinfo is {mac [18]byte}.
func (h *Handler) netinfo(mem *vm.GuestMemory, gpa uint64) error {
	if h.Net == nil {
		return ErrNoNet
	}

	rec, err := mem.Slice(gpa, 18)
	if err != nil {
		return err
	}

	mac := h.Net.MACString()

	n := copy(rec, mac)
	for ; n < len(rec); n++ {
		rec[n] = 0
	}

	return nil
}

// netwrite is {data u64; len u64; ret int32}.
func (h *Handler) netwrite(mem *vm.GuestMemory, gpa uint64) error {
	if h.Net == nil {
		return ErrNoNet
	}

	rec, err := newRecord(mem, gpa, 20)
	if err != nil {
		return err
	}

	frame, err := mem.Slice(rec.u64(0), rec.u64(8))
	if err != nil {
		return err
	}

	n, err := h.Net.Send(frame)
	if err != nil {
		rec.putI32(16, -1)
		return nil
	}

	rec.putU64(8, uint64(n))
	rec.putI32(16, 0)
	return nil
}

// netread is {data u64; len u64; ret int32}. len is the buffer size on
// entry and the frame size on a successful return.
func (h *Handler) netread(mem *vm.GuestMemory, gpa uint64) error {
	if h.Net == nil {
		return ErrNoNet
	}

	rec, err := newRecord(mem, gpa, 20)
	if err != nil {
		return err
	}

	frame, err := mem.Slice(rec.u64(0), rec.u64(8))
	if err != nil {
		return err
	}

	n, err := h.Net.Recv(frame)
	if err != nil {
		rec.putI32(16, -1)
		return nil
	}

	rec.putU64(8, uint64(n))
	rec.putI32(16, 0)
	return nil
}

// netstat is {status int32}.
func (h *Handler) netstat(mem *vm.GuestMemory, gpa uint64) error {
	rec, err := newRecord(mem, gpa, 4)
	if err != nil {
		return err
	}

	if h.Net != nil {
		rec.putI32(0, 1)
	} else {
		rec.putI32(0, 0)
	}

	return nil
}

// cmdsize is {argc int32; argsz [128]int32; envc int32; envsz [128]int32}.
// It tells the guest how much space to allocate before cmdval copies
// the actual strings.
func (h *Handler) cmdsize(mem *vm.GuestMemory, gpa uint64) error {
	if len(h.Args) > maxCmdParts || len(h.Env) > maxCmdParts {
		return ErrTooManyArgs
	}

	rec, err := newRecord(mem, gpa, 4+4*maxCmdParts+4+4*maxCmdParts)
	if err != nil {
		return err
	}

	rec.putI32(0, int32(len(h.Args)))
	for i, a := range h.Args {
		rec.putI32(4+uint64(i)*4, int32(len(a)+1))
	}

	envOff := uint64(4 + 4*maxCmdParts)

	rec.putI32(envOff, int32(len(h.Env)))
	for i, e := range h.Env {
		rec.putI32(envOff+4+uint64(i)*4, int32(len(e)+1))
	}

	return nil
}

// cmdval is {argv u64; envp u64}: guest pointers to arrays of guest
// pointers, each sized per cmdsize, that receive the NUL-terminated
// strings.
func (h *Handler) cmdval(mem *vm.GuestMemory, gpa uint64) error {
	rec, err := newRecord(mem, gpa, 16)
	if err != nil {
		return err
	}

	if err := copyStrings(mem, rec.u64(0), h.Args); err != nil {
		return err
	}

	return copyStrings(mem, rec.u64(8), h.Env)
}

func copyStrings(mem *vm.GuestMemory, table uint64, strs []string) error {
	for i, s := range strs {
		ptr, err := mem.U64(table + uint64(i)*8)
		if err != nil {
			return err
		}

		dst, err := mem.Slice(ptr, uint64(len(s)+1))
		if err != nil {
			return err
		}

		copy(dst, s)
		dst[len(s)] = 0
	}

	return nil
}
