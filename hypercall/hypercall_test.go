//go:build linux

package hypercall_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/uhyve-go/uhyve/hypercall"
	"github.com/uhyve-go/uhyve/vm"
	"golang.org/x/sys/unix"
)

var le = binary.LittleEndian

func allocMem(t *testing.T) *vm.GuestMemory {
	t.Helper()

	mem, err := vm.AllocGuestMemory(8<<20, vm.MemoryHints{})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { mem.Close() })

	return mem
}

func slice(t *testing.T, mem *vm.GuestMemory, gpa, n uint64) []byte {
	t.Helper()

	b, err := mem.Slice(gpa, n)
	if err != nil {
		t.Fatal(err)
	}

	return b
}

// TestFileRoundTrip drives open, write, lseek, read, and close
// the way a guest writing and rereading a file would.
func TestFileRoundTrip(t *testing.T) {
	var (
		h    hypercall.Handler
		mem  = allocMem(t)
		path = filepath.Join(t.TempDir(), "out.txt")
	)

	const (
		nameAddr = 0x1000
		recAddr  = 0x2000
		bufAddr  = 0x3000
	)

	copy(slice(t, mem, nameAddr, uint64(len(path)+1)), append([]byte(path), 0))

	// open(path, O_RDWR|O_CREAT, 0644)
	rec := slice(t, mem, recAddr, 20)
	le.PutUint64(rec[0:], nameAddr)
	le.PutUint32(rec[8:], unix.O_RDWR|unix.O_CREAT)
	le.PutUint32(rec[12:], 0644)

	if err := h.HandlePort(mem, hypercall.PortOpen, recAddr); err != nil {
		t.Fatal(err)
	}

	fd := int32(le.Uint32(rec[16:]))
	if fd < 3 {
		t.Fatalf("open returned %d", fd)
	}

	// write(fd, "hello hypercall", 15)
	payload := []byte("hello hypercall")
	copy(slice(t, mem, bufAddr, uint64(len(payload))), payload)

	rec = slice(t, mem, recAddr, 20)
	le.PutUint32(rec[0:], uint32(fd))
	le.PutUint64(rec[4:], bufAddr)
	le.PutUint64(rec[12:], uint64(len(payload)))

	if err := h.HandlePort(mem, hypercall.PortWrite, recAddr); err != nil {
		t.Fatal(err)
	}

	if n := le.Uint64(rec[12:]); n != uint64(len(payload)) {
		t.Fatalf("write result %d != %d", n, len(payload))
	}

	// lseek(fd, 0, SEEK_SET)
	rec = slice(t, mem, recAddr, 16)
	le.PutUint32(rec[0:], uint32(fd))
	le.PutUint64(rec[4:], 0)
	le.PutUint32(rec[12:], 0)

	if err := h.HandlePort(mem, hypercall.PortLseek, recAddr); err != nil {
		t.Fatal(err)
	}

	if pos := int64(le.Uint64(rec[4:])); pos != 0 {
		t.Fatalf("lseek position %d != 0", pos)
	}

	// read(fd, buf, 64)
	rec = slice(t, mem, recAddr, 28)
	le.PutUint32(rec[0:], uint32(fd))
	le.PutUint64(rec[4:], bufAddr+0x100)
	le.PutUint64(rec[12:], 64)

	if err := h.HandlePort(mem, hypercall.PortRead, recAddr); err != nil {
		t.Fatal(err)
	}

	n := int64(le.Uint64(rec[20:]))
	if n != int64(len(payload)) {
		t.Fatalf("read result %d != %d", n, len(payload))
	}

	got := slice(t, mem, bufAddr+0x100, uint64(n))
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %q != %q", got, payload)
	}

	// close(fd)
	rec = slice(t, mem, recAddr, 8)
	le.PutUint32(rec[0:], uint32(fd))

	if err := h.HandlePort(mem, hypercall.PortClose, recAddr); err != nil {
		t.Fatal(err)
	}

	if ret := int32(le.Uint32(rec[4:])); ret != 0 {
		t.Fatalf("close returned %d", ret)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(b, payload) {
		t.Fatalf("file content %q != %q", b, payload)
	}
}

func TestOpenMissingFile(t *testing.T) {
	var (
		h   hypercall.Handler
		mem = allocMem(t)
	)

	path := filepath.Join(t.TempDir(), "does-not-exist")
	copy(slice(t, mem, 0x1000, uint64(len(path)+1)), append([]byte(path), 0))

	rec := slice(t, mem, 0x2000, 20)
	le.PutUint64(rec[0:], 0x1000)
	le.PutUint32(rec[8:], unix.O_RDONLY)

	if err := h.HandlePort(mem, hypercall.PortOpen, 0x2000); err != nil {
		t.Fatal(err)
	}

	if ret := int32(le.Uint32(rec[16:])); ret != -int32(unix.ENOENT) {
		t.Fatalf("open returned %d, want %d", ret, -int32(unix.ENOENT))
	}
}

func TestCloseStandardStreams(t *testing.T) {
	var (
		h   hypercall.Handler
		mem = allocMem(t)
	)

	for fd := int32(0); fd <= 2; fd++ {
		rec := slice(t, mem, 0x1000, 8)
		le.PutUint32(rec[0:], uint32(fd))
		le.PutUint32(rec[4:], 0xdead)

		if err := h.HandlePort(mem, hypercall.PortClose, 0x1000); err != nil {
			t.Fatal(err)
		}

		if ret := int32(le.Uint32(rec[4:])); ret != 0 {
			t.Fatalf("close(%d) returned %d", fd, ret)
		}
	}

	// the streams must still be usable
	if _, err := unix.Write(1, nil); err != nil {
		t.Fatalf("stdout is closed: %v", err)
	}
}

func TestExit(t *testing.T) {
	var (
		h   hypercall.Handler
		mem = allocMem(t)
	)

	rec := slice(t, mem, 0x1000, 4)
	le.PutUint32(rec, 42)

	err := h.HandlePort(mem, hypercall.PortExit, 0x1000)

	var exit vm.GuestExit
	if !errors.As(err, &exit) {
		t.Fatalf("unexpected error: %v", err)
	}

	if exit.Status != 42 {
		t.Fatalf("exit status %d != 42", exit.Status)
	}
}

func TestUnknownPort(t *testing.T) {
	var (
		h   hypercall.Handler
		mem = allocMem(t)
	)

	err := h.HandlePort(mem, 0x999, 0)
	if !errors.Is(err, hypercall.ErrUnknownPort) {
		t.Fatalf("unexpected error: %v", err)
	}
}

// fakeNet loops frames back: Recv returns the last frame Sent.
type fakeNet struct {
	mac   string
	frame []byte
}

func (f *fakeNet) Send(frame []byte) (int, error) {
	f.frame = append(f.frame[:0], frame...)
	return len(frame), nil
}

func (f *fakeNet) Recv(frame []byte) (int, error) {
	if f.frame == nil {
		return 0, unix.EAGAIN
	}

	n := copy(frame, f.frame)
	f.frame = nil

	return n, nil
}

func (f *fakeNet) MACString() string {
	return f.mac
}

func TestNetinfo(t *testing.T) {
	var (
		net = fakeNet{mac: "02:11:22:33:44:55"}
		h   = hypercall.Handler{Net: &net}
		mem = allocMem(t)
	)

	if err := h.HandlePort(mem, hypercall.PortNetinfo, 0x1000); err != nil {
		t.Fatal(err)
	}

	rec := slice(t, mem, 0x1000, 18)
	if got := string(rec[:17]); got != net.mac {
		t.Fatalf("mac %q != %q", got, net.mac)
	}

	if rec[17] != 0 {
		t.Error("mac string is not NUL terminated")
	}
}

func TestNetReadWrite(t *testing.T) {
	var (
		net fakeNet
		h   = hypercall.Handler{Net: &net}
		mem = allocMem(t)
	)

	frame := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	copy(slice(t, mem, 0x3000, uint64(len(frame))), frame)

	rec := slice(t, mem, 0x1000, 20)
	le.PutUint64(rec[0:], 0x3000)
	le.PutUint64(rec[8:], uint64(len(frame)))

	if err := h.HandlePort(mem, hypercall.PortNetwrite, 0x1000); err != nil {
		t.Fatal(err)
	}

	if ret := int32(le.Uint32(rec[16:])); ret != 0 {
		t.Fatalf("netwrite returned %d", ret)
	}

	if !bytes.Equal(net.frame, frame) {
		t.Fatalf("sent frame %v != %v", net.frame, frame)
	}

	// read it back
	rec = slice(t, mem, 0x1000, 20)
	le.PutUint64(rec[0:], 0x4000)
	le.PutUint64(rec[8:], 64)

	if err := h.HandlePort(mem, hypercall.PortNetread, 0x1000); err != nil {
		t.Fatal(err)
	}

	if ret := int32(le.Uint32(rec[16:])); ret != 0 {
		t.Fatalf("netread returned %d", ret)
	}

	if n := le.Uint64(rec[8:]); n != uint64(len(frame)) {
		t.Fatalf("netread length %d != %d", n, len(frame))
	}

	got := slice(t, mem, 0x4000, uint64(len(frame)))
	if !bytes.Equal(got, frame) {
		t.Fatalf("received frame %v != %v", got, frame)
	}

	// nothing pending now
	rec = slice(t, mem, 0x1000, 20)
	le.PutUint64(rec[0:], 0x4000)
	le.PutUint64(rec[8:], 64)

	if err := h.HandlePort(mem, hypercall.PortNetread, 0x1000); err != nil {
		t.Fatal(err)
	}

	if ret := int32(le.Uint32(rec[16:])); ret != -1 {
		t.Fatalf("netread with no pending frame returned %d", ret)
	}
}

func TestNetstat(t *testing.T) {
	mem := allocMem(t)

	for _, tc := range []struct {
		h    hypercall.Handler
		want int32
	}{
		{hypercall.Handler{Net: new(fakeNet)}, 1},
		{hypercall.Handler{}, 0},
	} {
		rec := slice(t, mem, 0x1000, 4)
		le.PutUint32(rec, 0xffff)

		if err := tc.h.HandlePort(mem, hypercall.PortNetstat, 0x1000); err != nil {
			t.Fatal(err)
		}

		if got := int32(le.Uint32(rec)); got != tc.want {
			t.Fatalf("netstat %d != %d", got, tc.want)
		}
	}
}

func TestCmdline(t *testing.T) {
	var (
		h = hypercall.Handler{
			Args: []string{"hello", "-n", "16"},
			Env:  []string{"PATH=/bin", "TERM=xterm"},
		}
		mem = allocMem(t)
	)

	const (
		sizeAddr = 0x1000
		valAddr  = 0x2000
		argvAddr = 0x3000
		envpAddr = 0x4000
		strsAddr = 0x5000
	)

	if err := h.HandlePort(mem, hypercall.PortCmdsize, sizeAddr); err != nil {
		t.Fatal(err)
	}

	rec := slice(t, mem, sizeAddr, 1032)

	argc := int32(le.Uint32(rec[0:]))
	if argc != int32(len(h.Args)) {
		t.Fatalf("argc %d != %d", argc, len(h.Args))
	}

	envc := int32(le.Uint32(rec[516:]))
	if envc != int32(len(h.Env)) {
		t.Fatalf("envc %d != %d", envc, len(h.Env))
	}

	for i, a := range h.Args {
		if sz := le.Uint32(rec[4+4*i:]); sz != uint32(len(a)+1) {
			t.Fatalf("argsz[%d] %d != %d", i, sz, len(a)+1)
		}
	}

	// lay out the string buffers the way the guest allocator would
	next := uint64(strsAddr)

	for i, a := range h.Args {
		b := slice(t, mem, argvAddr+uint64(i)*8, 8)
		le.PutUint64(b, next)
		next += uint64(len(a) + 1)
	}

	for i, e := range h.Env {
		b := slice(t, mem, envpAddr+uint64(i)*8, 8)
		le.PutUint64(b, next)
		next += uint64(len(e) + 1)
	}

	val := slice(t, mem, valAddr, 16)
	le.PutUint64(val[0:], argvAddr)
	le.PutUint64(val[8:], envpAddr)

	if err := h.HandlePort(mem, hypercall.PortCmdval, valAddr); err != nil {
		t.Fatal(err)
	}

	for i, want := range append(append([]string(nil), h.Args...), h.Env...) {
		var table uint64 = argvAddr
		j := i

		if i >= len(h.Args) {
			table = envpAddr
			j = i - len(h.Args)
		}

		ptrb := slice(t, mem, table+uint64(j)*8, 8)

		got, err := mem.CString(le.Uint64(ptrb))
		if err != nil {
			t.Fatal(err)
		}

		if got != want {
			t.Fatalf("string %d: %q != %q", i, got, want)
		}
	}
}

func TestZeroLengthWrite(t *testing.T) {
	var (
		h   hypercall.Handler
		mem = allocMem(t)
	)

	rec := slice(t, mem, 0x1000, 20)
	le.PutUint32(rec[0:], 1) // stdout
	le.PutUint64(rec[4:], 0x2000)
	le.PutUint64(rec[12:], 0)

	if err := h.HandlePort(mem, hypercall.PortWrite, 0x1000); err != nil {
		t.Fatal(err)
	}

	if n := le.Uint64(rec[12:]); n != 0 {
		t.Fatalf("zero-length write result %d != 0", n)
	}
}
