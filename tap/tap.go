// Package tap attaches to Linux tap devices for guest networking.
package tap

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var (
	ErrAttach = errors.New("tap: attach failed")
	ErrBadMAC = errors.New("tap: invalid MAC address")
	ErrClosed = errors.New("tap: device is closed")
)

// Device is an attached tap interface. Reads and writes move whole
// ethernet frames and never block: Recv returns unix.EAGAIN when no
// frame is pending.
type Device struct {
	fd   int
	name string
	mac  net.HardwareAddr
}

// Attach opens the tap device with the given name, creating it if it
// does not exist. A name of the form "@N" adopts the already-open file
// descriptor N instead, for callers that receive a tap fd from a
// supervisor. The hwaddr string sets the guest-visible MAC address; if
// it is empty, a random locally-administered address is generated.
func Attach(name, hwaddr string) (*Device, error) {
	mac, err := parseOrGenerateMAC(hwaddr)
	if err != nil {
		return nil, err
	}

	if fdstr, ok := strings.CutPrefix(name, "@"); ok {
		fd, err := strconv.Atoi(fdstr)
		if err != nil {
			return nil, fmt.Errorf("%w: bad fd %q", ErrAttach, fdstr)
		}

		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, unix.O_NONBLOCK); err != nil {
			return nil, fmt.Errorf("%w: set nonblocking: %w", ErrAttach, err)
		}

		return &Device{fd: fd, name: name, mac: mac}, nil
	}

	fd, err := open(name)
	if err != nil {
		return nil, err
	}

	if err := setUp(name); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Device{fd: fd, name: name, mac: mac}, nil
}

func open(name string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: open /dev/net/tun: %w", ErrAttach, err)
	}

	var ifr struct {
		Name  [unix.IFNAMSIZ]byte
		Flags uint16
		_     [22]byte
	}

	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr)))

	if errno != 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: TUNSETIFF %s: %w", ErrAttach, name, errno)
	}

	got := string(ifr.Name[:ifnameLen(ifr.Name[:])])
	if got != name {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: kernel attached %q, not %q", ErrAttach, got, name)
	}

	// a zero-length write fails with EIO if nothing is listening
	// on the other side of the device
	if _, err := unix.Write(fd, nil); err != nil && err != unix.EIO {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: probe %s: %w", ErrAttach, name, err)
	}

	return fd, nil
}

func setUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: lookup %s: %w", ErrAttach, name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("%w: set %s up: %w", ErrAttach, name, err)
	}

	return nil
}

func ifnameLen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}

	return len(b)
}

// parseOrGenerateMAC validates hwaddr as a 6-octet colon-separated MAC,
// or generates a random locally-administered unicast address if hwaddr
// is empty.
func parseOrGenerateMAC(hwaddr string) (net.HardwareAddr, error) {
	if hwaddr == "" {
		mac := make(net.HardwareAddr, 6)
		if _, err := rand.Read(mac); err != nil {
			return nil, err
		}

		mac[0] &= 0xfe
		mac[0] |= 0x02

		return mac, nil
	}

	mac, err := net.ParseMAC(hwaddr)
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("%w: %q", ErrBadMAC, hwaddr)
	}

	return mac, nil
}

// MAC returns the guest-visible hardware address.
func (d *Device) MAC() net.HardwareAddr {
	return d.mac
}

// MACString formats the MAC address as 6 colon-separated octets.
func (d *Device) MACString() string {
	return d.mac.String()
}

// Name returns the interface name given to Attach.
func (d *Device) Name() string {
	return d.name
}

// Send writes one ethernet frame to the device.
func (d *Device) Send(frame []byte) (int, error) {
	if d.fd < 0 {
		return 0, ErrClosed
	}

	return unix.Write(d.fd, frame)
}

// Recv reads one pending ethernet frame into frame. It fails with
// unix.EAGAIN if no frame is pending.
func (d *Device) Recv(frame []byte) (int, error) {
	if d.fd < 0 {
		return 0, ErrClosed
	}

	return unix.Read(d.fd, frame)
}

// WaitReadable blocks until a frame is pending or the timeout expires.
// It reports whether the device is readable. A negative timeout blocks
// indefinitely.
func (d *Device) WaitReadable(timeoutMS int) (bool, error) {
	if d.fd < 0 {
		return false, ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(fds, timeoutMS)

		switch {
		case err == unix.EINTR:
			continue

		case err != nil:
			return false, err
		}

		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

// Close releases the device fd. It is safe to call more than once.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}

	err := unix.Close(d.fd)
	d.fd = -1

	return err
}
