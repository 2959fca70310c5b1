//go:build linux

package tap

import (
	"errors"
	"testing"
)

func TestParseMAC(t *testing.T) {
	mac, err := parseOrGenerateMAC("02:11:22:33:44:55")
	if err != nil {
		t.Fatal(err)
	}

	if got := mac.String(); got != "02:11:22:33:44:55" {
		t.Fatalf("mac %q", got)
	}
}

func TestParseBadMAC(t *testing.T) {
	for _, s := range []string{
		"02:11:22:33:44",
		"02-11-22-33-44-55-66-77",
		"not a mac",
	} {
		if _, err := parseOrGenerateMAC(s); !errors.Is(err, ErrBadMAC) {
			t.Errorf("%q: unexpected error %v", s, err)
		}
	}
}

func TestGenerateMAC(t *testing.T) {
	mac, err := parseOrGenerateMAC("")
	if err != nil {
		t.Fatal(err)
	}

	if len(mac) != 6 {
		t.Fatalf("mac length %d", len(mac))
	}

	if mac[0]&0x01 != 0 {
		t.Error("generated MAC is multicast")
	}

	if mac[0]&0x02 == 0 {
		t.Error("generated MAC is not locally administered")
	}
}

func TestAttachBadFd(t *testing.T) {
	if _, err := Attach("@nope", ""); !errors.Is(err, ErrAttach) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClosedDevice(t *testing.T) {
	d := Device{fd: -1}

	if _, err := d.Send(nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("unexpected send error: %v", err)
	}

	if _, err := d.Recv(nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("unexpected recv error: %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
