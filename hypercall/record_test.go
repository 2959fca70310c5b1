//go:build linux

package hypercall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uhyve-go/uhyve/vm"
)

func TestRecordAccessors(t *testing.T) {
	mem, err := vm.AllocGuestMemory(1<<20, vm.MemoryHints{})
	require.NoError(t, err)

	t.Cleanup(func() { mem.Close() })

	rec, err := newRecord(mem, 0x1000, 32)
	require.NoError(t, err)

	cases := []struct {
		name string
		put  func()
		get  func() any
		want any
	}{
		{
			name: "i32",
			put:  func() { rec.putI32(0, -5) },
			get:  func() any { return rec.i32(0) },
			want: int32(-5),
		},
		{
			name: "i64",
			put:  func() { rec.putI64(4, -1 << 40) },
			get:  func() any { return rec.i64(4) },
			want: int64(-1 << 40),
		},
		{
			name: "u64",
			put:  func() { rec.putU64(12, 0xfeedface12345678) },
			get:  func() any { return rec.u64(12) },
			want: uint64(0xfeedface12345678),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.put()
			assert.Equal(t, tc.want, tc.get())
		})
	}

	// fields share the record's backing bytes
	b, err := mem.Slice(0x1000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xfb, 0xff, 0xff, 0xff}, b)
}

func TestRecordBounds(t *testing.T) {
	mem, err := vm.AllocGuestMemory(1<<20, vm.MemoryHints{})
	require.NoError(t, err)

	t.Cleanup(func() { mem.Close() })

	_, err = newRecord(mem, 1<<20, 8)
	assert.ErrorIs(t, err, vm.ErrMemBounds)
}
