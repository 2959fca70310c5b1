//go:build linux

package hypercall

import (
	"encoding/binary"

	"github.com/uhyve-go/uhyve/vm"
)

var le = binary.LittleEndian

// record is a view of a packed little-endian parameter block in guest
// memory. Reads and writes go straight to the guest's copy.
type record struct {
	b []byte
}

func newRecord(mem *vm.GuestMemory, gpa, size uint64) (record, error) {
	b, err := mem.Slice(gpa, size)
	if err != nil {
		return record{}, err
	}

	return record{b: b}, nil
}

func (r record) i32(off uint64) int32 {
	return int32(le.Uint32(r.b[off:]))
}

func (r record) i64(off uint64) int64 {
	return int64(le.Uint64(r.b[off:]))
}

func (r record) u64(off uint64) uint64 {
	return le.Uint64(r.b[off:])
}

func (r record) putI32(off uint64, v int32) {
	le.PutUint32(r.b[off:], uint32(v))
}

func (r record) putI64(off uint64, v int64) {
	le.PutUint64(r.b[off:], uint64(v))
}

func (r record) putU64(off uint64, v uint64) {
	le.PutUint64(r.b[off:], v)
}
