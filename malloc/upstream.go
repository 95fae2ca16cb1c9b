package malloc

import (
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// SystemUpstream supplies regions by over-allocating a plain byte slice
// with dirtmake.Bytes (the non-zeroing fast path used throughout
// bufiox and the thrift codec for scratch buffers the caller is about
// to overwrite) and slicing to the first offset inside it that
// satisfies the requested alignment.
//
// Go's garbage collector reclaims the backing array once the last
// reference to it is dropped, so Dealloc only needs to drop the
// bookkeeping entry; it does not free anything explicitly. The entry
// is kept only so the slice header stays reachable for the lifetime of
// the region — without it the GC would be free to collect raw as soon
// as Alloc returns, since ptr is an unsafe.Pointer derived from its
// data, not a reference the collector tracks back to raw itself.
type SystemUpstream struct {
	mu      sync.Mutex
	regions map[unsafe.Pointer][]byte
}

// NewSystemUpstream returns a ready-to-use SystemUpstream.
func NewSystemUpstream() *SystemUpstream {
	return &SystemUpstream{
		regions: make(map[unsafe.Pointer][]byte),
	}
}

// Alloc implements Upstream.
func (u *SystemUpstream) Alloc(layout Layout) (unsafe.Pointer, bool) {
	if layout.Size == 0 {
		return nil, false
	}
	align := layout.Align
	if align == 0 {
		align = 1
	}

	raw := dirtmake.Bytes(int(layout.Size+align-1), int(layout.Size+align-1))
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	misalign := addr & (align - 1)
	var skip uintptr
	if misalign != 0 {
		skip = align - misalign
	}
	ptr := unsafe.Pointer(&raw[skip])

	u.mu.Lock()
	u.regions[ptr] = raw
	u.mu.Unlock()

	return ptr, true
}

// Dealloc implements Upstream.
func (u *SystemUpstream) Dealloc(ptr unsafe.Pointer, _ Layout) {
	u.mu.Lock()
	delete(u.regions, ptr)
	u.mu.Unlock()
}
