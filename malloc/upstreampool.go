package malloc

import (
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"
)

// PooledUpstream backs repeated acquire/release of same-sized regions
// with mcache, the size-classed pool gopkg's bufiox, gridbuf, and xbuf
// packages already use for their own scratch buffers. mcache.Malloc
// only promises a capacity, not an alignment stronger than the Go
// allocator's own, so PooledUpstream over-allocates by align and
// reslices exactly like SystemUpstream, returning the pooled slice to
// mcache.Free on Dealloc instead of letting the GC reclaim it.
type PooledUpstream struct {
	mu      sync.Mutex
	regions map[unsafe.Pointer][]byte
}

// NewPooledUpstream returns a ready-to-use PooledUpstream.
func NewPooledUpstream() *PooledUpstream {
	return &PooledUpstream{
		regions: make(map[unsafe.Pointer][]byte),
	}
}

// Alloc implements Upstream.
func (u *PooledUpstream) Alloc(layout Layout) (unsafe.Pointer, bool) {
	if layout.Size == 0 {
		return nil, false
	}
	align := layout.Align
	if align == 0 {
		align = 1
	}

	raw := mcache.Malloc(int(layout.Size + align - 1))
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
func (u *PooledUpstream) Dealloc(ptr unsafe.Pointer, _ Layout) {
	u.mu.Lock()
	raw, found := u.regions[ptr]
	delete(u.regions, ptr)
	u.mu.Unlock()

	if found {
		mcache.Free(raw)
	}
}
