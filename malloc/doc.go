// Package malloc implements a lock-free buddy allocator over a fixed
// linear index range, plus a thin byte-space wrapper that grafts the
// index algebra onto real memory obtained from an upstream allocator.
//
// Three layers, leaves first:
//
//   - IndexTree is a complete binary tree of atomic booleans tracking
//     free/not-free power-of-two blocks. It knows nothing about bytes.
//   - BuddyIndex translates byte sizes and alignments into (level, index)
//     pairs over an IndexTree, and seeds non-power-of-two capacities.
//   - ByteAllocator owns a real backing region from an Upstream allocator
//     and translates between pointers and offsets.
//
// All three are safe for concurrent use without external locking: every
// mutation is a single compare-and-swap or store on one atomic.Bool.
package malloc
