// Package hazard implements hazard-pointer based safe memory reclamation for
// lock-free data structures.
//
// Each worker owns a fixed record of published pointers. A non-nil slot is a
// promise to every other worker that the owner may dereference that address;
// nobody frees an address while any slot still holds it. Superseded nodes are
// retired to the owner's deferred-free list and promoted to a real free by
// scan, which consults every record in the registry.
package hazard

import (
	"sync/atomic"
	"unsafe"
)

const (
	// MaxHazardPointers is the number of primary per-worker slots. The ring
	// holds the current hop and its predecessor across a recursive descent.
	MaxHazardPointers = 4

	// MaxListHazardPointers is the number of list-traversal slots, kept
	// separate so that walking a collision list does not clobber the hop
	// hazards of the enclosing operation.
	MaxListHazardPointers = 2

	slotsPerRecord = MaxHazardPointers + MaxListHazardPointers
)

// record holds one worker's published hazard pointers. Slots are written only
// by the owning worker and read by any scanning worker.
type record struct {
	hazards     [MaxHazardPointers]unsafe.Pointer
	listHazards [MaxListHazardPointers]unsafe.Pointer
}

// Registry is the fixed set of per-worker hazard records, sized once at
// startup.
type Registry struct {
	records []record
	freeFn  func(unsafe.Pointer)
}

// NewRegistry creates a registry with numWorkers records.
func NewRegistry(numWorkers int) *Registry {
	if numWorkers <= 0 {
		panic("hazard: registry needs at least one worker slot")
	}
	return &Registry{records: make([]record, numWorkers)}
}

// NumWorkers returns the number of records in the registry.
func (r *Registry) NumWorkers() int {
	return len(r.records)
}

// SetFreeFunc installs fn as the hook invoked for every pointer scan promotes
// from the deferred-free list. Without a hook the promotion simply drops the
// list's reference and the collector takes the node. Install before any
// retirement happens.
func (r *Registry) SetFreeFunc(fn func(unsafe.Pointer)) {
	r.freeFn = fn
}

// Context returns the worker context pinned to the given record index.
// Contexts are not safe for concurrent use; each worker owns exactly one.
func (r *Registry) Context(index int) *Context {
	if index < 0 || index >= len(r.records) {
		panic("hazard: context index out of range")
	}
	return &Context{
		reg:     r,
		rec:     &r.records[index],
		index:   index,
		retired: make([]unsafe.Pointer, 0, len(r.records)*MaxHazardPointers),
	}
}

// Context carries one worker's hazard slots, publication cursors and
// deferred-free list.
type Context struct {
	reg        *Registry
	rec        *record
	index      int
	nextHP     int
	nextListHP int
	retired    []unsafe.Pointer
}

// Index returns the registry slot the context is pinned to.
func (c *Context) Index() int {
	return c.index
}

// Publish writes p into the next primary slot and advances the cursor. The
// store is sequentially consistent, so a scan that reads the slot after the
// publication sees p; a scan that misses p read the slot before it, which the
// caller's revalidation after Publish detects. Publish before every
// dereference.
func (c *Context) Publish(p unsafe.Pointer) {
	atomic.StorePointer(&c.rec.hazards[c.nextHP], p)
	c.nextHP++
	if c.nextHP == MaxHazardPointers {
		c.nextHP = 0
	}
}

// ReplaceLast overwrites the most recently published primary slot. Used when
// an operation advances a hop and the previous hazard is no longer needed.
func (c *Context) ReplaceLast(p unsafe.Pointer) {
	last := c.nextHP - 1
	if last < 0 {
		last = MaxHazardPointers - 1
	}
	atomic.StorePointer(&c.rec.hazards[last], p)
}

// PublishList writes p into the next list-traversal slot and advances the
// list cursor.
func (c *Context) PublishList(p unsafe.Pointer) {
	atomic.StorePointer(&c.rec.listHazards[c.nextListHP], p)
	c.nextListHP++
	if c.nextListHP == MaxListHazardPointers {
		c.nextListHP = 0
	}
}

// Release zeroes every slot owned by the context. Call on worker exit; after
// Release other workers' scans may free anything the context had published.
func (c *Context) Release() {
	for i := range c.rec.hazards {
		atomic.StorePointer(&c.rec.hazards[i], nil)
	}
	for i := range c.rec.listHazards {
		atomic.StorePointer(&c.rec.listHazards[i], nil)
	}
	c.nextHP = 0
	c.nextListHP = 0
}
