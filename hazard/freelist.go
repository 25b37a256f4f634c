package hazard

import (
	"runtime"
	"slices"
	"sync/atomic"
	"unsafe"
)

// Retire appends p to the context's deferred-free list. When the list is
// full the context scans; a scan that frees nothing yields and tries again.
// This is the only point in the system that can block.
func (c *Context) Retire(p unsafe.Pointer) {
	for len(c.retired) == cap(c.retired) {
		if c.scan() == 0 {
			runtime.Gosched()
		}
	}
	c.retired = append(c.retired, p)
}

// Retired returns the number of pointers currently awaiting promotion.
func (c *Context) Retired() int {
	return len(c.retired)
}

// Flush scans until the deferred-free list is empty or a pass makes no
// progress, returning the number of pointers promoted. Call after Release on
// worker exit to hand leftover retirements to the collector.
func (c *Context) Flush() int {
	total := 0
	for len(c.retired) > 0 {
		n := c.scan()
		if n == 0 {
			break
		}
		total += n
	}
	return total
}

// scan snapshots every hazard slot of every record, then walks the local
// retired list: addresses absent from the snapshot are promoted to a free,
// the rest are held over for a later pass. Returns the number promoted.
func (c *Context) scan() int {
	snapshot := make([]uintptr, 0, len(c.reg.records)*slotsPerRecord)
	for i := range c.reg.records {
		rec := &c.reg.records[i]
		for j := range rec.hazards {
			snapshot = append(snapshot, uintptr(atomic.LoadPointer(&rec.hazards[j])))
		}
		for j := range rec.listHazards {
			snapshot = append(snapshot, uintptr(atomic.LoadPointer(&rec.listHazards[j])))
		}
	}
	slices.Sort(snapshot)

	freed := 0
	kept := c.retired[:0]
	for _, p := range c.retired {
		if _, hazarded := slices.BinarySearch(snapshot, uintptr(p)); hazarded {
			kept = append(kept, p)
			continue
		}
		if c.reg.freeFn != nil {
			c.reg.freeFn(p)
		}
		freed++
	}
	// Drop the tail references so the promoted nodes become collectible.
	for i := len(kept); i < len(c.retired); i++ {
		c.retired[i] = nil
	}
	c.retired = kept
	return freed
}
