// Package ctrie provides a concurrent, lock-free hash array mapped trie
// keyed on 32-bit integers, after the non-blocking trie of Prokopec et al.
// Structural changes are proposed by building a replacement node and
// installing it with a single CAS on an indirection node; superseded nodes
// are reclaimed through the hazard-pointer subsystem in package hazard, so
// any number of concurrent readers and writers can run while retired nodes
// are promoted for reuse.
package ctrie

import (
	"unsafe"

	"github.com/DanielSolomon/CiCTrie/hazard"
)

// Ctrie is the trie handle. Operations go through per-worker Handles; the
// Ctrie itself only carries the root, the hazard registry and the hash.
type Ctrie struct {
	root *iNode
	reg  *hazard.Registry
	hash func(uint32) uint32
}

// Option configures a Ctrie at construction time.
type Option func(*Ctrie)

// WithHash overrides the key hash. The default is the identity function,
// which keeps equal low bits clustered; callers facing adversarial key
// patterns should supply a mixed hash such as Hash32.
func WithHash(h func(uint32) uint32) Option {
	return func(t *Ctrie) { t.hash = h }
}

// Hash32 is a well-distributed integer hash (the lowbias32 mixer), suitable
// for WithHash.
func Hash32(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x7feb352d
	x ^= x >> 15
	x *= 0x846ca68b
	x ^= x >> 16
	return x
}

// New creates an empty trie serving up to numWorkers concurrent handles.
func New(numWorkers int, opts ...Option) *Ctrie {
	t := &Ctrie{
		reg:  hazard.NewRegistry(numWorkers),
		hash: func(key uint32) uint32 { return key },
	}
	for _, opt := range opts {
		opt(t)
	}
	root := &iNode{}
	root.main.Store(&mainNode{kind: cnodeKind})
	t.root = root
	return t
}

// Registry exposes the trie's hazard registry, letting callers install a
// free hook or inspect worker counts.
func (t *Ctrie) Registry() *hazard.Registry {
	return t.reg
}

// Close tears the trie down. The caller must guarantee quiescence: no
// operation in flight and every handle released.
func (t *Ctrie) Close() {
	t.root = nil
}

// Handle binds a worker slot to the trie. A Handle is not safe for
// concurrent use; each worker owns exactly one.
type Handle struct {
	t  *Ctrie
	hp *hazard.Context
}

// Handle returns the handle pinned to worker slot index in [0, numWorkers).
func (t *Ctrie) Handle(index int) *Handle {
	return &Handle{t: t, hp: t.reg.Context(index)}
}

// Insert sets key to value, replacing any previous value.
func (h *Handle) Insert(key, value uint32) {
	for !h.t.insert(h.t.root, key, value, 0, nil, h.hp) {
	}
}

// Lookup returns the value stored under key and whether the key is present.
func (h *Handle) Lookup(key uint32) (uint32, bool) {
	for {
		if v, exists, ok := h.t.lookup(h.t.root, key, 0, nil, h.hp); ok {
			return v, exists
		}
	}
}

// Remove deletes key and returns the value it held, or false if the key was
// absent.
func (h *Handle) Remove(key uint32) (uint32, bool) {
	for {
		if v, exists, ok := h.t.remove(h.t.root, key, 0, nil, h.hp); ok {
			return v, exists
		}
	}
}

// Release zeroes the handle's hazard slots and drains what it can of its
// deferred-free list. Call on worker exit.
func (h *Handle) Release() {
	h.hp.Release()
	h.hp.Flush()
}

// flagPos returns the bitmap flag and slot position of hash at lev.
func flagPos(hash uint32, lev int) (uint32, uint32) {
	pos := (hash >> uint(lev)) & (maxBranches - 1)
	return uint32(1) << pos, pos
}

// swap installs next over prev in the I-node. On success the superseded main
// node is marked and retired along with any extra superseded allocations; on
// failure the candidate is dropped and the operation restarts from the root.
func (t *Ctrie) swap(in *iNode, prev, next *mainNode, hp *hazard.Context, extra ...unsafe.Pointer) bool {
	if !in.main.CompareAndSwap(prev, next) {
		return false
	}
	prev.marked.Store(1)
	for _, p := range extra {
		if p != nil {
			hp.Retire(p)
		}
	}
	hp.Retire(unsafe.Pointer(prev))
	return true
}

// lookup is the restartable search. The last return value reports whether
// the walk completed; false means a concurrent structural change was
// observed and the caller restarts from the root.
func (t *Ctrie) lookup(in *iNode, key uint32, lev int, parent *iNode, hp *hazard.Context) (uint32, bool, bool) {
	main := in.main.Load()
	hp.Publish(unsafe.Pointer(main))
	if in.marked.Load() != 0 || in.main.Load() != main {
		return 0, false, false
	}
	switch main.kind {
	case cnodeKind:
		flag, pos := flagPos(t.hash(key), lev)
		if main.cnode.bmp&flag == 0 {
			return 0, false, true
		}
		br := main.cnode.array[pos]
		hp.Publish(unsafe.Pointer(br))
		if main.marked.Load() != 0 || main.cnode.array[pos] != br || in.main.Load() != main {
			return 0, false, false
		}
		if br.kind == inodeBranch {
			return t.lookup(&br.inode, key, lev+wBits, in, hp)
		}
		if br.snode.key == key {
			return br.snode.value, true, true
		}
		return 0, false, true
	case tnodeKind:
		// Help contract the tombstone, then retry.
		t.clean(parent, lev-wBits, hp)
		return 0, false, false
	default:
		return t.lnodeLookup(main, key, hp)
	}
}

// insert is the restartable write; false means restart from the root.
func (t *Ctrie) insert(in *iNode, key, value uint32, lev int, parent *iNode, hp *hazard.Context) bool {
	main := in.main.Load()
	hp.Publish(unsafe.Pointer(main))
	if in.marked.Load() != 0 || in.main.Load() != main {
		return false
	}
	switch main.kind {
	case cnodeKind:
		flag, pos := flagPos(t.hash(key), lev)
		if main.cnode.bmp&flag == 0 {
			return t.swap(in, main, cnodeInsert(main, pos, flag, sNode{key, value}), hp)
		}
		br := main.cnode.array[pos]
		hp.Publish(unsafe.Pointer(br))
		if main.marked.Load() != 0 || main.cnode.array[pos] != br || in.main.Load() != main {
			return false
		}
		if br.kind == inodeBranch {
			return t.insert(&br.inode, key, value, lev+wBits, in, hp)
		}
		if br.snode.key == key {
			return t.swap(in, main, cnodeUpdate(main, pos, sNode{key, value}), hp, unsafe.Pointer(br))
		}
		child := createBranch(t.hash, lev+wBits, br.snode, sNode{key, value})
		return t.swap(in, main, cnodeUpdateBranch(main, pos, child), hp, unsafe.Pointer(br))
	case tnodeKind:
		t.clean(parent, lev-wBits, hp)
		return false
	default:
		return t.lnodeInsert(in, main, sNode{key, value}, hp)
	}
}

// remove is the restartable delete; the last return value false means
// restart from the root.
func (t *Ctrie) remove(in *iNode, key uint32, lev int, parent *iNode, hp *hazard.Context) (uint32, bool, bool) {
	main := in.main.Load()
	hp.Publish(unsafe.Pointer(main))
	if in.marked.Load() != 0 || in.main.Load() != main {
		return 0, false, false
	}
	switch main.kind {
	case cnodeKind:
		flag, pos := flagPos(t.hash(key), lev)
		if main.cnode.bmp&flag == 0 {
			return 0, false, true
		}
		br := main.cnode.array[pos]
		hp.Publish(unsafe.Pointer(br))
		if main.marked.Load() != 0 || main.cnode.array[pos] != br || in.main.Load() != main {
			return 0, false, false
		}
		switch {
		case br.kind == inodeBranch:
			v, exists, ok := t.remove(&br.inode, key, lev+wBits, in, hp)
			if !ok {
				return 0, false, false
			}
			if exists {
				t.cleanIfTombed(in, &br.inode, key, lev, hp)
			}
			return v, exists, true
		case br.snode.key != key:
			return 0, false, true
		default:
			value := br.snode.value
			next := cnodeRemove(main, pos, flag)
			oldBranch, ok := t.toContracted(next, main, in, lev, hp)
			if !ok {
				return 0, false, false
			}
			if !t.swap(in, main, next, hp, unsafe.Pointer(br), unsafe.Pointer(oldBranch)) {
				return 0, false, false
			}
			if next.kind == tnodeKind && parent != nil {
				t.cleanParent(parent, in, t.hash(key), lev-wBits, hp)
			}
			return value, true, true
		}
	case tnodeKind:
		t.clean(parent, lev-wBits, hp)
		return 0, false, false
	default:
		return t.lnodeRemove(in, main, key, hp)
	}
}

// cleanIfTombed splices in into parent when a removal below left it holding
// a tombstone. parentLev is the level parent branches at.
func (t *Ctrie) cleanIfTombed(parent, in *iNode, key uint32, parentLev int, hp *hazard.Context) {
	main := in.main.Load()
	hp.ReplaceLast(unsafe.Pointer(main))
	if in.marked.Load() != 0 || in.main.Load() != main {
		return
	}
	if main.kind == tnodeKind {
		t.cleanParent(parent, in, t.hash(key), parentLev, hp)
	}
}

// createBranch builds the subtree joining two colliding S-nodes, recursing
// while their hashes keep agreeing and falling back to an L-node pair once
// the hash is exhausted.
func createBranch(hash func(uint32) uint32, lev int, oldSN, newSN sNode) *branch {
	main := &mainNode{}
	if lev < hashBits {
		main.kind = cnodeKind
		flag1, pos1 := flagPos(hash(oldSN.key), lev)
		flag2, pos2 := flagPos(hash(newSN.key), lev)
		if pos1 == pos2 {
			main.cnode.bmp = flag1
			main.cnode.length = 1
			main.cnode.array[pos1] = createBranch(hash, lev+wBits, oldSN, newSN)
		} else {
			main.cnode.bmp = flag1 | flag2
			main.cnode.length = 2
			main.cnode.array[pos1] = newSNodeBranch(oldSN)
			main.cnode.array[pos2] = newSNodeBranch(newSN)
		}
	} else {
		main.kind = lnodeKind
		main.lnode.snode = oldSN
		main.lnode.next = &lNode{snode: newSN}
	}
	return newINodeBranch(main)
}

// lnodeLookup walks the collision list under the list-hazard discipline.
func (t *Ctrie) lnodeLookup(main *mainNode, key uint32, hp *hazard.Context) (uint32, bool, bool) {
	for cell := &main.lnode; cell != nil; {
		if main.marked.Load() != 0 || cell.marked.Load() != 0 {
			return 0, false, false
		}
		if cell.snode.key == key {
			return cell.snode.value, true, true
		}
		next := cell.next
		if next != nil {
			hp.PublishList(unsafe.Pointer(next))
			if cell.marked.Load() != 0 {
				return 0, false, false
			}
		}
		cell = next
	}
	return 0, false, true
}

// lnodeCollect walks the list gathering the pairs that survive removing key,
// the heap cells of the old list (for retirement; the head lives inside the
// main node), and the removed pair if the key was present. ok is false when
// a concurrent retirement was observed mid-walk.
func lnodeCollect(main *mainNode, key uint32, hp *hazard.Context) (kept []sNode, cells []*lNode, removed sNode, found, ok bool) {
	for cell := &main.lnode; cell != nil; {
		if main.marked.Load() != 0 || cell.marked.Load() != 0 {
			return nil, nil, sNode{}, false, false
		}
		if cell.snode.key == key {
			removed = cell.snode
			found = true
		} else {
			kept = append(kept, cell.snode)
		}
		next := cell.next
		if next != nil {
			hp.PublishList(unsafe.Pointer(next))
			if cell.marked.Load() != 0 {
				return nil, nil, sNode{}, false, false
			}
			cells = append(cells, next)
		}
		cell = next
	}
	return kept, cells, removed, found, true
}

// lnodeChain links pairs into a fresh list headed inside main.
func lnodeChain(main *mainNode, pairs []sNode) {
	main.kind = lnodeKind
	main.lnode.snode = pairs[0]
	tail := &main.lnode
	for _, sn := range pairs[1:] {
		cell := &lNode{snode: sn}
		tail.next = cell
		tail = cell
	}
}

// lnodeInsert replaces the collision list with a copy that has sn at its
// head, dropping any existing cell with the same key so cells stay unique.
// The old cells are marked and retired once the copy is installed.
func (t *Ctrie) lnodeInsert(in *iNode, main *mainNode, sn sNode, hp *hazard.Context) bool {
	kept, cells, _, _, ok := lnodeCollect(main, sn.key, hp)
	if !ok {
		return false
	}
	next := &mainNode{}
	lnodeChain(next, append([]sNode{sn}, kept...))
	if !in.main.CompareAndSwap(main, next) {
		return false
	}
	main.marked.Store(1)
	for _, cell := range cells {
		cell.marked.Store(1)
		hp.Retire(unsafe.Pointer(cell))
	}
	hp.Retire(unsafe.Pointer(main))
	return true
}

// lnodeRemove replaces the collision list with a copy lacking key; a copy
// reduced to a single pair is entombed instead.
func (t *Ctrie) lnodeRemove(in *iNode, main *mainNode, key uint32, hp *hazard.Context) (uint32, bool, bool) {
	kept, cells, removed, found, ok := lnodeCollect(main, key, hp)
	if !ok {
		return 0, false, false
	}
	if !found {
		return 0, false, true
	}
	next := &mainNode{}
	if len(kept) == 1 {
		next.kind = tnodeKind
		next.tnode = kept[0]
	} else {
		lnodeChain(next, kept)
	}
	if !in.main.CompareAndSwap(main, next) {
		return 0, false, false
	}
	main.marked.Store(1)
	for _, cell := range cells {
		cell.marked.Store(1)
		hp.Retire(unsafe.Pointer(cell))
	}
	hp.Retire(unsafe.Pointer(main))
	return removed.value, true, true
}
