package ctrie

import (
	"math/bits"
	"unsafe"

	"github.com/DanielSolomon/CiCTrie/hazard"
)

// toContracted entombs the single remaining S-node of a freshly built C-node
// at depth > 0. The tag flip happens in place: the candidate has not been
// published, so no other thread can observe the transition. The superseded
// branch is returned so the caller can retire it after its own CAS. prev is
// the installed main node of in that the candidate was derived from; its
// liveness guards the branch read.
func (t *Ctrie) toContracted(candidate, prev *mainNode, in *iNode, lev int, hp *hazard.Context) (*branch, bool) {
	if candidate.kind != cnodeKind || lev <= 0 || candidate.cnode.length != 1 {
		return nil, true
	}
	pos := uint32(bits.TrailingZeros32(candidate.cnode.bmp))
	br := candidate.cnode.array[pos]
	if br.kind != snodeBranch {
		return nil, true
	}
	hp.Publish(unsafe.Pointer(br))
	if prev.marked.Load() != 0 || in.main.Load() != prev {
		return nil, false
	}
	candidate.kind = tnodeKind
	candidate.tnode = br.snode
	candidate.cnode = cNode{}
	return br, true
}

// clean compacts the C-node under in, inlining tombed children. Best effort:
// on any interference the structure is left to the interfering thread.
func (t *Ctrie) clean(in *iNode, lev int, hp *hazard.Context) {
	if in == nil {
		return
	}
	main := in.main.Load()
	hp.ReplaceLast(unsafe.Pointer(main))
	if in.marked.Load() != 0 || in.main.Load() != main {
		return
	}
	if main.kind != cnodeKind {
		return
	}
	t.compress(in, main, lev, hp)
}

// compress swaps in's C-node for a copy in which every branch of the form
// I-node -> T-node is replaced by the resurrected S-node. On success the old
// C-node, each spliced-out I-node branch and its tombstone are marked and
// retired. The per-branch reads ride the list-hazard slots: they are
// transient pairwise reads, and the caller's hop hazards must survive them.
func (t *Ctrie) compress(in *iNode, main *mainNode, lev int, hp *hazard.Context) {
	next := cnodeCopy(main)
	var (
		tombedBranches []*branch
		tombedMains    []*mainNode
	)
	bmp := main.cnode.bmp
	for bmp != 0 {
		pos := uint32(bits.TrailingZeros32(bmp))
		bmp &= bmp - 1
		br := main.cnode.array[pos]
		hp.PublishList(unsafe.Pointer(br))
		if main.marked.Load() != 0 || main.cnode.array[pos] != br || in.main.Load() != main {
			return
		}
		if br.kind != inodeBranch {
			continue
		}
		childMain := br.inode.main.Load()
		hp.PublishList(unsafe.Pointer(childMain))
		if br.inode.marked.Load() != 0 || br.inode.main.Load() != childMain {
			return
		}
		if childMain.kind != tnodeKind {
			continue
		}
		next.cnode.array[pos] = newSNodeBranch(childMain.tnode)
		tombedBranches = append(tombedBranches, br)
		tombedMains = append(tombedMains, childMain)
	}
	oldBranch, ok := t.toContracted(next, main, in, lev, hp)
	if !ok {
		return
	}
	if !in.main.CompareAndSwap(main, next) {
		return
	}
	main.marked.Store(1)
	for i, br := range tombedBranches {
		br.inode.marked.Store(1)
		tombedMains[i].marked.Store(1)
		hp.Retire(unsafe.Pointer(br))
		hp.Retire(unsafe.Pointer(tombedMains[i]))
	}
	if oldBranch != nil {
		hp.Retire(unsafe.Pointer(oldBranch))
	}
	hp.Retire(unsafe.Pointer(main))
}

// cleanParent splices the S-node entombed below in into parent's C-node,
// retrying until the expected shape no longer holds. A failed CAS loops into
// another attempt: the thread that won may itself have left work behind.
func (t *Ctrie) cleanParent(parent, in *iNode, keyHash uint32, lev int, hp *hazard.Context) {
	for {
		pmain := parent.main.Load()
		hp.Publish(unsafe.Pointer(pmain))
		if parent.marked.Load() != 0 || parent.main.Load() != pmain {
			return
		}
		if pmain.kind != cnodeKind {
			return
		}
		flag, pos := flagPos(keyHash, lev)
		if pmain.cnode.bmp&flag == 0 {
			return
		}
		br := pmain.cnode.array[pos]
		hp.Publish(unsafe.Pointer(br))
		if pmain.marked.Load() != 0 || pmain.cnode.array[pos] != br || parent.main.Load() != pmain {
			continue
		}
		if br.kind != inodeBranch || &br.inode != in {
			return
		}
		cmain := in.main.Load()
		hp.Publish(unsafe.Pointer(cmain))
		if in.marked.Load() != 0 || in.main.Load() != cmain {
			continue
		}
		if cmain.kind != tnodeKind {
			return
		}
		next := cnodeUpdate(pmain, pos, cmain.tnode)
		oldBranch, ok := t.toContracted(next, pmain, parent, lev, hp)
		if !ok {
			continue
		}
		if parent.main.CompareAndSwap(pmain, next) {
			pmain.marked.Store(1)
			in.marked.Store(1)
			cmain.marked.Store(1)
			hp.Retire(unsafe.Pointer(br))
			hp.Retire(unsafe.Pointer(cmain))
			if oldBranch != nil {
				hp.Retire(unsafe.Pointer(oldBranch))
			}
			hp.Retire(unsafe.Pointer(pmain))
			return
		}
	}
}
