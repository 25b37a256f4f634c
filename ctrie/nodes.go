package ctrie

import (
	"sync/atomic"
)

const (
	// wBits is the number of hash bits consumed per trie level.
	wBits = 5

	// maxBranches is the fan-out of a C-node; matches the bitmap width.
	maxBranches = 1 << wBits

	// hashBits is the width of the hash. Once a descent has consumed all of
	// it the trie degenerates to an L-node collision list.
	hashBits = 32
)

// mainKind tags the content of an I-node.
type mainKind uint8

const (
	cnodeKind mainKind = iota
	tnodeKind
	lnodeKind
)

// branchKind tags the occupant of a C-node slot.
type branchKind uint8

const (
	snodeBranch branchKind = iota
	inodeBranch
)

// sNode is an immutable key/value leaf. It is copied by value between nodes.
type sNode struct {
	key   uint32
	value uint32
}

// iNode is the indirection node: main is the only structurally mutable
// pointer in the trie, replaced by CAS. marked is set once the I-node has
// been spliced out and must not be treated as live.
type iNode struct {
	main   atomic.Pointer[mainNode]
	marked atomic.Uint32
}

// branch occupies one C-node slot: a leaf S-node or an I-node leading to the
// next level. The I-node is embedded by value so a hazard on the branch
// covers the indirection word too. Branches keep their identity across
// C-node rewrites and are never mutated after publication.
type branch struct {
	kind  branchKind
	snode sNode
	inode iNode
}

// cNode is the 32-way branch array. Bit i of bmp is set iff array[i] is
// occupied; length tracks the popcount.
type cNode struct {
	bmp    uint32
	length uint32
	array  [maxBranches]*branch
}

// lNode is one cell of the collision list used once the hash is exhausted.
// Cells hold unique keys; marked flags a cell whose list was superseded.
type lNode struct {
	snode  sNode
	next   *lNode
	marked atomic.Uint32
}

// mainNode is the content of an I-node: a C-node, a T-node (tombstone
// wrapping one S-node) or the head cell of an L-node list. One allocation
// carries the whole tagged union. marked is set after the node has been
// superseded by a successful CAS and before it is retired; any observer that
// reads marked != 0 restarts.
type mainNode struct {
	kind   mainKind
	cnode  cNode
	tnode  sNode
	lnode  lNode
	marked atomic.Uint32
}

func newSNodeBranch(sn sNode) *branch {
	return &branch{kind: snodeBranch, snode: sn}
}

func newINodeBranch(main *mainNode) *branch {
	br := &branch{kind: inodeBranch}
	br.inode.main.Store(main)
	return br
}

// cnodeCopy clones the C-node content of main into a fresh main node.
// Branch pointers are shared: branches are immutable and keep their identity
// across rewrites.
func cnodeCopy(main *mainNode) *mainNode {
	n := &mainNode{kind: cnodeKind}
	n.cnode.bmp = main.cnode.bmp
	n.cnode.length = main.cnode.length
	n.cnode.array = main.cnode.array
	return n
}

// cnodeInsert returns a copy of main with a fresh S-node branch added at pos.
func cnodeInsert(main *mainNode, pos, flag uint32, sn sNode) *mainNode {
	n := cnodeCopy(main)
	n.cnode.bmp |= flag
	n.cnode.length++
	n.cnode.array[pos] = newSNodeBranch(sn)
	return n
}

// cnodeUpdate returns a copy of main with the branch at pos replaced by a
// fresh S-node branch.
func cnodeUpdate(main *mainNode, pos uint32, sn sNode) *mainNode {
	n := cnodeCopy(main)
	n.cnode.array[pos] = newSNodeBranch(sn)
	return n
}

// cnodeUpdateBranch returns a copy of main with the given branch at pos.
func cnodeUpdateBranch(main *mainNode, pos uint32, br *branch) *mainNode {
	n := cnodeCopy(main)
	n.cnode.array[pos] = br
	return n
}

// cnodeRemove returns a copy of main with position pos cleared.
func cnodeRemove(main *mainNode, pos, flag uint32) *mainNode {
	n := cnodeCopy(main)
	n.cnode.bmp &^= flag
	n.cnode.length--
	n.cnode.array[pos] = nil
	return n
}
