// Package intrusive provides generic ordered-tree and linked-list
// abstractions that thread through caller-owned storage instead of
// allocating their own nodes. They exist so that components built before
// the heap is available (the virtual range allocator's free-range tracking,
// in particular) can keep ordered collections without ever calling into the
// heap front-end.
package intrusive

// AVLHooks lets an AVLTree operate on a node type T without owning its
// storage or knowing its layout. T is ordinarily a pointer type; the zero
// value of T must compare equal to "no node" (nil, for a pointer T).
//
// The same node value may be the payload of two independent trees at once
// (as the virtual range allocator does, keeping one tree ordered by address
// and another by size over the same free-range records) as long as each
// tree is given hooks backed by disjoint link fields.
type AVLHooks[T comparable] interface {
	Left(n T) T
	SetLeft(n T, v T)
	Right(n T) T
	SetRight(n T, v T)
	Parent(n T) T
	SetParent(n T, v T)
	Balance(n T) int8
	SetBalance(n T, v int8)

	// Less reports whether a orders strictly before b. It is used only by
	// Insert; the Find/LowerBound/UpperBound family instead take an
	// explicit comparator so the same tree can be queried by a different
	// projection of the stored value (e.g. a free-range node ordered by
	// address but looked up by the address just past its end).
	Less(a, b T) bool
}

// AVLTree is a generic intrusive AVL tree: a self-balancing binary search
// tree in which every node carries an explicit balance factor (height of
// right subtree minus height of left) in {-1, 0, 1}, restored after every
// Insert and Remove by at most one single or double rotation.
type AVLTree[T comparable] struct {
	root  T
	zero  T
	hooks AVLHooks[T]
}

// NewAVLTree constructs an empty tree driven by the given hooks.
func NewAVLTree[T comparable](hooks AVLHooks[T]) *AVLTree[T] {
	return &AVLTree[T]{hooks: hooks}
}

// Empty reports whether the tree holds no nodes.
func (t *AVLTree[T]) Empty() bool {
	return t.root == t.zero
}

// Root returns the tree's root node, or the zero value if the tree is empty.
func (t *AVLTree[T]) Root() T {
	return t.root
}

// Min returns the left-most (smallest) node, or the zero value if the tree
// is empty.
func (t *AVLTree[T]) Min() T {
	h := t.hooks
	n := t.root
	if n == t.zero {
		return t.zero
	}
	for h.Left(n) != t.zero {
		n = h.Left(n)
	}
	return n
}

// Max returns the right-most (largest) node, or the zero value if the tree
// is empty.
func (t *AVLTree[T]) Max() T {
	h := t.hooks
	n := t.root
	if n == t.zero {
		return t.zero
	}
	for h.Right(n) != t.zero {
		n = h.Right(n)
	}
	return n
}

// Successor returns the in-order successor of n, or the zero value if n is
// the last node.
func (t *AVLTree[T]) Successor(n T) T {
	h := t.hooks
	if h.Right(n) != t.zero {
		n = h.Right(n)
		for h.Left(n) != t.zero {
			n = h.Left(n)
		}
		return n
	}
	parent := h.Parent(n)
	for parent != t.zero && n == h.Right(parent) {
		n = parent
		parent = h.Parent(parent)
	}
	return parent
}

// Predecessor returns the in-order predecessor of n, or the zero value if n
// is the first node.
func (t *AVLTree[T]) Predecessor(n T) T {
	h := t.hooks
	if h.Left(n) != t.zero {
		n = h.Left(n)
		for h.Right(n) != t.zero {
			n = h.Right(n)
		}
		return n
	}
	parent := h.Parent(n)
	for parent != t.zero && n == h.Left(parent) {
		n = parent
		parent = h.Parent(parent)
	}
	return parent
}

// Insert places n into the tree according to hooks.Less, then rebalances.
// n's link fields are reset unconditionally; any previous tree membership
// is overwritten, not checked.
func (t *AVLTree[T]) Insert(n T) {
	h := t.hooks
	h.SetLeft(n, t.zero)
	h.SetRight(n, t.zero)
	h.SetParent(n, t.zero)
	h.SetBalance(n, 0)

	if t.root == t.zero {
		t.root = n
		return
	}

	cur := t.root
	for {
		if h.Less(n, cur) {
			if h.Left(cur) == t.zero {
				h.SetLeft(cur, n)
				h.SetParent(n, cur)
				break
			}
			cur = h.Left(cur)
		} else {
			if h.Right(cur) == t.zero {
				h.SetRight(cur, n)
				h.SetParent(n, cur)
				break
			}
			cur = h.Right(cur)
		}
	}

	t.retraceAfterInsert(n)
}

// Remove detaches n from the tree and rebalances. n's own link fields are
// cleared; n must currently be a member of the tree.
func (t *AVLTree[T]) Remove(n T) {
	h := t.hooks
	var rebalanceFrom T
	var fromLeft bool

	if h.Left(n) != t.zero && h.Right(n) != t.zero {
		succ := h.Right(n)
		for h.Left(succ) != t.zero {
			succ = h.Left(succ)
		}

		succParent := h.Parent(succ)
		succRight := h.Right(succ)

		if succParent == n {
			rebalanceFrom = succ
			fromLeft = false
		} else {
			t.transplant(succ, succRight)
			h.SetRight(succ, h.Right(n))
			h.SetParent(h.Right(succ), succ)
			rebalanceFrom = succParent
			fromLeft = true
		}

		t.transplant(n, succ)
		h.SetLeft(succ, h.Left(n))
		h.SetParent(h.Left(succ), succ)
		h.SetBalance(succ, h.Balance(n))
	} else {
		var child T
		if h.Left(n) != t.zero {
			child = h.Left(n)
		} else {
			child = h.Right(n)
		}
		rebalanceFrom = h.Parent(n)
		if rebalanceFrom != t.zero {
			fromLeft = h.Left(rebalanceFrom) == n
		}
		t.transplant(n, child)
	}

	h.SetLeft(n, t.zero)
	h.SetRight(n, t.zero)
	h.SetParent(n, t.zero)
	h.SetBalance(n, 0)

	if rebalanceFrom != t.zero {
		t.retraceAfterDelete(rebalanceFrom, fromLeft)
	}
}

// Find returns the node for which cmp reports 0, or the zero value if no
// such node exists. cmp(n) must return a value with the sign of (key - n)
// under the tree's ordering: negative if n orders after key, positive if
// n orders before key, zero on an exact match.
func (t *AVLTree[T]) Find(cmp func(T) int) T {
	h := t.hooks
	cur := t.root
	for cur != t.zero {
		switch c := cmp(cur); {
		case c == 0:
			return cur
		case c < 0:
			cur = h.Left(cur)
		default:
			cur = h.Right(cur)
		}
	}
	return t.zero
}

// LowerBound returns the first node for which cmp(n) <= 0 (the first node
// not ordered strictly before the implied key), or the zero value if every
// node orders before it.
func (t *AVLTree[T]) LowerBound(cmp func(T) int) T {
	h := t.hooks
	cur := t.root
	result := t.zero
	for cur != t.zero {
		if cmp(cur) <= 0 {
			result = cur
			cur = h.Left(cur)
		} else {
			cur = h.Right(cur)
		}
	}
	return result
}

// UpperBound returns the first node for which cmp(n) < 0 (the first node
// ordered strictly after the implied key), or the zero value if no node
// orders after it.
func (t *AVLTree[T]) UpperBound(cmp func(T) int) T {
	h := t.hooks
	cur := t.root
	result := t.zero
	for cur != t.zero {
		if cmp(cur) < 0 {
			result = cur
			cur = h.Left(cur)
		} else {
			cur = h.Right(cur)
		}
	}
	return result
}

// transplant replaces old with replacement at old's position in the tree
// structure: it updates old's parent's child pointer and replacement's
// parent pointer, but does not touch replacement's own children.
func (t *AVLTree[T]) transplant(old, replacement T) {
	h := t.hooks
	parent := h.Parent(old)
	switch {
	case parent == t.zero:
		t.root = replacement
	case h.Left(parent) == old:
		h.SetLeft(parent, replacement)
	default:
		h.SetRight(parent, replacement)
	}
	if replacement != t.zero {
		h.SetParent(replacement, parent)
	}
}

func (t *AVLTree[T]) retraceAfterInsert(n T) {
	h := t.hooks
	child := n
	parent := h.Parent(n)

	for parent != t.zero {
		wasLeft := h.Left(parent) == child
		if wasLeft {
			h.SetBalance(parent, h.Balance(parent)-1)
		} else {
			h.SetBalance(parent, h.Balance(parent)+1)
		}

		bal := h.Balance(parent)
		if bal == 0 {
			return
		}
		if bal == 1 || bal == -1 {
			child = parent
			parent = h.Parent(parent)
			continue
		}

		t.rebalanceAt(parent, bal)
		return
	}
}

func (t *AVLTree[T]) retraceAfterDelete(node T, wasLeft bool) {
	h := t.hooks
	for node != t.zero {
		if wasLeft {
			h.SetBalance(node, h.Balance(node)+1)
		} else {
			h.SetBalance(node, h.Balance(node)-1)
		}

		bal := h.Balance(node)
		if bal == 1 || bal == -1 {
			return
		}

		parent := h.Parent(node)
		if parent != t.zero {
			wasLeft = h.Left(parent) == node
		}

		if bal == 2 || bal == -2 {
			node = t.rebalanceAt(node, bal)
			if h.Balance(node) != 0 {
				return
			}
		}

		node = parent
	}
}

// rebalanceAt restores the AVL property at node, whose balance factor has
// just reached +-2, via a single or double rotation, and returns the new
// root of the affected subtree.
func (t *AVLTree[T]) rebalanceAt(node T, bal int8) T {
	h := t.hooks
	if bal > 0 {
		if h.Balance(h.Right(node)) < 0 {
			return t.rotateRightLeft(node)
		}
		return t.rotateLeft(node)
	}
	if h.Balance(h.Left(node)) > 0 {
		return t.rotateLeftRight(node)
	}
	return t.rotateRight(node)
}

// rotateLeftRaw performs a pure structural left rotation at x, without
// touching any balance factor.
func (t *AVLTree[T]) rotateLeftRaw(x T) T {
	h := t.hooks
	y := h.Right(x)
	sub := h.Left(y)

	h.SetRight(x, sub)
	if sub != t.zero {
		h.SetParent(sub, x)
	}

	t.transplant(x, y)
	h.SetLeft(y, x)
	h.SetParent(x, y)

	return y
}

// rotateRightRaw performs a pure structural right rotation at x, without
// touching any balance factor.
func (t *AVLTree[T]) rotateRightRaw(x T) T {
	h := t.hooks
	y := h.Left(x)
	sub := h.Right(y)

	h.SetLeft(x, sub)
	if sub != t.zero {
		h.SetParent(sub, x)
	}

	t.transplant(x, y)
	h.SetRight(y, x)
	h.SetParent(x, y)

	return y
}

func (t *AVLTree[T]) rotateLeft(x T) T {
	h := t.hooks
	yBal := h.Balance(h.Right(x))
	y := t.rotateLeftRaw(x)
	if yBal == 0 {
		h.SetBalance(x, 1)
		h.SetBalance(y, -1)
	} else {
		h.SetBalance(x, 0)
		h.SetBalance(y, 0)
	}
	return y
}

func (t *AVLTree[T]) rotateRight(x T) T {
	h := t.hooks
	yBal := h.Balance(h.Left(x))
	y := t.rotateRightRaw(x)
	if yBal == 0 {
		h.SetBalance(x, -1)
		h.SetBalance(y, 1)
	} else {
		h.SetBalance(x, 0)
		h.SetBalance(y, 0)
	}
	return y
}

func (t *AVLTree[T]) rotateRightLeft(x T) T {
	h := t.hooks
	y := h.Right(x)
	z := h.Left(y)
	zBal := h.Balance(z)

	t.rotateRightRaw(y)
	newRoot := t.rotateLeftRaw(x)

	switch {
	case zBal == 0:
		h.SetBalance(x, 0)
		h.SetBalance(y, 0)
	case zBal > 0:
		h.SetBalance(x, -1)
		h.SetBalance(y, 0)
	default:
		h.SetBalance(x, 0)
		h.SetBalance(y, 1)
	}
	h.SetBalance(z, 0)
	return newRoot
}

func (t *AVLTree[T]) rotateLeftRight(x T) T {
	h := t.hooks
	y := h.Left(x)
	z := h.Right(y)
	zBal := h.Balance(z)

	t.rotateLeftRaw(y)
	newRoot := t.rotateRightRaw(x)

	switch {
	case zBal == 0:
		h.SetBalance(x, 0)
		h.SetBalance(y, 0)
	case zBal > 0:
		h.SetBalance(x, 0)
		h.SetBalance(y, -1)
	default:
		h.SetBalance(x, 1)
		h.SetBalance(y, 0)
	}
	h.SetBalance(z, 0)
	return newRoot
}
