package evloop

// node is one membership in an intrusive doubly-linked list. A node is
// embedded in the object it links (a watcher or a handle may sit in several
// lists at once, one node per list) and carries a typed back-reference to
// its owner so a popped node resolves without casts.
type node[T any] struct {
	prev, next *node[T]
	owner      T
}

// linked reports whether the node currently sits in a list.
func (n *node[T]) linked() bool {
	return n.next != nil
}

// list is a circular doubly-linked list with a sentinel root. Insert,
// remove and the empty test are O(1); takeAll detaches the whole list in
// O(1) so callers can iterate a stable snapshot while the live list refills.
type list[T any] struct {
	root node[T]
}

func (l *list[T]) init() {
	l.root.prev = &l.root
	l.root.next = &l.root
}

func (l *list[T]) empty() bool {
	return l.root.next == nil || l.root.next == &l.root
}

func (l *list[T]) pushBack(n *node[T]) {
	if l.root.next == nil {
		l.init()
	}
	n.prev = l.root.prev
	n.next = &l.root
	l.root.prev.next = n
	l.root.prev = n
}

// remove detaches n and resets it so it may be re-enqueued immediately.
// Removing an unlinked node is a no-op.
func (l *list[T]) remove(n *node[T]) {
	if !n.linked() {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (l *list[T]) popFront() (T, bool) {
	var zero T
	if l.empty() {
		return zero, false
	}
	n := l.root.next
	l.remove(n)
	return n.owner, true
}

// takeAll empties the list and returns the owners in insertion order.
func (l *list[T]) takeAll() []T {
	var out []T
	for {
		v, ok := l.popFront()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// each visits the owners in insertion order without unlinking them. The
// entries are snapshotted first so a callback may stop or re-start its own
// membership while the walk is in progress.
func (l *list[T]) each(fn func(T)) {
	if l.empty() {
		return
	}
	var snap []T
	for n := l.root.next; n != &l.root; n = n.next {
		snap = append(snap, n.owner)
	}
	for _, v := range snap {
		fn(v)
	}
}
