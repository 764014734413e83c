package lflist

import "unsafe"

// acquireNode returns a node ready for insertion. Nodes are recycled through
// a sync.Pool, so a reclaimed address can reappear under a stale reader;
// that reuse is exactly what the publish-then-validate discipline and the
// tagged variant defend against.
func (l *List[K]) acquireNode(key K) *Node[K] {
	n := l.pool.Get().(*Node[K])
	n.key = key
	n.next.Store(nil)
	n.marked.Store(false)
	n.deleted.Store(false)
	n.retired.Store(false)
	if acquireNodeHook != nil {
		acquireNodeHook(n)
	}
	return n
}

// freeNode is the reclaimer's free callback: flag the storage, then recycle
// it. Only unlinked nodes that no hazard slot announces reach this point.
func (l *List[K]) freeNode(p unsafe.Pointer) {
	n := (*Node[K])(p)
	if n == l.head || n == l.tail {
		return
	}
	n.deleted.Store(true)
	if freeNodeHook != nil {
		freeNodeHook(n)
	}
	var zero K
	n.key = zero
	n.next.Store(nil)
	l.pool.Put(n)
}

// releaseFresh recycles a node that was never linked into the list, so none
// of the reclamation ceremony applies.
func (l *List[K]) releaseFresh(n *Node[K]) {
	n.next.Store(nil)
	l.pool.Put(n)
}
