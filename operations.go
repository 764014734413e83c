package lflist

import "unsafe"

// Hazard slot roles during search and remove.
const (
	hpCurr  = 0 // node the walk currently stands on
	hpNext  = 1 // its successor
	hpFresh = 2 // successor freshly loaded after an advance
	hpLeft  = 3 // tentative left node
	hpSucc  = 4 // removal victim's successor
)

// search walks the list from the head sentinel and returns an adjacent pair
// (left, right) such that left is unmarked, right is unmarked or the tail,
// left.next == right at some instant during the call, and right is the first
// such node with key >= key. Runs of logically deleted nodes encountered on
// the way are spliced out and retired as a side effect.
//
// Every hop follows the publish-then-validate discipline: publish the
// pointer into a hazard slot, then re-read the link it came from and check
// the node has not been flagged deleted. If either check fails the published
// protection is vacuous and the walk restarts from the head.
func (l *List[K]) search(key K, rec *hpRecord) (left, right *Node[K]) {
	var leftNext *Node[K]
search:
	for {
		left, leftNext = nil, nil

		t := l.head
		rec.protect(hpCurr, unsafe.Pointer(t))
		tNext := t.next.Load()
		rec.protect(hpNext, unsafe.Pointer(tNext))
		if l.head.next.Load() != tNext || tNext.deleted.Load() {
			continue search
		}

		// Walk: find left and right. Right may still turn out marked.
		for {
			if !t.marked.Load() {
				left = t
				rec.protect(hpLeft, unsafe.Pointer(t))
				if t.deleted.Load() {
					continue search
				}
				leftNext = tNext
			}

			t = tNext
			if t == l.tail {
				break
			}
			tNext = t.next.Load()
			// A nil link means t was reclaimed out from under the walk; the
			// published protection came too late.
			if tNext == nil {
				continue search
			}
			rec.protect(hpFresh, unsafe.Pointer(tNext))
			// The link may have been swung, or either node reclaimed,
			// between the load and the publication.
			if t.next.Load() != tNext || t.deleted.Load() || tNext.deleted.Load() {
				continue search
			}
			rec.protect(hpCurr, unsafe.Pointer(t))
			rec.protect(hpNext, unsafe.Pointer(tNext))

			if !t.marked.Load() && !l.less(t.key, key) {
				break
			}
		}
		right = t

		// Snip check: left and right already adjacent.
		if leftNext == right {
			if right != l.tail && right.marked.Load() {
				continue search
			}
			return left, right
		}

		// Splice out the run of marked nodes between leftNext and right.
		if left.next.CompareAndSwap(leftNext, right) {
			l.retireRun(rec, leftNext, right)
			if right != l.tail && right.marked.Load() {
				continue search
			}
			return left, right
		}
		l.metrics.IncCASRetry()
	}
}

// retireRun retires the chain [from, to) that a successful snip CAS just
// unlinked. The walk stops early if it runs off the marked chain, which can
// only happen when a competing splice already claimed part of the run; the
// retired flag on each node keeps the two claimants from freeing a node
// twice.
func (l *List[K]) retireRun(rec *hpRecord, from, to *Node[K]) {
	count := 0
	for n := from; n != nil && n != to && n != l.tail && n.marked.Load(); {
		next := n.next.Load()
		l.retireNode(rec, n)
		count++
		n = next
	}
	if count > 0 {
		l.metrics.AddSnips(int64(count))
		if snipRunHook != nil {
			snipRunHook(count)
		}
	}
}

func (l *List[K]) retireNode(rec *hpRecord, n *Node[K]) {
	if !n.retired.CompareAndSwap(false, true) {
		return
	}
	if retireNodeHook != nil {
		retireNodeHook(n)
	}
	l.reg.retire(rec, unsafe.Pointer(n), l.freeNode)
}

// Insert adds key to the set. It returns true iff the key was not a member
// and now is; the successful link CAS is the linearization point. Exactly
// one of any number of concurrent Insert calls for the same key succeeds.
func (l *List[K]) Insert(key K) bool {
	rec := l.reg.pin()
	defer rec.unpin()

	n := l.acquireNode(key)
	for {
		left, right := l.search(key, rec)

		if right != l.tail && right.key == key {
			l.releaseFresh(n)
			return false
		}

		// Not yet published; a plain store is enough.
		n.next.Store(right)

		if left.next.CompareAndSwap(right, n) {
			l.metrics.IncCASSuccess()
			l.metrics.AddLen(1)
			return true
		}
		l.metrics.IncCASRetry()
	}
}

// Remove takes key out of the set. It returns true iff this call is the one
// that transitioned the key out; the successful mark CAS is the
// linearization point. Physical unlinking is attempted once and, if lost to
// a competing splice, left for a later search to finish.
func (l *List[K]) Remove(key K) bool {
	rec := l.reg.pin()
	defer rec.unpin()

	var left, right, rightNext *Node[K]
	for {
		left, right = l.search(key, rec)

		if right == l.tail || right.key != key {
			return false
		}

		rightNext = right.next.Load()
		if rightNext == nil {
			continue
		}
		rec.protect(hpSucc, unsafe.Pointer(rightNext))
		if right.next.Load() != rightNext || right.deleted.Load() {
			continue
		}

		// Logical deletion. Losing this CAS means a competing Remove owns
		// the transition; searching again will no longer see the key live.
		if right.marked.CompareAndSwap(false, true) {
			break
		}
	}
	l.metrics.AddLen(-1)

	if left.next.CompareAndSwap(right, rightNext) {
		l.retireNode(rec, right)
	}
	return true
}

// Find reports whether key is a member. Its linearization point is the last
// read in search that observed right unmarked with the reported key (or the
// tail).
func (l *List[K]) Find(key K) bool {
	rec := l.reg.pin()
	defer rec.unpin()

	_, right := l.search(key, rec)
	return right != l.tail && right.key == key
}
