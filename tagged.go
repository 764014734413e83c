package lflist

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Tag layout: node allocations are at least 8-byte aligned, so the low
// three bits of every next link hold a small version tag. Every successful
// CAS on a link installs tag+1, which makes an expected value captured
// before a free/recycle cycle fail instead of succeeding spuriously. The
// tag is an offset into the node's own allocation, so a tagged word is
// still a valid interior pointer as far as the garbage collector is
// concerned.
const (
	tagBits = 3
	tagMask = uintptr(1)<<tagBits - 1
)

type taggedNode[K comparable] struct {
	key     K
	next    unsafe.Pointer // *taggedNode[K] with the version tag in the low bits
	marked  atomic.Bool
	deleted atomic.Bool
	retired atomic.Bool
}

func taggedWord[K comparable](n *taggedNode[K], tag uintptr) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(n), int(tag&tagMask))
}

func untagWord[K comparable](w unsafe.Pointer) (*taggedNode[K], uintptr) {
	tag := uintptr(w) & tagMask
	return (*taggedNode[K])(unsafe.Add(w, -int(tag))), tag
}

func checkTaggedAlignment[K comparable](n *taggedNode[K]) {
	if uintptr(unsafe.Pointer(n))&tagMask != 0 {
		panic("lflist: tagged node allocation is not aligned to the tag width")
	}
}

// TaggedList is the ABA-hardened rendition of List. The Insert, Remove and
// Find contracts are unchanged; hazard pointers still make dereferences
// safe, while the link tags make a CAS whose expected value predates a node
// recycle fail and retry.
type TaggedList[K comparable] struct {
	less    Less[K]
	head    *taggedNode[K]
	tail    *taggedNode[K]
	reg     *HazardRegistry
	metrics *Metrics
	pool    sync.Pool
}

// NewTagged returns an empty TaggedList ordered by less, using the shared
// default hazard registry.
func NewTagged[K comparable](less Less[K]) *TaggedList[K] {
	return NewTaggedWithConfig(less, NewConfig())
}

// NewTaggedWithConfig returns an empty TaggedList ordered by less.
func NewTaggedWithConfig[K comparable](less Less[K], cfg Config) *TaggedList[K] {
	head := new(taggedNode[K])
	tail := new(taggedNode[K])
	checkTaggedAlignment(head)
	checkTaggedAlignment(tail)
	atomic.StorePointer(&head.next, taggedWord(tail, 0))

	reg := cfg.Registry
	if reg == nil {
		reg = defaultRegistry
	}
	l := &TaggedList[K]{
		less:    less,
		head:    head,
		tail:    tail,
		reg:     reg,
		metrics: newMetrics(newRNG()),
	}
	l.pool.New = func() any { return new(taggedNode[K]) }
	return l
}

// Len returns the number of live elements; exact only at quiescence.
func (l *TaggedList[K]) Len() int64 { return l.metrics.Len() }

// Metrics exposes the list's contention counters.
func (l *TaggedList[K]) Metrics() *Metrics { return l.metrics }

// Keys returns the live keys in walk order. Diagnostic only; it walks
// without hazard protection and must not race concurrent mutation.
func (l *TaggedList[K]) Keys() []K {
	var keys []K
	for n, _ := l.loadNext(l.head); n != l.tail; n, _ = l.loadNext(n) {
		if !n.marked.Load() {
			keys = append(keys, n.key)
		}
	}
	return keys
}

func (l *TaggedList[K]) loadNext(n *taggedNode[K]) (*taggedNode[K], unsafe.Pointer) {
	word := atomic.LoadPointer(&n.next)
	next, _ := untagWord[K](word)
	return next, word
}

func (l *TaggedList[K]) acquire(key K) *taggedNode[K] {
	n := l.pool.Get().(*taggedNode[K])
	checkTaggedAlignment(n)
	n.key = key
	atomic.StorePointer(&n.next, nil)
	n.marked.Store(false)
	n.deleted.Store(false)
	n.retired.Store(false)
	if acquireNodeHook != nil {
		acquireNodeHook(n)
	}
	return n
}

func (l *TaggedList[K]) free(p unsafe.Pointer) {
	n := (*taggedNode[K])(p)
	if n == l.head || n == l.tail {
		return
	}
	n.deleted.Store(true)
	if freeNodeHook != nil {
		freeNodeHook(n)
	}
	var zero K
	n.key = zero
	atomic.StorePointer(&n.next, nil)
	l.pool.Put(n)
}

func (l *TaggedList[K]) releaseFresh(n *taggedNode[K]) {
	atomic.StorePointer(&n.next, nil)
	l.pool.Put(n)
}

// search mirrors List.search, except that every link observation carries
// the full tagged word and every successful CAS bumps the link's tag.
// leftWord is the tagged word of left.next whose node component is right at
// the validation instant; callers use it as the expected value of their own
// link CAS so a stale tag is rejected.
func (l *TaggedList[K]) search(key K, rec *hpRecord) (left, right *taggedNode[K], leftWord unsafe.Pointer) {
	var leftNext *taggedNode[K]
	var leftNextWord unsafe.Pointer
search:
	for {
		left, leftNext = nil, nil

		t := l.head
		rec.protect(hpCurr, unsafe.Pointer(t))
		tNext, tWord := l.loadNext(t)
		rec.protect(hpNext, unsafe.Pointer(tNext))
		if atomic.LoadPointer(&l.head.next) != tWord || tNext.deleted.Load() {
			continue search
		}

		for {
			if !t.marked.Load() {
				left = t
				rec.protect(hpLeft, unsafe.Pointer(t))
				if t.deleted.Load() {
					continue search
				}
				leftNext, leftNextWord = tNext, tWord
			}

			t = tNext
			if t == l.tail {
				break
			}
			var w unsafe.Pointer
			tNext, w = l.loadNext(t)
			// A nil link means t was reclaimed out from under the walk.
			if tNext == nil {
				continue search
			}
			rec.protect(hpFresh, unsafe.Pointer(tNext))
			if atomic.LoadPointer(&t.next) != w || t.deleted.Load() || tNext.deleted.Load() {
				continue search
			}
			tWord = w
			rec.protect(hpCurr, unsafe.Pointer(t))
			rec.protect(hpNext, unsafe.Pointer(tNext))

			if !t.marked.Load() && !l.less(t.key, key) {
				break
			}
		}
		right = t

		if leftNext == right {
			if right != l.tail && right.marked.Load() {
				continue search
			}
			return left, right, leftNextWord
		}

		_, tag := untagWord[K](leftNextWord)
		newWord := taggedWord(right, tag+1)
		if atomic.CompareAndSwapPointer(&left.next, leftNextWord, newWord) {
			l.retireRun(rec, leftNext, right)
			if right != l.tail && right.marked.Load() {
				continue search
			}
			return left, right, newWord
		}
		l.metrics.IncCASRetry()
	}
}

func (l *TaggedList[K]) retireRun(rec *hpRecord, from, to *taggedNode[K]) {
	count := 0
	for n := from; n != nil && n != to && n != l.tail && n.marked.Load(); {
		next, _ := l.loadNext(n)
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

func (l *TaggedList[K]) retireNode(rec *hpRecord, n *taggedNode[K]) {
	if !n.retired.CompareAndSwap(false, true) {
		return
	}
	if retireNodeHook != nil {
		retireNodeHook(n)
	}
	l.reg.retire(rec, unsafe.Pointer(n), l.free)
}

// Insert adds key to the set; same contract as List.Insert.
func (l *TaggedList[K]) Insert(key K) bool {
	rec := l.reg.pin()
	defer rec.unpin()

	n := l.acquire(key)
	for {
		left, right, leftWord := l.search(key, rec)

		if right != l.tail && right.key == key {
			l.releaseFresh(n)
			return false
		}

		atomic.StorePointer(&n.next, taggedWord(right, 0))

		_, tag := untagWord[K](leftWord)
		if atomic.CompareAndSwapPointer(&left.next, leftWord, taggedWord(n, tag+1)) {
			l.metrics.IncCASSuccess()
			l.metrics.AddLen(1)
			return true
		}
		l.metrics.IncCASRetry()
	}
}

// Remove takes key out of the set; same contract as List.Remove. The unlink
// CAS bumps the link tag like every other link mutation.
func (l *TaggedList[K]) Remove(key K) bool {
	rec := l.reg.pin()
	defer rec.unpin()

	var left, right, rightNext *taggedNode[K]
	var leftWord unsafe.Pointer
	for {
		left, right, leftWord = l.search(key, rec)

		if right == l.tail || right.key != key {
			return false
		}

		var rightWord unsafe.Pointer
		rightNext, rightWord = l.loadNext(right)
		if rightNext == nil {
			continue
		}
		rec.protect(hpSucc, unsafe.Pointer(rightNext))
		if atomic.LoadPointer(&right.next) != rightWord || right.deleted.Load() {
			continue
		}

		if right.marked.CompareAndSwap(false, true) {
			break
		}
	}
	l.metrics.AddLen(-1)

	_, tag := untagWord[K](leftWord)
	if atomic.CompareAndSwapPointer(&left.next, leftWord, taggedWord(rightNext, tag+1)) {
		l.retireNode(rec, right)
	}
	return true
}

// Find reports whether key is a member; same contract as List.Find.
func (l *TaggedList[K]) Find(key K) bool {
	rec := l.reg.pin()
	defer rec.unpin()

	_, right, _ := l.search(key, rec)
	return right != l.tail && right.key == key
}
