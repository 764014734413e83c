package lflist

import (
	"sync/atomic"
	"unsafe"
)

const (
	// hazardSlots is the number of hazard slots per record. The traversal
	// protocol uses five: current node, its successor, the freshly loaded
	// successor, the tentative left node, and the removal victim's successor.
	hazardSlots = 5

	// DefaultRegistryCapacity bounds the number of goroutines that may hold
	// a record at the same instant when using the shared default registry.
	DefaultRegistryCapacity = 256

	// retireFloor is the minimum pending-list length before a reclamation
	// scan runs.
	retireFloor = 64
)

type retiredPtr struct {
	p    unsafe.Pointer
	free func(unsafe.Pointer)
}

// hpRecord is one registry entry. Slots are written only by the goroutine
// that currently holds the record and read by every scanning goroutine. The
// retired list is touched only while the record is held, but it survives
// release so pending pointers are reconsidered by the next holder.
type hpRecord struct {
	reg     *HazardRegistry
	pinned  atomic.Bool
	slots   [hazardSlots]unsafe.Pointer
	retired []retiredPtr
	// Pad to cache line size to prevent false sharing between records.
	_ [48]byte
}

func (rec *hpRecord) protect(i int, p unsafe.Pointer) {
	atomic.StorePointer(&rec.slots[i], p)
}

func (rec *hpRecord) clear(i int) {
	atomic.StorePointer(&rec.slots[i], nil)
}

// unpin clears every slot and releases the record for the next claimant.
func (rec *hpRecord) unpin() {
	for i := range rec.slots {
		rec.clear(i)
	}
	rec.reg.pinned.Add(-1)
	rec.pinned.Store(false)
}

// HazardRegistry is the safe-memory reclaimer: a fixed-capacity table of
// records, each carrying a small set of published node addresses. A retired
// node is freed only once no slot in any record announces it.
//
// Goroutines have no stable identity to key a record on, so a record is
// claimed for the duration of one list operation and released afterwards.
// The record count therefore has to cover the peak number of concurrent
// operations, not the total goroutine population.
type HazardRegistry struct {
	records     []hpRecord
	pinned      atomic.Int64
	retires     atomic.Int64
	frees       atomic.Int64
	retiredPeak atomic.Int64
	rng         *RNG
}

// NewHazardRegistry returns a registry with the given record capacity.
// Claiming a record when all of them are held is a fatal configuration
// error, so the capacity must be at least the peak concurrent operation
// count.
func NewHazardRegistry(capacity int) *HazardRegistry {
	if capacity < 1 {
		panic("lflist: hazard registry capacity must be positive")
	}
	r := &HazardRegistry{
		records: make([]hpRecord, capacity),
		rng:     newRNG(),
	}
	for i := range r.records {
		r.records[i].reg = r
	}
	return r
}

// defaultRegistry is process-wide state, constructed eagerly at package
// initialization so no list operation ever races its creation.
var defaultRegistry = NewHazardRegistry(DefaultRegistryCapacity)

// DefaultRegistry returns the shared registry used by lists that were not
// configured with their own.
func DefaultRegistry() *HazardRegistry { return defaultRegistry }

// pin claims a free record. The probe starts at a randomized offset so
// concurrent claimants spread across the table instead of piling onto the
// first CAS.
func (r *HazardRegistry) pin() *hpRecord {
	start := int(r.rng.nextRandom64() % uint64(len(r.records)))
	for i := 0; i < len(r.records); i++ {
		rec := &r.records[(start+i)%len(r.records)]
		if rec.pinned.CompareAndSwap(false, true) {
			r.pinned.Add(1)
			return rec
		}
	}
	panic("lflist: hazard registry full; raise the capacity above the peak concurrent operation count")
}

// IsProtected reports whether any slot of any record currently announces p.
// Scans are unordered; callers must not infer ordering from the result.
func (r *HazardRegistry) IsProtected(p unsafe.Pointer) bool {
	for i := range r.records {
		rec := &r.records[i]
		for j := range rec.slots {
			if atomic.LoadPointer(&rec.slots[j]) == p {
				return true
			}
		}
	}
	return false
}

// retire appends p to the record's pending list. Once the list reaches the
// threshold, every pending pointer that no slot announces is freed; the
// rest stay pending. Retirement never fails, it only defers freeing.
func (r *HazardRegistry) retire(rec *hpRecord, p unsafe.Pointer, free func(unsafe.Pointer)) {
	rec.retired = append(rec.retired, retiredPtr{p: p, free: free})
	r.retires.Add(1)
	r.notePeak(int64(len(rec.retired)))
	if len(rec.retired) < r.threshold() {
		return
	}
	kept := rec.retired[:0]
	for _, rp := range rec.retired {
		if r.IsProtected(rp.p) {
			kept = append(kept, rp)
			continue
		}
		rp.free(rp.p)
		r.frees.Add(1)
	}
	for i := len(kept); i < len(rec.retired); i++ {
		rec.retired[i] = retiredPtr{}
	}
	rec.retired = kept
}

func (r *HazardRegistry) threshold() int {
	t := 2 * hazardSlots * int(r.pinned.Load())
	if t < retireFloor {
		t = retireFloor
	}
	return t
}

func (r *HazardRegistry) notePeak(n int64) {
	for {
		cur := r.retiredPeak.Load()
		if n <= cur || r.retiredPeak.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Capacity returns the number of records in the registry.
func (r *HazardRegistry) Capacity() int { return len(r.records) }

// RegistryStats is a snapshot of the reclaimer's counters. RetiredPeak is
// the longest pending list any single record has held, which bounds the
// deferred-memory footprint per record.
type RegistryStats struct {
	Pinned      int64
	Retires     int64
	Frees       int64
	RetiredPeak int64
}

// Stats returns a point-in-time snapshot of the reclaimer's counters.
func (r *HazardRegistry) Stats() RegistryStats {
	return RegistryStats{
		Pinned:      r.pinned.Load(),
		Retires:     r.retires.Load(),
		Frees:       r.frees.Load(),
		RetiredPeak: r.retiredPeak.Load(),
	}
}
