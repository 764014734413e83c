package lflist

import (
	"fmt"
	"strings"
	"sync"
)

// Less reports whether a orders strictly before b. It must describe a total
// order over K.
type Less[K comparable] func(a, b K) bool

// Config carries the construction knobs for a List.
type Config struct {
	// Registry overrides the shared default hazard registry. Leave nil to
	// use DefaultRegistry.
	Registry *HazardRegistry
}

// NewConfig returns a Config with defaults.
func NewConfig() Config { return Config{} }

// List is a concurrent sorted set of keys backed by a singly-linked list.
// Insert, Remove and Find are lock-free: no operation ever blocks another,
// and some operation always completes in a bounded number of steps
// system-wide. Elements are kept in ascending key order and duplicates are
// rejected.
type List[K comparable] struct {
	less    Less[K]
	head    *Node[K]
	tail    *Node[K]
	reg     *HazardRegistry
	metrics *Metrics
	pool    sync.Pool
}

// New returns an empty List ordered by less, using the shared default
// hazard registry.
func New[K comparable](less Less[K]) *List[K] {
	return NewWithConfig(less, NewConfig())
}

// NewWithConfig returns an empty List ordered by less.
func NewWithConfig[K comparable](less Less[K], cfg Config) *List[K] {
	head, tail := newSentinels[K]()
	reg := cfg.Registry
	if reg == nil {
		reg = defaultRegistry
	}
	l := &List[K]{
		less:    less,
		head:    head,
		tail:    tail,
		reg:     reg,
		metrics: newMetrics(newRNG()),
	}
	l.pool.New = func() any { return new(Node[K]) }
	return l
}

// Len returns the number of live elements. The count is maintained with
// sharded counters and is exact only at quiescent moments.
func (l *List[K]) Len() int64 { return l.metrics.Len() }

// Metrics exposes the list's contention counters.
func (l *List[K]) Metrics() *Metrics { return l.metrics }

// Registry returns the hazard registry this list retires through.
func (l *List[K]) Registry() *HazardRegistry { return l.reg }

// Diagnostics. These walk without hazard protection and are only meaningful
// at quiescent moments, after every mutating goroutine has joined.

// Head returns the head sentinel.
func (l *List[K]) Head() *Node[K] { return l.head }

// Tail returns the tail sentinel.
func (l *List[K]) Tail() *Node[K] { return l.tail }

// Front returns the first live element, or nil when the set is empty.
func (l *List[K]) Front() *Node[K] { return l.NextOf(l.head) }

// NextOf returns the next live element after n, skipping nodes that are
// logically deleted but not yet spliced out. It returns nil at the end of
// the list.
func (l *List[K]) NextOf(n *Node[K]) *Node[K] {
	for c := n.next.Load(); c != nil; c = c.next.Load() {
		if c == l.tail {
			return nil
		}
		if !c.marked.Load() {
			return c
		}
	}
	return nil
}

// Print writes the live elements in walk order to stdout.
func (l *List[K]) Print() { fmt.Println(l.String()) }

// String renders the live elements in walk order.
func (l *List[K]) String() string {
	var b strings.Builder
	for n := l.Front(); n != nil; n = l.NextOf(n) {
		fmt.Fprintf(&b, "%v -> ", n.key)
	}
	b.WriteString("NULL")
	return b.String()
}
