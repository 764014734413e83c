package lflist

import (
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// drainAndVerify runs a quiescent Find sweep over [0, keySpace] so every
// remaining marked run gets spliced out, then returns the raw chain between
// the sentinels.
func drainAndVerify(t *testing.T, l *List[int], keySpace int) []*Node[int] {
	t.Helper()

	for k := 0; k <= keySpace; k++ {
		l.Find(k)
	}

	var chain []*Node[int]
	for n := l.head.next.Load(); n != l.tail; n = n.next.Load() {
		chain = append(chain, n)
	}
	for i, n := range chain {
		if n.marked.Load() {
			t.Fatalf("node %d (key %d) still marked after quiescent sweep", i, n.key)
		}
		if i > 0 && chain[i-1].key >= n.key {
			t.Fatalf("walk out of order at %d: %d then %d", i, chain[i-1].key, n.key)
		}
	}
	return chain
}

func TestConcurrentMixedOperationsStorm(t *testing.T) {
	// Dump goroutines on failure so a livelock is diagnosable.
	t.Cleanup(func() {
		if t.Failed() {
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	})

	// Log seed for reproducibility.
	seed := time.Now().UnixNano()
	t.Logf("test seed=%d", seed)

	l := New[int](intLess)

	const keySpace = 128
	goroutines := max(2*runtime.GOMAXPROCS(0), 4)
	const operationsPerGoroutine = 2000

	var wg sync.WaitGroup
	for g := range goroutines {
		wg.Add(1)
		go func(s int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(s))
			for range operationsPerGoroutine {
				key := r.Intn(keySpace)
				switch r.Intn(3) {
				case 0:
					l.Insert(key)
				case 1:
					l.Remove(key)
				case 2:
					l.Find(key)
				}
			}
		}(seed + int64(g))
	}
	wg.Wait()

	chain := drainAndVerify(t, l, keySpace)

	// Walk, Iterator and Find must agree at quiescence.
	member := make(map[int]bool, len(chain))
	for _, n := range chain {
		if member[n.key] {
			t.Fatalf("duplicate key %d", n.key)
		}
		member[n.key] = true
	}
	it := l.Iterator()
	for it.Next() {
		if !member[it.Key()] {
			t.Fatalf("iterator returned key %d missing from raw walk", it.Key())
		}
	}
	for k := 0; k < keySpace; k++ {
		if got := l.Find(k); got != member[k] {
			t.Fatalf("Find(%d)=%t, walk says %t", k, got, member[k])
		}
	}
	if got, want := l.Len(), int64(len(chain)); got != want {
		t.Fatalf("Len()=%d, walk counted %d", got, want)
	}
}

func TestDisjointParallelRanges(t *testing.T) {
	const threads = 8
	const perThread = 100
	l := New[int](intLess)

	var wg sync.WaitGroup
	for i := range threads {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for k := base; k < base+perThread; k++ {
				if !l.Insert(k) {
					t.Errorf("Insert(%d) of a fresh key returned false", k)
					return
				}
			}
		}(i * perThread)
	}
	wg.Wait()

	if got, want := l.Len(), int64(threads*perThread); got != want {
		t.Fatalf("after inserts Len()=%d, want %d", got, want)
	}

	for i := range threads {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for k := base; k < base+perThread; k++ {
				if !l.Remove(k) {
					t.Errorf("Remove(%d) of a present key returned false", k)
					return
				}
			}
		}(i * perThread)
	}
	wg.Wait()

	for k := 0; k < threads*perThread; k++ {
		if l.Find(k) {
			t.Fatalf("Find(%d) true after every range was removed", k)
		}
	}
	if chain := drainAndVerify(t, l, threads*perThread); len(chain) != 0 {
		t.Fatalf("expected empty list, found %d nodes", len(chain))
	}
	if got := l.Len(); got != 0 {
		t.Fatalf("Len()=%d on an empty list", got)
	}
}

func TestMixedWorkloadNoDelete(t *testing.T) {
	const threads = 8
	const ops = 100
	l := New[int](intLess)

	var wg sync.WaitGroup
	for i := range threads {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range ops {
				if j%2 == 0 {
					l.Insert(j + id*ops)
				} else {
					// Usually a no-op: odd keys are never inserted.
					l.Remove(j)
				}
			}
		}(i)
	}
	wg.Wait()

	chain := drainAndVerify(t, l, threads*ops)
	if len(chain) != threads*ops/2 {
		t.Fatalf("expected %d elements, walked %d", threads*ops/2, len(chain))
	}
	for k := 0; k < threads*ops; k++ {
		want := k%2 == 0
		if got := l.Find(k); got != want {
			t.Fatalf("Find(%d)=%t, want %t", k, got, want)
		}
	}
}

func TestMixedWorkloadAllDelete(t *testing.T) {
	const threads = 8
	const ops = 100
	l := New[int](intLess)

	var wg sync.WaitGroup
	for i := range threads {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := range ops {
				if j%2 == 0 {
					if !l.Insert(base + j) {
						t.Errorf("Insert(%d) of a fresh key returned false", base+j)
						return
					}
				} else if !l.Remove(base + j - 1) {
					t.Errorf("Remove(%d) right after inserting it returned false", base+j-1)
					return
				}
			}
		}(i * ops)
	}
	wg.Wait()

	if chain := drainAndVerify(t, l, threads*ops); len(chain) != 0 {
		t.Fatalf("expected empty list, walked %d nodes", len(chain))
	}
}

func TestConcurrentDuplicateInsertsSingleWinner(t *testing.T) {
	const threads = 16
	for round := range 50 {
		l := New[int](intLess)
		start := make(chan struct{})
		var wins atomic.Int64

		var wg sync.WaitGroup
		for range threads {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if l.Insert(42) {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := wins.Load(); got != 1 {
			t.Fatalf("round %d: %d concurrent Insert(42) succeeded, want exactly 1", round, got)
		}

		start = make(chan struct{})
		wins.Store(0)
		for range threads {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if l.Remove(42) {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := wins.Load(); got != 1 {
			t.Fatalf("round %d: %d concurrent Remove(42) succeeded, want exactly 1", round, got)
		}
		if l.Find(42) {
			t.Fatalf("round %d: key still present after removal", round)
		}
	}
}

func TestSameKeyChurn(t *testing.T) {
	const keySpace = 200
	goroutines := max(runtime.GOMAXPROCS(0), 4)
	const iterations = 2000

	l := New[int](intLess)
	seed := time.Now().UnixNano()
	t.Logf("test seed=%d", seed)

	var wg sync.WaitGroup
	for g := range goroutines {
		wg.Add(1)
		go func(s int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(s))
			for range iterations {
				k := r.Intn(keySpace)
				l.Insert(k)
				l.Remove(k)
			}
		}(seed + int64(g))
	}
	wg.Wait()

	// Quiescent drain: whatever churn left behind must come out cleanly.
	for k := 0; k < keySpace; k++ {
		for l.Find(k) {
			if !l.Remove(k) {
				break
			}
		}
	}
	if chain := drainAndVerify(t, l, keySpace); len(chain) != 0 {
		t.Fatalf("expected empty list after drain, walked %d nodes", len(chain))
	}
}

func TestHeadAndTailContention(t *testing.T) {
	const low, high = 0, 1 << 10
	goroutines := max(runtime.GOMAXPROCS(0), 4)
	const iterations = 1000

	l := New[int](intLess)
	l.Insert(high / 2)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				l.Insert(low)
				l.Remove(low)
				l.Insert(high)
				l.Remove(high)
			}
		}()
	}
	wg.Wait()

	for _, k := range []int{low, high} {
		for l.Find(k) {
			if !l.Remove(k) {
				break
			}
		}
	}
	chain := drainAndVerify(t, l, high)
	if len(chain) != 1 || chain[0].key != high/2 {
		t.Fatalf("expected only the middle key to survive, walked %v nodes", len(chain))
	}
}

func TestLongMarkedRunsAreNotResurrected(t *testing.T) {
	const totalKeys = 1024
	const workers = 8

	l := New[int](intLess)
	for k := range totalKeys {
		l.Insert(k)
	}

	var deleters sync.WaitGroup
	deleters.Add(workers)
	for w := range workers {
		go func(offset int) {
			defer deleters.Done()
			for k := offset; k < totalKeys; k += workers {
				l.Remove(k)
			}
		}(w)
	}

	// A helper keeps searching while long runs of marked nodes pile up, so
	// the snip path sees multi-node runs rather than single victims.
	stop := make(chan struct{})
	var helper sync.WaitGroup
	helper.Add(1)
	go func() {
		defer helper.Done()
		r := rand.New(rand.NewSource(4321))
		for {
			select {
			case <-stop:
				return
			default:
			}
			l.Find(r.Intn(totalKeys))
			time.Sleep(time.Microsecond)
		}
	}()

	deleters.Wait()
	close(stop)
	helper.Wait()

	for k := range totalKeys {
		if l.Find(k) {
			t.Fatalf("key %d resurfaced after deletion", k)
		}
	}
	if chain := drainAndVerify(t, l, totalKeys); len(chain) != 0 {
		t.Fatalf("expected empty list, walked %d nodes", len(chain))
	}
	if snips := l.Metrics().Snips(); snips == 0 {
		t.Fatalf("expected searches to splice marked runs, Snips()=0")
	}
}

func TestAllRecordsReleasedAfterStorm(t *testing.T) {
	reg := NewHazardRegistry(64)
	l := NewWithConfig[int](intLess, Config{Registry: reg})

	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for k := base; k < base+200; k++ {
				l.Insert(k)
				l.Find(k)
				l.Remove(k)
			}
		}(g * 200)
	}
	wg.Wait()

	if pinned := reg.Stats().Pinned; pinned != 0 {
		t.Fatalf("%d records still pinned after all operations returned", pinned)
	}
}
