package evhttpd

import (
	"container/heap"
	"time"
)

// TimerCallback runs when a timer entry expires. It receives the id the
// entry was registered with; callbacks must be idempotent with respect to
// ids that have already been cancelled or closed elsewhere.
type TimerCallback func(id uint64)

// timerEntry is one node of the min-heap, ordered by expiry. idx tracks
// this entry's current slot in the heap array so Cancel/Update can locate
// it in O(1) without a linear scan.
type timerEntry struct {
	id     uint64
	expiry time.Time
	cb     TimerCallback
	idx    int
}

// timerHeapImpl implements container/heap.Interface. Every Swap keeps both
// entries' idx fields consistent, which is what lets the index map below
// locate any live entry in O(1).
type timerHeapImpl []*timerEntry

func (h timerHeapImpl) Len() int { return len(h) }
func (h timerHeapImpl) Less(i, j int) bool {
	return h[i].expiry.Before(h[j].expiry)
}
func (h timerHeapImpl) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}
func (h *timerHeapImpl) Push(x any) {
	e := x.(*timerEntry)
	e.idx = len(*h)
	*h = append(*h, e)
}
func (h *timerHeapImpl) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// TimerWheel is a min-heap of (expiry, id, callback) triples keyed by an
// opaque connection id, with O(log n) add/update/cancel via the idx
// field on each entry. It drives idle disconnects without a thread per
// connection.
type TimerWheel struct {
	h     timerHeapImpl
	index map[uint64]*timerEntry
	now   func() time.Time
}

// NewTimerWheel constructs an empty wheel.
func NewTimerWheel() *TimerWheel {
	return &TimerWheel{
		index: make(map[uint64]*timerEntry),
		now:   time.Now,
	}
}

// Add registers or reschedules id to fire cb after timeoutMs milliseconds.
// If id is already present its expiry and callback are rewritten in
// place and the heap is sifted down (and, if that makes no progress,
// sifted up) rather than removed and reinserted.
func (w *TimerWheel) Add(id uint64, timeoutMs int, cb TimerCallback) {
	expiry := w.now().Add(time.Duration(timeoutMs) * time.Millisecond)
	if e, ok := w.index[id]; ok {
		e.expiry = expiry
		e.cb = cb
		if !down(&w.h, e.idx, w.h.Len()) {
			up(&w.h, e.idx)
		}
		return
	}
	e := &timerEntry{id: id, expiry: expiry, cb: cb}
	w.index[id] = e
	heap.Push(&w.h, e)
}

// Update rewrites id's expiry only, leaving its callback untouched, and
// sifts down (deadlines are only ever extended by Update, so sifting up
// is never required).
func (w *TimerWheel) Update(id uint64, timeoutMs int) {
	e, ok := w.index[id]
	if !ok {
		return
	}
	e.expiry = w.now().Add(time.Duration(timeoutMs) * time.Millisecond)
	w.siftDown(e.idx)
}

// Cancel removes id from the wheel. Cancelling an absent id is a no-op.
func (w *TimerWheel) Cancel(id uint64) {
	e, ok := w.index[id]
	if !ok {
		return
	}
	heap.Remove(&w.h, e.idx)
	delete(w.index, id)
}

// Tick invokes and removes every entry whose expiry has passed. It is
// safe for a callback to call back into the wheel (Add/Cancel/Update);
// the entry triggering the callback has already been popped before the
// callback runs, so the heap is in a consistent state throughout.
func (w *TimerWheel) Tick() {
	now := w.now()
	for w.h.Len() > 0 {
		top := w.h[0]
		if top.expiry.After(now) {
			break
		}
		heap.Pop(&w.h)
		delete(w.index, top.id)
		top.cb(top.id)
	}
}

// NextDelayMS runs Tick first, then reports the number of milliseconds
// until the new root expires, clamped at 0 for anything already due. It
// returns -1 when the wheel is empty, meaning "block indefinitely".
func (w *TimerWheel) NextDelayMS() int {
	w.Tick()
	if w.h.Len() == 0 {
		return -1
	}
	d := w.h[0].expiry.Sub(w.now())
	if d < 0 {
		return 0
	}
	return int(d / time.Millisecond)
}

// Len reports the number of live entries, for tests and diagnostics.
func (w *TimerWheel) Len() int { return w.h.Len() }

// siftDown restores heap order at index i by pushing it down towards the
// leaves; if that makes no progress, it falls back to sifting up.
// This mirrors container/heap.down/up, which are not exported, so the
// wheel reimplements the signed-index-safe variant described in
// spec.md §9 (no unsigned wraparound at the root).
func (w *TimerWheel) siftDown(i int) {
	if !down(&w.h, i, w.h.Len()) {
		up(&w.h, i)
	}
}

// down mirrors container/heap's unexported sift-down, operating directly
// on the slice so TimerWheel.Update can call it without a full heap.Fix.
func down(h *timerHeapImpl, i, n int) bool {
	i0 := i
	for {
		left := 2*i + 1
		if left >= n || left < 0 {
			break
		}
		j := left
		if right := left + 1; right < n && h.Less(right, left) {
			j = right
		}
		if !h.Less(j, i) {
			break
		}
		h.Swap(i, j)
		i = j
	}
	return i > i0
}

// up mirrors container/heap's unexported sift-up. The loop condition is a
// signed `for j > 0`, which is what avoids the unsigned-wraparound bug
// spec.md §9 calls out in the source's siftup_.
func up(h *timerHeapImpl, j int) {
	for j > 0 {
		i := (j - 1) / 2
		if i == j || !h.Less(j, i) {
			break
		}
		h.Swap(i, j)
		j = i
	}
}
