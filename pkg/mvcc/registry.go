// Package mvcc tracks the read points held by open scans.
//
// A scan reads at the sequence number visible when it opened. It keeps
// the data behind that read point alive by pinning the memtables and the
// Version it captured. The registry retains nothing; it reports which
// read points are still open and since when.
package mvcc

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Registry holds the open read points, oldest sequence number first.
// It is safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	pins pinHeap
	now  func() time.Time
}

// Pin is one open read point. Unpin it when the scan closes.
type Pin struct {
	seq      uint64
	opened   time.Time
	reg      *Registry
	unpinned atomic.Bool
	pos      int // position in reg.pins, -1 once removed
}

type pinHeap []*Pin

func (h pinHeap) Len() int { return len(h) }

func (h pinHeap) Less(i, j int) bool {
	if h[i].seq != h[j].seq {
		return h[i].seq < h[j].seq
	}
	return h[i].opened.Before(h[j].opened)
}

func (h pinHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos, h[j].pos = i, j
}

func (h *pinHeap) Push(x any) {
	p := x.(*Pin)
	p.pos = len(*h)
	*h = append(*h, p)
}

func (h *pinHeap) Pop() any {
	old := *h
	p := old[len(old)-1]
	old[len(old)-1] = nil
	p.pos = -1
	*h = old[:len(old)-1]
	return p
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Pin registers a read point at seq.
func (r *Registry) Pin(seq uint64) *Pin {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &Pin{seq: seq, opened: r.now(), reg: r, pos: -1}
	heap.Push(&r.pins, p)
	return p
}

func (r *Registry) unpin(p *Pin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.pos >= 0 {
		heap.Remove(&r.pins, p.pos)
	}
}

// Oldest returns the smallest open sequence number and when that read
// point was opened. ok is false when nothing is pinned.
func (r *Registry) Oldest() (seq uint64, opened time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pins) == 0 {
		return 0, time.Time{}, false
	}
	return r.pins[0].seq, r.pins[0].opened, true
}

// Len returns the number of open read points.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pins)
}

// Seq returns the pinned sequence number.
func (p *Pin) Seq() uint64 { return p.seq }

// Unpin removes the read point. Later calls do nothing.
func (p *Pin) Unpin() {
	if p == nil || p.unpinned.Swap(true) {
		return
	}
	p.reg.unpin(p)
}
